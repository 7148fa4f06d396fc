package identity

import (
	"context"
	"errors"
	"time"

	"chatrelay/pkg/cache"
	identityclient "chatrelay/pkg/clients/identity"
	"chatrelay/pkg/logging"
)

// UserLookup is the identity service call the resolver depends on.
type UserLookup interface {
	CurrentUserID(ctx context.Context, subject string) (string, error)
}

// Resolver maps tenant subjects to internal user ids.
type Resolver struct {
	lookup UserLookup
	cache  *cache.Cache[string]
	logger logging.Logger
}

// NewResolver caches positive answers for ttl; ttl <= 0 disables caching.
func NewResolver(lookup UserLookup, ttl time.Duration, hooks cache.MetricsHooks, logger logging.Logger) *Resolver {
	r := &Resolver{lookup: lookup, logger: logger}
	if ttl > 0 {
		r.cache = cache.New[string](cache.Options{TTL: ttl, MaxEntries: 10000}, hooks)
	}
	return r
}

// Resolve returns the internal user id for subject. An empty id with a nil
// error means the identity service does not know the subject; an error means
// the service could not be reached.
func (r *Resolver) Resolve(ctx context.Context, subject string) (string, error) {
	if subject == "" {
		return "", nil
	}
	if r.cache == nil {
		id, _, err := r.load(ctx, subject)
		return id, err
	}
	id, _, err := r.cache.Get(ctx, subject, r.load)
	return id, err
}

func (r *Resolver) load(ctx context.Context, subject string) (string, bool, error) {
	id, err := r.lookup.CurrentUserID(ctx, subject)
	if err == nil {
		return id, id != "", nil
	}

	var apiErr *identityclient.APIError
	if errors.As(err, &apiErr) || errors.Is(err, identityclient.ErrMissingUserID) {
		if r.logger != nil {
			r.logger.WithError(err).WithField("subject", subject).Debug("Identity service has no user for subject")
		}
		return "", false, nil
	}
	return "", false, err
}
