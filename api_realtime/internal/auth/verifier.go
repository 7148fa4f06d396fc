package auth

import (
	"context"
	"fmt"

	"chatrelay/pkg/logging"
)

// Result identifies who a token belongs to.
type Result struct {
	Tenant  string
	Subject string
}

// Verifier tries each tenant in configured order. A tenant's rejection, error
// or panic only moves on to the next tenant; exhausting the list yields
// ErrNoTenantMatched.
type Verifier struct {
	tenants []Tenant
	logger  logging.Logger
}

func NewVerifier(tenants []Tenant, logger logging.Logger) (*Verifier, error) {
	if len(tenants) == 0 {
		return nil, ErrNoTenants
	}
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &Verifier{tenants: append([]Tenant(nil), tenants...), logger: logger}, nil
}

// Verify returns the first tenant that accepts token. A cancelled or expired
// ctx is returned as-is so callers can tell a timeout from a rejection.
func (v *Verifier) Verify(ctx context.Context, token string) (Result, error) {
	if token == "" {
		return Result{}, ErrEmptyToken
	}

	for _, tenant := range v.tenants {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		subject, err := verifyTenant(ctx, tenant, token)
		if err != nil {
			v.logger.WithFields(logging.Fields{
				"tenant": tenant.Name(),
				"error":  err.Error(),
			}).Debug("Tenant rejected token")
			continue
		}
		return Result{Tenant: tenant.Name(), Subject: subject}, nil
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{}, ErrNoTenantMatched
}

func verifyTenant(ctx context.Context, tenant Tenant, token string) (subject string, err error) {
	defer func() {
		if r := recover(); r != nil {
			subject = ""
			err = fmt.Errorf("tenant %s panicked: %v", tenant.Name(), r)
		}
	}()
	return tenant.Verify(ctx, token)
}

// Tenants returns the tenant names in verification order.
func (v *Verifier) Tenants() []string {
	names := make([]string, len(v.tenants))
	for i, t := range v.tenants {
		names[i] = t.Name()
	}
	return names
}
