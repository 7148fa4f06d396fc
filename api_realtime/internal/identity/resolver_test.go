package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/pkg/cache"
	identityclient "chatrelay/pkg/clients/identity"
)

type fakeLookup struct {
	calls int32
	id    string
	err   error
}

func (f *fakeLookup) CurrentUserID(ctx context.Context, subject string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.id, f.err
}

func TestResolveCachesPositiveAnswers(t *testing.T) {
	lookup := &fakeLookup{id: "u-1"}
	var hits, misses int32
	r := NewResolver(lookup, time.Minute, cache.MetricsHooks{
		OnHit:  func() { atomic.AddInt32(&hits, 1) },
		OnMiss: func() { atomic.AddInt32(&misses, 1) },
	}, nil)

	for i := 0; i < 3; i++ {
		id, err := r.Resolve(context.Background(), "sub")
		if err != nil || id != "u-1" {
			t.Fatalf("expected u-1, got %q (%v)", id, err)
		}
	}
	if lookup.calls != 1 {
		t.Fatalf("expected one lookup, got %d", lookup.calls)
	}
	if hits != 2 || misses != 1 {
		t.Fatalf("unexpected hit/miss %d/%d", hits, misses)
	}
}

func TestResolveNotFoundIsEmptyAndUncached(t *testing.T) {
	for _, lookupErr := range []error{&identityclient.APIError{StatusCode: 404}, identityclient.ErrMissingUserID} {
		lookup := &fakeLookup{err: lookupErr}
		r := NewResolver(lookup, time.Minute, cache.MetricsHooks{}, nil)

		for i := 0; i < 2; i++ {
			id, err := r.Resolve(context.Background(), "sub")
			if err != nil || id != "" {
				t.Fatalf("%v: expected empty id without error, got %q (%v)", lookupErr, id, err)
			}
		}
		if lookup.calls != 2 {
			t.Fatalf("%v: misses must not be cached, got %d calls", lookupErr, lookup.calls)
		}
	}
}

func TestResolveTransportErrorPropagates(t *testing.T) {
	transportErr := errors.New("connection refused")
	r := NewResolver(&fakeLookup{err: transportErr}, 0, cache.MetricsHooks{}, nil)

	if _, err := r.Resolve(context.Background(), "sub"); !errors.Is(err, transportErr) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestResolveEmptySubject(t *testing.T) {
	lookup := &fakeLookup{id: "u"}
	r := NewResolver(lookup, time.Minute, cache.MetricsHooks{}, nil)
	if id, err := r.Resolve(context.Background(), ""); id != "" || err != nil {
		t.Fatalf("expected empty result, got %q (%v)", id, err)
	}
	if lookup.calls != 0 {
		t.Fatalf("empty subject should not be looked up")
	}
}

func TestResolveAgainstIdentityService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Subject") == "known" {
			_, _ = w.Write([]byte(`{"data":{"id":"u-77"}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewResolver(identityclient.NewClient(srv.URL), time.Minute, cache.MetricsHooks{}, nil)

	if id, err := r.Resolve(context.Background(), "known"); err != nil || id != "u-77" {
		t.Fatalf("expected u-77, got %q (%v)", id, err)
	}
	if id, err := r.Resolve(context.Background(), "stranger"); err != nil || id != "" {
		t.Fatalf("expected not found, got %q (%v)", id, err)
	}
}

type slowLookup struct {
	calls   int32
	delay   time.Duration
	started chan struct{}
}

func (s *slowLookup) CurrentUserID(ctx context.Context, subject string) (string, error) {
	if atomic.AddInt32(&s.calls, 1) == 1 {
		close(s.started)
	}
	select {
	case <-time.After(s.delay):
		return "u-1", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestResolveSharedLookupSurvivesFirstCallerDeadline(t *testing.T) {
	lookup := &slowLookup{delay: 200 * time.Millisecond, started: make(chan struct{})}
	r := NewResolver(lookup, time.Minute, cache.MetricsHooks{}, nil)

	firstErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := r.Resolve(ctx, "sub")
		firstErr <- err
	}()

	<-lookup.started
	time.Sleep(5 * time.Millisecond)

	id, err := r.Resolve(context.Background(), "sub")
	if err != nil || id != "u-1" {
		t.Fatalf("expected joined caller to get u-1, got %q (%v)", id, err)
	}
	if err := <-firstErr; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected first caller to hit its own deadline, got %v", err)
	}
	if got := atomic.LoadInt32(&lookup.calls); got != 1 {
		t.Fatalf("expected one shared lookup, got %d", got)
	}
}
