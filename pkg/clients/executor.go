package clients

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"chatrelay/pkg/logging"
)

// BreakerState mirrors the failsafe-go circuit breaker states for logs and metrics.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig trips the breaker when FailureThreshold of the last Window
// calls failed (network error or 5xx), and keeps it open for Delay.
type BreakerConfig struct {
	FailureThreshold uint
	Window           uint
	Delay            time.Duration
	SuccessThreshold uint
}

// DefaultBreakerConfig returns a 5-of-10 breaker with a 15s cool-down.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           10,
		Delay:            15 * time.Second,
		SuccessThreshold: 1,
	}
}

// HTTPExecutorConfig configures the resilience policies of one collaborator.
type HTTPExecutorConfig struct {
	// Name labels breaker logs and metrics
	Name string

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// ShouldRetry decides whether a response or error is retried
	ShouldRetry func(resp *http.Response, err error) bool

	// Breaker is optional; nil disables circuit breaking
	Breaker *BreakerConfig

	Logger logging.Logger
}

// DefaultHTTPExecutorConfig returns bounded exponential retry without a breaker.
func DefaultHTTPExecutorConfig(name string) HTTPExecutorConfig {
	return HTTPExecutorConfig{
		Name:        name,
		MaxRetries:  2,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		ShouldRetry: DefaultShouldRetry,
	}
}

// DefaultShouldRetry retries network errors, 5xx gateway-ish statuses and 429.
// An open breaker is never retried.
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, circuitbreaker.ErrOpen) && !errors.Is(err, context.Canceled)
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

func normalizeHTTPExecutorConfig(cfg HTTPExecutorConfig) HTTPExecutorConfig {
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = DefaultShouldRetry
	}
	if cfg.Breaker != nil {
		b := *cfg.Breaker
		if b.Window == 0 {
			b.Window = 10
		}
		if b.FailureThreshold == 0 || b.FailureThreshold > b.Window {
			b.FailureThreshold = b.Window / 2
			if b.FailureThreshold == 0 {
				b.FailureThreshold = 1
			}
		}
		if b.Delay <= 0 {
			b.Delay = 15 * time.Second
		}
		if b.SuccessThreshold == 0 {
			b.SuccessThreshold = 1
		}
		cfg.Breaker = &b
	}
	return cfg
}

// NewHTTPRetryPolicy creates a retry policy that hands back the last response
// (rather than an ExceededError) once attempts run out.
//
//nolint:bodyclose // [*http.Response] is a type parameter here
func NewHTTPRetryPolicy(cfg HTTPExecutorConfig) retrypolicy.RetryPolicy[*http.Response] {
	cfg = normalizeHTTPExecutorConfig(cfg)
	return retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(cfg.ShouldRetry).
		ReturnLastFailure().
		Build()
}

// NewHTTPBreaker creates a circuit breaker counting transport errors and 5xx as failures.
//
//nolint:bodyclose // [*http.Response] is a type parameter here
func NewHTTPBreaker(cfg HTTPExecutorConfig) circuitbreaker.CircuitBreaker[*http.Response] {
	cfg = normalizeHTTPExecutorConfig(cfg)
	b := cfg.Breaker
	if b == nil {
		def := DefaultBreakerConfig()
		b = &def
	}
	name := cfg.Name
	logger := cfg.Logger
	return circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(b.FailureThreshold, b.Window).
		WithDelay(b.Delay).
		WithSuccessThreshold(b.SuccessThreshold).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode >= 500
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			from, to := convertState(event.OldState), convertState(event.NewState)
			RecordCircuitBreakerTransition(name, from, to)
			if logger != nil {
				logger.WithFields(logging.Fields{
					"circuit_breaker": name,
					"from_state":      from.String(),
					"to_state":        to.String(),
				}).Warn("circuit breaker state change")
			}
		}).
		Build()
}

func convertState(state circuitbreaker.State) BreakerState {
	switch state {
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	case circuitbreaker.OpenState:
		return StateOpen
	default:
		return StateClosed
	}
}

// NewHTTPExecutor composes the retry policy with the optional breaker. The
// breaker sits inside the retry so every attempt is counted.
//
//nolint:bodyclose // [*http.Response] is a type parameter here
func NewHTTPExecutor(cfg HTTPExecutorConfig) failsafe.Executor[*http.Response] {
	cfg = normalizeHTTPExecutorConfig(cfg)
	retry := NewHTTPRetryPolicy(cfg)
	if cfg.Breaker != nil {
		return failsafe.With[*http.Response](retry, NewHTTPBreaker(cfg))
	}
	return failsafe.With[*http.Response](retry)
}

// ExecuteHTTP runs an HTTP request through the executor
func ExecuteHTTP(ctx context.Context, executor failsafe.Executor[*http.Response], fn func() (*http.Response, error)) (*http.Response, error) {
	return executor.WithContext(ctx).Get(fn)
}

// Do runs one request built by build through executor. Responses that will be
// retried are drained and closed so connections are reused. A nil executor
// sends a single request.
func Do(ctx context.Context, client *http.Client, executor failsafe.Executor[*http.Response], shouldRetry func(*http.Response, error) bool, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if executor == nil {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return client.Do(req)
	}

	var last *http.Response
	resp, err := ExecuteHTTP(ctx, executor, func() (*http.Response, error) {
		if last != nil && last.Body != nil {
			_ = last.Body.Close()
			last = nil
		}
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if shouldRetry != nil && shouldRetry(resp, err) {
			last = resp
		}
		return resp, err
	})
	return resp, err
}
