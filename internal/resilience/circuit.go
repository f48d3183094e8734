// Package resilience provides circuit breaker and retry patterns for external service calls.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// CircuitState is the state of a Breaker.
type CircuitState = gobreaker.State

const (
	CircuitClosed   = gobreaker.StateClosed
	CircuitHalfOpen = gobreaker.StateHalfOpen
	CircuitOpen     = gobreaker.StateOpen
)

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls a Breaker.
type BreakerConfig struct {
	// Name identifies the guarded service in logs and state callbacks.
	Name string

	// FailureThreshold is the number of consecutive tripping failures that
	// opens the circuit. Default: 5.
	FailureThreshold uint32

	// OpenTimeout is how long the circuit stays open before letting probes
	// through. Default: 30s.
	OpenTimeout time.Duration

	// HalfOpenProbes is the number of successful probes that close the
	// circuit again. Default: 1.
	HalfOpenProbes uint32

	// ShouldTrip decides which errors count as failures. Nil counts every
	// non-nil error.
	ShouldTrip func(err error) bool

	// OnStateChange observes transitions after they are logged.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultBreakerConfig returns the defaults for the named service.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// Breaker guards one external service.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker builds a Breaker, filling zero fields from DefaultBreakerConfig.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig(cfg.Name)
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	shouldTrip := cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = func(err error) bool { return err != nil }
	}
	threshold := cfg.FailureThreshold
	onChange := cfg.OnStateChange

	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !shouldTrip(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			zap.L().Warn("resilience: circuit state change",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if onChange != nil {
				onChange(name, from, to)
			}
		},
	}
	return &Breaker{name: cfg.Name, cb: gobreaker.NewCircuitBreaker(st)}
}

// Name returns the guarded service name.
func (b *Breaker) Name() string { return b.name }

// State returns the current circuit state.
func (b *Breaker) State() CircuitState { return b.cb.State() }

// Counts returns the consecutive failure count of the current generation.
func (b *Breaker) Counts() (consecutiveFailures uint32) {
	return b.cb.Counts().ConsecutiveFailures
}

// Execute runs fn through b. Rejected calls return ErrCircuitOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	out, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, eris.Wrapf(ErrCircuitOpen, "%s", b.name)
	}
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}
