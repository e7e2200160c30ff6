// Package resilient wraps a store.Store with a per-call timeout, bounded
// retry with exponential backoff and a circuit breaker.
//
// Only untyped and ExternalStoreError failures are retried and counted by the
// breaker. Validation, state and not-found errors are answers, not outages.
package resilient

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cleared-dev/marketledger/internal/apperr"
	"github.com/cleared-dev/marketledger/internal/logging"
	"github.com/cleared-dev/marketledger/internal/metrics"
	"github.com/cleared-dev/marketledger/internal/store"
)

// Config tunes the wrapper.
type Config struct {
	Name       string
	Timeout    time.Duration // per attempt; 0 disables
	MaxRetries int           // attempts after the first
	Backoff    time.Duration // first retry delay, doubled each attempt
	MaxBackoff time.Duration

	// Breaker settings, as in gobreaker.Settings.
	MaxRequests      uint32
	Interval         time.Duration
	OpenTimeout      time.Duration
	FailureThreshold uint32 // consecutive failures that trip the breaker
}

// DefaultConfig returns conservative settings for a local or LAN store.
func DefaultConfig() Config {
	return Config{
		Name:             "store",
		Timeout:          5 * time.Second,
		MaxRetries:       2,
		Backoff:          100 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
		MaxRequests:      1,
		Interval:         time.Minute,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
	}
}

// Options carries collaborators.
type Options struct {
	Logger  *logging.Logger
	Metrics metrics.Collector
}

// Store is a store.Store that guards every call to the wrapped store.
type Store struct {
	inner   store.Store
	cfg     Config
	cb      *gobreaker.CircuitBreaker
	log     *logging.Logger
	metrics metrics.Collector
}

var _ store.Store = (*Store)(nil)

// New wraps inner.
func New(inner store.Store, cfg Config, opts Options) *Store {
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	s := &Store{
		inner:   inner,
		cfg:     cfg,
		log:     logging.OrGlobal(opts.Logger).Named("resilient").Named(cfg.Name),
		metrics: metrics.OrNoOp(opts.Metrics),
	}

	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return !retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			s.metrics.RecordCircuitState(name, circuitState(to))
		},
	})
	return s
}

// State reports the breaker state.
func (s *Store) State() metrics.CircuitState {
	return circuitState(s.cb.State())
}

func circuitState(st gobreaker.State) metrics.CircuitState {
	switch st {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// retryable reports whether err is an outage rather than an answer.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	return apperr.Kind(err) == "" || apperr.IsExternal(err)
}

// call runs fn through the breaker, retrying outages. attempt is 0 on the
// first try.
func call[T any](ctx context.Context, s *Store, op string, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, s.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}

		v, err := s.attempt(ctx, func(ctx context.Context) (any, error) {
			return fn(ctx, attempt)
		})
		if err == nil {
			s.metrics.RecordStoreCall(op, true, time.Since(start))
			return v.(T), nil
		}
		if !retryable(err) {
			// Answers count as successful calls.
			s.metrics.RecordStoreCall(op, true, time.Since(start))
			return zero, err
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		s.log.Warn("store call failed",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	s.metrics.RecordStoreCall(op, false, time.Since(start))
	s.log.Error("store call gave up", zap.String("op", op), zap.Error(lastErr))
	return zero, apperr.External(op, lastErr)
}

func (s *Store) attempt(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	return s.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
}

func (s *Store) backoff(attempt int) time.Duration {
	d := s.cfg.Backoff << (attempt - 1)
	if s.cfg.MaxBackoff > 0 && (d > s.cfg.MaxBackoff || d <= 0) {
		d = s.cfg.MaxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// exec adapts an error-only call.
func exec(ctx context.Context, s *Store, op string, fn func(ctx context.Context) error) error {
	_, err := call(ctx, s, op, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// run adapts a call that is safe to repeat as is.
func run[T any](ctx context.Context, s *Store, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return call(ctx, s, op, func(ctx context.Context, _ int) (T, error) {
		return fn(ctx)
	})
}

// create retries an insert whose id is fixed up front. A retry first looks
// the id up, since an attempt that timed out may have been written.
func create[T any](ctx context.Context, s *Store, op, key string,
	get func(ctx context.Context, key string) (T, error),
	insert func(ctx context.Context) (T, error),
) (T, error) {
	return call(ctx, s, op, func(ctx context.Context, attempt int) (T, error) {
		if attempt > 0 {
			if v, err := get(ctx, key); err == nil {
				return v, nil
			}
		}
		return insert(ctx)
	})
}

// Watch passes through to the wrapped store.
func (s *Store) Watch(entity store.Entity) (<-chan store.Change, func()) {
	return s.inner.Watch(entity)
}
