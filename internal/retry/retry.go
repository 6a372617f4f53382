// Package retry runs remote calls under a bounded exponential backoff
// policy, optionally behind a circuit breaker. Only errors classified as
// transient (common.KindTransient) are retried; everything else is returned
// on the first failure.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/sony/gobreaker"
)

// Policy describes how many times and how far apart an operation is tried.
// MaxAttempts counts the first call.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultPolicy is three attempts starting at one second, doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

// Delay returns the wait before attempt n+1 after n failed attempts
// (n >= 1), capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := float64(p.InitialDelay)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Observer receives retry events, typically *metrics.Metrics.
type Observer interface {
	ObserveRetry(op string)
	ObserveGiveUp(op string)
}

type nopObserver struct{}

func (nopObserver) ObserveRetry(string)  {}
func (nopObserver) ObserveGiveUp(string) {}

// ExhaustedError is returned when every attempt failed transiently.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Executor applies a Policy to operations. It is safe for concurrent use.
type Executor struct {
	policy   Policy
	breaker  *gobreaker.CircuitBreaker
	logger   logging.Logger
	observer Observer
	timer    func() backoff.Timer
}

type Option func(*Executor)

func WithLogger(l logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithTimer replaces the timer used between attempts; tests pass one that
// fires immediately.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(e *Executor) { e.timer = newTimer }
}

// WithBreaker guards every attempt with a circuit breaker that opens after
// maxFailures consecutive transient failures and half-opens after timeout.
// Non-transient errors do not count against the breaker.
func WithBreaker(name string, maxFailures uint32, timeout time.Duration) Option {
	return func(e *Executor) {
		e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !common.IsTransient(err)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				e.logger.Warn(context.Background(), "circuit breaker state", "name", name, "from", from.String(), "to", to.String())
			},
		})
	}
}

// New builds an Executor. A policy with MaxAttempts < 1 is treated as a
// single attempt.
func New(p Policy, opts ...Option) *Executor {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	e := &Executor{
		policy:   p,
		logger:   logging.Nop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

func (e *Executor) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.policy.InitialDelay
	b.Multiplier = e.policy.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if e.policy.MaxDelay > 0 {
		b.MaxInterval = e.policy.MaxDelay
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.policy.MaxAttempts-1)), ctx)
}

// Do runs fn until it succeeds, fails non-transiently, the attempts run
// out, or ctx is done.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := 0

	operation := func() error {
		attempts++
		err := e.call(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(&common.TransientRemoteError{Op: op, Err: err})
		}
		if !common.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		e.observer.ObserveRetry(op)
		e.logger.Warn(ctx, "retrying after transient failure", "op", op, "attempt", attempts, "wait", wait.String(), "error", err.Error())
	}

	var err error
	if e.timer != nil {
		err = backoff.RetryNotifyWithTimer(operation, e.newBackOff(ctx), notify, e.timer())
	} else {
		err = backoff.RetryNotify(operation, e.newBackOff(ctx), notify)
	}
	if err == nil {
		return nil
	}
	if common.IsTransient(err) && attempts >= e.policy.MaxAttempts {
		e.observer.ObserveGiveUp(op)
		return &ExhaustedError{Op: op, Attempts: attempts, Err: err}
	}
	return err
}

func (e *Executor) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.breaker == nil {
		return fn(ctx)
	}
	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
