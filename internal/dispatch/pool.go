// Package dispatch runs agent calls on a bounded pool with a per-call timeout.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ShayCichocki/colony/internal/log"
)

// PanicError wraps a value recovered from a panicking call.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Config configures a Pool.
type Config struct {
	// Size is the maximum number of concurrent calls. Defaults to 1.
	Size int
	// Timeout bounds each call. Zero disables the per-call timeout.
	Timeout time.Duration
	Logger  log.Logger
}

func (c *Config) defaults() {
	if c.Size <= 0 {
		c.Size = 1
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "dispatch.Pool"})
}

// Pool bounds concurrent dispatches.
//
// A call that outlives its timeout or its context is abandoned: the caller
// gets the context error at once, while the call keeps its slot until it
// really returns. Size therefore bounds running calls, abandoned ones
// included.
type Pool struct {
	slots   chan struct{}
	timeout time.Duration
	logger  log.Logger
}

// NewPool creates a new Pool.
func NewPool(cfg Config) *Pool {
	cfg.defaults()
	return &Pool{
		slots:   make(chan struct{}, cfg.Size),
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return cap(p.slots) }

// Do runs fn once a slot is free. See Call.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn on its own goroutine once a slot of p is free and returns its
// result. The context passed to fn carries the per-call timeout; when the
// timeout or ctx ends first, Call returns the context error without waiting
// for fn. Panics are returned as *PanicError.
func Call[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	cancel := context.CancelFunc(func() {})
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() { <-p.slots }()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Errorf("recovered panic in dispatch: %v", r)
				done <- result{err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		select {
		case res := <-done:
			return res.v, res.err
		default:
		}
		p.logger.Warningf("abandoned call: %v", ctx.Err())
		return zero, ctx.Err()
	}
}
