package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/colony/internal/dispatch"
)

func TestPoolDo(t *testing.T) {
	errBoom := errors.New("boom")

	tests := map[string]struct {
		timeout time.Duration
		fn      func(ctx context.Context) error
		expErr  func(t *testing.T, err error)
	}{
		"A successful call returns nil.": {
			fn:     func(ctx context.Context) error { return nil },
			expErr: func(t *testing.T, err error) { assert.NoError(t, err) },
		},
		"A failing call returns its error.": {
			fn:     func(ctx context.Context) error { return errBoom },
			expErr: func(t *testing.T, err error) { assert.ErrorIs(t, err, errBoom) },
		},
		"A panic is converted to an error.": {
			fn: func(ctx context.Context) error { panic("kaboom") },
			expErr: func(t *testing.T, err error) {
				var perr *dispatch.PanicError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, "kaboom", perr.Value)
			},
		},
		"A slow call sees the per-call deadline.": {
			timeout: 20 * time.Millisecond,
			fn: func(ctx context.Context) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(2 * time.Second):
					return nil
				}
			},
			expErr: func(t *testing.T, err error) { assert.ErrorIs(t, err, context.DeadlineExceeded) },
		},
		"A call ignoring its context is abandoned at the deadline.": {
			timeout: 20 * time.Millisecond,
			fn: func(ctx context.Context) error {
				time.Sleep(300 * time.Millisecond)
				return nil
			},
			expErr: func(t *testing.T, err error) { assert.ErrorIs(t, err, context.DeadlineExceeded) },
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			p := dispatch.NewPool(dispatch.Config{Timeout: test.timeout})
			start := time.Now()
			err := p.Do(context.Background(), test.fn)
			test.expErr(t, err)
			assert.Less(t, time.Since(start), 250*time.Millisecond)
		})
	}
}

func TestCallReturnsValue(t *testing.T) {
	p := dispatch.NewPool(dispatch.Config{})
	v, err := dispatch.Call(context.Background(), p, func(ctx context.Context) (string, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := dispatch.NewPool(dispatch.Config{Size: 2})
	assert.Equal(t, 2, p.Size())

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Do(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(2))
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	p := dispatch.NewPool(dispatch.Config{Size: 1})
	release := make(chan struct{})
	first := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		first <- p.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Do(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	assert.NoError(t, <-first)
}

func TestAbandonedCallKeepsItsSlot(t *testing.T) {
	p := dispatch.NewPool(dispatch.Config{Size: 1, Timeout: 20 * time.Millisecond})
	release := make(chan struct{})
	var finished atomic.Bool

	err := p.Do(context.Background(), func(ctx context.Context) error {
		<-release
		finished.Store(true)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, finished.Load())

	// The abandoned call still runs, so no slot is free.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = p.Do(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	err = p.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.True(t, finished.Load())
}
