package payment

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// flightGroup coalesces concurrent calls for the same key onto one execution.
// The shared execution runs under its own context, which is cancelled only
// once every caller waiting on it has gone away.
type flightGroup struct {
	mu    sync.Mutex
	group singleflight.Group
	calls map[string]*flightCall
}

type flightCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// abortedError marks a result produced after the shared context was cancelled.
type abortedError struct{ err error }

func (e *abortedError) Error() string { return e.err.Error() }
func (e *abortedError) Unwrap() error { return e.err }

// do runs fn once per key among concurrent callers. Each caller returns when
// the shared result is ready or its own ctx is done, whichever comes first.
// fn receives a context carrying the first caller's values.
func (g *flightGroup) do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	for {
		fc, ch := g.join(ctx, key, fn)
		select {
		case res := <-ch:
			g.leave(key, fc)
			var aborted *abortedError
			if errors.As(res.Err, &aborted) {
				if ctx.Err() == nil {
					// Joined an execution the previous callers had already abandoned.
					continue
				}
				return nil, ctx.Err()
			}
			return res.Val, res.Err
		case <-ctx.Done():
			g.leave(key, fc)
			return nil, ctx.Err()
		}
	}
}

func (g *flightGroup) join(ctx context.Context, key string, fn func(context.Context) (any, error)) (*flightCall, <-chan singleflight.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = make(map[string]*flightCall)
	}
	fc := g.calls[key]
	if fc == nil {
		shared, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fc = &flightCall{ctx: shared, cancel: cancel}
		g.calls[key] = fc
	}
	fc.waiters++
	// DoChan joins an in-flight execution for key if one exists. While fc is
	// in the map, that execution is the one running under fc.ctx.
	ch := g.group.DoChan(key, func() (any, error) {
		defer g.finish(key, fc)
		v, err := fn(fc.ctx)
		if err != nil && fc.ctx.Err() != nil {
			err = &abortedError{err: err}
		}
		return v, err
	})
	return fc, ch
}

func (g *flightGroup) finish(key string, fc *flightCall) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls[key] == fc {
		delete(g.calls, key)
	}
}

func (g *flightGroup) leave(key string, fc *flightCall) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fc.waiters--
	if fc.waiters > 0 {
		return
	}
	fc.cancel()
	if g.calls[key] == fc {
		delete(g.calls, key)
	}
}
