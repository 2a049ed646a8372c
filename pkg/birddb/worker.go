package birddb

import (
	"context"
	"errors"
	"time"
)

// request is one serialized operation.
type request struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan outcome
}

type outcome struct {
	err        error
	panicked   bool
	panicValue any
}

// do runs fn on the worker and waits for it. A caller can give up while its
// request is queued; once the worker has taken it, it runs to completion.
// A panic in fn is re-raised in the caller.
func (c *core) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		return errors.New("context is nil")
	}

	if c.closed.Load() {
		return c.fail("", ErrClosed)
	}

	req := request{ctx: ctx, fn: fn, done: make(chan outcome, 1)}

	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return c.fail("", ErrClosed)
	}

	out := <-req.done
	if out.panicked {
		panic(out.panicValue)
	}

	return out.err
}

// run is the worker loop. signals is nil when the file is not monitored.
func (c *core) run(signals <-chan struct{}) {
	defer close(c.done)

	for {
		select {
		case req := <-c.requests:
			c.serve(req)
		case <-signals:
			c.checkExternal()
		case <-c.quit:
			return
		}
	}
}

func (c *core) serve(req request) {
	var out outcome

	func() {
		defer func() {
			if r := recover(); r != nil {
				out.panicked = true
				out.panicValue = r
			}
		}()

		if d := time.Duration(c.delay.Load()); d > 0 {
			timer := time.NewTimer(d)
			defer timer.Stop()

			select {
			case <-timer.C:
			case <-req.ctx.Done():
				out.err = req.ctx.Err()

				return
			}
		}

		out.err = req.fn(req.ctx)
	}()

	req.done <- out
}
