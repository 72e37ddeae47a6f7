package engine

import (
	"context"

	"github.com/roach88/flowguard/internal/ledger"
)

// Run is the single-writer loop behind Submit. It handles one notification
// at a time, each to completion, until ctx is cancelled or Stop is called.
//
// Must be called from exactly one goroutine. Requests still queued when
// the loop exits are drained: terminations are handled (they cannot be
// refused), everything else gets ErrStopped.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting")
	e.running.Store(true)
	defer e.drain()
	defer e.running.Store(false)

	for {
		if r, ok := e.queue.TryDequeue(); ok {
			e.serve(r)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// A closed queue keeps this case ready; exit once it is empty.
			if e.queue.Drained() {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue, which makes Run return once it is empty.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Submit hands n to the run loop and waits for its outcome.
//
// A terminated notification is always handled and never returns an error:
// if the loop is not running (never started, or gone) it is handled on the
// caller's goroutine, and the caller's cancellation does not abandon it.
func (e *Engine) Submit(ctx context.Context, n ledger.Notification) (*Outcome, error) {
	if err := n.Validate(); err != nil {
		if kind, kerr := ledger.ParseKind(string(n.Kind)); kerr == nil && kind == ledger.Terminated {
			return e.OnStreamTerminated(ctx, n.Payer), nil
		}
		return nil, err
	}

	if n.Kind == ledger.Terminated && !e.running.Load() {
		return e.OnStreamTerminated(ctx, n.Payer), nil
	}

	r := request{ctx: ctx, notification: n, done: make(chan response, 1)}
	if !e.queue.Enqueue(r) {
		if n.Kind == ledger.Terminated {
			return e.OnStreamTerminated(ctx, n.Payer), nil
		}
		return nil, ErrStopped
	}

	if n.Kind == ledger.Terminated {
		resp := <-r.done
		return resp.outcome, nil
	}
	select {
	case resp := <-r.done:
		return resp.outcome, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) serve(r request) {
	out, err := e.Handle(r.ctx, r.notification)
	r.done <- response{outcome: out, err: err}
}

func (e *Engine) drain() {
	e.queue.Close()
	for {
		r, ok := e.queue.TryDequeue()
		if !ok {
			return
		}
		if r.notification.Kind == ledger.Terminated {
			e.serve(r)
			continue
		}
		r.done <- response{err: ErrStopped}
	}
}
