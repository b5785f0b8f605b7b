package fabric

import (
	"context"

	"gocellar/pkg/cluster"
	"gocellar/pkg/event"
)

// Future is the pending result of one destination.
type Future struct {
	node cluster.Node
	done chan struct{}
	res  *event.Result
}

func newFuture(n cluster.Node) *Future {
	return &Future{node: n, done: make(chan struct{})}
}

// resolve is called once, under the owning entry's lock.
func (f *Future) resolve(res *event.Result) {
	f.res = res
	close(f.done)
}

// Node is the destination this future waits for.
func (f *Future) Node() cluster.Node { return f.node }

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the result without blocking.
func (f *Future) Result() (*event.Result, bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return nil, false
	}
}

// Wait blocks until the result is available or ctx is done. Abandoning a
// future leaves the command to its timeout.
func (f *Future) Wait(ctx context.Context) (*event.Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Callback receives asynchronous command outcomes. OnResult runs once per
// destination, then OnComplete once with every result. Both run with the
// command's entry locked and must not block.
type Callback interface {
	OnResult(res *event.Result)
	OnComplete(results map[string]*event.Result)
}

// CallbackFuncs adapts functions to Callback. Nil fields are skipped.
type CallbackFuncs struct {
	Result   func(res *event.Result)
	Complete func(results map[string]*event.Result)
}

func (c CallbackFuncs) OnResult(res *event.Result) {
	if c.Result != nil {
		c.Result(res)
	}
}

func (c CallbackFuncs) OnComplete(results map[string]*event.Result) {
	if c.Complete != nil {
		c.Complete(results)
	}
}
