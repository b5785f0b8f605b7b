// Package transport moves encoded fabric frames between nodes.
//
// Three implementations share one contract: an in-process Hub used by tests
// and single-binary clusters, gRPC unary calls, and nanomsg PUSH/PULL sockets.
// Delivery is addressed per node; broadcast is a Send to every member.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"gocellar/pkg/cluster"
)

// Transport kinds accepted by configuration.
const (
	KindMemory = "memory"
	KindGRPC   = "grpc"
	KindNNG    = "nng"
)

var (
	ErrNotStarted     = errors.New("transport not started")
	ErrClosed         = errors.New("transport closed")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrAlreadyStarted = errors.New("transport already started")
)

// Receiver consumes an inbound frame. It must not block for long.
type Receiver func(ctx context.Context, frame []byte)

// Transport delivers frames to nodes.
type Transport interface {
	Name() string
	// Start begins delivering inbound frames to recv.
	Start(ctx context.Context, recv Receiver) error
	// Send delivers frame to every node in to. Per-node failures are
	// reported through a *DeliveryError.
	Send(ctx context.Context, frame []byte, to []cluster.Node) error
	Close() error
}

// DeliveryError lists the nodes a frame could not reach, keyed by node ID.
type DeliveryError struct {
	Failed map[string]error
}

func (e *DeliveryError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failed[id]))
	}
	return "delivery failed: " + strings.Join(parts, "; ")
}

func (e *DeliveryError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// RetryPolicy bounds retries of a single per-node send.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries three times starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second}
}

// Do runs op until it succeeds, returns a permanent error, the retries are
// exhausted or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	if p.MaxRetries <= 0 {
		// WithMaxRetries(b, 0) would retry forever
		return unwrapPermanent(op())
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx))
}

// permanent stops retrying err.
func permanent(err error) error { return backoff.Permanent(err) }

// unwrapPermanent returns the error wrapped by backoff.Permanent, if any.
func unwrapPermanent(err error) error {
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

// fanOut sends to each node concurrently and collects failures.
func fanOut(ctx context.Context, to []cluster.Node, send func(context.Context, cluster.Node) error) error {
	if len(to) == 0 {
		return nil
	}
	var (
		mu     sync.Mutex
		failed map[string]error
		wg     sync.WaitGroup
	)
	for _, n := range to {
		wg.Add(1)
		go func(n cluster.Node) {
			defer wg.Done()
			if err := send(ctx, n); err != nil {
				mu.Lock()
				if failed == nil {
					failed = make(map[string]error)
				}
				failed[n.ID] = unwrapPermanent(err)
				mu.Unlock()
			}
		}(n)
	}
	wg.Wait()
	if len(failed) > 0 {
		return &DeliveryError{Failed: failed}
	}
	return nil
}
