package transport

import (
	"context"
	"fmt"
	"sync"

	"gocellar/pkg/cluster"
	"gocellar/pkg/metrics"
)

// Hub connects in-process Memory transports.
type Hub struct {
	mu    sync.RWMutex
	nodes map[string]*Memory
}

func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*Memory)}
}

// Transport returns the endpoint of local on this hub.
func (h *Hub) Transport(local cluster.Node, m *metrics.Registry) *Memory {
	t := &Memory{
		hub:     h,
		local:   local,
		metrics: m,
		inbox:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.nodes[local.ID] = t
	h.mu.Unlock()
	return t
}

// Detach makes a node unreachable, as if it had crashed.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	delete(h.nodes, id)
	h.mu.Unlock()
}

func (h *Hub) lookup(id string) (*Memory, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.nodes[id]
	return t, ok
}

// Memory delivers frames through a Hub. Each endpoint drains its inbox on
// its own goroutine so senders never run receiver code.
type Memory struct {
	hub     *Hub
	local   cluster.Node
	metrics *metrics.Registry

	mu      sync.Mutex
	started bool
	closed  bool
	inbox   chan []byte
	done    chan struct{}
	wg      sync.WaitGroup
}

func (t *Memory) Name() string { return KindMemory }

func (t *Memory) Start(ctx context.Context, recv Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.done:
				return
			case frame := <-t.inbox:
				t.metrics.RecordFrame(KindMemory, "in")
				recv(ctx, frame)
			}
		}
	}()
	return nil
}

func (t *Memory) Send(ctx context.Context, frame []byte, to []cluster.Node) error {
	return fanOut(ctx, to, func(ctx context.Context, n cluster.Node) error {
		peer, ok := t.hub.lookup(n.ID)
		if !ok {
			t.metrics.RecordSendError(KindMemory)
			return fmt.Errorf("%w: %s", ErrUnknownPeer, n.ID)
		}
		if err := peer.enqueue(ctx, append([]byte(nil), frame...)); err != nil {
			t.metrics.RecordSendError(KindMemory)
			return err
		}
		t.metrics.RecordFrame(KindMemory, "out")
		return nil
	})
}

func (t *Memory) enqueue(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	started, closed := t.started, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}
	select {
	case t.inbox <- frame:
		return nil
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Memory) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.hub.mu.Lock()
	if cur, ok := t.hub.nodes[t.local.ID]; ok && cur == t {
		delete(t.hub.nodes, t.local.ID)
	}
	t.hub.mu.Unlock()
	t.wg.Wait()
	return nil
}
