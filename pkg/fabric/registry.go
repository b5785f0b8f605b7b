package fabric

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"gocellar/pkg/event"
)

// Handler consumes one kind of message.
type Handler interface {
	Kind() event.Kind
}

// EventHandler applies events of its kind.
type EventHandler interface {
	Handler
	Handle(ctx context.Context, ev *event.Event) error
}

// CommandHandler executes commands of its kind. The returned value becomes the
// JSON payload of the result.
type CommandHandler interface {
	Handler
	Execute(ctx context.Context, cmd *event.Command) (interface{}, error)
}

// Registry maps kinds to their single handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[event.Kind]Handler
	logger   hclog.Logger
}

func NewRegistry(logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		handlers: make(map[event.Kind]Handler),
		logger:   logger.Named("registry"),
	}
}

// Bind registers h for its kind. A kind has at most one handler: binding a
// second one fails with ErrHandlerExists until the first is unbound.
func (r *Registry) Bind(h Handler) error {
	switch h.(type) {
	case EventHandler, CommandHandler:
	default:
		return fmt.Errorf("%w: %T", ErrInvalidHandler, h)
	}
	k := h.Kind()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[k]; ok {
		return fmt.Errorf("bind %s: %w", k, ErrHandlerExists)
	}
	r.handlers[k] = h
	r.logger.Debug("handler bound", "kind", k)
	return nil
}

// Unbind removes h if it is the handler bound for its kind.
func (r *Registry) Unbind(h Handler) bool {
	k := h.Kind()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handlers[k]; !ok || cur != h {
		return false
	}
	delete(r.handlers, k)
	r.logger.Debug("handler unbound", "kind", k)
	return true
}

// Handler returns the handler bound for k.
func (r *Registry) Handler(k event.Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[k]
	return h, ok
}

// Handlers returns every bound handler ordered by kind.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	out := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}
