package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"gocellar/pkg/event"
	"gocellar/pkg/metrics"
)

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Registry  *Registry
	Producer  *Producer
	Execution *ExecutionContext
	Switches  *event.SwitchBoard
	// Workers drain the queue concurrently; default 4.
	Workers int
	// QueueSize bounds messages waiting for a worker; default 1024.
	QueueSize int
	Logger    hclog.Logger
	Metrics   *metrics.Registry
}

// Dispatcher routes inbound messages: results to the execution context,
// events and commands to their bound handler. Frames from the transport and
// messages submitted locally share one queue.
type Dispatcher struct {
	registry *Registry
	producer *Producer
	exec     *ExecutionContext
	consumer event.Switch
	board    *event.SwitchBoard
	workers  int
	logger   hclog.Logger
	metrics  *metrics.Registry

	queue chan event.Message
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Switches == nil {
		cfg.Switches = event.NewSwitchBoard(nil)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Dispatcher{
		registry: cfg.Registry,
		producer: cfg.Producer,
		exec:     cfg.Execution,
		consumer: cfg.Switches.Switch(event.ConsumerSwitch),
		board:    cfg.Switches,
		workers:  cfg.Workers,
		logger:   cfg.Logger.Named("dispatcher"),
		metrics:  cfg.Metrics,
		queue:    make(chan event.Message, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
}

// ConsumerSwitch returns the switch gating inbound events and commands.
func (d *Dispatcher) ConsumerSwitch() event.Switch { return d.consumer }

// Start launches the workers. They run until ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(ctx)
	}
}

// Stop halts the workers and waits for in-flight messages. Queued messages
// are dropped.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

// Receive decodes a transport frame and queues it. It is a transport.Receiver.
func (d *Dispatcher) Receive(ctx context.Context, frame []byte) {
	msg, err := event.Decode(frame)
	if err != nil {
		d.logger.Warn("dropping undecodable frame", "error", err)
		d.metrics.RecordDropped(event.KindUnknown.String(), metrics.ReasonDecode)
		return
	}
	if err := d.Submit(ctx, msg); err != nil {
		h := msg.Head()
		d.logger.Warn("dropping inbound message", "kind", h.Kind, "id", h.ID, "error", err)
		d.metrics.RecordDropped(h.Kind.String(), metrics.ReasonQueueFull)
	}
}

// Submit queues a message for dispatch, blocking while the queue is full.
func (d *Dispatcher) Submit(ctx context.Context, msg event.Message) error {
	if msg == nil {
		return event.ErrNilMessage
	}
	select {
	case <-d.stop:
		return ErrDispatcherStopped
	default:
	}
	select {
	case d.queue <- msg:
		d.metrics.SetQueueDepth(len(d.queue))
		return nil
	case <-d.stop:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case msg := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))
			d.Dispatch(ctx, msg)
		}
	}
}

// Dispatch processes one message synchronously. It never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, msg event.Message) {
	switch m := msg.(type) {
	case *event.Result:
		if d.exec != nil {
			d.exec.HandleResult(m)
		}
	case *event.Event:
		d.dispatchEvent(ctx, m)
	case *event.Command:
		d.dispatchCommand(ctx, m)
	}
}

// gate applies the consumer and handler switches and looks up the handler.
func (d *Dispatcher) gate(h *event.Header) (Handler, error) {
	kind := h.Kind.String()
	if !h.Force && !d.consumer.IsOn() {
		d.logger.Debug("consumer switch is off, skipping", "kind", kind, "id", h.ID)
		d.metrics.RecordDropped(kind, metrics.ReasonSwitch)
		return nil, fmt.Errorf("consumer: %w", ErrSwitchOff)
	}
	handler, ok := d.registry.Handler(h.Kind)
	if !ok {
		d.logger.Debug("no handler bound, dropping", "kind", kind, "id", h.ID)
		d.metrics.RecordDropped(kind, metrics.ReasonNoHandler)
		return nil, nil
	}
	if d.board.Status(event.HandlerSwitch(h.Kind)) == event.Off {
		d.logger.Debug("handler switch is off, skipping", "kind", kind, "id", h.ID)
		d.metrics.RecordDropped(kind, metrics.ReasonHandlerOff)
		return nil, fmt.Errorf("handler %s: %w", kind, ErrSwitchOff)
	}
	return handler, nil
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, ev *event.Event) {
	handler, err := d.gate(&ev.Header)
	if err != nil || handler == nil {
		return
	}
	eh, ok := handler.(EventHandler)
	if !ok {
		d.logger.Warn("handler does not accept events", "kind", ev.Kind, "id", ev.ID)
		return
	}
	err = d.safeHandle(ctx, eh, ev)
	d.metrics.RecordHandled(ev.Kind.String(), err)
	if err != nil {
		d.logger.Error("event handler failed", "kind", ev.Kind, "id", ev.ID, "source", ev.SourceNode.ID, "error", err)
	}
}

func (d *Dispatcher) safeHandle(ctx context.Context, h EventHandler, ev *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{Source: ev.Kind.String(), Phase: "handle", Err: recovered(r)}
		}
	}()
	if err := h.Handle(ctx, ev); err != nil {
		return &ExecutionError{Source: ev.Kind.String(), Phase: "handle", Err: err}
	}
	return nil
}

func (d *Dispatcher) dispatchCommand(ctx context.Context, cmd *event.Command) {
	handler, err := d.gate(&cmd.Header)
	if handler == nil && err == nil {
		// unhandled commands resolve by timeout at the sender
		return
	}
	var payload json.RawMessage
	if err == nil {
		ch, ok := handler.(CommandHandler)
		if !ok {
			err = fmt.Errorf("%s: %w", cmd.Kind, ErrHandlerNotFound)
		} else {
			payload, err = d.safeExecute(ctx, ch, cmd)
			d.metrics.RecordHandled(cmd.Kind.String(), err)
		}
	}
	if err != nil {
		d.logger.Warn("command failed", "kind", cmd.Kind, "id", cmd.ID, "source", cmd.SourceNode.ID, "error", err)
	}
	d.reply(ctx, cmd, payload, err)
}

func (d *Dispatcher) safeExecute(ctx context.Context, h CommandHandler, cmd *event.Command) (payload json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload, err = nil, &ExecutionError{Source: cmd.Kind.String(), Phase: "execute", Err: recovered(r)}
		}
	}()
	out, err := h.Execute(ctx, cmd)
	if err != nil {
		return nil, &ExecutionError{Source: cmd.Kind.String(), Phase: "execute", Err: err}
	}
	if out == nil {
		return nil, nil
	}
	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", cmd.Kind, err)
	}
	return b, nil
}

func (d *Dispatcher) reply(ctx context.Context, cmd *event.Command, payload json.RawMessage, err error) {
	if d.producer == nil {
		return
	}
	local := d.producer.members.LocalNode()
	res := event.NewResult(cmd, local, payload, err)
	if sendErr := d.producer.Reply(ctx, res, cmd.SourceNode); sendErr != nil {
		d.logger.Warn("reply failed", "kind", cmd.Kind, "id", cmd.ID, "to", cmd.SourceNode.ID, "error", sendErr)
	}
}
