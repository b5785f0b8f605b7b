package fabric

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"gocellar/pkg/cluster"
	"gocellar/pkg/event"
	"gocellar/pkg/metrics"
	"gocellar/pkg/policy"
	"gocellar/pkg/transport"
)

// ProducerConfig wires a Producer.
type ProducerConfig struct {
	Membership Membership
	Transport  transport.Transport
	Filter     *policy.Filter
	Switches   *event.SwitchBoard
	// ExcludeSelf drops the local node from every destination set.
	ExcludeSelf bool
	Logger      hclog.Logger
	Metrics     *metrics.Registry
}

// Producer sends messages to peers, gated by the producer switch and the
// outbound group policy.
type Producer struct {
	members     Membership
	transport   transport.Transport
	filter      *policy.Filter
	sw          event.Switch
	excludeSelf bool
	logger      hclog.Logger
	metrics     *metrics.Registry
}

func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Switches == nil {
		cfg.Switches = event.NewSwitchBoard(nil)
	}
	return &Producer{
		members:     cfg.Membership,
		transport:   cfg.Transport,
		filter:      cfg.Filter,
		sw:          cfg.Switches.Switch(event.ProducerSwitch),
		excludeSelf: cfg.ExcludeSelf,
		logger:      cfg.Logger.Named("producer"),
		metrics:     cfg.Metrics,
	}
}

// Switch returns the producer switch.
func (p *Producer) Switch() event.Switch { return p.sw }

// ExcludeSelf reports whether the local node is dropped from destinations.
func (p *Producer) ExcludeSelf() bool { return p.excludeSelf }

// Produce sends msg to its destinations. Events and commands are refused with
// ErrSwitchOff while the producer switch is off; results always go out.
func (p *Producer) Produce(ctx context.Context, msg event.Message) error {
	if msg == nil {
		return event.ErrNilMessage
	}
	h := msg.Head()
	if h.SourceNode.ID == "" {
		h.SourceNode = p.members.LocalNode()
	}
	kind := h.Kind.String()

	if msg.Type() != event.TypeResult && !p.sw.IsOn() {
		p.logger.Warn("producer switch is off, message not sent", "kind", kind, "id", h.ID)
		p.metrics.RecordBlocked(kind, metrics.ReasonSwitch)
		return fmt.Errorf("produce %s: %w", kind, ErrSwitchOff)
	}

	if err := p.checkOutbound(h); err != nil {
		return err
	}

	to, err := destinations(ctx, p.members, h, p.excludeSelf)
	if err != nil {
		return fmt.Errorf("produce %s: %w", kind, err)
	}
	return p.send(ctx, msg, to)
}

func (p *Producer) checkOutbound(h *event.Header) error {
	category := h.Kind.Category()
	// policies are per group; node-addressed messages without one are not filtered
	if h.Resource == "" || h.SourceGroup == "" || category == "" || p.filter == nil {
		return nil
	}
	ok, err := p.filter.Allowed(h.SourceGroup, category, policy.Outbound, h.Resource)
	if err != nil {
		return err
	}
	if !ok {
		p.logger.Debug("blocked outbound", "kind", h.Kind, "group", h.SourceGroup, "resource", h.Resource)
		p.metrics.RecordBlocked(h.Kind.String(), metrics.ReasonPolicy)
		return fmt.Errorf("%s %q in group %s: %w", category, h.Resource, h.SourceGroup, ErrPolicyBlocked)
	}
	return nil
}

// Reply sends a command result back to the node that issued the command.
func (p *Producer) Reply(ctx context.Context, res *event.Result, to cluster.Node) error {
	if res.SourceNode.ID == "" {
		res.SourceNode = p.members.LocalNode()
	}
	return p.send(ctx, res, []cluster.Node{to})
}

func (p *Producer) send(ctx context.Context, msg event.Message, to []cluster.Node) error {
	h := msg.Head()
	if len(to) == 0 {
		p.logger.Debug("no destinations", "kind", h.Kind, "id", h.ID)
		return nil
	}
	frame, err := event.Encode(msg)
	if err != nil {
		return err
	}
	if err := p.transport.Send(ctx, frame, to); err != nil {
		p.logger.Warn("send failed", "kind", h.Kind, "id", h.ID, "error", err)
		return err
	}
	p.metrics.RecordProduced(h.Kind.String(), msg.Type().String())
	p.logger.Trace("message sent", "kind", h.Kind, "type", msg.Type(), "id", h.ID, "destinations", len(to))
	return nil
}
