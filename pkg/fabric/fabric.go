// Package fabric moves events and commands between the nodes of a group.
//
// A Fabric bundles the pieces every node runs: the Producer gating outbound
// messages, the Registry of handlers, the Dispatcher routing inbound ones, the
// ExecutionContext correlating command results and the SyncManager driving
// synchronizers when the node joins a group.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"gocellar/pkg/event"
	"gocellar/pkg/metrics"
	"gocellar/pkg/policy"
	"gocellar/pkg/transport"
)

// Options configures a Fabric.
type Options struct {
	Membership Membership
	// Groups enables the manage-group command when set.
	Groups      GroupManager
	Transport   transport.Transport
	Filter      *policy.Filter
	Switches    *event.SwitchBoard
	ExcludeSelf bool
	// CommandTimeout applies to commands sent without a timeout.
	CommandTimeout time.Duration
	Workers        int
	QueueSize      int
	Logger         hclog.Logger
	Metrics        *metrics.Registry
}

// Fabric is the per-node messaging core.
type Fabric struct {
	Registry   *Registry
	Producer   *Producer
	Dispatcher *Dispatcher
	Execution  *ExecutionContext
	Sync       *SyncManager
	Switches   *event.SwitchBoard
	Filter     *policy.Filter

	members   Membership
	transport transport.Transport
	logger    hclog.Logger
	cancel    context.CancelFunc
}

// New wires a fabric and binds the core command handlers.
func New(opts Options) (*Fabric, error) {
	if opts.Membership == nil {
		return nil, errors.New("fabric: membership is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("fabric: transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Switches == nil {
		opts.Switches = event.NewSwitchBoard(nil)
	}
	if opts.Filter == nil {
		opts.Filter = policy.NewFilter(policy.NewStore(nil))
	}
	logger := opts.Logger.Named("fabric")

	registry := NewRegistry(logger)
	producer := NewProducer(ProducerConfig{
		Membership:  opts.Membership,
		Transport:   opts.Transport,
		Filter:      opts.Filter,
		Switches:    opts.Switches,
		ExcludeSelf: opts.ExcludeSelf,
		Logger:      logger,
		Metrics:     opts.Metrics,
	})
	exec := NewExecutionContext(ExecutionConfig{
		Membership:     opts.Membership,
		Producer:       producer,
		ExcludeSelf:    opts.ExcludeSelf,
		DefaultTimeout: opts.CommandTimeout,
		Logger:         logger,
		Metrics:        opts.Metrics,
	})
	dispatcher := NewDispatcher(DispatcherConfig{
		Registry:  registry,
		Producer:  producer,
		Execution: exec,
		Switches:  opts.Switches,
		Workers:   opts.Workers,
		QueueSize: opts.QueueSize,
		Logger:    logger,
		Metrics:   opts.Metrics,
	})

	f := &Fabric{
		Registry:   registry,
		Producer:   producer,
		Dispatcher: dispatcher,
		Execution:  exec,
		Sync:       NewSyncManager(opts.Membership, logger, opts.Metrics),
		Switches:   opts.Switches,
		Filter:     opts.Filter,
		members:    opts.Membership,
		transport:  opts.Transport,
		logger:     logger,
	}

	core := []Handler{
		NewProducerSwitchHandler(opts.Switches),
		NewConsumerSwitchHandler(opts.Switches),
		ManageHandlersHandler{Registry: registry, Board: opts.Switches},
		PingHandler{Local: opts.Membership.LocalNode()},
	}
	if opts.Groups != nil {
		core = append(core, ManageGroupHandler{Groups: opts.Groups})
	}
	for _, h := range core {
		if err := registry.Bind(h); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Start begins accepting commands and inbound frames.
func (f *Fabric) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.Execution.Start()
	f.Dispatcher.Start(ctx)
	if err := f.transport.Start(ctx, f.Dispatcher.Receive); err != nil {
		cancel()
		f.Dispatcher.Stop()
		f.Execution.Close()
		return fmt.Errorf("start transport: %w", err)
	}
	f.logger.Info("fabric started", "node", f.members.LocalNode().ID, "transport", f.transport.Name())
	return nil
}

// Close stops the transport, fails pending commands and halts dispatch.
func (f *Fabric) Close() error {
	err := f.transport.Close()
	f.Execution.Close()
	f.Dispatcher.Stop()
	if f.cancel != nil {
		f.cancel()
	}
	return err
}

// Bind registers a resource handler.
func (f *Fabric) Bind(h Handler) error { return f.Registry.Bind(h) }

// Produce sends an event or command through the producer.
func (f *Fabric) Produce(ctx context.Context, msg event.Message) error {
	return f.Producer.Produce(ctx, msg)
}
