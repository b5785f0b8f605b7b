package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"gocellar/pkg/cluster"
	"gocellar/pkg/event"
	"gocellar/pkg/metrics"
	"gocellar/pkg/transport"
)

// ExecutionConfig wires an ExecutionContext. ExcludeSelf must match the
// producer's setting.
type ExecutionConfig struct {
	Membership  Membership
	Producer    *Producer
	ExcludeSelf bool
	// DefaultTimeout applies to commands without a timeout of their own.
	DefaultTimeout time.Duration
	Logger         hclog.Logger
	Metrics        *metrics.Registry
}

// ExecutionContext sends commands and correlates the replies of every
// destination, resolving missing ones as failures when the command times out.
//
// A command is registered as pending before it is handed to the producer, and
// its timeout runs from that moment. The reply of the last outstanding
// destination, the timeout and Close race to complete it; whoever removes the
// entry from the pending table completes it, the others do nothing.
//
// Every call registers a new attempt under a fresh command ID, written back to
// the caller's command; replies carrying an earlier ID are discarded as late.
type ExecutionContext struct {
	members     Membership
	excludeSelf bool
	timeout     time.Duration
	logger      hclog.Logger
	metrics     *metrics.Registry

	mu       sync.RWMutex
	producer *Producer
	table    *pendingTable
}

// NewExecutionContext returns a context that refuses commands until Start.
func NewExecutionContext(cfg ExecutionConfig) *ExecutionContext {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &ExecutionContext{
		members:     cfg.Membership,
		excludeSelf: cfg.ExcludeSelf,
		timeout:     cfg.DefaultTimeout,
		logger:      cfg.Logger.Named("execution"),
		metrics:     cfg.Metrics,
		producer:    cfg.Producer,
	}
}

// SetProducer replaces the producer used for new commands.
func (x *ExecutionContext) SetProducer(p *Producer) {
	x.mu.Lock()
	x.producer = p
	x.mu.Unlock()
}

// Start creates the pending command table.
func (x *ExecutionContext) Start() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.table == nil {
		x.table = newPendingTable()
	}
}

// Close fails every outstanding destination with ErrClosed and drops the
// pending table. Later calls to Execute fail with ErrStoreNotFound.
func (x *ExecutionContext) Close() {
	x.mu.Lock()
	table := x.table
	x.table = nil
	x.mu.Unlock()
	if table == nil {
		return
	}
	for _, e := range table.drain() {
		e.mu.Lock()
		n := e.failOutstanding(ErrClosed)
		for i := 0; i < n; i++ {
			x.metrics.RecordResult(metrics.OutcomeClosed)
		}
		x.complete(e)
		e.mu.Unlock()
	}
}

// Pending returns the number of unresolved commands.
func (x *ExecutionContext) Pending() int {
	x.mu.RLock()
	table := x.table
	x.mu.RUnlock()
	if table == nil {
		return 0
	}
	return table.len()
}

// Execute sends cmd to its destinations (or its group's members) and waits
// for every result.
func (x *ExecutionContext) Execute(ctx context.Context, cmd *event.Command) (map[string]*event.Result, error) {
	return x.ExecuteAndWait(ctx, cmd, nil)
}

// ExecuteAndWait sends cmd to dests and blocks until every destination has a
// result or cmd times out. The map is keyed by node ID and has one entry per
// destination. If ctx ends first its error is returned and the command is
// left to its timeout.
func (x *ExecutionContext) ExecuteAndWait(ctx context.Context, cmd *event.Command, dests []cluster.Node) (map[string]*event.Result, error) {
	e, err := x.register(ctx, cmd, dests, nil)
	if err != nil {
		return nil, err
	}
	select {
	case <-e.done:
		return copyResults(e.final), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecuteFutures sends cmd to dests and returns one future per destination
// without waiting.
func (x *ExecutionContext) ExecuteFutures(ctx context.Context, cmd *event.Command, dests []cluster.Node) (map[string]*Future, error) {
	e, err := x.register(ctx, cmd, dests, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Future, len(e.futures))
	for id, f := range e.futures {
		out[id] = f
	}
	return out, nil
}

// ExecuteAsync sends cmd to dests and reports through cb.
func (x *ExecutionContext) ExecuteAsync(ctx context.Context, cmd *event.Command, dests []cluster.Node, cb Callback) error {
	if cb == nil {
		cb = CallbackFuncs{}
	}
	_, err := x.register(ctx, cmd, dests, cb)
	return err
}

func (x *ExecutionContext) register(ctx context.Context, cmd *event.Command, dests []cluster.Node, cb Callback) (*pendingEntry, error) {
	if cmd == nil {
		return nil, ErrStoreNotFound
	}
	x.mu.RLock()
	table, producer := x.table, x.producer
	x.mu.RUnlock()
	if table == nil {
		return nil, ErrStoreNotFound
	}

	// Each registration is a new attempt under a fresh ID. The entry keeps its
	// own copy, so a caller reusing cmd cannot disturb it.
	c := *cmd
	c.ID = uuid.NewString()
	if c.SourceNode.ID == "" {
		c.SourceNode = x.members.LocalNode()
	}
	if c.Timeout <= 0 && x.timeout > 0 {
		c.Timeout = x.timeout
	}
	if len(dests) > 0 {
		c.Destinations = dests
	}
	to, err := destinations(ctx, x.members, &c.Header, x.excludeSelf)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", c.Kind, err)
	}
	c.Destinations = to
	cmd.ID, cmd.Timeout = c.ID, c.Timeout

	e := newPendingEntry(&c, to, cb)
	if len(to) == 0 {
		e.mu.Lock()
		e.finish()
		e.mu.Unlock()
		return e, nil
	}

	// e.mu is held from put until the timer is armed: nothing can resolve the
	// entry before it has a timer to stop.
	timeout := c.EffectiveTimeout()
	e.mu.Lock()
	if !table.put(e) {
		e.mu.Unlock()
		return nil, fmt.Errorf("execute %s %s: %w", c.Kind, c.ID, ErrDuplicateCommand)
	}
	e.timer = time.AfterFunc(timeout, func() { x.expire(table, e, timeout) })
	e.mu.Unlock()
	x.metrics.CommandStarted(c.Kind.String())

	if producer == nil {
		x.rollback(table, e)
		return nil, ErrProducerNotFound
	}
	if err := producer.Produce(ctx, &c); err != nil {
		var de *transport.DeliveryError
		if errors.As(err, &de) {
			x.failDelivery(table, e, de)
			return e, nil
		}
		x.rollback(table, e)
		return nil, fmt.Errorf("execute %s: %w", c.Kind, err)
	}
	return e, nil
}

// HandleResult records a reply. It reports false when the reply was
// discarded: its command is already resolved or unknown, or the replier was
// not a destination.
func (x *ExecutionContext) HandleResult(res *event.Result) bool {
	if res == nil {
		return false
	}
	x.mu.RLock()
	table := x.table
	x.mu.RUnlock()

	var e *pendingEntry
	if table != nil {
		e, _ = table.get(res.ID)
	}
	if e == nil {
		x.late(res)
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolved {
		x.late(res)
		return false
	}
	if !e.fill(res) {
		x.logger.Debug("result from unexpected node", "id", res.ID, "node", res.SourceNode.ID)
		return false
	}
	if res.Successful {
		x.metrics.RecordResult(metrics.OutcomeSuccess)
	} else {
		x.metrics.RecordResult(metrics.OutcomeFailure)
	}
	if len(e.outstanding) == 0 && table.take(e) {
		x.complete(e)
	}
	return true
}

func (x *ExecutionContext) late(res *event.Result) {
	x.logger.Debug("late result discarded", "id", res.ID, "kind", res.Kind, "node", res.SourceNode.ID)
	x.metrics.RecordResult(metrics.OutcomeLate)
}

func (x *ExecutionContext) expire(table *pendingTable, e *pendingEntry, timeout time.Duration) {
	if !table.take(e) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.failOutstanding(fmt.Errorf("%w after %s", ErrTimeout, timeout))
	for i := 0; i < n; i++ {
		x.metrics.RecordResult(metrics.OutcomeTimeout)
	}
	if n > 0 {
		x.logger.Warn("command timed out", "id", e.cmd.ID, "kind", e.cmd.Kind, "missing", n, "timeout", timeout)
	}
	x.complete(e)
}

func (x *ExecutionContext) failDelivery(table *pendingTable, e *pendingEntry, de *transport.DeliveryError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolved {
		return
	}
	for id, err := range de.Failed {
		node, ok := e.outstanding[id]
		if !ok {
			continue
		}
		e.fill(event.NewFailure(e.cmd, node, fmt.Errorf("deliver: %w", err)))
		x.metrics.RecordResult(metrics.OutcomeFailure)
	}
	if len(e.outstanding) == 0 && table.take(e) {
		x.complete(e)
	}
}

// rollback withdraws a command that never left this node.
func (x *ExecutionContext) rollback(table *pendingTable, e *pendingEntry) {
	if !table.take(e) {
		return
	}
	e.mu.Lock()
	e.resolved = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()
	x.metrics.CommandFinished(e.cmd.Kind.String(), time.Since(e.started))
}

// complete must hold e.mu and have won table.take.
func (x *ExecutionContext) complete(e *pendingEntry) {
	e.finish()
	x.metrics.CommandFinished(e.cmd.Kind.String(), time.Since(e.started))
}
