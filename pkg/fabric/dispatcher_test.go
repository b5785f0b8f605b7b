package fabric

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocellar/pkg/cluster"
	"gocellar/pkg/event"
	"gocellar/pkg/policy"
)

type panickingHandler struct{ kind event.Kind }

func (h panickingHandler) Kind() event.Kind { return h.kind }

func (h panickingHandler) Execute(context.Context, *event.Command) (interface{}, error) {
	panic("boom")
}

type failingHandler struct{ kind event.Kind }

func (h failingHandler) Kind() event.Kind { return h.kind }

func (h failingHandler) Handle(context.Context, *event.Event) error {
	return errors.New("refused")
}

func TestEventsReachGroupMembers(t *testing.T) {
	c := newTestCluster(t, 3)
	handlers := make([]*echoHandler, len(c.nodes))
	for i, n := range c.nodes {
		handlers[i] = &echoHandler{kind: event.KindBundle}
		require.NoError(t, n.fabric.Bind(handlers[i]))
	}

	ev, err := event.NewEvent(event.KindBundle, c.nodes[0].node, "default", map[string]string{"state": "active"})
	require.NoError(t, err)
	require.NoError(t, c.nodes[0].fabric.Produce(context.Background(), ev))

	eventually(t, func() bool { return handlers[1].received() == 1 && handlers[2].received() == 1 })
	assert.Zero(t, handlers[0].received())
}

func TestConsumerSwitchOffRepliesFailure(t *testing.T) {
	c := newTestCluster(t, 2)
	a, b := c.nodes[0], c.nodes[1]
	h := &echoHandler{kind: event.KindFeature}
	require.NoError(t, b.fabric.Bind(h))
	b.fabric.Switches.Set(event.ConsumerSwitch, event.Off)

	cmd, err := event.NewCommand(event.KindFeature, a.node, "default", nil)
	require.NoError(t, err)
	results, err := a.fabric.Execution.Execute(context.Background(), cmd)
	require.NoError(t, err)
	res := results["node-b"]
	require.NotNil(t, res)
	assert.False(t, res.Successful)
	assert.Contains(t, res.Error, ErrSwitchOff.Error())
	assert.Zero(t, h.executed())

	forced, err := event.NewCommand(event.KindFeature, a.node, "default", nil)
	require.NoError(t, err)
	forced.Force = true
	results, err = a.fabric.Execution.Execute(context.Background(), forced)
	require.NoError(t, err)
	assert.True(t, results["node-b"].Successful)
	assert.Equal(t, 1, h.executed())
}

func TestConsumerSwitchOffDropsEvents(t *testing.T) {
	c := newTestCluster(t, 2)
	h := &echoHandler{kind: event.KindBundle}
	require.NoError(t, c.nodes[1].fabric.Bind(h))
	c.nodes[1].fabric.Switches.Set(event.ConsumerSwitch, event.Off)

	ev, err := event.NewEvent(event.KindBundle, c.nodes[0].node, "default", nil)
	require.NoError(t, err)
	require.NoError(t, c.nodes[0].fabric.Produce(context.Background(), ev))

	forced, err := event.NewEvent(event.KindBundle, c.nodes[0].node, "default", nil)
	require.NoError(t, err)
	forced.Force = true
	require.NoError(t, c.nodes[0].fabric.Produce(context.Background(), forced))

	eventually(t, func() bool { return h.received() == 1 })
	assert.Equal(t, forced.ID, h.events[0].ID)
}

func TestHandlerSwitchIsNotBypassedByForce(t *testing.T) {
	c := newTestCluster(t, 2)
	h := &echoHandler{kind: event.KindFeature}
	require.NoError(t, c.nodes[1].fabric.Bind(h))
	c.nodes[1].fabric.Switches.Set(event.HandlerSwitch(event.KindFeature), event.Off)

	cmd, err := event.NewCommand(event.KindFeature, c.nodes[0].node, "default", nil)
	require.NoError(t, err)
	cmd.Force = true
	results, err := c.nodes[0].fabric.Execution.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.False(t, results["node-b"].Successful)
	assert.Zero(t, h.executed())
}

func TestHandlerPanicBecomesFailedResult(t *testing.T) {
	c := newTestCluster(t, 2)
	require.NoError(t, c.nodes[1].fabric.Bind(panickingHandler{kind: event.KindConfig}))

	cmd, err := event.NewCommand(event.KindConfig, c.nodes[0].node, "default", nil)
	require.NoError(t, err)
	results, err := c.nodes[0].fabric.Execution.Execute(context.Background(), cmd)
	require.NoError(t, err)
	res := results["node-b"]
	assert.False(t, res.Successful)
	assert.Contains(t, res.Error, "panic: boom")

	// the node keeps serving
	ping, err := event.NewCommand(event.KindPing, c.nodes[0].node, "default", nil)
	require.NoError(t, err)
	results, err = c.nodes[0].fabric.Execution.Execute(context.Background(), ping)
	require.NoError(t, err)
	assert.True(t, results["node-b"].Successful)
}

func TestDispatchRecoversEventHandlerFailure(t *testing.T) {
	local := cluster.Node{ID: "a"}
	reg := NewRegistry(nil)
	require.NoError(t, reg.Bind(failingHandler{kind: event.KindBundle}))
	d := NewDispatcher(DispatcherConfig{Registry: reg})

	ev, err := event.NewEvent(event.KindBundle, local, "default", nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { d.Dispatch(context.Background(), ev) })
}

func TestReceiveDropsGarbage(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Registry: NewRegistry(nil), QueueSize: 1})
	d.Receive(context.Background(), []byte("not a frame"))
	assert.Len(t, d.queue, 0)
}

func TestSubmitAfterStop(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Registry: NewRegistry(nil)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	d.Stop()

	ev, err := event.NewEvent(event.KindBundle, cluster.Node{ID: "a"}, "default", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Submit(ctx, ev), ErrDispatcherStopped)
	assert.ErrorIs(t, d.Submit(ctx, nil), event.ErrNilMessage)
}

func TestProducerSwitchOffBlocksEventsButNotResults(t *testing.T) {
	local := cluster.Node{ID: "a"}
	members := staticMembership{local: local, nodes: []cluster.Node{local, {ID: "b"}}}
	board := event.NewSwitchBoard(nil)
	rt := &recordingTransport{}
	p := NewProducer(ProducerConfig{Membership: members, Transport: rt, Switches: board, ExcludeSelf: true})
	p.Switch().TurnOff()

	ev, err := event.NewEvent(event.KindConfig, local, "default", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Produce(context.Background(), ev), ErrSwitchOff)
	assert.Zero(t, rt.sent())

	cmd, err := event.NewCommand(event.KindPing, cluster.Node{ID: "b"}, "default", nil)
	require.NoError(t, err)
	res := event.NewResult(cmd, local, nil, nil)
	require.NoError(t, p.Reply(context.Background(), res, cluster.Node{ID: "b"}))
	assert.Equal(t, 1, rt.sent())
}

func TestProducerOutboundPolicy(t *testing.T) {
	local := cluster.Node{ID: "a"}
	members := staticMembership{local: local, nodes: []cluster.Node{local, {ID: "b"}}}
	store := policy.NewStore(map[string]policy.GroupConfiguration{
		"default": {Categories: map[string]policy.CategoryPolicy{
			event.CategoryConfig: {Outbound: policy.Lists{Whitelist: []string{"*"}, Blacklist: []string{"org.apache.karaf.*"}}},
		}},
	})
	rt := &recordingTransport{}
	p := NewProducer(ProducerConfig{Membership: members, Transport: rt, Filter: policy.NewFilter(store), ExcludeSelf: true})

	blocked, err := event.NewEvent(event.KindConfig, local, "default", nil)
	require.NoError(t, err)
	blocked.Resource = "org.apache.karaf.shell"
	assert.ErrorIs(t, p.Produce(context.Background(), blocked), ErrPolicyBlocked)

	allowed, err := event.NewEvent(event.KindConfig, local, "default", nil)
	require.NoError(t, err)
	allowed.Resource = "org.example.app"
	require.NoError(t, p.Produce(context.Background(), allowed))

	unknown, err := event.NewEvent(event.KindConfig, local, "blue", nil)
	require.NoError(t, err)
	unknown.Resource = "org.example.app"
	assert.ErrorIs(t, p.Produce(context.Background(), unknown), policy.ErrGroupConfigNotFound)

	assert.Equal(t, 1, rt.sent())
	require.Len(t, rt.to, 1)
	assert.Equal(t, "b", rt.to[0][0].ID)
}

func TestProducerSkipsPolicyWithoutGroup(t *testing.T) {
	local := cluster.Node{ID: "a"}
	members := staticMembership{local: local, nodes: []cluster.Node{local, {ID: "b"}}}
	store := policy.NewStore(map[string]policy.GroupConfiguration{
		"default": {Categories: map[string]policy.CategoryPolicy{
			event.CategoryConfig: {Outbound: policy.Lists{Blacklist: []string{"*"}}},
		}},
	})
	rt := &recordingTransport{}
	p := NewProducer(ProducerConfig{Membership: members, Transport: rt, Filter: policy.NewFilter(store), ExcludeSelf: true})

	ev, err := event.NewEvent(event.KindConfig, local, "", nil)
	require.NoError(t, err)
	ev.Resource = "org.example.app"
	ev.Destinations = []cluster.Node{{ID: "b"}}
	require.NoError(t, p.Produce(context.Background(), ev))

	require.Len(t, rt.to, 1)
	assert.Equal(t, "b", rt.to[0][0].ID)
}

func TestProducerWithoutDestinations(t *testing.T) {
	local := cluster.Node{ID: "a"}
	p := NewProducer(ProducerConfig{Membership: staticMembership{local: local}, Transport: &recordingTransport{}})
	ev, err := event.NewEvent(event.KindBundle, local, "", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Produce(context.Background(), ev), ErrNoDestinations)
	assert.ErrorIs(t, p.Produce(context.Background(), nil), event.ErrNilMessage)
}

func TestDestinationsDeduplicateAndExcludeSelf(t *testing.T) {
	local := cluster.Node{ID: "a"}
	h := &event.Header{Destinations: []cluster.Node{{ID: "b"}, local, {ID: "b"}, {ID: "c"}}}
	to, err := destinations(context.Background(), staticMembership{local: local}, h, true)
	require.NoError(t, err)
	assert.Equal(t, []cluster.Node{{ID: "b"}, {ID: "c"}}, to)

	to, err = destinations(context.Background(), staticMembership{local: local}, h, false)
	require.NoError(t, err)
	assert.Len(t, to, 3)
}

func TestDispatcherStopWaitsForWorkers(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Registry: NewRegistry(nil), Workers: 3})
	d.Start(context.Background())
	done := make(chan struct{})
	go func() {
		d.Stop()
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
