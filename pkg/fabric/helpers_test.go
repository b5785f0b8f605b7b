package fabric

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gocellar/pkg/cluster"
	"gocellar/pkg/event"
	"gocellar/pkg/policy"
	"gocellar/pkg/transport"
	"gocellar/storage"
)

type testNode struct {
	node    cluster.Node
	manager *cluster.Manager
	fabric  *Fabric
}

type testCluster struct {
	hub   *transport.Hub
	store storage.Storage
	nodes []*testNode
}

// newTestCluster starts n nodes sharing one store and one hub. Every node is
// registered and therefore a member of the default group.
func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	c := &testCluster{hub: transport.NewHub(), store: storage.NewMemoryStore()}
	for i := 0; i < n; i++ {
		c.add(t, fmt.Sprintf("node-%c", 'a'+i), nil)
	}
	return c
}

func (c *testCluster) add(t *testing.T, id string, filter *policy.Filter) *testNode {
	t.Helper()
	ctx := context.Background()
	node := cluster.Node{ID: id, Host: "127.0.0.1", Port: 5701 + len(c.nodes)}
	mgr, err := cluster.NewManager(cluster.Config{LocalNode: node, DefaultGroup: "default"}, c.store, nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Register(ctx))

	f, err := New(Options{
		Membership:  mgr,
		Groups:      mgr,
		Transport:   c.hub.Transport(node, nil),
		Filter:      filter,
		ExcludeSelf: true,
		Workers:     2,
	})
	require.NoError(t, err)
	require.NoError(t, f.Start(ctx))
	t.Cleanup(func() {
		_ = f.Close()
		mgr.Close()
	})
	tn := &testNode{node: node, manager: mgr, fabric: f}
	c.nodes = append(c.nodes, tn)
	return tn
}

// staticMembership serves a fixed node list for every group.
type staticMembership struct {
	local cluster.Node
	nodes []cluster.Node
}

func (s staticMembership) LocalNode() cluster.Node { return s.local }

func (s staticMembership) Group(_ context.Context, name string) (cluster.Group, error) {
	return cluster.Group{Name: name, Nodes: s.nodes}, nil
}

func (s staticMembership) Members(context.Context, string) ([]cluster.Node, error) {
	return s.nodes, nil
}

func (s staticMembership) LocalGroups(context.Context) ([]cluster.Group, error) {
	return []cluster.Group{{Name: "default", Nodes: s.nodes}}, nil
}

// recordingTransport captures frames instead of delivering them.
type recordingTransport struct {
	mu     sync.Mutex
	frames [][]byte
	to     [][]cluster.Node
	err    error
}

func (r *recordingTransport) Name() string { return "recording" }

func (r *recordingTransport) Start(context.Context, transport.Receiver) error { return nil }

func (r *recordingTransport) Send(_ context.Context, frame []byte, to []cluster.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	r.to = append(r.to, to)
	return r.err
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// echoHandler answers commands with their payload and collects events.
type echoHandler struct {
	kind event.Kind

	mu     sync.Mutex
	events []*event.Event
	calls  int
}

func (h *echoHandler) Kind() event.Kind { return h.kind }

func (h *echoHandler) Handle(_ context.Context, ev *event.Event) error {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	return nil
}

func (h *echoHandler) Execute(_ context.Context, cmd *event.Command) (interface{}, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	return cmd.Payload, nil
}

func (h *echoHandler) received() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *echoHandler) executed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}
