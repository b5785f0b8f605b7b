package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocellar/config"
	"gocellar/pkg/cluster"
	"gocellar/pkg/event"
	"gocellar/pkg/fabric"
	"gocellar/pkg/metrics"
	"gocellar/pkg/policy"
	"gocellar/pkg/resource/configuration"
	"gocellar/pkg/transport"
	"gocellar/storage"
)

func memoryConfig(t *testing.T, id string) *config.Config {
	cfg := config.GetDefaultConfig(id)
	cfg.Transport.Kind = transport.KindMemory
	cfg.Storage.Backend = storage.BackendMemory
	cfg.Storage.DataDir = t.TempDir()
	cfg.Metrics.Enabled = false
	cfg.Cluster.Groups["default"] = policy.GroupConfiguration{Categories: map[string]policy.CategoryPolicy{
		configuration.Category: {
			Sync:     true,
			Inbound:  policy.Lists{Whitelist: []string{"*"}},
			Outbound: policy.Lists{Whitelist: []string{"*"}},
		},
	}}
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	opts = append(opts, WithMetrics(metrics.NewRegistry()))
	s, err := NewServer(cfg, nil, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestServersPingEachOther(t *testing.T) {
	hub, shared := transport.NewHub(), storage.NewMemoryStore()
	a := startServer(t, memoryConfig(t, "node-a"), WithHub(hub), WithSharedStore(shared))
	startServer(t, memoryConfig(t, "node-b"), WithHub(hub), WithSharedStore(shared))

	ctx := context.Background()
	require.NoError(t, a.Health(ctx))

	members, err := a.Manager().Members(ctx, "default")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	cmd, err := event.NewCommand(event.KindPing, a.Manager().LocalNode(), "default", nil)
	require.NoError(t, err)
	results, err := a.Fabric().Execution.Execute(ctx, cmd)
	require.NoError(t, err)
	require.Contains(t, results, "node-b")
	var pong fabric.PingResponse
	require.NoError(t, results["node-b"].Decode(&pong))
	assert.Equal(t, "node-b", pong.Node)
}

func TestServersShareConfiguration(t *testing.T) {
	hub, shared := transport.NewHub(), storage.NewMemoryStore()
	a := startServer(t, memoryConfig(t, "node-a"), WithHub(hub), WithSharedStore(shared))
	b := startServer(t, memoryConfig(t, "node-b"), WithHub(hub), WithSharedStore(shared))

	ctx := context.Background()
	props := configuration.Properties{"port": "8181"}
	_, err := a.Configurations().Controller.Update(ctx, "org.ops4j.pax.web", props)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, ok, err := b.Configurations().Controller.Get(ctx, "org.ops4j.pax.web")
		return err == nil && ok && p.Equal(props)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApplyConfigReplacesPolicyAndSwitches(t *testing.T) {
	cfg := memoryConfig(t, "node-a")
	s := startServer(t, cfg)

	reloaded := memoryConfig(t, "node-a")
	reloaded.Switches.Consumer = "off"
	reloaded.Cluster.Groups["default"] = policy.GroupConfiguration{Categories: map[string]policy.CategoryPolicy{
		configuration.Category: {Outbound: policy.Lists{Blacklist: []string{"*"}}},
	}}
	s.ApplyConfig(reloaded)

	assert.Equal(t, event.Off, s.Fabric().Switches.Status(event.ConsumerSwitch))
	ok, err := s.Fabric().Filter.Allowed("default", configuration.Category, policy.Outbound, "org.example")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStopLeavesCluster(t *testing.T) {
	hub, shared := transport.NewHub(), storage.NewMemoryStore()
	a := startServer(t, memoryConfig(t, "node-a"), WithHub(hub), WithSharedStore(shared))
	b := startServer(t, memoryConfig(t, "node-b"), WithHub(hub), WithSharedStore(shared))

	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())

	members, err := a.Manager().Members(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "node-a", members[0].ID)
}

func TestRaftRequiresOwnStorage(t *testing.T) {
	cfg := memoryConfig(t, "node-a")
	cfg.Transport.Kind = transport.KindGRPC
	cfg.Raft.Enabled = true
	_, err := NewServer(cfg, nil, WithSharedStore(storage.NewMemoryStore()), WithMetrics(metrics.NewRegistry()))
	assert.Error(t, err)
}

func TestAdminRoutes(t *testing.T) {
	hub, shared := transport.NewHub(), storage.NewMemoryStore()
	a := startServer(t, memoryConfig(t, "node-a"), WithHub(hub), WithSharedStore(shared))
	startServer(t, memoryConfig(t, "node-b"), WithHub(hub), WithSharedStore(shared))

	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	get := func(path string, v interface{}) int {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
		return resp.StatusCode
	}

	var health map[string]string
	assert.Equal(t, http.StatusOK, get("/health", &health))
	assert.Equal(t, "node-a", health["node"])

	var nodes []cluster.Node
	assert.Equal(t, http.StatusOK, get("/cluster/nodes", &nodes))
	assert.Len(t, nodes, 2)

	var groups []cluster.Group
	assert.Equal(t, http.StatusOK, get("/cluster/groups", &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"node-a", "node-b"}, groups[0].NodeIDs())

	var pings []PingReport
	assert.Equal(t, http.StatusOK, get("/cluster/ping", &pings))
	require.Len(t, pings, 1)
	assert.Equal(t, "node-b", pings[0].Node)
	assert.True(t, pings[0].OK)
}

func postAction(t *testing.T, url string, body interface{}, v interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestAdminManageGroupOnPeer(t *testing.T) {
	hub, shared := transport.NewHub(), storage.NewMemoryStore()
	a := startServer(t, memoryConfig(t, "node-a"), WithHub(hub), WithSharedStore(shared))
	startServer(t, memoryConfig(t, "node-b"), WithHub(hub), WithSharedStore(shared))

	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	var reports []NodeReport
	status := postAction(t, srv.URL+"/cluster/group", GroupAction{Action: fabric.GroupJoin, Group: "blue", Nodes: []string{"node-b"}}, &reports)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, reports, 1)
	assert.Equal(t, "node-b", reports[0].Node)
	require.True(t, reports[0].OK, reports[0].Error)
	var groups fabric.ManageGroupResponse
	require.NoError(t, json.Unmarshal(reports[0].Result, &groups))
	assert.ElementsMatch(t, []string{"default", "blue"}, groups.Groups)

	members, err := a.Manager().Members(context.Background(), "blue")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "node-b", members[0].ID)

	var failed map[string]string
	assert.Equal(t, http.StatusBadRequest, postAction(t, srv.URL+"/cluster/group", GroupAction{Action: fabric.GroupJoin}, &failed))
	assert.Equal(t, http.StatusNotFound, postAction(t, srv.URL+"/cluster/group", GroupAction{Nodes: []string{"node-z"}}, &failed))

	resp, err := http.Get(srv.URL + "/cluster/group")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAdminSwitchLocalAndPeer(t *testing.T) {
	hub, shared := transport.NewHub(), storage.NewMemoryStore()
	a := startServer(t, memoryConfig(t, "node-a"), WithHub(hub), WithSharedStore(shared))
	b := startServer(t, memoryConfig(t, "node-b"), WithHub(hub), WithSharedStore(shared))

	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	var reports []NodeReport
	require.Equal(t, http.StatusOK, postAction(t, srv.URL+"/cluster/switch", SwitchAction{Switch: event.ProducerSwitch, Status: "off"}, &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "node-a", reports[0].Node)
	assert.True(t, reports[0].OK)
	assert.Equal(t, event.Off, a.Fabric().Switches.Status(event.ProducerSwitch))
	assert.Equal(t, event.On, b.Fabric().Switches.Status(event.ProducerSwitch))

	require.Equal(t, http.StatusOK, postAction(t, srv.URL+"/cluster/switch", SwitchAction{Switch: event.ProducerSwitch, Status: "on"}, &reports))
	require.Equal(t, event.On, a.Fabric().Switches.Status(event.ProducerSwitch))

	// a node whose consumer is off still takes switch commands
	b.Fabric().Switches.Set(event.ConsumerSwitch, event.Off)
	require.Equal(t, http.StatusOK, postAction(t, srv.URL+"/cluster/switch", SwitchAction{Switch: event.ConsumerSwitch, Status: "on", Nodes: []string{"node-b"}}, &reports))
	require.Len(t, reports, 1)
	require.True(t, reports[0].OK, reports[0].Error)
	var sw fabric.SwitchResponse
	require.NoError(t, json.Unmarshal(reports[0].Result, &sw))
	assert.Equal(t, fabric.SwitchResponse{Name: event.ConsumerSwitch, Status: "on"}, sw)
	assert.Equal(t, event.On, b.Fabric().Switches.Status(event.ConsumerSwitch))

	var failed map[string]string
	assert.Equal(t, http.StatusBadRequest, postAction(t, srv.URL+"/cluster/switch", SwitchAction{Switch: "handler"}, &failed))
	assert.Equal(t, http.StatusBadRequest, postAction(t, srv.URL+"/cluster/switch", SwitchAction{Switch: event.ProducerSwitch, Status: "maybe"}, &failed))
}

func TestAdminManageHandlers(t *testing.T) {
	s := startServer(t, memoryConfig(t, "node-a"))
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	var reports []NodeReport
	require.Equal(t, http.StatusOK, postAction(t, srv.URL+"/cluster/handlers", HandlersAction{Kind: "ping", Status: "off"}, &reports))
	require.Len(t, reports, 1)
	require.True(t, reports[0].OK, reports[0].Error)
	var listed fabric.ManageHandlersResponse
	require.NoError(t, json.Unmarshal(reports[0].Result, &listed))
	assert.Equal(t, "off", listed.Handlers["ping"])
	assert.Equal(t, event.Off, s.Fabric().Switches.Status(event.HandlerSwitch(event.KindPing)))

	require.Equal(t, http.StatusOK, postAction(t, srv.URL+"/cluster/handlers", HandlersAction{Kind: "bogus"}, &reports))
	require.Len(t, reports, 1)
	assert.False(t, reports[0].OK)
	assert.NotEmpty(t, reports[0].Error)
}
