package fabric

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocellar/pkg/cluster"
	"gocellar/pkg/metrics"
)

type scriptedSync struct {
	name     string
	disabled bool
	pullErr  error
	pushErr  error
	panicOn  string

	mu    sync.Mutex
	calls []string
}

func (s *scriptedSync) Name() string { return s.name }

func (s *scriptedSync) IsSyncEnabled(cluster.Group) bool { return !s.disabled }

func (s *scriptedSync) Pull(_ context.Context, g cluster.Group) error {
	s.record("pull:" + g.Name)
	if s.panicOn == "pull" {
		panic("pull exploded")
	}
	return s.pullErr
}

func (s *scriptedSync) Push(_ context.Context, g cluster.Group) error {
	s.record("push:" + g.Name)
	return s.pushErr
}

func (s *scriptedSync) record(c string) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

func (s *scriptedSync) history() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newSyncManager(t *testing.T) *SyncManager {
	t.Helper()
	local := cluster.Node{ID: "a"}
	return NewSyncManager(staticMembership{local: local, nodes: []cluster.Node{local}}, nil, nil)
}

func TestSyncPullsBeforePush(t *testing.T) {
	m := newSyncManager(t)
	s := &scriptedSync{name: "config"}
	require.NoError(t, m.Register(s))

	r := m.Sync(context.Background(), cluster.Group{Name: "default"})
	require.NoError(t, r.Err())
	assert.Equal(t, []string{"pull:default", "push:default"}, s.history())
	assert.Equal(t, metrics.SyncOK, r.Outcomes[0].Status)
}

func TestSyncPullFailureSkipsPush(t *testing.T) {
	m := newSyncManager(t)
	broken := &scriptedSync{name: "bundle", pullErr: errors.New("store unreachable")}
	healthy := &scriptedSync{name: "config"}
	require.NoError(t, m.Register(broken))
	require.NoError(t, m.Register(healthy))

	r := m.Sync(context.Background(), cluster.Group{Name: "default"})
	assert.Equal(t, []string{"pull:default"}, broken.history())
	assert.Equal(t, []string{"pull:default", "push:default"}, healthy.history())

	failed := r.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "bundle", failed[0].Synchronizer)
	assert.Equal(t, metrics.SyncPullFailed, failed[0].Status)
	var xe *ExecutionError
	require.ErrorAs(t, r.Err(), &xe)
	assert.Equal(t, "pull", xe.Phase)
}

func TestSyncPanicIsContained(t *testing.T) {
	m := newSyncManager(t)
	s := &scriptedSync{name: "feature", panicOn: "pull"}
	require.NoError(t, m.Register(s))

	var r Report
	assert.NotPanics(t, func() { r = m.Sync(context.Background(), cluster.Group{Name: "default"}) })
	require.Len(t, r.Failed(), 1)
	assert.Contains(t, r.Err().Error(), "pull exploded")
	assert.Equal(t, []string{"pull:default"}, s.history())
}

func TestSyncPushFailure(t *testing.T) {
	m := newSyncManager(t)
	s := &scriptedSync{name: "repository", pushErr: errors.New("denied")}
	require.NoError(t, m.Register(s))

	r := m.Sync(context.Background(), cluster.Group{Name: "default"})
	require.Len(t, r.Failed(), 1)
	assert.Equal(t, metrics.SyncPushFailed, r.Outcomes[0].Status)
}

func TestSyncDisabled(t *testing.T) {
	m := newSyncManager(t)
	s := &scriptedSync{name: "config", disabled: true}
	require.NoError(t, m.Register(s))

	r := m.Sync(context.Background(), cluster.Group{Name: "default"})
	require.NoError(t, r.Err())
	assert.Empty(t, s.history())
	assert.Equal(t, metrics.SyncDisabled, r.Outcomes[0].Status)
}

func TestSyncRegisterTwice(t *testing.T) {
	m := newSyncManager(t)
	require.NoError(t, m.Register(&scriptedSync{name: "config"}))
	assert.ErrorIs(t, m.Register(&scriptedSync{name: "config"}), ErrSynchronizerExists)
	m.Unregister("config")
	assert.NoError(t, m.Register(&scriptedSync{name: "config"}))
}

func TestSyncAllLocalGroups(t *testing.T) {
	m := newSyncManager(t)
	s := &scriptedSync{name: "config"}
	require.NoError(t, m.Register(s))

	r, err := m.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, r.Outcomes, 1)
	assert.Equal(t, []string{"pull:default", "push:default"}, s.history())
}

func TestSyncRunsOnJoin(t *testing.T) {
	c := newTestCluster(t, 1)
	n := c.nodes[0]
	s := &scriptedSync{name: "config"}
	require.NoError(t, n.fabric.Sync.Register(s))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.fabric.Sync.Run(ctx, n.manager.Events())

	require.NoError(t, n.manager.JoinGroup(ctx, "blue"))
	// the Joined event of the default group is still buffered from Register
	eventually(t, func() bool { return len(s.history()) == 4 })
	assert.Equal(t, []string{"pull:default", "push:default", "pull:blue", "push:blue"}, s.history())
}
