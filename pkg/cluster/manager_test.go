package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocellar/storage"
)

func newTestManager(t *testing.T, st storage.Storage, id string) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		LocalNode:    Node{ID: id, Host: "127.0.0.1", Port: 5701},
		DefaultGroup: "default",
	}, st, nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestNewManagerRequiresID(t *testing.T) {
	_, err := NewManager(Config{}, storage.NewMemoryStore(), nil)
	assert.ErrorIs(t, err, ErrInvalidNodeID)
}

func TestRegisterJoinsDefaultGroup(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	a := newTestManager(t, st, "node-a")
	b := newTestManager(t, st, "node-b")

	require.NoError(t, a.Register(ctx))
	require.NoError(t, b.Register(ctx))

	nodes, err := a.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-a", nodes[0].ID)
	assert.Equal(t, "node-b", nodes[1].ID)

	g, err := b.Group(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a", "node-b"}, g.NodeIDs())

	ev := <-a.Events()
	assert.Equal(t, Joined, ev.Type)
	assert.Equal(t, "default", ev.Group)
	assert.Equal(t, "node-a", ev.Node.ID)
}

func TestJoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, storage.NewMemoryStore(), "node-a")

	require.NoError(t, m.JoinGroup(ctx, "blue"))
	require.NoError(t, m.JoinGroup(ctx, "blue"))

	assert.Len(t, m.Events(), 1)
}

func TestQuitGroup(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, storage.NewMemoryStore(), "node-a")

	require.NoError(t, m.JoinGroup(ctx, "blue"))
	require.NoError(t, m.QuitGroup(ctx, "blue"))
	assert.ErrorIs(t, m.QuitGroup(ctx, "blue"), ErrNotGroupMember)

	<-m.Events()
	ev := <-m.Events()
	assert.Equal(t, Left, ev.Type)
}

func TestDeleteGroupRequiresEmptyGroup(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, storage.NewMemoryStore(), "node-a")

	require.NoError(t, m.JoinGroup(ctx, "blue"))
	err := m.DeleteGroup(ctx, "blue")
	assert.ErrorIs(t, err, ErrGroupNotEmpty)

	require.NoError(t, m.QuitGroup(ctx, "blue"))
	require.NoError(t, m.DeleteGroup(ctx, "blue"))

	_, err = m.Group(ctx, "blue")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	assert.ErrorIs(t, m.DeleteGroup(ctx, "blue"), ErrGroupNotFound)
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, storage.NewMemoryStore(), "node-a")

	require.NoError(t, m.CreateGroup(ctx, "green"))
	assert.ErrorIs(t, m.CreateGroup(ctx, "green"), ErrGroupExists)
	assert.ErrorIs(t, m.CreateGroup(ctx, ""), ErrInvalidGroup)

	g, err := m.Group(ctx, "green")
	require.NoError(t, err)
	assert.Empty(t, g.Nodes)
}

func TestSetGroup(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, storage.NewMemoryStore(), "node-a")

	require.NoError(t, m.Register(ctx))
	require.NoError(t, m.JoinGroup(ctx, "blue"))
	require.NoError(t, m.SetGroup(ctx, "red"))

	local, err := m.LocalGroups(ctx)
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.Equal(t, "red", local[0].Name)

	all, err := m.Groups(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(all))
	for _, g := range all {
		names = append(names, g.Name)
	}
	assert.Equal(t, []string{"blue", "default", "red"}, names)
}

func TestUnregister(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	m := newTestManager(t, st, "node-a")

	require.NoError(t, m.Register(ctx))
	require.NoError(t, m.JoinGroup(ctx, "blue"))
	require.NoError(t, m.Unregister(ctx))

	_, err := m.Node(ctx, "node-a")
	assert.ErrorIs(t, err, ErrNodeNotFound)
	local, err := m.LocalGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, local)
}

func TestEventsAfterCloseAreDropped(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{LocalNode: Node{ID: "node-a"}}, storage.NewMemoryStore(), nil)
	require.NoError(t, err)
	m.Close()
	m.Close()

	require.NoError(t, m.JoinGroup(ctx, "blue"))
	_, open := <-m.Events()
	assert.False(t, open)
}

func TestNodeHelpers(t *testing.T) {
	n := Node{ID: "10.0.0.1:5701", Name: "alpha", Host: "10.0.0.1", Port: 5701}
	assert.Equal(t, "10.0.0.1:5701", n.Address())
	assert.Equal(t, "alpha(10.0.0.1:5701)", n.String())
	assert.True(t, n.Equal(Node{ID: "10.0.0.1:5701"}))

	g := Group{Name: "default", Nodes: []Node{{ID: "b"}, {ID: "a"}}}
	assert.True(t, g.Contains("a"))
	assert.False(t, g.Contains("c"))
	assert.Equal(t, []string{"a", "b"}, g.NodeIDs())
}
