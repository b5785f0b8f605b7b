package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, st Storage) {
	ctx := context.Background()
	m := MapName("config", "default")

	require.NoError(t, st.Put(ctx, m, "pid.a", []byte("a")))
	require.NoError(t, st.Put(ctx, m, "pid.b", []byte("b")))
	require.NoError(t, st.Put(ctx, MapName("config", "other"), "pid.a", []byte("other")))

	v, ok, err := st.Get(ctx, m, "pid.a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("a"), v)

	_, ok, err = st.Get(ctx, m, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := st.Keys(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, []string{"pid.a", "pid.b"}, keys)

	entries, err := st.Entries(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"pid.a": []byte("a"), "pid.b": []byte("b")}, entries)

	// overwrite is last-write-wins
	require.NoError(t, st.Put(ctx, m, "pid.a", []byte("a2")))
	v, _, _ = st.Get(ctx, m, "pid.a")
	assert.Equal(t, []byte("a2"), v)

	n, err := st.Delete(ctx, m, "pid.a", "missing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dump, err := st.Dump(ctx)
	require.NoError(t, err)
	assert.Len(t, dump, 2)
	assert.Equal(t, []byte("other"), dump[MapName("config", "other")]["pid.a"])

	require.NoError(t, st.Drop(ctx, m))
	keys, err = st.Keys(ctx, m)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, st.Load(ctx, map[string]map[string][]byte{
		"bundle/default": {"mvn:x/y/1.0": []byte("installed")},
	}))
	keys, err = st.Keys(ctx, MapName("config", "other"))
	require.NoError(t, err)
	assert.Empty(t, keys)
	v, ok, err = st.Get(ctx, "bundle/default", "mvn:x/y/1.0")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("installed"), v)
}

func TestMemoryStore(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	testStore(t, st)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	val := []byte("abc")
	require.NoError(t, st.Put(ctx, "m/g", "k", val))
	val[0] = 'x'

	got, _, _ := st.Get(ctx, "m/g", "k")
	assert.Equal(t, []byte("abc"), got)
	got[1] = 'y'

	again, _, _ := st.Get(ctx, "m/g", "k")
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryStoreClosed(t *testing.T) {
	st := NewMemoryStore()
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.Put(context.Background(), "m/g", "k", nil), ErrClosed)
}

func TestBadgerStore(t *testing.T) {
	st, err := NewBadgerStore(t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer st.Close()
	testStore(t, st)
}

func TestBadgerStoreWithoutCache(t *testing.T) {
	st, err := NewBadgerStore(t.TempDir(), 0)
	require.NoError(t, err)
	defer st.Close()
	testStore(t, st)
}

func TestEmptyMapName(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	assert.ErrorIs(t, st.Put(context.Background(), "", "k", nil), ErrEmptyMapName)
}

func TestMapName(t *testing.T) {
	name := MapName("feature", "group-a")
	assert.Equal(t, "feature/group-a", name)
	d, g := SplitMapName(name)
	assert.Equal(t, "feature", d)
	assert.Equal(t, "group-a", g)

	d, g = SplitMapName("nodomain")
	assert.Equal(t, "nodomain", d)
	assert.Equal(t, "", g)
}

func TestOpen(t *testing.T) {
	st, err := Open("", "", 0)
	require.NoError(t, err)
	_, ok := st.(*MemoryStore)
	assert.True(t, ok)

	_, err = Open("etcd", "", 0)
	assert.Error(t, err)
}
