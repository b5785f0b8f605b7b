package fabric

import (
	"hash/fnv"
	"sync"
	"time"

	"gocellar/pkg/cluster"
	"gocellar/pkg/event"
)

const pendingShards = 32

// pendingTable maps command IDs to in-flight entries. It is lock-striped so
// unrelated commands never contend; removal is the single point deciding who
// completes an entry.
type pendingTable struct {
	shards [pendingShards]pendingShard
}

type pendingShard struct {
	mu sync.Mutex
	m  map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	t := &pendingTable{}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*pendingEntry)
	}
	return t
}

func (t *pendingTable) shard(id string) *pendingShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &t.shards[h.Sum32()%pendingShards]
}

// put adds e. It reports false, leaving the table unchanged, when an entry
// with the same ID is already pending.
func (t *pendingTable) put(e *pendingEntry) bool {
	s := t.shard(e.cmd.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[e.cmd.ID]; ok {
		return false
	}
	s.m[e.cmd.ID] = e
	return true
}

func (t *pendingTable) get(id string) (*pendingEntry, bool) {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[id]
	return e, ok
}

// take removes e. Only the caller that gets true may complete it.
func (t *pendingTable) take(e *pendingEntry) bool {
	s := t.shard(e.cmd.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[e.cmd.ID]; !ok || cur != e {
		return false
	}
	delete(s.m, e.cmd.ID)
	return true
}

// drain removes and returns every entry.
func (t *pendingTable) drain() []*pendingEntry {
	var out []*pendingEntry
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, e := range s.m {
			out = append(out, e)
			delete(s.m, id)
		}
		s.mu.Unlock()
	}
	return out
}

func (t *pendingTable) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// pendingEntry tracks one command until every destination has a result.
type pendingEntry struct {
	cmd     *event.Command
	started time.Time

	mu          sync.Mutex
	resolved    bool
	order       []cluster.Node
	outstanding map[string]cluster.Node
	results     map[string]*event.Result
	futures     map[string]*Future
	callback    Callback
	timer       *time.Timer

	final map[string]*event.Result
	done  chan struct{}
}

func newPendingEntry(cmd *event.Command, dests []cluster.Node, cb Callback) *pendingEntry {
	e := &pendingEntry{
		cmd:         cmd,
		started:     time.Now(),
		order:       dests,
		outstanding: make(map[string]cluster.Node, len(dests)),
		results:     make(map[string]*event.Result, len(dests)),
		futures:     make(map[string]*Future, len(dests)),
		callback:    cb,
		done:        make(chan struct{}),
	}
	for _, n := range dests {
		e.outstanding[n.ID] = n
		e.futures[n.ID] = newFuture(n)
	}
	return e
}

// fill records res for its source node. Must hold e.mu. It reports false when
// the node is not outstanding.
func (e *pendingEntry) fill(res *event.Result) bool {
	id := res.SourceNode.ID
	if _, ok := e.outstanding[id]; !ok {
		return false
	}
	delete(e.outstanding, id)
	e.results[id] = res
	e.futures[id].resolve(res)
	if e.callback != nil {
		e.callback.OnResult(res)
	}
	return true
}

// failOutstanding fills every outstanding slot with a failure caused by err
// and returns how many were filled. Must hold e.mu.
func (e *pendingEntry) failOutstanding(err error) int {
	n := 0
	for _, node := range e.order {
		if _, ok := e.outstanding[node.ID]; !ok {
			continue
		}
		e.fill(event.NewFailure(e.cmd, node, err))
		n++
	}
	return n
}

// finish marks the entry resolved and publishes the aggregate. Must hold e.mu
// and must only be called by the winner of pendingTable.take.
func (e *pendingEntry) finish() {
	if e.resolved {
		return
	}
	e.resolved = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.final = make(map[string]*event.Result, len(e.results))
	for id, r := range e.results {
		e.final[id] = r
	}
	close(e.done)
	if e.callback != nil {
		e.callback.OnComplete(copyResults(e.final))
	}
}

func copyResults(in map[string]*event.Result) map[string]*event.Result {
	out := make(map[string]*event.Result, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
