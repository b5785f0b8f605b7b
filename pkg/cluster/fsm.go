package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	hraft "github.com/hashicorp/raft"

	"gocellar/storage"
)

// fsm implements hashicorp/raft.FSM and applies replicated map operations to storage.
type fsm struct{ st storage.Storage }

// newFSM constructs the storage-backed FSM.
func newFSM(st storage.Storage) *fsm { return &fsm{st: st} }

// Apply returns the operation's error, or nil; raft hands it back through ApplyFuture.Response.
func (f *fsm) Apply(l *hraft.Log) interface{} {
	var op Op
	if err := json.Unmarshal(l.Data, &op); err != nil {
		return fmt.Errorf("fsm decode: %w", err)
	}
	return applyOp(context.Background(), f.st, op)
}

func applyOp(ctx context.Context, st storage.Storage, op Op) error {
	switch op.Type {
	case OpMapPut:
		var req mapPut
		if err := json.Unmarshal(op.Payload, &req); err != nil {
			return err
		}
		return st.Put(ctx, req.Map, req.Key, req.Value)
	case OpMapDelete:
		var req mapDelete
		if err := json.Unmarshal(op.Payload, &req); err != nil {
			return err
		}
		_, err := st.Delete(ctx, req.Map, req.Keys...)
		return err
	case OpMapDrop:
		var req mapDrop
		if err := json.Unmarshal(op.Payload, &req); err != nil {
			return err
		}
		return st.Drop(ctx, req.Map)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOpType, op.Type)
	}
}

func (f *fsm) Snapshot() (hraft.FSMSnapshot, error) {
	maps, err := f.st.Dump(context.Background())
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{maps: maps}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var maps map[string]map[string][]byte
	if err := json.NewDecoder(rc).Decode(&maps); err != nil {
		return fmt.Errorf("fsm restore: %w", err)
	}
	return f.st.Load(context.Background(), maps)
}

type fsmSnapshot struct {
	maps map[string]map[string][]byte
}

func (s *fsmSnapshot) Persist(sink hraft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.maps); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
