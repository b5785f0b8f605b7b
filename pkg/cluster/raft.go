package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"gocellar/storage"
)

// RaftPeer is a voting member listed in the bootstrap configuration.
type RaftPeer struct {
	ID      string
	Address string
}

// RaftConfig defines how to start the local raft node.
type RaftConfig struct {
	NodeID string
	// BindAddr is the raft transport listen address.
	BindAddr string
	// AdvertiseAddr is the address peers use; defaults to the listener address.
	AdvertiseAddr string
	DataDir       string
	// Bootstrap seeds a new cluster with this node and Peers.
	Bootstrap bool
	Peers     []RaftPeer
	// ApplyTimeout bounds a single replicated write.
	ApplyTimeout time.Duration
}

// Forwarder hands a replicated op to the leader when this node is a follower.
type Forwarder interface {
	Forward(ctx context.Context, leaderID string, op []byte) error
}

// RaftStore is a storage.Storage whose writes are replicated through Raft.
// Reads are served from the local replica and are eventually consistent.
type RaftStore struct {
	raft   *hraft.Raft
	store  *raftboltdb.BoltStore
	snap   *hraft.FileSnapshotStore
	trans  *hraft.NetworkTransport
	local  storage.Storage
	logger hclog.Logger

	timeout time.Duration

	mu  sync.RWMutex
	fwd Forwarder
}

// StartRaft starts a raft node that applies replicated map operations onto local.
func StartRaft(local storage.Storage, cfg RaftConfig, logger hclog.Logger) (*RaftStore, error) {
	if cfg.NodeID == "" {
		return nil, ErrInvalidNodeID
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("raft data dir: %w", err)
	}

	// Stores
	logPath := filepath.Join(cfg.DataDir, "raft-log.bolt")
	snapDir := filepath.Join(cfg.DataDir, "raft-snapshots")

	store, err := raftboltdb.NewBoltStore(logPath)
	if err != nil {
		return nil, fmt.Errorf("bolt log store: %w", err)
	}
	snap, err := hraft.NewFileSnapshotStoreWithLogger(snapDir, 2, logger.Named("snapshot"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("snapshot store: %w", err)
	}

	// Transport
	var advertise net.Addr
	if cfg.AdvertiseAddr != "" {
		advertise, err = net.ResolveTCPAddr("tcp", cfg.AdvertiseAddr)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	trans, err := hraft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, logger.Named("raft-transport"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	// Raft config
	rcfg := hraft.DefaultConfig()
	rcfg.LocalID = hraft.ServerID(cfg.NodeID)
	rcfg.Logger = logger.Named("raft")
	rcfg.HeartbeatTimeout = 200 * time.Millisecond
	rcfg.ElectionTimeout = 200 * time.Millisecond
	rcfg.LeaderLeaseTimeout = 200 * time.Millisecond
	rcfg.CommitTimeout = 50 * time.Millisecond

	ra, err := hraft.NewRaft(rcfg, newFSM(local), store, store, snap, trans)
	if err != nil {
		_ = trans.Close()
		_ = store.Close()
		return nil, err
	}

	rs := &RaftStore{
		raft:    ra,
		store:   store,
		snap:    snap,
		trans:   trans,
		local:   local,
		logger:  logger.Named("raft-store"),
		timeout: cfg.ApplyTimeout,
	}

	if cfg.Bootstrap {
		servers := []hraft.Server{{
			ID:      rcfg.LocalID,
			Address: trans.LocalAddr(),
		}}
		for _, p := range cfg.Peers {
			if p.ID == cfg.NodeID {
				continue
			}
			servers = append(servers, hraft.Server{ID: hraft.ServerID(p.ID), Address: hraft.ServerAddress(p.Address)})
		}
		err := ra.BootstrapCluster(hraft.Configuration{Servers: servers}).Error()
		if err != nil && !errors.Is(err, hraft.ErrCantBootstrap) {
			_ = rs.Close()
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	}
	return rs, nil
}

// SetForwarder installs the follower-to-leader forwarding path.
func (r *RaftStore) SetForwarder(f Forwarder) {
	r.mu.Lock()
	r.fwd = f
	r.mu.Unlock()
}

// IsLeader reports whether this node is the current leader
func (r *RaftStore) IsLeader() bool { return r.raft.State() == hraft.Leader }

// LeaderID returns the current leader ID if known
func (r *RaftStore) LeaderID() string {
	_, id := r.raft.LeaderWithID()
	return string(id)
}

// WaitForLeader blocks until a leader is known or ctx is done.
func (r *RaftStore) WaitForLeader(ctx context.Context) (string, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if id := r.LeaderID(); id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrNoLeader, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ApplyForwarded applies an op received from a follower.
func (r *RaftStore) ApplyForwarded(ctx context.Context, data []byte) error {
	if !r.IsLeader() {
		return ErrNotLeader
	}
	return r.applyRaw(data)
}

func (r *RaftStore) applyRaw(data []byte) error {
	f := r.raft.Apply(data, r.timeout)
	if err := f.Error(); err != nil {
		return err
	}
	if resp, ok := f.Response().(error); ok && resp != nil {
		return resp
	}
	return nil
}

func (r *RaftStore) submit(ctx context.Context, op Op) error {
	data, err := op.Marshal()
	if err != nil {
		return err
	}
	if r.IsLeader() {
		return r.applyRaw(data)
	}

	r.mu.RLock()
	fwd := r.fwd
	r.mu.RUnlock()
	if fwd == nil {
		return ErrNoForwarder
	}
	leader := r.LeaderID()
	if leader == "" {
		return ErrNoLeader
	}
	if err := fwd.Forward(ctx, leader, data); err != nil {
		return fmt.Errorf("forward to leader %s: %w", leader, err)
	}
	return nil
}

func (r *RaftStore) Put(ctx context.Context, mapName, key string, value []byte) error {
	if mapName == "" {
		return storage.ErrEmptyMapName
	}
	op, err := newOp(OpMapPut, mapPut{Map: mapName, Key: key, Value: value})
	if err != nil {
		return err
	}
	return r.submit(ctx, op)
}

// Delete reports the number of keys present locally before the replicated delete.
func (r *RaftStore) Delete(ctx context.Context, mapName string, keys ...string) (int, error) {
	present := 0
	for _, k := range keys {
		if _, ok, err := r.local.Get(ctx, mapName, k); err == nil && ok {
			present++
		}
	}
	op, err := newOp(OpMapDelete, mapDelete{Map: mapName, Keys: keys})
	if err != nil {
		return 0, err
	}
	if err := r.submit(ctx, op); err != nil {
		return 0, err
	}
	return present, nil
}

func (r *RaftStore) Drop(ctx context.Context, mapName string) error {
	op, err := newOp(OpMapDrop, mapDrop{Map: mapName})
	if err != nil {
		return err
	}
	return r.submit(ctx, op)
}

func (r *RaftStore) Get(ctx context.Context, mapName, key string) ([]byte, bool, error) {
	return r.local.Get(ctx, mapName, key)
}

func (r *RaftStore) Keys(ctx context.Context, mapName string) ([]string, error) {
	return r.local.Keys(ctx, mapName)
}

func (r *RaftStore) Entries(ctx context.Context, mapName string) (map[string][]byte, error) {
	return r.local.Entries(ctx, mapName)
}

func (r *RaftStore) Dump(ctx context.Context) (map[string]map[string][]byte, error) {
	return r.local.Dump(ctx)
}

// Load is not replicated: the local replica is rebuilt from raft snapshots.
func (r *RaftStore) Load(ctx context.Context, maps map[string]map[string][]byte) error {
	return r.local.Load(ctx, maps)
}

// Close shuts down raft and closes stores
func (r *RaftStore) Close() error {
	var errs []error
	if r.raft != nil {
		errs = append(errs, r.raft.Shutdown().Error())
	}
	if r.trans != nil {
		errs = append(errs, r.trans.Close())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if r.local != nil {
		errs = append(errs, r.local.Close())
	}
	return errors.Join(errs...)
}
