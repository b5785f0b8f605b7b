package fabric

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"gocellar/pkg/cluster"
	"gocellar/pkg/metrics"
)

// Synchronizer reconciles one resource domain of a group. Pull adopts the
// cluster state locally; Push then publishes what only this node has.
type Synchronizer interface {
	Name() string
	IsSyncEnabled(group cluster.Group) bool
	Pull(ctx context.Context, group cluster.Group) error
	Push(ctx context.Context, group cluster.Group) error
}

// SyncOutcome is the result of one synchronizer on one group.
type SyncOutcome struct {
	Synchronizer string
	Group        string
	// Status is one of metrics.SyncOK, SyncDisabled, SyncPullFailed, SyncPushFailed.
	Status string
	Err    error
}

// Report collects the outcomes of a synchronization round.
type Report struct {
	Outcomes []SyncOutcome
}

// Failed returns the outcomes that ended in error.
func (r Report) Failed() []SyncOutcome {
	var out []SyncOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Err joins every failure, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, o := range r.Failed() {
		errs = append(errs, o.Err)
	}
	return errors.Join(errs...)
}

// SyncManager runs registered synchronizers on group join and on demand.
type SyncManager struct {
	members Membership
	logger  hclog.Logger
	metrics *metrics.Registry

	mu    sync.RWMutex
	syncs map[string]Synchronizer
}

func NewSyncManager(members Membership, logger hclog.Logger, m *metrics.Registry) *SyncManager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &SyncManager{
		members: members,
		logger:  logger.Named("sync"),
		metrics: m,
		syncs:   make(map[string]Synchronizer),
	}
}

func (m *SyncManager) Register(s Synchronizer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.syncs[s.Name()]; ok {
		return fmt.Errorf("%s: %w", s.Name(), ErrSynchronizerExists)
	}
	m.syncs[s.Name()] = s
	return nil
}

func (m *SyncManager) Unregister(name string) {
	m.mu.Lock()
	delete(m.syncs, name)
	m.mu.Unlock()
}

func (m *SyncManager) synchronizers() []Synchronizer {
	m.mu.RLock()
	out := make([]Synchronizer, 0, len(m.syncs))
	for _, s := range m.syncs {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Sync runs every synchronizer on group. A failing synchronizer does not stop
// the others.
func (m *SyncManager) Sync(ctx context.Context, group cluster.Group) Report {
	var r Report
	for _, s := range m.synchronizers() {
		r.Outcomes = append(r.Outcomes, m.run(ctx, s, group))
	}
	return r
}

// SyncGroup looks up a group by name and synchronizes it.
func (m *SyncManager) SyncGroup(ctx context.Context, name string) (Report, error) {
	g, err := m.members.Group(ctx, name)
	if err != nil {
		return Report{}, err
	}
	return m.Sync(ctx, g), nil
}

// SyncAll synchronizes every group of the local node.
func (m *SyncManager) SyncAll(ctx context.Context) (Report, error) {
	groups, err := m.members.LocalGroups(ctx)
	if err != nil {
		return Report{}, err
	}
	var r Report
	for _, g := range groups {
		r.Outcomes = append(r.Outcomes, m.Sync(ctx, g).Outcomes...)
	}
	return r, nil
}

// Run synchronizes each group the local node joins until ctx is done or
// events is closed.
func (m *SyncManager) Run(ctx context.Context, events <-chan cluster.MembershipEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != cluster.Joined {
				continue
			}
			m.logger.Info("synchronizing joined group", "group", ev.Group)
			r, err := m.SyncGroup(ctx, ev.Group)
			if err != nil {
				m.logger.Error("sync on join failed", "group", ev.Group, "error", err)
				continue
			}
			if failed := r.Failed(); len(failed) > 0 {
				m.logger.Warn("sync on join incomplete", "group", ev.Group, "failed", len(failed))
			}
		}
	}
}

func (m *SyncManager) run(ctx context.Context, s Synchronizer, g cluster.Group) SyncOutcome {
	out := SyncOutcome{Synchronizer: s.Name(), Group: g.Name}
	start := time.Now()
	defer func() { m.metrics.RecordSync(out.Synchronizer, out.Status, time.Since(start)) }()

	if !s.IsSyncEnabled(g) {
		m.logger.Debug("sync disabled", "synchronizer", s.Name(), "group", g.Name)
		out.Status = metrics.SyncDisabled
		return out
	}
	if err := guard(s.Name(), "pull", func() error { return s.Pull(ctx, g) }); err != nil {
		m.logger.Error("pull failed, push skipped", "synchronizer", s.Name(), "group", g.Name, "error", err)
		out.Status, out.Err = metrics.SyncPullFailed, err
		return out
	}
	if err := guard(s.Name(), "push", func() error { return s.Push(ctx, g) }); err != nil {
		m.logger.Error("push failed", "synchronizer", s.Name(), "group", g.Name, "error", err)
		out.Status, out.Err = metrics.SyncPushFailed, err
		return out
	}
	out.Status = metrics.SyncOK
	return out
}

func guard(source, phase string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{Source: source, Phase: phase, Err: recovered(r)}
		}
	}()
	if err := fn(); err != nil {
		return &ExecutionError{Source: source, Phase: phase, Err: err}
	}
	return nil
}
