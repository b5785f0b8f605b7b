package configuration

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-hclog"

	"gocellar/pkg/cluster"
	"gocellar/pkg/fabric"
	"gocellar/pkg/policy"
	"gocellar/storage"
)

// Synchronizer reconciles the local configurations with a group's cluster
// map.
type Synchronizer struct {
	controller *Controller
	shared     storage.Storage
	members    fabric.Membership
	filter     *policy.Filter
	producer   *fabric.Producer
	logger     hclog.Logger
}

func NewSynchronizer(controller *Controller, shared storage.Storage, members fabric.Membership, filter *policy.Filter, producer *fabric.Producer, logger hclog.Logger) *Synchronizer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Synchronizer{
		controller: controller,
		shared:     shared,
		members:    members,
		filter:     filter,
		producer:   producer,
		logger:     logger.Named("config-sync"),
	}
}

func (s *Synchronizer) Name() string { return Category }

func (s *Synchronizer) IsSyncEnabled(g cluster.Group) bool {
	return s.filter.SyncEnabled(g.Name, Category)
}

// Pull applies every inbound-allowed PID of the cluster map locally.
func (s *Synchronizer) Pull(ctx context.Context, g cluster.Group) error {
	remote, err := decodeAll(ctx, s.shared, ClusterMap(g.Name))
	if err != nil {
		return err
	}
	pids := make([]string, 0, len(remote))
	for pid := range remote {
		pids = append(pids, pid)
	}
	sort.Strings(pids)

	var errs []error
	applied := 0
	for _, pid := range pids {
		ok, err := s.filter.Allowed(g.Name, Category, policy.Inbound, pid)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		changed, err := s.controller.Update(ctx, pid, remote[pid])
		if err != nil {
			errs = append(errs, fmt.Errorf("pull %s: %w", pid, err))
			continue
		}
		if changed {
			applied++
		}
	}
	s.logger.Debug("pulled configurations", "group", g.Name, "applied", applied, "total", len(pids))
	return errors.Join(errs...)
}

// Push publishes the outbound-allowed PIDs missing from the cluster map.
func (s *Synchronizer) Push(ctx context.Context, g cluster.Group) error {
	local, err := s.controller.List(ctx)
	if err != nil {
		return err
	}
	pids := make([]string, 0, len(local))
	for pid := range local {
		pids = append(pids, pid)
	}
	sort.Strings(pids)

	var errs []error
	pushed := 0
	for _, pid := range pids {
		ok, err := s.filter.Allowed(g.Name, Category, policy.Outbound, pid)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		_, exists, err := s.shared.Get(ctx, ClusterMap(g.Name), pid)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := writeCluster(ctx, s.shared, g.Name, Change{PID: pid, Type: Updated, Properties: local[pid]}); err != nil {
			errs = append(errs, fmt.Errorf("push %s: %w", pid, err))
			continue
		}
		pushed++
		ev, err := NewEvent(s.members.LocalNode(), g.Name, pid, Updated)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.producer.Produce(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("announce %s: %w", pid, err))
		}
	}
	s.logger.Debug("pushed configurations", "group", g.Name, "pushed", pushed)
	return errors.Join(errs...)
}
