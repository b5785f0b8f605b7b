package configuration

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hashicorp/go-hclog"

	"gocellar/pkg/cluster"
	"gocellar/pkg/fabric"
	"gocellar/pkg/policy"
	"gocellar/storage"
)

// Listener publishes local configuration changes to every local group whose
// outbound policy allows them. A change already present in the cluster map
// came from the cluster and is not published again.
type Listener struct {
	controller *Controller
	shared     storage.Storage
	members    fabric.Membership
	filter     *policy.Filter
	producer   *fabric.Producer
	logger     hclog.Logger
}

func NewListener(controller *Controller, shared storage.Storage, members fabric.Membership, filter *policy.Filter, producer *fabric.Producer, logger hclog.Logger) *Listener {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Listener{
		controller: controller,
		shared:     shared,
		members:    members,
		filter:     filter,
		producer:   producer,
		logger:     logger.Named("config-listener"),
	}
}

// Run drains the controller's changes until ctx is done or the controller is
// closed.
func (l *Listener) Run(ctx context.Context) {
	changes := l.controller.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if err := l.Publish(ctx, ch); err != nil {
				l.logger.Warn("configuration change not published", "pid", ch.PID, "type", ch.Type, "error", err)
			}
		}
	}
}

// Publish pushes one change to every local group.
func (l *Listener) Publish(ctx context.Context, ch Change) error {
	groups, err := l.members.LocalGroups(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, g := range groups {
		if err := l.publish(ctx, g, ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Listener) publish(ctx context.Context, g cluster.Group, ch Change) error {
	ok, err := l.filter.Allowed(g.Name, Category, policy.Outbound, ch.PID)
	if err != nil {
		return err
	}
	if !ok {
		l.logger.Debug("outbound configuration blocked", "group", g.Name, "pid", ch.PID)
		return nil
	}
	changed, err := writeCluster(ctx, l.shared, g.Name, ch)
	if err != nil || !changed {
		return err
	}
	ev, err := NewEvent(l.members.LocalNode(), g.Name, ch.PID, ch.Type)
	if err != nil {
		return err
	}
	return l.producer.Produce(ctx, ev)
}

// writeCluster records ch in the cluster map of group. It reports false when
// the map already reflects the change.
func writeCluster(ctx context.Context, shared storage.Storage, group string, ch Change) (bool, error) {
	name := ClusterMap(group)
	data, exists, err := shared.Get(ctx, name, ch.PID)
	if err != nil {
		return false, err
	}
	if ch.Type == Deleted {
		if !exists {
			return false, nil
		}
		_, err := shared.Delete(ctx, name, ch.PID)
		return err == nil, err
	}
	if exists {
		cur, err := decode(data)
		if err == nil && cur.Equal(ch.Properties) {
			return false, nil
		}
	}
	b, err := json.Marshal(ch.Properties)
	if err != nil {
		return false, err
	}
	if err := shared.Put(ctx, name, ch.PID, b); err != nil {
		return false, err
	}
	return true, nil
}
