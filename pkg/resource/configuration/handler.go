package configuration

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"gocellar/pkg/cluster"
	"gocellar/pkg/event"
	"gocellar/pkg/fabric"
	"gocellar/pkg/policy"
	"gocellar/storage"
)

// ErrEmptyPID is returned for a configuration without PID.
var ErrEmptyPID = errors.New("configuration PID cannot be empty")

// Payload of a config event. Properties travel through the cluster map, not
// the event.
type Payload struct {
	PID  string     `json:"pid"`
	Type ChangeType `json:"type"`
}

// NewEvent announces a change of pid in group.
func NewEvent(source cluster.Node, group, pid string, t ChangeType) (*event.Event, error) {
	ev, err := event.NewEvent(event.KindConfig, source, group, Payload{PID: pid, Type: t})
	if err != nil {
		return nil, err
	}
	ev.Resource = pid
	return ev, nil
}

// Handler applies config events from the cluster map of their group to the
// local controller.
type Handler struct {
	controller *Controller
	shared     storage.Storage
	members    fabric.Membership
	filter     *policy.Filter
	logger     hclog.Logger
}

func NewHandler(controller *Controller, shared storage.Storage, members fabric.Membership, filter *policy.Filter, logger hclog.Logger) *Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Handler{
		controller: controller,
		shared:     shared,
		members:    members,
		filter:     filter,
		logger:     logger.Named("config-handler"),
	}
}

func (h *Handler) Kind() event.Kind { return event.KindConfig }

func (h *Handler) Handle(ctx context.Context, ev *event.Event) error {
	var p Payload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if p.PID == "" {
		return ErrEmptyPID
	}
	group := ev.SourceGroup
	local, err := h.isLocalGroup(ctx, group)
	if err != nil {
		return err
	}
	if !local {
		h.logger.Debug("not a member of the event group, ignoring", "group", group, "pid", p.PID)
		return nil
	}
	ok, err := h.filter.Allowed(group, Category, policy.Inbound, p.PID)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Debug("inbound configuration blocked", "group", group, "pid", p.PID)
		return nil
	}
	return apply(ctx, h.controller, h.shared, group, p.PID)
}

func (h *Handler) isLocalGroup(ctx context.Context, group string) (bool, error) {
	groups, err := h.members.LocalGroups(ctx)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g.Name == group {
			return true, nil
		}
	}
	return false, nil
}

// apply makes the local configuration of pid match the cluster map of group.
func apply(ctx context.Context, c *Controller, shared storage.Storage, group, pid string) error {
	data, ok, err := shared.Get(ctx, ClusterMap(group), pid)
	if err != nil {
		return err
	}
	if !ok {
		_, err := c.Delete(ctx, pid)
		return err
	}
	props, err := decode(data)
	if err != nil {
		return fmt.Errorf("config %s in group %s: %w", pid, group, err)
	}
	_, err = c.Update(ctx, pid, props)
	return err
}
