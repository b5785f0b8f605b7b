package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"gocellar/storage"
)

const (
	nodesMap     = "cellar/nodes"
	groupsMap    = "cellar/groups"
	membersScope = "members"
	// full member map name: members/<group>, keyed by node ID
)

func groupMembersMap(group string) string {
	return storage.MapName(membersScope, group)
}

type groupRecord struct {
	Name string `json:"name"`
}

// Manager maintains node and group membership in the shared store. Only the
// local node's own membership is ever mutated here; other nodes change theirs
// on their side (see the manage-group command).
type Manager struct {
	mu     sync.Mutex // serializes local membership changes
	cfg    Config
	st     storage.Storage
	logger hclog.Logger

	events chan MembershipEvent
	closed bool
}

// NewManager creates a manager for the local node.
func NewManager(cfg Config, st storage.Storage, logger hclog.Logger) (*Manager, error) {
	if cfg.LocalNode.ID == "" {
		return nil, ErrInvalidNodeID
	}
	if cfg.DefaultGroup == "" {
		cfg.DefaultGroup = "default"
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		cfg:    cfg,
		st:     st,
		logger: logger.Named("membership"),
		events: make(chan MembershipEvent, cfg.EventBuffer),
	}, nil
}

// LocalNode returns this node's identity.
func (m *Manager) LocalNode() Node { return m.cfg.LocalNode }

// DefaultGroup returns the name of the group joined on Register.
func (m *Manager) DefaultGroup() string { return m.cfg.DefaultGroup }

// Events delivers local join/quit notifications.
func (m *Manager) Events() <-chan MembershipEvent { return m.events }

// Register publishes the local node and joins the default group.
func (m *Manager) Register(ctx context.Context) error {
	data, err := json.Marshal(m.cfg.LocalNode)
	if err != nil {
		return err
	}
	if err := m.st.Put(ctx, nodesMap, m.cfg.LocalNode.ID, data); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	m.logger.Info("node registered", "node", m.cfg.LocalNode.ID, "address", m.cfg.LocalNode.Address())
	return m.JoinGroup(ctx, m.cfg.DefaultGroup)
}

// Unregister quits every group and removes the local node.
func (m *Manager) Unregister(ctx context.Context) error {
	groups, err := m.LocalGroups(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, g := range groups {
		if err := m.QuitGroup(ctx, g.Name); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := m.st.Delete(ctx, nodesMap, m.cfg.LocalNode.ID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Nodes returns every registered node ordered by ID.
func (m *Manager) Nodes(ctx context.Context) ([]Node, error) {
	entries, err := m.st.Entries(ctx, nodesMap)
	if err != nil {
		return nil, err
	}
	return decodeNodes(entries)
}

// Node returns a registered node.
func (m *Manager) Node(ctx context.Context, id string) (Node, error) {
	data, ok, err := m.st.Get(ctx, nodesMap, id)
	if err != nil {
		return Node{}, err
	}
	if !ok {
		return Node{}, ErrNodeNotFound
	}
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return Node{}, fmt.Errorf("decode node %s: %w", id, err)
	}
	return n, nil
}

// CreateGroup creates an empty group.
func (m *Manager) CreateGroup(ctx context.Context, name string) error {
	if name == "" {
		return ErrInvalidGroup
	}
	_, exists, err := m.st.Get(ctx, groupsMap, name)
	if err != nil {
		return err
	}
	if exists {
		return ErrGroupExists
	}
	data, _ := json.Marshal(groupRecord{Name: name})
	if err := m.st.Put(ctx, groupsMap, name, data); err != nil {
		return fmt.Errorf("create group %s: %w", name, err)
	}
	m.logger.Info("group created", "group", name)
	return nil
}

// DeleteGroup removes an empty group.
func (m *Manager) DeleteGroup(ctx context.Context, name string) error {
	_, exists, err := m.st.Get(ctx, groupsMap, name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrGroupNotFound
	}
	members, err := m.st.Keys(ctx, groupMembersMap(name))
	if err != nil {
		return err
	}
	if len(members) > 0 {
		return fmt.Errorf("delete group %s (%d members): %w", name, len(members), ErrGroupNotEmpty)
	}
	if _, err := m.st.Delete(ctx, groupsMap, name); err != nil {
		return err
	}
	m.logger.Info("group deleted", "group", name)
	return m.st.Drop(ctx, groupMembersMap(name))
}

// JoinGroup adds the local node to a group, creating the group if needed.
func (m *Manager) JoinGroup(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joinLocked(ctx, name)
}

func (m *Manager) joinLocked(ctx context.Context, name string) error {
	if err := m.CreateGroup(ctx, name); err != nil && !errors.Is(err, ErrGroupExists) {
		return err
	}
	self := m.cfg.LocalNode
	_, member, err := m.st.Get(ctx, groupMembersMap(name), self.ID)
	if err != nil {
		return err
	}
	if member {
		return nil
	}
	data, err := json.Marshal(self)
	if err != nil {
		return err
	}
	if err := m.st.Put(ctx, groupMembersMap(name), self.ID, data); err != nil {
		return fmt.Errorf("join group %s: %w", name, err)
	}
	m.logger.Info("joined group", "group", name)
	m.notify(MembershipEvent{Type: Joined, Group: name, Node: self})
	return nil
}

// QuitGroup removes the local node from a group.
func (m *Manager) QuitGroup(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quitLocked(ctx, name)
}

func (m *Manager) quitLocked(ctx context.Context, name string) error {
	self := m.cfg.LocalNode
	n, err := m.st.Delete(ctx, groupMembersMap(name), self.ID)
	if err != nil {
		return fmt.Errorf("quit group %s: %w", name, err)
	}
	if n == 0 {
		return ErrNotGroupMember
	}
	m.logger.Info("quit group", "group", name)
	m.notify(MembershipEvent{Type: Left, Group: name, Node: self})
	return nil
}

// SetGroup makes name the only group of the local node.
func (m *Manager) SetGroup(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	groups, err := m.LocalGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g.Name == name {
			continue
		}
		if err := m.quitLocked(ctx, g.Name); err != nil && !errors.Is(err, ErrNotGroupMember) {
			return err
		}
	}
	return m.joinLocked(ctx, name)
}

// Group returns a group with its members.
func (m *Manager) Group(ctx context.Context, name string) (Group, error) {
	_, exists, err := m.st.Get(ctx, groupsMap, name)
	if err != nil {
		return Group{}, err
	}
	if !exists {
		return Group{}, ErrGroupNotFound
	}
	members, err := m.Members(ctx, name)
	if err != nil {
		return Group{}, err
	}
	return Group{Name: name, Nodes: members}, nil
}

// Groups returns every group ordered by name.
func (m *Manager) Groups(ctx context.Context) ([]Group, error) {
	names, err := m.st.Keys(ctx, groupsMap)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]Group, 0, len(names))
	for _, name := range names {
		members, err := m.Members(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, Group{Name: name, Nodes: members})
	}
	return out, nil
}

// LocalGroups returns the groups the local node belongs to.
func (m *Manager) LocalGroups(ctx context.Context) ([]Group, error) {
	all, err := m.Groups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Group, 0, len(all))
	for _, g := range all {
		if g.Contains(m.cfg.LocalNode.ID) {
			out = append(out, g)
		}
	}
	return out, nil
}

// Members returns the members of a group ordered by ID.
func (m *Manager) Members(ctx context.Context, group string) ([]Node, error) {
	entries, err := m.st.Entries(ctx, groupMembersMap(group))
	if err != nil {
		return nil, err
	}
	return decodeNodes(entries)
}

// Close stops event delivery.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
}

// notify must be called with m.mu held.
func (m *Manager) notify(ev MembershipEvent) {
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("membership event dropped, consumer too slow", "group", ev.Group, "type", ev.Type.String())
	}
}

func decodeNodes(entries map[string][]byte) ([]Node, error) {
	nodes := make([]Node, 0, len(entries))
	for id, data := range entries {
		var n Node
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("decode node %s: %w", id, err)
		}
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}
