// Package configuration replicates configuration PIDs and their properties
// across the nodes of a group.
//
// Each node keeps its own configurations in a Controller. Local changes are
// published to the group's cluster map and announced with a config event;
// receivers read the cluster map and apply it locally. A node joining a group
// pulls the cluster map first, then pushes the PIDs only it has.
package configuration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"gocellar/storage"
)

// Category is the policy category of configuration PIDs.
const Category = "config"

const localMap = "local/config"

// Properties of one configuration.
type Properties map[string]string

// Equal reports whether both hold the same key/value pairs.
func (p Properties) Equal(o Properties) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

type ChangeType string

const (
	Updated ChangeType = "update"
	Deleted ChangeType = "delete"
)

// Change reports a local configuration update or deletion.
type Change struct {
	PID        string
	Type       ChangeType
	Properties Properties
}

// Controller holds the local configurations, persisted in local storage.
type Controller struct {
	mu      sync.Mutex
	st      storage.Storage
	logger  hclog.Logger
	changes chan Change
	closed  bool
}

func NewController(st storage.Storage, logger hclog.Logger) *Controller {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Controller{
		st:      st,
		logger:  logger.Named("config-controller"),
		changes: make(chan Change, 256),
	}
}

// Changes delivers every local update and deletion.
func (c *Controller) Changes() <-chan Change { return c.changes }

func (c *Controller) Get(ctx context.Context, pid string) (Properties, bool, error) {
	data, ok, err := c.st.Get(ctx, localMap, pid)
	if err != nil || !ok {
		return nil, ok, err
	}
	props, err := decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("config %s: %w", pid, err)
	}
	return props, true, nil
}

// List returns every local configuration.
func (c *Controller) List(ctx context.Context) (map[string]Properties, error) {
	return decodeAll(ctx, c.st, localMap)
}

// PIDs returns the sorted local PIDs.
func (c *Controller) PIDs(ctx context.Context) ([]string, error) {
	keys, err := c.st.Keys(ctx, localMap)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Update stores props for pid. It reports false, and emits nothing, when the
// stored properties are already equal.
func (c *Controller) Update(ctx context.Context, pid string, props Properties) (bool, error) {
	if pid == "" {
		return false, ErrEmptyPID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok, err := c.Get(ctx, pid)
	if err != nil {
		return false, err
	}
	if ok && cur.Equal(props) {
		return false, nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return false, err
	}
	if err := c.st.Put(ctx, localMap, pid, data); err != nil {
		return false, fmt.Errorf("update config %s: %w", pid, err)
	}
	c.emit(Change{PID: pid, Type: Updated, Properties: props.Clone()})
	return true, nil
}

// Delete removes pid. It reports false when pid did not exist.
func (c *Controller) Delete(ctx context.Context, pid string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.st.Delete(ctx, localMap, pid)
	if err != nil {
		return false, fmt.Errorf("delete config %s: %w", pid, err)
	}
	if n == 0 {
		return false, nil
	}
	c.emit(Change{PID: pid, Type: Deleted})
	return true, nil
}

// Close stops change delivery.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.changes)
	}
}

// emit must be called with c.mu held.
func (c *Controller) emit(ch Change) {
	if c.closed {
		return
	}
	select {
	case c.changes <- ch:
	default:
		c.logger.Warn("configuration change dropped, listener too slow", "pid", ch.PID)
	}
}

// ClusterMap is the shared map holding the configurations of group.
func ClusterMap(group string) string { return storage.MapName(Category, group) }

func decode(data []byte) (Properties, error) {
	var p Properties
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p == nil {
		p = Properties{}
	}
	return p, nil
}

func decodeAll(ctx context.Context, st storage.Storage, mapName string) (map[string]Properties, error) {
	entries, err := st.Entries(ctx, mapName)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Properties, len(entries))
	for pid, data := range entries {
		p, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("config %s in %s: %w", pid, mapName, err)
		}
		out[pid] = p
	}
	return out, nil
}
