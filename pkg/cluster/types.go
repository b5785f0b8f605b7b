package cluster

import (
	"net"
	"sort"
	"strconv"
)

// Node represents a cluster member. Nodes are immutable values compared by ID.
type Node struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Address returns host:port.
func (n Node) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// Equal reports whether both values identify the same node.
func (n Node) Equal(o Node) bool { return n.ID == o.ID }

func (n Node) String() string {
	if n.Name != "" && n.Name != n.ID {
		return n.Name + "(" + n.ID + ")"
	}
	return n.ID
}

// Group is a named subset of nodes sharing replicated state and a policy configuration.
type Group struct {
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
}

// Contains reports whether the node with the given ID is a member.
func (g Group) Contains(id string) bool {
	for _, n := range g.Nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// NodeIDs returns the sorted IDs of the group members.
func (g Group) NodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	return ids
}

// MembershipEventType distinguishes local group joins from quits.
type MembershipEventType int

const (
	// Joined means the local node joined the group.
	Joined MembershipEventType = iota
	// Left means the local node quit the group.
	Left
)

func (t MembershipEventType) String() string {
	switch t {
	case Joined:
		return "joined"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// MembershipEvent reports a change of the local node's group membership.
type MembershipEvent struct {
	Type  MembershipEventType
	Group string
	Node  Node
}

// Config controls the group manager.
type Config struct {
	// LocalNode is this process's identity.
	LocalNode Node
	// DefaultGroup is joined on Register.
	DefaultGroup string
	// EventBuffer is the capacity of the membership events channel.
	EventBuffer int
}
