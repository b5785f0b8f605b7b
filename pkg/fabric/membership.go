package fabric

import (
	"context"

	"gocellar/pkg/cluster"
	"gocellar/pkg/event"
)

// Membership is the read-only view of the cluster the fabric needs.
// *cluster.Manager implements it.
type Membership interface {
	LocalNode() cluster.Node
	Group(ctx context.Context, name string) (cluster.Group, error)
	Members(ctx context.Context, group string) ([]cluster.Node, error)
	LocalGroups(ctx context.Context) ([]cluster.Group, error)
}

// GroupManager changes the local node's groups. *cluster.Manager implements it.
type GroupManager interface {
	JoinGroup(ctx context.Context, name string) error
	QuitGroup(ctx context.Context, name string) error
	SetGroup(ctx context.Context, name string) error
	LocalGroups(ctx context.Context) ([]cluster.Group, error)
}

// destinations resolves the nodes a message addressed by h goes to: the
// explicit Destinations, else the members of SourceGroup. The local node is
// dropped when excludeSelf is set. The result is deduplicated by ID.
func destinations(ctx context.Context, m Membership, h *event.Header, excludeSelf bool) ([]cluster.Node, error) {
	nodes := h.Destinations
	if len(nodes) == 0 {
		if h.SourceGroup == "" {
			return nil, ErrNoDestinations
		}
		var err error
		nodes, err = m.Members(ctx, h.SourceGroup)
		if err != nil {
			return nil, err
		}
	}
	return filterNodes(nodes, m.LocalNode().ID, excludeSelf), nil
}

func filterNodes(nodes []cluster.Node, self string, excludeSelf bool) []cluster.Node {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]cluster.Node, 0, len(nodes))
	for _, n := range nodes {
		if excludeSelf && n.ID == self {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	return out
}
