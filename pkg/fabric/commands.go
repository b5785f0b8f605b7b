package fabric

import (
	"context"
	"fmt"
	"time"

	"gocellar/pkg/cluster"
	"gocellar/pkg/event"
)

// Group actions of ManageGroupRequest.
const (
	GroupJoin = "join"
	GroupQuit = "quit"
	GroupSet  = "set"
	GroupList = "list"
)

// ManageGroupRequest asks the destination node to change its own groups.
type ManageGroupRequest struct {
	Action string `json:"action"`
	Group  string `json:"group,omitempty"`
}

// ManageGroupResponse lists the node's groups after the action.
type ManageGroupResponse struct {
	Groups []string `json:"groups"`
}

// SwitchRequest sets a switch; an empty Status only queries it.
type SwitchRequest struct {
	Status string `json:"status,omitempty"`
}

type SwitchResponse struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ManageHandlersRequest toggles the switch of one handler kind; empty
// fields only list.
type ManageHandlersRequest struct {
	Kind   string `json:"kind,omitempty"`
	Status string `json:"status,omitempty"`
}

// ManageHandlersResponse maps bound handler kinds to their switch status.
type ManageHandlersResponse struct {
	Handlers map[string]string `json:"handlers"`
}

type PingResponse struct {
	Node string    `json:"node"`
	Time time.Time `json:"time"`
}

// ManageGroupHandler executes group membership changes on the local node.
type ManageGroupHandler struct {
	Groups GroupManager
}

func (ManageGroupHandler) Kind() event.Kind { return event.KindManageGroup }

func (h ManageGroupHandler) Execute(ctx context.Context, cmd *event.Command) (interface{}, error) {
	var req ManageGroupRequest
	if err := cmd.Decode(&req); err != nil {
		return nil, err
	}
	var err error
	switch req.Action {
	case GroupJoin:
		err = h.Groups.JoinGroup(ctx, req.Group)
	case GroupQuit:
		err = h.Groups.QuitGroup(ctx, req.Group)
	case GroupSet:
		err = h.Groups.SetGroup(ctx, req.Group)
	case GroupList, "":
	default:
		err = fmt.Errorf("unknown group action %q", req.Action)
	}
	if err != nil {
		return nil, err
	}
	groups, err := h.Groups.LocalGroups(ctx)
	if err != nil {
		return nil, err
	}
	resp := ManageGroupResponse{Groups: make([]string, 0, len(groups))}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, g.Name)
	}
	return resp, nil
}

// SwitchHandler sets the producer or consumer switch of the local node.
type SwitchHandler struct {
	kind  event.Kind
	name  string
	board *event.SwitchBoard
}

// NewProducerSwitchHandler handles KindProducerSwitch.
func NewProducerSwitchHandler(board *event.SwitchBoard) *SwitchHandler {
	return &SwitchHandler{kind: event.KindProducerSwitch, name: event.ProducerSwitch, board: board}
}

// NewConsumerSwitchHandler handles KindConsumerSwitch.
func NewConsumerSwitchHandler(board *event.SwitchBoard) *SwitchHandler {
	return &SwitchHandler{kind: event.KindConsumerSwitch, name: event.ConsumerSwitch, board: board}
}

func (h *SwitchHandler) Kind() event.Kind { return h.kind }

func (h *SwitchHandler) Execute(_ context.Context, cmd *event.Command) (interface{}, error) {
	var req SwitchRequest
	if err := cmd.Decode(&req); err != nil {
		return nil, err
	}
	if req.Status != "" {
		s, err := event.ParseStatus(req.Status)
		if err != nil {
			return nil, err
		}
		h.board.Set(h.name, s)
	}
	return SwitchResponse{Name: h.name, Status: h.board.Status(h.name).String()}, nil
}

// ManageHandlersHandler lists bound handlers and toggles their switches.
type ManageHandlersHandler struct {
	Registry *Registry
	Board    *event.SwitchBoard
}

func (ManageHandlersHandler) Kind() event.Kind { return event.KindManageHandlers }

func (h ManageHandlersHandler) Execute(_ context.Context, cmd *event.Command) (interface{}, error) {
	var req ManageHandlersRequest
	if err := cmd.Decode(&req); err != nil {
		return nil, err
	}
	if req.Kind != "" {
		k, err := event.ParseKind(req.Kind)
		if err != nil {
			return nil, err
		}
		if _, ok := h.Registry.Handler(k); !ok {
			return nil, fmt.Errorf("%s: %w", k, ErrHandlerNotFound)
		}
		if req.Status != "" {
			s, err := event.ParseStatus(req.Status)
			if err != nil {
				return nil, err
			}
			h.Board.Set(event.HandlerSwitch(k), s)
		}
	}
	resp := ManageHandlersResponse{Handlers: make(map[string]string)}
	for _, hd := range h.Registry.Handlers() {
		resp.Handlers[hd.Kind().String()] = h.Board.Status(event.HandlerSwitch(hd.Kind())).String()
	}
	return resp, nil
}

// PingHandler answers with the local node ID.
type PingHandler struct {
	Local cluster.Node
}

func (PingHandler) Kind() event.Kind { return event.KindPing }

func (h PingHandler) Execute(context.Context, *event.Command) (interface{}, error) {
	return PingResponse{Node: h.Local.ID, Time: time.Now().UTC()}, nil
}

// NewManageGroupCommand addresses a group change to the given nodes.
func NewManageGroupCommand(local cluster.Node, req ManageGroupRequest, to ...cluster.Node) (*event.Command, error) {
	cmd, err := event.NewCommand(event.KindManageGroup, local, "", req)
	if err != nil {
		return nil, err
	}
	cmd.Destinations = to
	return cmd, nil
}

// NewSwitchCommand builds a forced producer or consumer switch command.
func NewSwitchCommand(kind event.Kind, local cluster.Node, group string, status event.Status) (*event.Command, error) {
	if kind != event.KindProducerSwitch && kind != event.KindConsumerSwitch {
		return nil, fmt.Errorf("%s is not a switch kind", kind)
	}
	cmd, err := event.NewCommand(kind, local, group, SwitchRequest{Status: status.String()})
	if err != nil {
		return nil, err
	}
	// must reach nodes whose consumer is off
	cmd.Force = true
	return cmd, nil
}
