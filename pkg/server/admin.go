package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"gocellar/pkg/cluster"
	"gocellar/pkg/event"
	"gocellar/pkg/fabric"
)

// routes mounts the metrics endpoint and the admin API.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Metrics.Path, s.metrics.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/cluster/nodes", s.handleNodes)
	mux.HandleFunc("/cluster/groups", s.handleGroups)
	mux.HandleFunc("/cluster/ping", s.handlePing)
	mux.HandleFunc("/cluster/group", s.handleManageGroup)
	mux.HandleFunc("/cluster/switch", s.handleSwitch)
	mux.HandleFunc("/cluster/handlers", s.handleManageHandlers)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Health(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node": s.cfg.Node.ID})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.manager.Nodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.manager.Groups(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

// PingReport is one peer's answer to /cluster/ping.
type PingReport struct {
	Node    string        `json:"node"`
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	if group == "" {
		group = s.cfg.Cluster.DefaultGroup
	}
	cmd, err := event.NewCommand(event.KindPing, s.manager.LocalNode(), group, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	start := time.Now()
	results, err := s.fabric.Execution.Execute(r.Context(), cmd)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	elapsed := time.Since(start)

	out := make([]PingReport, 0, len(results))
	for id, res := range results {
		rep := PingReport{Node: id, OK: res.Err() == nil, Elapsed: elapsed}
		if err := res.Err(); err != nil {
			rep.Error = err.Error()
		}
		out = append(out, rep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	writeJSON(w, http.StatusOK, out)
}

// NodeReport is one target node's answer to an admin command.
type NodeReport struct {
	Node   string          `json:"node"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// GroupAction is the body of POST /cluster/group.
type GroupAction struct {
	Action string   `json:"action"`
	Group  string   `json:"group,omitempty"`
	Nodes  []string `json:"nodes,omitempty"`
}

// SwitchAction is the body of POST /cluster/switch. Switch is producer or
// consumer; an empty Status only reads it.
type SwitchAction struct {
	Switch string   `json:"switch"`
	Status string   `json:"status,omitempty"`
	Nodes  []string `json:"nodes,omitempty"`
}

// HandlersAction is the body of POST /cluster/handlers. Without a Kind it
// only lists.
type HandlersAction struct {
	Kind   string   `json:"kind,omitempty"`
	Status string   `json:"status,omitempty"`
	Nodes  []string `json:"nodes,omitempty"`
}

func decodeAction(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("%s not allowed", r.Method))
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) handleManageGroup(w http.ResponseWriter, r *http.Request) {
	var a GroupAction
	if !decodeAction(w, r, &a) {
		return
	}
	switch a.Action {
	case fabric.GroupJoin, fabric.GroupQuit, fabric.GroupSet:
		if a.Group == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%s needs a group", a.Action))
			return
		}
	case fabric.GroupList, "":
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown group action %q", a.Action))
		return
	}
	cmd, err := fabric.NewManageGroupCommand(s.manager.LocalNode(), fabric.ManageGroupRequest{Action: a.Action, Group: a.Group})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.runAdminCommand(w, r, cmd, a.Nodes)
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var a SwitchAction
	if !decodeAction(w, r, &a) {
		return
	}
	var kind event.Kind
	switch a.Switch {
	case event.ProducerSwitch:
		kind = event.KindProducerSwitch
	case event.ConsumerSwitch:
		kind = event.KindConsumerSwitch
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown switch %q", a.Switch))
		return
	}
	var (
		cmd *event.Command
		err error
	)
	if a.Status == "" {
		cmd, err = event.NewCommand(kind, s.manager.LocalNode(), "", fabric.SwitchRequest{})
		if err == nil {
			cmd.Force = true
		}
	} else {
		var st event.Status
		if st, err = event.ParseStatus(a.Status); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cmd, err = fabric.NewSwitchCommand(kind, s.manager.LocalNode(), "", st)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.runAdminCommand(w, r, cmd, a.Nodes)
}

func (s *Server) handleManageHandlers(w http.ResponseWriter, r *http.Request) {
	var a HandlersAction
	if !decodeAction(w, r, &a) {
		return
	}
	if a.Status != "" && a.Kind == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("status needs a handler kind"))
		return
	}
	cmd, err := event.NewCommand(event.KindManageHandlers, s.manager.LocalNode(), "",
		fabric.ManageHandlersRequest{Kind: a.Kind, Status: a.Status})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.runAdminCommand(w, r, cmd, a.Nodes)
}

// runAdminCommand executes cmd on the named nodes, or on this node alone when
// none are named. This node runs its handler directly; the others are reached
// through the execution context.
func (s *Server) runAdminCommand(w http.ResponseWriter, r *http.Request, cmd *event.Command, nodeIDs []string) {
	ctx := r.Context()
	local := s.manager.LocalNode()
	if len(nodeIDs) == 0 {
		nodeIDs = []string{local.ID}
	}

	var (
		self   bool
		remote []cluster.Node
	)
	seen := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if id == local.ID {
			self = true
			continue
		}
		n, err := s.manager.Node(ctx, id)
		if err != nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("node %s: %w", id, err))
			return
		}
		remote = append(remote, n)
	}

	out := make([]NodeReport, 0, len(seen))
	if self {
		out = append(out, s.executeLocal(ctx, cmd))
	}
	if len(remote) > 0 {
		results, err := s.fabric.Execution.ExecuteAndWait(ctx, cmd, remote)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		for id, res := range results {
			rep := NodeReport{Node: id, OK: res.Err() == nil, Result: res.Payload}
			if err := res.Err(); err != nil {
				rep.Error = err.Error()
			}
			out = append(out, rep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) executeLocal(ctx context.Context, cmd *event.Command) NodeReport {
	rep := NodeReport{Node: s.cfg.Node.ID}
	h, ok := s.fabric.Registry.Handler(cmd.Kind)
	ch, isCommand := h.(fabric.CommandHandler)
	if !ok || !isCommand {
		rep.Error = fmt.Sprintf("%s: %v", cmd.Kind, fabric.ErrHandlerNotFound)
		return rep
	}
	v, err := ch.Execute(ctx, cmd)
	if err == nil {
		rep.Result, err = json.Marshal(v)
	}
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.OK = true
	return rep
}
