package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gocellar/pkg/cluster"
	"gocellar/pkg/event"
	"gocellar/pkg/fabric"
	"gocellar/pkg/server"
)

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster operations",
		Long:  "Inspect and manage a running cluster through a node's admin endpoint",
	}

	cmd.AddCommand(clusterNodesCmd())
	cmd.AddCommand(clusterGroupsCmd())
	cmd.AddCommand(clusterPingCmd())
	cmd.AddCommand(clusterHealthCmd())
	cmd.AddCommand(clusterGroupCmd())
	cmd.AddCommand(clusterSwitchCmd())
	cmd.AddCommand(clusterHandlersCmd())

	return cmd
}

func getJSON(path string, v interface{}) error {
	return doJSON(http.MethodGet, path, nil, v)
}

func postJSON(path string, body, v interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return doJSON(http.MethodPost, path, data, v)
}

func doJSON(method, path string, body []byte, v interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(adminAddr, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// printReports prints one line per node; show renders a successful result.
func printReports(reports []server.NodeReport, show func(raw json.RawMessage) string) error {
	failed := 0
	for _, r := range reports {
		if !r.OK {
			failed++
			fmt.Printf("%s: failed: %s\n", r.Node, r.Error)
			continue
		}
		fmt.Printf("%s: %s\n", r.Node, show(r.Result))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d nodes failed", failed, len(reports))
	}
	return nil
}

func clusterNodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List all cluster nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var nodes []cluster.Node
			if err := getJSON("/cluster/nodes", &nodes); err != nil {
				return err
			}
			for i, n := range nodes {
				fmt.Printf("%d) %s - %s\n", i+1, n, n.Address())
			}
			return nil
		},
	}
}

func clusterGroupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List cluster groups and their members",
		RunE: func(cmd *cobra.Command, args []string) error {
			var groups []cluster.Group
			if err := getJSON("/cluster/groups", &groups); err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Printf("%s: %s\n", g.Name, strings.Join(g.NodeIDs(), ", "))
			}
			return nil
		},
	}
}

func clusterPingCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Ping the members of a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			var reports []server.PingReport
			if err := getJSON("/cluster/ping?group="+group, &reports); err != nil {
				return err
			}
			for _, r := range reports {
				if r.OK {
					fmt.Printf("%s: ok (%s)\n", r.Node, r.Elapsed)
				} else {
					fmt.Printf("%s: failed: %s\n", r.Node, r.Error)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "Group to ping (default group when empty)")
	return cmd
}

func clusterHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the node's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status map[string]string
			if err := getJSON("/health", &status); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", status["node"], status["status"])
			return nil
		},
	}
}

func clusterGroupCmd() *cobra.Command {
	var nodes []string
	cmd := &cobra.Command{
		Use:   "group [join|quit|set|list] [group]",
		Short: "Change or list the groups of nodes",
		Long:  "Run a group action on the given nodes, or on the admin node itself when --node is not set",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := server.GroupAction{Action: fabric.GroupList, Nodes: nodes}
			if len(args) > 0 {
				action.Action = args[0]
			}
			if len(args) > 1 {
				action.Group = args[1]
			}
			var reports []server.NodeReport
			if err := postJSON("/cluster/group", action, &reports); err != nil {
				return err
			}
			return printReports(reports, func(raw json.RawMessage) string {
				var resp fabric.ManageGroupResponse
				if err := json.Unmarshal(raw, &resp); err != nil {
					return string(raw)
				}
				return strings.Join(resp.Groups, ", ")
			})
		},
	}
	cmd.Flags().StringSliceVar(&nodes, "node", nil, "Target node IDs (the admin node when empty)")
	return cmd
}

func clusterSwitchCmd() *cobra.Command {
	var nodes []string
	cmd := &cobra.Command{
		Use:       "switch producer|consumer [on|off]",
		Short:     "Show or set the producer or consumer switch of nodes",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{event.ProducerSwitch, event.ConsumerSwitch},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := server.SwitchAction{Switch: args[0], Nodes: nodes}
			if len(args) > 1 {
				action.Status = args[1]
			}
			var reports []server.NodeReport
			if err := postJSON("/cluster/switch", action, &reports); err != nil {
				return err
			}
			return printReports(reports, func(raw json.RawMessage) string {
				var resp fabric.SwitchResponse
				if err := json.Unmarshal(raw, &resp); err != nil {
					return string(raw)
				}
				return resp.Name + " " + resp.Status
			})
		},
	}
	cmd.Flags().StringSliceVar(&nodes, "node", nil, "Target node IDs (the admin node when empty)")
	return cmd
}

func clusterHandlersCmd() *cobra.Command {
	var nodes []string
	cmd := &cobra.Command{
		Use:   "handlers [kind on|off]",
		Short: "List bound handlers or toggle one handler's switch",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or a kind and a status, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := server.HandlersAction{Nodes: nodes}
			if len(args) == 2 {
				action.Kind, action.Status = args[0], args[1]
			}
			var reports []server.NodeReport
			if err := postJSON("/cluster/handlers", action, &reports); err != nil {
				return err
			}
			return printReports(reports, func(raw json.RawMessage) string {
				var resp fabric.ManageHandlersResponse
				if err := json.Unmarshal(raw, &resp); err != nil {
					return string(raw)
				}
				kinds := make([]string, 0, len(resp.Handlers))
				for k := range resp.Handlers {
					kinds = append(kinds, k)
				}
				sort.Strings(kinds)
				parts := make([]string, 0, len(kinds))
				for _, k := range kinds {
					parts = append(parts, k+"="+resp.Handlers[k])
				}
				return strings.Join(parts, " ")
			})
		},
	}
	cmd.Flags().StringSliceVar(&nodes, "node", nil, "Target node IDs (the admin node when empty)")
	return cmd
}
