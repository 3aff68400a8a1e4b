// Package agent exposes the daemon's operations as a fixed tool
// catalogue for programmatic and LLM callers: each tool has a name, a
// description, and a JSON schema, and resolves to a Node Manager call, a
// bus query on an allowlisted key, or the install flow.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kornia-rs/bubbaloop/internal/bubbaerr"
	"github.com/kornia-rs/bubbaloop/internal/bus"
	"github.com/kornia-rs/bubbaloop/internal/manifest"
	"github.com/kornia-rs/bubbaloop/internal/nodemanager"
	"github.com/kornia-rs/bubbaloop/internal/rules"
)

// Tool is one entry of the catalogue.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"input_schema"`
}

// MarketplaceInstaller resolves a plain node identifier against the
// marketplace cache and installs it. The marketplace fetcher is an
// external collaborator; a nil installer makes marketplace sources fail
// with a clear message.
type MarketplaceInstaller func(ctx context.Context, name string) (string, error)

// Dispatcher resolves tool calls against the Node Manager and the bus.
type Dispatcher struct {
	mgr         *nodemanager.Manager
	session     *bus.Session
	machineID   string
	scope       string
	marketplace MarketplaceInstaller
	log         *zap.Logger
}

// New constructs a Dispatcher. marketplace may be nil.
func New(mgr *nodemanager.Manager, session *bus.Session, machineID, scope string, marketplace MarketplaceInstaller, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		mgr:         mgr,
		session:     session,
		machineID:   machineID,
		scope:       scope,
		marketplace: marketplace,
		log:         log,
	}
}

func nodeNameSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"node_name": map[string]any{
				"type":        "string",
				"description": "Effective name of the node.",
			},
		},
		"required": []string{"node_name"},
	}
}

// Tools returns the fixed catalogue.
func (d *Dispatcher) Tools() []Tool {
	return []Tool{
		{
			Name:        "list_nodes",
			Description: "List all registered nodes with their status, health, build state, and instance overrides.",
			Schema:      map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "get_system_status",
			Description: "Get overall daemon status: machine identity, scope, node count, node counts by status, and a timestamp.",
			Schema:      map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "get_machine_info",
			Description: "Get machine identity, hostname, OS, and architecture.",
			Schema:      map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "get_node_health",
			Description: "Get the heartbeat-derived health status of one node.",
			Schema:      nodeNameSchema(),
		},
		{
			Name:        "get_node_manifest",
			Description: "Get the parsed node.yaml manifest for one node.",
			Schema:      nodeNameSchema(),
		},
		{
			Name:        "get_node_logs",
			Description: "Get the latest journal lines from a node's service.",
			Schema:      nodeNameSchema(),
		},
		{
			Name:        "doctor_node",
			Description: "Run preflight checks for a node: manifest, toolchain, build artifacts, and dependency health.",
			Schema:      nodeNameSchema(),
		},
		{Name: "start_node", Description: "Start a stopped node via the daemon.", Schema: nodeNameSchema()},
		{Name: "stop_node", Description: "Stop a running node via the daemon.", Schema: nodeNameSchema()},
		{Name: "restart_node", Description: "Restart a node (stop then start).", Schema: nodeNameSchema()},
		{Name: "build_node", Description: "Trigger a build for a node's source directory.", Schema: nodeNameSchema()},
		{Name: "clean_node", Description: "Clean a node's build artifacts.", Schema: nodeNameSchema()},
		{Name: "remove_node", Description: "Remove a registered node, uninstalling its service first if installed.", Schema: nodeNameSchema()},
		{Name: "uninstall_node", Description: "Uninstall a node's service unit without unregistering it.", Schema: nodeNameSchema()},
		{Name: "enable_autostart", Description: "Enable autostart for a node's service.", Schema: nodeNameSchema()},
		{Name: "disable_autostart", Description: "Disable autostart for a node's service.", Schema: nodeNameSchema()},
		{
			Name:        "send_command",
			Description: "Send a command with parameters to a node's command queryable on the bus.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"node_name": map[string]any{"type": "string"},
					"command":   map[string]any{"type": "string"},
					"params":    map[string]any{"type": "object"},
				},
				"required": []string{"node_name", "command"},
			},
		},
		{
			Name:        "query_zenoh",
			Description: "Query a bus key expression. Key must start with bubbaloop/.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key_expr": map[string]any{"type": "string"},
				},
				"required": []string{"key_expr"},
			},
		},
		{
			Name:        "install_node",
			Description: "Install a node from the marketplace (plain name) or a local path.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source": map[string]any{
						"type":        "string",
						"description": "Marketplace name, or a node directory path.",
					},
				},
				"required": []string{"source"},
			},
		},
	}
}

// Call resolves a tool by name and executes it. The returned string is
// the tool output (JSON for structured results); errors cover unknown
// tools and input validation, while per-node operational failures are
// folded into the output the way CommandResult folds them.
func (d *Dispatcher) Call(ctx context.Context, name string, input map[string]any) (string, error) {
	d.log.Debug("tool call", zap.String("tool", name))
	switch name {
	case "list_nodes":
		return marshal(d.mgr.GetNodeList())
	case "get_system_status":
		return d.systemStatus()
	case "get_machine_info":
		return d.machineInfo()
	case "get_node_health":
		return d.nodeHealth(input)
	case "get_node_manifest":
		return d.nodeManifest(input)
	case "get_node_logs":
		return d.nodeLogs(ctx, input)
	case "doctor_node":
		return d.doctorNode(input)
	case "start_node":
		return d.nodeCommand(ctx, input, nodemanager.CmdStart)
	case "stop_node":
		return d.nodeCommand(ctx, input, nodemanager.CmdStop)
	case "restart_node":
		return d.nodeCommand(ctx, input, nodemanager.CmdRestart)
	case "build_node":
		return d.nodeCommand(ctx, input, nodemanager.CmdBuild)
	case "clean_node":
		return d.nodeCommand(ctx, input, nodemanager.CmdClean)
	case "remove_node":
		return d.nodeCommand(ctx, input, nodemanager.CmdRemoveNode)
	case "uninstall_node":
		return d.nodeCommand(ctx, input, nodemanager.CmdUninstall)
	case "enable_autostart":
		return d.nodeCommand(ctx, input, nodemanager.CmdEnableAutostart)
	case "disable_autostart":
		return d.nodeCommand(ctx, input, nodemanager.CmdDisableAutostart)
	case "send_command":
		return d.sendCommand(ctx, input)
	case "query_zenoh":
		return d.queryBus(ctx, input)
	case "install_node":
		return d.installNode(ctx, input)
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func stringParam(input map[string]any, key string) (string, error) {
	v, ok := input[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing required parameter %q", bubbaerr.ErrInvalidInput, key)
	}
	return v, nil
}

func nodeName(input map[string]any) (string, error) {
	name, err := stringParam(input, "node_name")
	if err != nil {
		return "", err
	}
	if !validNodeName(name) {
		return "", fmt.Errorf("%w: %q", bubbaerr.ErrInvalidNodeName, name)
	}
	return name, nil
}

// validNodeName applies the shared character rule plus the tool-surface
// extras: no leading '-' or '.'.
func validNodeName(name string) bool {
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return false
	}
	return manifest.ValidName(name)
}

func (d *Dispatcher) systemStatus() (string, error) {
	nodes := d.mgr.GetNodeList()
	counts := map[nodemanager.Status]int{}
	for _, n := range nodes {
		counts[n.Status]++
	}
	return marshal(map[string]any{
		"machine_id":   d.machineID,
		"scope":        d.scope,
		"node_count":   len(nodes),
		"by_status":    counts,
		"timestamp_ms": time.Now().UnixMilli(),
	})
}

func (d *Dispatcher) machineInfo() (string, error) {
	hostname, _ := os.Hostname()
	return marshal(map[string]any{
		"machine_id": d.machineID,
		"scope":      d.scope,
		"hostname":   hostname,
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	})
}

func (d *Dispatcher) nodeHealth(input map[string]any) (string, error) {
	name, err := nodeName(input)
	if err != nil {
		return "", err
	}
	n, ok := d.mgr.GetNode(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", bubbaerr.ErrNodeNotFound, name)
	}
	return marshal(map[string]any{
		"node_name":            name,
		"status":               n.Status,
		"health_status":        n.HealthStatus,
		"last_health_check_ms": n.LastHealthCheckMs,
	})
}

func (d *Dispatcher) nodeManifest(input map[string]any) (string, error) {
	name, err := nodeName(input)
	if err != nil {
		return "", err
	}
	n, ok := d.mgr.GetNode(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", bubbaerr.ErrNodeNotFound, name)
	}
	if n.Manifest == nil {
		return "", fmt.Errorf("%w: %s", bubbaerr.ErrInvalidManifest, n.Path)
	}
	return marshal(n.Manifest)
}

func (d *Dispatcher) nodeLogs(ctx context.Context, input map[string]any) (string, error) {
	name, err := nodeName(input)
	if err != nil {
		return "", err
	}
	lines, err := d.mgr.GetNodeLogs(ctx, name, 50, 0)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

func (d *Dispatcher) doctorNode(input map[string]any) (string, error) {
	name, err := nodeName(input)
	if err != nil {
		return "", err
	}
	report, err := d.mgr.Doctor(name)
	if err != nil {
		return "", err
	}
	return marshal(report)
}

func (d *Dispatcher) nodeCommand(ctx context.Context, input map[string]any, cmd nodemanager.Command) (string, error) {
	name, err := nodeName(input)
	if err != nil {
		return "", err
	}
	result := d.mgr.ExecuteCommand(ctx, nodemanager.NodeCommand{
		Command:       cmd,
		NodeName:      name,
		RequestID:     uuid.New().String(),
		TimestampMs:   time.Now().UnixMilli(),
		SourceMachine: d.machineID,
	})
	return marshal(result)
}

func (d *Dispatcher) sendCommand(ctx context.Context, input map[string]any) (string, error) {
	name, err := nodeName(input)
	if err != nil {
		return "", err
	}
	command, err := stringParam(input, "command")
	if err != nil {
		return "", err
	}
	params, _ := input["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	payload, err := json.Marshal(map[string]any{"command": command, "params": params})
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("bubbaloop/%s/%s/%s/command", d.scope, d.machineID, name)

	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	reply, err := d.session.Query(qctx, key, payload)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

func (d *Dispatcher) queryBus(ctx context.Context, input map[string]any) (string, error) {
	keyExpr, err := stringParam(input, "key_expr")
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(keyExpr, "bubbaloop/") {
		return "", fmt.Errorf("%w: key expression must start with bubbaloop/", bubbaerr.ErrInvalidInput)
	}

	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	reply, err := d.session.Query(qctx, keyExpr, nil)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// installNode routes by source format: a plain identifier (no '/', no
// leading '.', passes node-name validation) is a marketplace lookup;
// anything else is validated as a path and registered directly.
func (d *Dispatcher) installNode(ctx context.Context, input map[string]any) (string, error) {
	source, err := stringParam(input, "source")
	if err != nil {
		return "", err
	}

	isMarketplaceName := !strings.Contains(source, "/") &&
		!strings.HasPrefix(source, ".") &&
		validNodeName(source)

	if isMarketplaceName {
		if d.marketplace == nil {
			return "", fmt.Errorf("%w: marketplace installer not configured", bubbaerr.ErrInvalidInput)
		}
		return d.marketplace(ctx, source)
	}

	if strings.ContainsAny(source, "\x00\r\n") {
		return "", fmt.Errorf("%w: install source contains control characters", bubbaerr.ErrInvalidInput)
	}
	result := d.mgr.ExecuteCommand(ctx, nodemanager.NodeCommand{
		Command:       nodemanager.CmdAddNode,
		NodePath:      source,
		RequestID:     uuid.New().String(),
		TimestampMs:   time.Now().UnixMilli(),
		SourceMachine: d.machineID,
	})
	return marshal(result)
}

// ValidPublishTopic reports whether topic is acceptable for a
// tool-initiated publish; it shares the rule engine's allowlist.
func ValidPublishTopic(topic string) bool {
	return rules.ValidTopic(topic)
}

type toolCallRequest struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input,omitempty"`
}

// Mount declares the agent queryables on the bus:
//
//	bubbaloop/{machine}/agent/tools — returns the tool catalogue
//	bubbaloop/{machine}/agent/call  — executes {tool, input}
//
// The returned queryables are undeclared by the caller on shutdown.
func (d *Dispatcher) Mount() []*bus.Queryable {
	prefix := fmt.Sprintf("bubbaloop/%s/agent", d.machineID)
	return []*bus.Queryable{
		d.session.DeclareQueryable(prefix+"/tools", func(ctx context.Context, key string, payload []byte) ([]byte, error) {
			return json.Marshal(d.Tools())
		}),
		d.session.DeclareQueryable(prefix+"/call", func(ctx context.Context, key string, payload []byte) ([]byte, error) {
			var req toolCallRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("%w: %v", bubbaerr.ErrInvalidInput, err)
			}
			out, err := d.Call(ctx, req.Tool, req.Input)
			if err != nil {
				return json.Marshal(map[string]any{"success": false, "error": err.Error()})
			}
			return json.Marshal(map[string]any{"success": true, "output": out})
		}),
	}
}
