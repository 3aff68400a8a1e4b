// Package busapi declares the pub/sub-exposed REST-like surface over
// the Node Manager: a queryable mounted at {prefix}/api/** for both the
// legacy and machine-scoped prefixes.
package busapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kornia-rs/bubbaloop/internal/bus"
	"github.com/kornia-rs/bubbaloop/internal/nodemanager"
	"github.com/kornia-rs/bubbaloop/internal/observability"
)

// schemaDescriptor is the opaque byte payload returned by the "schemas"
// endpoint. It is not JSON: callers treat it as an embedded descriptor
// blob.
var schemaDescriptor = []byte("bubbaloop-schema-v1\x00")

// API mounts the daemon's bus-exposed endpoints.
type API struct {
	mgr       *nodemanager.Manager
	session   *bus.Session
	machineID string
	scope     string
	metrics   *observability.Metrics
	log       *zap.Logger

	queryables []*bus.Queryable
}

// New constructs an API bound to mgr and session.
func New(mgr *nodemanager.Manager, session *bus.Session, machineID, scope string, metrics *observability.Metrics, log *zap.Logger) *API {
	return &API{mgr: mgr, session: session, machineID: machineID, scope: scope, metrics: metrics, log: log}
}

// Start declares the legacy and machine-scoped queryables. The session
// answers a query with the first-declared matching queryable only, so a
// key these patterns cover does not also reach other queryables that
// match it.
func (a *API) Start() {
	legacy := "bubbaloop/daemon/api/**"
	scoped := fmt.Sprintf("bubbaloop/%s/daemon/api/**", a.machineID)
	a.queryables = append(a.queryables,
		a.session.DeclareQueryable(legacy, a.handle),
		a.session.DeclareQueryable(scoped, a.handle),
	)
}

// Stop undeclares every queryable registered by Start.
func (a *API) Stop() {
	for _, q := range a.queryables {
		q.Undeclare()
	}
	a.queryables = nil
}

func (a *API) handle(ctx context.Context, key string, payload []byte) ([]byte, error) {
	start := time.Now()
	path, ok := pathSuffix(key)
	if !ok {
		resp, _ := errorReply(404, "not found")
		return resp, nil
	}

	resp, code := a.route(ctx, path, payload)

	if a.metrics != nil {
		a.metrics.BusQueryLatencySeconds.WithLabelValues(path).Observe(time.Since(start).Seconds())
		a.metrics.BusQueriesTotal.WithLabelValues(path, strconv.Itoa(code)).Inc()
	}
	return resp, nil
}

// pathSuffix extracts the path after "/api/" from a full bus key.
func pathSuffix(key string) (string, bool) {
	const marker = "/api/"
	idx := strings.Index(key, marker)
	if idx < 0 {
		return "", false
	}
	return key[idx+len(marker):], true
}

func (a *API) route(ctx context.Context, path string, payload []byte) ([]byte, int) {
	if path == "schemas" {
		return schemaDescriptor, 200
	}

	switch {
	case path == "health":
		return jsonReply(200, map[string]string{"status": "ok"})

	case path == "nodes":
		return a.listNodes()

	case path == "nodes/add":
		return a.addNode(ctx, payload)

	case path == "refresh":
		return a.refresh(ctx)

	case strings.HasPrefix(path, "nodes/") && strings.HasSuffix(path, "/logs"):
		name := strings.TrimSuffix(strings.TrimPrefix(path, "nodes/"), "/logs")
		return a.getLogs(ctx, name, payload)

	case strings.HasPrefix(path, "nodes/") && strings.HasSuffix(path, "/doctor"):
		name := strings.TrimSuffix(strings.TrimPrefix(path, "nodes/"), "/doctor")
		return a.doctor(name)

	case strings.HasPrefix(path, "nodes/") && strings.HasSuffix(path, "/command"):
		name := strings.TrimSuffix(strings.TrimPrefix(path, "nodes/"), "/command")
		return a.command(ctx, name, payload)

	case strings.HasPrefix(path, "nodes/"):
		name := strings.TrimPrefix(path, "nodes/")
		return a.getNode(name)

	default:
		return errorReply(404, fmt.Sprintf("unknown endpoint %q", path))
	}
}

func (a *API) listNodes() ([]byte, int) {
	nodes := a.mgr.GetNodeList()
	return jsonReply(200, map[string]any{
		"nodes":        nodes,
		"timestamp_ms": time.Now().UnixMilli(),
		"machine_id":   a.machineID,
	})
}

func (a *API) getNode(name string) ([]byte, int) {
	n, ok := a.mgr.GetNode(name)
	if !ok {
		return errorReply(404, fmt.Sprintf("node %q not found", name))
	}
	return jsonReply(200, n)
}

type addNodeRequest struct {
	NodePath string `json:"node_path"`
	Name     string `json:"name,omitempty"`
	Config   string `json:"config,omitempty"`

	// Nodes, when present, turns the request into a batch: entries are
	// registered in dependency order.
	Nodes []nodemanager.AddRequest `json:"nodes,omitempty"`
}

func (a *API) addNode(ctx context.Context, payload []byte) ([]byte, int) {
	var req addNodeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorReply(400, "invalid JSON body")
	}

	if len(req.Nodes) > 0 {
		results := a.mgr.AddNodeBatch(ctx, req.Nodes)
		return jsonReply(200, map[string]any{"results": results})
	}

	if req.NodePath == "" {
		return errorReply(400, "node_path is required")
	}
	result := a.mgr.ExecuteCommand(ctx, nodemanager.NodeCommand{
		Command:        nodemanager.CmdAddNode,
		NodePath:       req.NodePath,
		RequestID:      uuid.New().String(),
		SourceMachine:  a.machineID,
		NameOverride:   req.Name,
		ConfigOverride: req.Config,
	})
	return jsonReply(200, result)
}

func (a *API) doctor(name string) ([]byte, int) {
	report, err := a.mgr.Doctor(name)
	if err != nil {
		return errorReply(404, err.Error())
	}
	return jsonReply(200, report)
}

func (a *API) refresh(ctx context.Context) ([]byte, int) {
	result := a.mgr.ExecuteCommand(ctx, nodemanager.NodeCommand{Command: nodemanager.CmdRefresh})
	return jsonReply(200, result)
}

type logsRequest struct {
	Lines   int   `json:"lines,omitempty"`
	SinceMs int64 `json:"since_ms,omitempty"`
}

func (a *API) getLogs(ctx context.Context, name string, payload []byte) ([]byte, int) {
	var req logsRequest
	_ = json.Unmarshal(payload, &req) // empty body means defaults

	lines, err := a.mgr.GetNodeLogs(ctx, name, req.Lines, req.SinceMs)
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	return jsonReply(200, map[string]any{
		"node_name": name,
		"lines":     lines,
		"success":   err == nil,
		"error":     errText,
	})
}

type commandRequest struct {
	Command  string `json:"command"`
	NodePath string `json:"node_path,omitempty"`
	Name     string `json:"name,omitempty"`
	Config   string `json:"config,omitempty"`
}

func (a *API) command(ctx context.Context, name string, payload []byte) ([]byte, int) {
	var req commandRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Command == "" {
		return errorReply(400, "command is required")
	}
	cmd, ok := normalizeCommand(req.Command)
	if !ok {
		return errorReply(400, fmt.Sprintf("unknown command %q", req.Command))
	}
	result := a.mgr.ExecuteCommand(ctx, nodemanager.NodeCommand{
		Command:        cmd,
		NodeName:       name,
		NodePath:       req.NodePath,
		RequestID:      uuid.New().String(),
		TimestampMs:    time.Now().UnixMilli(),
		SourceMachine:  a.machineID,
		NameOverride:   req.Name,
		ConfigOverride: req.Config,
	})
	return jsonReply(200, result)
}

var commandAliases = map[string]nodemanager.Command{
	"start":               nodemanager.CmdStart,
	"stop":                nodemanager.CmdStop,
	"restart":             nodemanager.CmdRestart,
	"install":             nodemanager.CmdInstall,
	"uninstall":           nodemanager.CmdUninstall,
	"build":               nodemanager.CmdBuild,
	"clean":               nodemanager.CmdClean,
	"enable":              nodemanager.CmdEnableAutostart,
	"enable_autostart":    nodemanager.CmdEnableAutostart,
	"enable-autostart":    nodemanager.CmdEnableAutostart,
	"disable":             nodemanager.CmdDisableAutostart,
	"disable_autostart":   nodemanager.CmdDisableAutostart,
	"disable-autostart":   nodemanager.CmdDisableAutostart,
	"add_node":            nodemanager.CmdAddNode,
	"add-node":            nodemanager.CmdAddNode,
	"remove_node":         nodemanager.CmdRemoveNode,
	"remove-node":         nodemanager.CmdRemoveNode,
	"refresh":             nodemanager.CmdRefresh,
	"logs":                nodemanager.CmdGetLogs,
	"get_logs":            nodemanager.CmdGetLogs,
	"get-logs":            nodemanager.CmdGetLogs,
}

func normalizeCommand(raw string) (nodemanager.Command, bool) {
	cmd, ok := commandAliases[strings.ToLower(raw)]
	return cmd, ok
}

func jsonReply(code int, v any) ([]byte, int) {
	data, err := json.Marshal(v)
	if err != nil {
		return errorReply(500, err.Error())
	}
	return data, code
}

func errorReply(code int, msg string) ([]byte, int) {
	data, _ := json.Marshal(map[string]any{"error": msg, "code": code})
	return data, code
}
