// Package nodemanager owns the daemon's single source of truth: the
// effective_name → CachedNode cache, reconciled from the registry, the
// service manager, and heartbeat traffic.
package nodemanager

import (
	"github.com/kornia-rs/bubbaloop/internal/manifest"
	"github.com/kornia-rs/bubbaloop/internal/ringlog"
)

// Status is the lifecycle state of a cached node.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusStopped      Status = "stopped"
	StatusRunning      Status = "running"
	StatusFailed       Status = "failed"
	StatusInstalling   Status = "installing"
	StatusBuilding     Status = "building"
	StatusNotInstalled Status = "not_installed"
)

// BuildPhase is the Idle/Building/Cleaning state of a node's build job.
type BuildPhase string

const (
	BuildIdle     BuildPhase = "idle"
	BuildBuilding BuildPhase = "building"
	BuildCleaning BuildPhase = "cleaning"
)

// HealthStatus is the heartbeat-derived health of a running node.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// BuildState tracks the in-progress or most recent build/clean job.
type BuildState struct {
	Phase  BuildPhase
	Output *ringlog.Buffer
}

// CachedNode is the Node Manager's in-memory record for one effective
// name. Every field is read/written only while holding Manager.mu.
type CachedNode struct {
	Path              string
	Manifest          *manifest.Manifest
	Status            Status
	Installed         bool
	AutostartEnabled  bool
	IsBuilt           bool
	Build             BuildState
	LastUpdatedMs     int64
	HealthStatus      HealthStatus
	LastHealthCheckMs int64
	NameOverride      string
	ConfigOverride    string
}

// NodeState is the JSON-facing, cloned snapshot of a CachedNode, tagged
// with the fields a caller cannot derive from the cache entry alone.
type NodeState struct {
	Name              string            `json:"name"`
	BaseNode          string            `json:"base_node"`
	Path              string            `json:"path"`
	Manifest          *manifest.Manifest `json:"manifest,omitempty"`
	Status            Status            `json:"status"`
	Installed         bool              `json:"installed"`
	AutostartEnabled  bool              `json:"autostart_enabled"`
	IsBuilt           bool              `json:"is_built"`
	BuildStatus       BuildPhase        `json:"build_status"`
	BuildOutput       []string          `json:"build_output,omitempty"`
	LastUpdatedMs     int64             `json:"last_updated_ms"`
	HealthStatus      HealthStatus      `json:"health_status"`
	LastHealthCheckMs int64             `json:"last_health_check_ms"`
	NameOverride      string            `json:"name_override,omitempty"`
	ConfigOverride    string            `json:"config_override,omitempty"`
	MachineID         string            `json:"machine_id"`
}

// Command enumerates the operations ExecuteCommand accepts.
type Command string

const (
	CmdStart             Command = "start"
	CmdStop              Command = "stop"
	CmdRestart           Command = "restart"
	CmdInstall           Command = "install"
	CmdUninstall         Command = "uninstall"
	CmdBuild             Command = "build"
	CmdClean             Command = "clean"
	CmdEnableAutostart   Command = "enable_autostart"
	CmdDisableAutostart  Command = "disable_autostart"
	CmdAddNode           Command = "add_node"
	CmdRemoveNode        Command = "remove_node"
	CmdRefresh           Command = "refresh"
	CmdGetLogs           Command = "get_logs"
)

// NodeCommand is the wire request for ExecuteCommand.
type NodeCommand struct {
	Command        Command `json:"command"`
	NodeName       string  `json:"node_name,omitempty"`
	NodePath       string  `json:"node_path,omitempty"`
	RequestID      string  `json:"request_id,omitempty"`
	TimestampMs    int64   `json:"timestamp_ms,omitempty"`
	SourceMachine  string  `json:"source_machine,omitempty"`
	TargetMachine  string  `json:"target_machine,omitempty"`
	NameOverride   string  `json:"name_override,omitempty"`
	ConfigOverride string  `json:"config_override,omitempty"`
}

// CommandResult is the wire reply to a NodeCommand.
type CommandResult struct {
	RequestID        string     `json:"request_id,omitempty"`
	Success          bool       `json:"success"`
	Message          string     `json:"message"`
	Output           []string   `json:"output,omitempty"`
	NodeState        *NodeState `json:"node_state,omitempty"`
	TimestampMs      int64      `json:"timestamp_ms"`
	RespondingMachine string    `json:"responding_machine"`
}

// EventType enumerates the NodeEvent discriminants.
type EventType string

const (
	EventAdded         EventType = "added"
	EventRemoved       EventType = "removed"
	EventStarted       EventType = "started"
	EventStopped       EventType = "stopped"
	EventRestarted     EventType = "restarted"
	EventInstalled     EventType = "installed"
	EventUninstalled   EventType = "uninstalled"
	EventBuildComplete EventType = "build_complete"
	EventBuildFailed   EventType = "build_failed"
	EventBuildTimeout  EventType = "build_timeout"
	EventCleanComplete EventType = "clean_complete"
	EventAutostartOn   EventType = "autostart_enabled"
	EventAutostartOff  EventType = "autostart_disabled"
	EventRefreshed     EventType = "refreshed"
)

// NodeEvent is broadcast to subscribers for the changes listed under
// EventType. Not every cache update emits one: a heartbeat receipt
// updates the cache without an event.
type NodeEvent struct {
	EventType   EventType  `json:"event_type"`
	NodeName    string     `json:"node_name"`
	State       *NodeState `json:"state,omitempty"`
	TimestampMs int64      `json:"timestamp_ms"`
}
