package nodemanager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kornia-rs/bubbaloop/internal/buildexec"
	"github.com/kornia-rs/bubbaloop/internal/bubbaerr"
	"github.com/kornia-rs/bubbaloop/internal/ringlog"
	"github.com/kornia-rs/bubbaloop/internal/unitgen"
)

// ExecuteCommand dispatches cmd and returns a reply. It never panics:
// every failure is folded into CommandResult{Success: false}.
func (m *Manager) ExecuteCommand(ctx context.Context, cmd NodeCommand) CommandResult {
	result := m.dispatch(ctx, cmd)
	result.RequestID = cmd.RequestID
	result.TimestampMs = time.Now().UnixMilli()
	result.RespondingMachine = m.machineID
	if m.metrics != nil {
		outcome := "success"
		if !result.Success {
			outcome = "failure"
		}
		m.metrics.CommandsTotal.WithLabelValues(string(cmd.Command), outcome).Inc()
	}
	return result
}

func (m *Manager) dispatch(ctx context.Context, cmd NodeCommand) CommandResult {
	switch cmd.Command {
	case CmdStart:
		return m.simpleUnitOp(ctx, cmd.NodeName, "Started", m.svc.Start, EventStarted)
	case CmdStop:
		return m.simpleUnitOp(ctx, cmd.NodeName, "Stopped", m.svc.Stop, EventStopped)
	case CmdRestart:
		return m.simpleUnitOp(ctx, cmd.NodeName, "Restarted", m.svc.Restart, EventRestarted)
	case CmdInstall:
		return m.install(ctx, cmd.NodeName)
	case CmdUninstall:
		return m.uninstall(ctx, cmd.NodeName)
	case CmdBuild:
		return m.buildOrClean(ctx, cmd.NodeName, false)
	case CmdClean:
		return m.buildOrClean(ctx, cmd.NodeName, true)
	case CmdEnableAutostart:
		return m.autostart(ctx, cmd.NodeName, true)
	case CmdDisableAutostart:
		return m.autostart(ctx, cmd.NodeName, false)
	case CmdAddNode:
		return m.addNode(ctx, cmd.NodePath, cmd.NameOverride, cmd.ConfigOverride)
	case CmdRemoveNode:
		return m.removeNode(ctx, cmd.NodeName)
	case CmdRefresh:
		if err := m.RefreshAll(ctx); err != nil {
			return CommandResult{Success: false, Message: err.Error()}
		}
		return CommandResult{Success: true, Message: "Refreshed"}
	case CmdGetLogs:
		return m.getLogs(ctx, cmd.NodeName)
	default:
		return CommandResult{Success: false, Message: fmt.Sprintf("unknown command %q", cmd.Command)}
	}
}

func (m *Manager) withState(name string, result CommandResult) CommandResult {
	if state, ok := m.GetNode(name); ok {
		result.NodeState = &state
	}
	return result
}

func (m *Manager) simpleUnitOp(ctx context.Context, name, verb string, op func(context.Context, string) error, event EventType) CommandResult {
	if _, ok := m.GetNode(name); !ok {
		return CommandResult{Success: false, Message: fmt.Sprintf("node %q not found", name)}
	}
	unit := unitgen.UnitName(name)
	if err := op(ctx, unit); err != nil {
		return CommandResult{Success: false, Message: err.Error()}
	}
	go m.backgroundRefresh(name, event)
	return m.withState(name, CommandResult{Success: true, Message: fmt.Sprintf("%s %s", verb, name)})
}

func (m *Manager) backgroundRefresh(name string, event EventType) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.RefreshNode(ctx, name); err != nil {
		m.log.Warn("background refresh failed", zap.String("node", name), zap.Error(err))
	}
	m.emitFor(name, event)
}

func (m *Manager) unitPath(name string) string {
	return filepath.Join(m.serviceDir, unitgen.UnitName(name))
}

func (m *Manager) install(ctx context.Context, name string) CommandResult {
	n, ok := m.GetNode(name)
	if !ok {
		return CommandResult{Success: false, Message: fmt.Sprintf("node %q not found", name)}
	}
	if n.Manifest == nil {
		return CommandResult{Success: false, Message: fmt.Sprintf("node %q has no readable manifest", name)}
	}

	text, err := unitgen.Generate(unitgen.Options{
		NodePath:       n.Path,
		EffectiveName:  name,
		NodeType:       n.Manifest.NodeType,
		Command:        n.Manifest.Command,
		DependsOn:      n.Manifest.DependsOn,
		ConfigOverride: n.ConfigOverride,
		ToolBin:        m.toolBin,
		PathDirs:       m.toolDirs,
	})
	if err != nil {
		return CommandResult{Success: false, Message: err.Error()}
	}

	if err := os.MkdirAll(m.serviceDir, 0o755); err != nil {
		return CommandResult{Success: false, Message: fmt.Sprintf("create service dir: %v", err)}
	}
	if err := os.WriteFile(m.unitPath(name), []byte(text), 0o644); err != nil {
		return CommandResult{Success: false, Message: fmt.Sprintf("write unit file: %v", err)}
	}
	if err := m.svc.DaemonReload(ctx); err != nil {
		return CommandResult{Success: false, Message: err.Error()}
	}

	go m.backgroundRefresh(name, EventInstalled)
	return m.withState(name, CommandResult{Success: true, Message: fmt.Sprintf("Installed %s", name)})
}

func (m *Manager) uninstall(ctx context.Context, name string) CommandResult {
	unit := unitgen.UnitName(name)
	_ = m.svc.Stop(ctx, unit)
	_ = m.svc.Disable(ctx, unit)

	if err := os.Remove(m.unitPath(name)); err != nil && !os.IsNotExist(err) {
		return CommandResult{Success: false, Message: fmt.Sprintf("remove unit file: %v", err)}
	}
	if err := m.svc.DaemonReload(ctx); err != nil {
		return CommandResult{Success: false, Message: err.Error()}
	}

	go m.backgroundRefresh(name, EventUninstalled)
	return m.withState(name, CommandResult{Success: true, Message: fmt.Sprintf("Uninstalled %s", name)})
}

func (m *Manager) autostart(ctx context.Context, name string, enable bool) CommandResult {
	unit := unitgen.UnitName(name)
	var err error
	verb := "Enabled"
	event := EventAutostartOn
	if enable {
		err = m.svc.Enable(ctx, unit)
	} else {
		err = m.svc.Disable(ctx, unit)
		verb = "Disabled"
		event = EventAutostartOff
	}
	if err != nil {
		return CommandResult{Success: false, Message: err.Error()}
	}
	go m.backgroundRefresh(name, event)
	return m.withState(name, CommandResult{Success: true, Message: fmt.Sprintf("%s autostart for %s", verb, name)})
}

func (m *Manager) addNode(ctx context.Context, path, nameOverride, configOverride string) CommandResult {
	effective, err := m.reg.Register(path, nameOverride, configOverride)
	if err != nil {
		return CommandResult{Success: false, Message: err.Error()}
	}
	if err := m.RefreshAll(ctx); err != nil {
		return CommandResult{Success: false, Message: err.Error()}
	}
	m.emitFor(effective, EventAdded)
	return m.withState(effective, CommandResult{Success: true, Message: fmt.Sprintf("Added %s", effective)})
}

func (m *Manager) removeNode(ctx context.Context, name string) CommandResult {
	// Install refreshes the cache in the background, so a unit file on
	// disk also counts as installed.
	installed := false
	if n, ok := m.GetNode(name); ok && n.Installed {
		installed = true
	}
	if _, err := os.Stat(m.unitPath(name)); err == nil {
		installed = true
	}
	if installed {
		_ = m.uninstall(ctx, name) // best-effort; errors do not block unregister
	}
	if err := m.reg.Unregister(name); err != nil {
		return CommandResult{Success: false, Message: err.Error()}
	}
	if err := m.RefreshAll(ctx); err != nil {
		return CommandResult{Success: false, Message: err.Error()}
	}
	m.emit(NodeEvent{EventType: EventRemoved, NodeName: name, TimestampMs: time.Now().UnixMilli()})
	return CommandResult{Success: true, Message: fmt.Sprintf("Removed %s", name)}
}

func (m *Manager) buildOrClean(ctx context.Context, name string, clean bool) CommandResult {
	m.mu.Lock()
	n, ok := m.nodes[name]
	if !ok {
		m.mu.Unlock()
		return CommandResult{Success: false, Message: fmt.Sprintf("node %q not found", name)}
	}
	if n.Manifest == nil {
		m.mu.Unlock()
		return CommandResult{Success: false, Message: fmt.Sprintf("node %q has no readable manifest", name)}
	}
	if n.Build.Phase != BuildIdle {
		m.mu.Unlock()
		return CommandResult{Success: false, Message: bubbaerr.ErrAlreadyBuilding.Error()}
	}
	wasRunning := n.Status == StatusRunning
	phase := BuildBuilding
	if clean {
		phase = BuildCleaning
	}
	n.Build.Phase = phase
	n.Build.Output.Clear()
	n.Status = StatusBuilding
	nodePath, buildCmd := n.Path, n.Manifest.Build
	output := n.Build.Output
	m.mu.Unlock()

	if wasRunning {
		unit := unitgen.UnitName(name)
		_ = m.svc.Stop(ctx, unit)
		time.Sleep(500 * time.Millisecond)
	}

	go m.runBuildJob(name, nodePath, buildCmd, clean, output)

	verb := "Build"
	if clean {
		verb = "Clean"
	}
	return CommandResult{Success: true, Message: fmt.Sprintf("%s started for %s", verb, name)}
}

func (m *Manager) runBuildJob(name, nodePath, buildCmd string, clean bool, output *ringlog.Buffer) {
	ctx := context.Background()

	var (
		result buildexec.Result
		err     error
	)
	if clean {
		result, err = m.build.Clean(ctx, nodePath, name, buildCmd, output)
	} else {
		result, err = m.build.Build(ctx, nodePath, name, buildCmd, output)
	}

	var summary string
	var event EventType
	if clean {
		// Clean jobs always resolve to clean_complete; the summary line
		// still records how the job ended.
		event = EventCleanComplete
		switch {
		case err != nil && result.Outcome == buildexec.OutcomeTimeout:
			summary = "Clean timed out"
		case err != nil:
			summary = fmt.Sprintf("Clean failed: %v", err)
		default:
			summary = "Clean completed successfully"
		}
	} else {
		switch {
		case err != nil && result.Outcome == buildexec.OutcomeTimeout:
			summary = "Build timed out"
			event = EventBuildTimeout
		case err != nil:
			summary = fmt.Sprintf("Build failed: %v", err)
			event = EventBuildFailed
		default:
			summary = "Build completed successfully"
			event = EventBuildComplete
		}
	}
	output.Append(summary)

	m.mu.Lock()
	if n, ok := m.nodes[name]; ok {
		n.Build.Phase = BuildIdle
		if clean {
			if err == nil {
				n.IsBuilt = false
			}
		} else if err == nil {
			n.IsBuilt = true
		}
	}
	m.mu.Unlock()

	refreshCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if rerr := m.RefreshAll(refreshCtx); rerr != nil {
		m.log.Warn("post-build refresh failed", zap.String("node", name), zap.Error(rerr))
	}
	m.emitFor(name, event)
}

func (m *Manager) getLogs(ctx context.Context, name string) CommandResult {
	lines, err := m.GetNodeLogs(ctx, name, 50, 0)
	if err != nil {
		return CommandResult{Success: false, Message: err.Error()}
	}
	return CommandResult{Success: true, Message: "ok", Output: lines}
}

// GetNodeLogs returns up to lines journal lines for name's unit. A
// nonzero sinceMs restricts output to entries at or after that
// wall-clock millisecond timestamp.
func (m *Manager) GetNodeLogs(ctx context.Context, name string, lines int, sinceMs int64) ([]string, error) {
	if _, ok := m.GetNode(name); !ok {
		return nil, fmt.Errorf("%w: %s", bubbaerr.ErrNodeNotFound, name)
	}
	if lines <= 0 {
		lines = 50
	}
	unit := unitgen.UnitName(name)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	args := []string{"--user", "-u", unit, "-n", fmt.Sprintf("%d", lines), "--no-pager", "-o", "cat"}
	if sinceMs > 0 {
		args = append(args, "--since", time.UnixMilli(sinceMs).Format("2006-01-02 15:04:05"))
	}
	out, err := exec.CommandContext(ctx, "journalctl", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("get_logs: %v", err)
	}
	return splitLines(string(out)), nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
