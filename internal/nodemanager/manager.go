package nodemanager

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kornia-rs/bubbaloop/internal/buildexec"
	"github.com/kornia-rs/bubbaloop/internal/bubbaerr"
	"github.com/kornia-rs/bubbaloop/internal/observability"
	"github.com/kornia-rs/bubbaloop/internal/registry"
	"github.com/kornia-rs/bubbaloop/internal/ringlog"
	"github.com/kornia-rs/bubbaloop/internal/servicemgr"
	"github.com/kornia-rs/bubbaloop/internal/unitgen"
)

// ServiceManager is the slice of the systemd adapter the Manager needs.
// *servicemgr.Manager satisfies it; tests substitute a fake.
type ServiceManager interface {
	GetActiveState(ctx context.Context, unit string) (string, error)
	GetUnitFileState(ctx context.Context, unit string) (string, error)
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Enable(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error
	DaemonReload(ctx context.Context) error
	SubscribeSignals(ctx context.Context) (<-chan servicemgr.UnitEvent, error)
}

// Manager is the authoritative in-memory node cache. All exported methods
// are safe for concurrent use.
type Manager struct {
	mu    sync.RWMutex
	nodes map[string]*CachedNode

	reg   *registry.Registry
	svc   ServiceManager
	build *buildexec.Executor

	machineID  string
	scope      string
	serviceDir string
	toolDirs   []string

	log     *zap.Logger
	metrics *observability.Metrics

	staleAfter time.Duration
	healthTick time.Duration
	now        func() time.Time

	subMu   sync.Mutex
	subs    map[int64]chan NodeEvent
	nextSub int64
}

// New constructs a Manager. It does not perform an initial refresh;
// callers call RefreshAll once at startup.
func New(reg *registry.Registry, svc ServiceManager, build *buildexec.Executor, machineID, scope, serviceDir string, toolDirs []string, log *zap.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		nodes:      make(map[string]*CachedNode),
		reg:        reg,
		svc:        svc,
		build:      build,
		machineID:  machineID,
		scope:      scope,
		serviceDir: serviceDir,
		toolDirs:   toolDirs,
		log:        log,
		metrics:    metrics,
		staleAfter: defaultStaleAfter,
		healthTick: defaultHealthTick,
		now:        time.Now,
		subs:       make(map[int64]chan NodeEvent),
	}
}

// SetHealthTiming overrides the staleness window and sweep interval.
// Called once at startup, before StartHealthMonitor.
func (m *Manager) SetHealthTiming(staleAfter, tick time.Duration) {
	if staleAfter > 0 {
		m.staleAfter = staleAfter
	}
	if tick > 0 {
		m.healthTick = tick
	}
}

func (m *Manager) toolBin(tool string) string {
	for _, d := range m.toolDirs {
		if strings.Contains(d, tool) {
			return filepath.Join(d, tool)
		}
	}
	if len(m.toolDirs) > 0 {
		return filepath.Join(m.toolDirs[0], tool)
	}
	return tool
}

// Subscribe registers a new NodeEvent listener. Callers must call
// Unsubscribe(id) when done to release the channel.
func (m *Manager) Subscribe() (int64, <-chan NodeEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan NodeEvent, 32)
	m.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a previously registered listener.
func (m *Manager) Unsubscribe(id int64) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if ch, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(ch)
	}
}

func (m *Manager) emit(ev NodeEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// Slow/absent subscriber: drop rather than block the emitter.
		}
	}
}

func (m *Manager) emitFor(name string, t EventType) {
	state, ok := m.GetNode(name)
	var sp *NodeState
	if ok {
		sp = &state
	}
	m.emit(NodeEvent{EventType: t, NodeName: name, State: sp, TimestampMs: time.Now().UnixMilli()})
}

// GetNodeList returns a snapshot of every cached node.
func (m *Manager) GetNodeList() []NodeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeState, 0, len(m.nodes))
	for name, n := range m.nodes {
		out = append(out, m.snapshot(name, n))
	}
	return out
}

// GetNode returns a snapshot of one cached node.
func (m *Manager) GetNode(name string) (NodeState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[name]
	if !ok {
		return NodeState{}, false
	}
	return m.snapshot(name, n), true
}

func (m *Manager) snapshot(name string, n *CachedNode) NodeState {
	base := ""
	if n.NameOverride != "" && n.Manifest != nil {
		base = n.Manifest.Name
	}
	var lines []string
	if n.Build.Output != nil {
		lines = n.Build.Output.Lines()
	}
	return NodeState{
		Name:              name,
		BaseNode:          base,
		Path:              n.Path,
		Manifest:          n.Manifest,
		Status:            n.Status,
		Installed:         n.Installed,
		AutostartEnabled:  n.AutostartEnabled,
		IsBuilt:           n.IsBuilt,
		BuildStatus:       n.Build.Phase,
		BuildOutput:       lines,
		LastUpdatedMs:     n.LastUpdatedMs,
		HealthStatus:      n.HealthStatus,
		LastHealthCheckMs: n.LastHealthCheckMs,
		NameOverride:      n.NameOverride,
		ConfigOverride:    n.ConfigOverride,
		MachineID:         m.machineID,
	}
}

// mapActiveState converts a systemd ActiveState string to a Status,
// for an installed unit.
func mapActiveState(active string) Status {
	switch active {
	case "active", "reloading":
		return StatusRunning
	case "activating":
		return StatusInstalling
	case "deactivating", "inactive":
		return StatusStopped
	case "failed":
		return StatusFailed
	default:
		return StatusUnknown
	}
}

func (m *Manager) reconcileEntry(ctx context.Context, l registry.Listing, prior *CachedNode) (*CachedNode, error) {
	node := &CachedNode{
		Path:           l.Entry.Path,
		Manifest:       l.Manifest,
		NameOverride:   l.Entry.NameOverride,
		ConfigOverride: l.Entry.ConfigOverride,
		LastUpdatedMs:  time.Now().UnixMilli(),
	}

	if prior != nil {
		node.Build = prior.Build
		node.HealthStatus = prior.HealthStatus
		node.LastHealthCheckMs = prior.LastHealthCheckMs
	} else {
		node.Build = BuildState{Phase: BuildIdle, Output: ringlog.New(100)}
		node.HealthStatus = HealthUnknown
	}

	if l.Manifest == nil {
		node.Status = StatusUnknown
		return node, fmt.Errorf("%w: %s", bubbaerr.ErrInvalidManifest, l.Entry.Path)
	}

	effectiveName := l.Entry.EffectiveName(l.Manifest.Name)
	unit := unitgen.UnitName(effectiveName)

	var reconcileErr error

	fileState, err := m.svc.GetUnitFileState(ctx, unit)
	if err != nil {
		node.Status = StatusUnknown
		reconcileErr = err
	} else {
		node.Installed = fileState != "not-found"
		if !node.Installed {
			node.Status = StatusNotInstalled
			node.AutostartEnabled = false
		} else {
			node.AutostartEnabled = fileState == "enabled"
			active, err := m.svc.GetActiveState(ctx, unit)
			if err != nil {
				node.Status = StatusUnknown
				reconcileErr = err
			} else {
				node.Status = mapActiveState(active)
			}
		}
	}

	node.IsBuilt = registry.CheckIsBuilt(l.Entry.Path, l.Manifest)

	if node.Build.Phase != BuildIdle {
		node.Status = StatusBuilding
	}

	if node.Status != StatusRunning {
		node.HealthStatus = HealthUnknown
		node.LastHealthCheckMs = 0
	}

	return node, reconcileErr
}

// RefreshAll reconciles the full cache against the registry and the
// service manager. Stale entries (no longer in the registry) are
// dropped.
func (m *Manager) RefreshAll(ctx context.Context) error {
	listings, err := m.reg.List()
	if err != nil {
		return err
	}

	m.mu.RLock()
	prior := make(map[string]*CachedNode, len(m.nodes))
	for k, v := range m.nodes {
		prior[k] = v
	}
	m.mu.RUnlock()

	next := make(map[string]*CachedNode, len(listings))
	for _, l := range listings {
		if l.Manifest == nil {
			m.log.Warn("skipping registry entry with unreadable manifest", zap.String("path", l.Entry.Path))
			continue
		}
		effectiveName := l.Entry.EffectiveName(l.Manifest.Name)
		node, err := m.reconcileEntry(ctx, l, prior[effectiveName])
		if err != nil {
			m.log.Warn("reconcile failed", zap.String("node", effectiveName), zap.Error(err))
		}
		next[effectiveName] = node
	}

	m.mu.Lock()
	m.nodes = next
	m.mu.Unlock()

	m.updateStatusMetrics(next)
	return nil
}

// RefreshNode reconciles a single effective name. If it is no longer in
// the registry it is evicted from the cache.
func (m *Manager) RefreshNode(ctx context.Context, name string) error {
	listings, err := m.reg.List()
	if err != nil {
		return err
	}

	for _, l := range listings {
		if l.Manifest == nil {
			continue
		}
		if l.Entry.EffectiveName(l.Manifest.Name) != name {
			continue
		}

		m.mu.RLock()
		prior := m.nodes[name]
		m.mu.RUnlock()

		node, rerr := m.reconcileEntry(ctx, l, prior)

		m.mu.Lock()
		m.nodes[name] = node
		snapshot := make(map[string]*CachedNode, len(m.nodes))
		for k, v := range m.nodes {
			snapshot[k] = v
		}
		m.mu.Unlock()

		m.updateStatusMetrics(snapshot)
		return rerr
	}

	m.mu.Lock()
	delete(m.nodes, name)
	m.mu.Unlock()
	return nil
}

func (m *Manager) updateStatusMetrics(nodes map[string]*CachedNode) {
	if m.metrics == nil {
		return
	}
	counts := map[Status]float64{}
	for _, n := range nodes {
		counts[n.Status]++
	}
	for _, s := range []Status{StatusUnknown, StatusStopped, StatusRunning, StatusFailed, StatusInstalling, StatusBuilding, StatusNotInstalled} {
		m.metrics.NodesByStatus.WithLabelValues(string(s)).Set(counts[s])
	}
}
