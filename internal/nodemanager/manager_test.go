package nodemanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kornia-rs/bubbaloop/internal/buildexec"
	"github.com/kornia-rs/bubbaloop/internal/manifest"
	"github.com/kornia-rs/bubbaloop/internal/registry"
	"github.com/kornia-rs/bubbaloop/internal/servicemgr"
)

// fakeService is an in-memory stand-in for the systemd adapter. Unit
// file presence is derived from the service directory on DaemonReload,
// the same way the real manager's view is refreshed from disk.
type fakeService struct {
	mu        sync.Mutex
	dir       string
	fileState map[string]string // unit -> enabled | disabled
	active    map[string]string // unit -> active | inactive | failed
	signals   chan servicemgr.UnitEvent
}

func newFakeService(dir string) *fakeService {
	return &fakeService{
		dir:       dir,
		fileState: make(map[string]string),
		active:    make(map[string]string),
		signals:   make(chan servicemgr.UnitEvent, 64),
	}
}

func (f *fakeService) GetActiveState(ctx context.Context, unit string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.active[unit]; ok {
		return s, nil
	}
	return "inactive", nil
}

func (f *fakeService) GetUnitFileState(ctx context.Context, unit string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.fileState[unit]; ok {
		return s, nil
	}
	return "not-found", nil
}

func (f *fakeService) Start(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.fileState[unit]; !ok {
		return fmt.Errorf("unit %s not found", unit)
	}
	f.active[unit] = "active"
	return nil
}

func (f *fakeService) Stop(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[unit] = "inactive"
	return nil
}

func (f *fakeService) Restart(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.fileState[unit]; !ok {
		return fmt.Errorf("unit %s not found", unit)
	}
	f.active[unit] = "active"
	return nil
}

func (f *fakeService) Enable(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.fileState[unit]; !ok {
		return fmt.Errorf("unit %s not found", unit)
	}
	f.fileState[unit] = "enabled"
	return nil
}

func (f *fakeService) Disable(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.fileState[unit]; ok {
		f.fileState[unit] = "disabled"
	}
	return nil
}

func (f *fakeService) DaemonReload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	onDisk := make(map[string]bool)
	entries, _ := os.ReadDir(f.dir)
	for _, e := range entries {
		onDisk[e.Name()] = true
		if _, ok := f.fileState[e.Name()]; !ok {
			f.fileState[e.Name()] = "disabled"
		}
	}
	for unit := range f.fileState {
		if !onDisk[unit] {
			delete(f.fileState, unit)
			delete(f.active, unit)
		}
	}
	return nil
}

func (f *fakeService) SubscribeSignals(ctx context.Context) (<-chan servicemgr.UnitEvent, error) {
	return f.signals, nil
}

type testEnv struct {
	mgr *Manager
	svc *fakeService
	reg *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	serviceDir := t.TempDir()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	svc := newFakeService(serviceDir)
	build := buildexec.New(nil, time.Minute, nil)
	mgr := New(reg, svc, build, "m1", "local", serviceDir, nil, zap.NewNop(), nil)
	return &testEnv{mgr: mgr, svc: svc, reg: reg}
}

func makeNodeDir(t *testing.T, name, nodeType, command string) string {
	t.Helper()
	dir := t.TempDir()
	content := "name: " + name + "\nversion: 0.1.0\ntype: " + nodeType + "\n"
	if command != "" {
		content += "command: \"" + command + "\"\n"
	}
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func (env *testEnv) exec(t *testing.T, cmd NodeCommand) CommandResult {
	t.Helper()
	return env.mgr.ExecuteCommand(context.Background(), cmd)
}

func (env *testEnv) refresh(t *testing.T) {
	t.Helper()
	if err := env.mgr.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
}

func TestInstallStartIdempotent(t *testing.T) {
	env := newTestEnv(t)
	dir := makeNodeDir(t, "foo", "rust", "cargo run")

	result := env.exec(t, NodeCommand{Command: CmdAddNode, NodePath: dir})
	if !result.Success {
		t.Fatalf("AddNode failed: %s", result.Message)
	}

	n, ok := env.mgr.GetNode("foo")
	if !ok {
		t.Fatal("Expected cache key foo after AddNode")
	}
	if n.Status != StatusNotInstalled || n.Installed || n.AutostartEnabled {
		t.Errorf("Expected fresh node not installed, got %+v", n)
	}

	result = env.exec(t, NodeCommand{Command: CmdInstall, NodeName: "foo"})
	if !result.Success {
		t.Fatalf("Install failed: %s", result.Message)
	}
	env.refresh(t)

	n, _ = env.mgr.GetNode("foo")
	if !n.Installed {
		t.Error("Expected installed=true after Install")
	}
	if n.BaseNode != "" {
		t.Errorf("Expected empty base_node for non-instance, got %q", n.BaseNode)
	}

	result = env.exec(t, NodeCommand{Command: CmdStart, NodeName: "foo"})
	if !result.Success || result.Message != "Started foo" {
		t.Fatalf("Expected \"Started foo\", got %+v", result)
	}
	env.refresh(t)
	n, _ = env.mgr.GetNode("foo")
	if n.Status != StatusRunning {
		t.Errorf("Expected Running, got %s", n.Status)
	}

	// Re-issuing Start is idempotent.
	result = env.exec(t, NodeCommand{Command: CmdStart, NodeName: "foo"})
	if !result.Success || result.Message != "Started foo" {
		t.Fatalf("Expected idempotent start, got %+v", result)
	}
	env.refresh(t)
	n, _ = env.mgr.GetNode("foo")
	if n.Status != StatusRunning {
		t.Errorf("Expected still Running, got %s", n.Status)
	}

	listings, err := env.reg.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(listings) != 1 {
		t.Errorf("Expected no duplicate registry entry, got %d", len(listings))
	}
}

func TestMultiInstance(t *testing.T) {
	env := newTestEnv(t)
	dir := makeNodeDir(t, "rtsp-camera", "rust", "cargo run")

	for _, cmd := range []NodeCommand{
		{Command: CmdAddNode, NodePath: dir},
		{Command: CmdAddNode, NodePath: dir, NameOverride: "rtsp-camera-terrace", ConfigOverride: "/etc/cam/terrace.yaml"},
		{Command: CmdAddNode, NodePath: dir, NameOverride: "rtsp-camera-garage", ConfigOverride: "/etc/cam/garage.yaml"},
	} {
		if result := env.exec(t, cmd); !result.Success {
			t.Fatalf("AddNode %+v failed: %s", cmd, result.Message)
		}
	}

	nodes := env.mgr.GetNodeList()
	if len(nodes) != 3 {
		t.Fatalf("Expected 3 cache keys, got %d", len(nodes))
	}

	byName := make(map[string]NodeState)
	for _, n := range nodes {
		byName[n.Name] = n
	}
	if _, ok := byName["rtsp-camera"]; !ok {
		t.Error("Expected base key rtsp-camera")
	}
	terrace := byName["rtsp-camera-terrace"]
	garage := byName["rtsp-camera-garage"]
	if terrace.BaseNode != "rtsp-camera" || garage.BaseNode != "rtsp-camera" {
		t.Errorf("Expected base_node rtsp-camera for instances, got %q / %q", terrace.BaseNode, garage.BaseNode)
	}
	if terrace.ConfigOverride == garage.ConfigOverride {
		t.Error("Expected distinct config overrides")
	}
	if byName["rtsp-camera"].BaseNode != "" {
		t.Error("Expected empty base_node for the base entry")
	}
}

func TestAddRemoveRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	dir := makeNodeDir(t, "foo", "python", "")

	env.exec(t, NodeCommand{Command: CmdAddNode, NodePath: dir})
	env.exec(t, NodeCommand{Command: CmdInstall, NodeName: "foo"})

	result := env.exec(t, NodeCommand{Command: CmdRemoveNode, NodeName: "foo"})
	if !result.Success {
		t.Fatalf("RemoveNode failed: %s", result.Message)
	}

	listings, _ := env.reg.List()
	if len(listings) != 0 {
		t.Errorf("Expected registry back to empty, got %d entries", len(listings))
	}
	if _, ok := env.mgr.GetNode("foo"); ok {
		t.Error("Expected cache entry evicted")
	}
	entries, _ := os.ReadDir(env.svc.dir)
	if len(entries) != 0 {
		t.Errorf("Expected service directory emptied, got %d files", len(entries))
	}
}

func TestReconcile_CacheMirrorsRegistry(t *testing.T) {
	env := newTestEnv(t)
	dirA := makeNodeDir(t, "alpha", "rust", "cargo run")
	dirB := makeNodeDir(t, "beta", "python", "")

	env.exec(t, NodeCommand{Command: CmdAddNode, NodePath: dirA})
	env.exec(t, NodeCommand{Command: CmdAddNode, NodePath: dirB})

	nodes := env.mgr.GetNodeList()
	if len(nodes) != 2 {
		t.Fatalf("Expected 2 cached nodes, got %d", len(nodes))
	}

	// Removing from the registry behind the manager's back is picked up
	// by the next reconcile.
	if err := env.reg.Unregister("beta"); err != nil {
		t.Fatal(err)
	}
	env.refresh(t)
	if _, ok := env.mgr.GetNode("beta"); ok {
		t.Error("Expected beta evicted after reconcile")
	}
	if _, ok := env.mgr.GetNode("alpha"); !ok {
		t.Error("Expected alpha retained")
	}
}

func TestSignalDebounce(t *testing.T) {
	env := newTestEnv(t)
	dir := makeNodeDir(t, "foo", "rust", "cargo run")
	env.exec(t, NodeCommand{Command: CmdAddNode, NodePath: dir})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := env.mgr.StartSignalListener(ctx); err != nil {
		t.Fatal(err)
	}

	id, events := env.mgr.Subscribe()
	defer env.mgr.Unsubscribe(id)

	// Five signals for the same unit and state within 100ms coalesce
	// into one refresh and one event.
	for i := 0; i < 5; i++ {
		env.svc.signals <- servicemgr.UnitEvent{Unit: "bubbaloop-foo.service", ActiveState: "active"}
		time.Sleep(20 * time.Millisecond)
	}

	var got []NodeEvent
	deadline := time.After(1500 * time.Millisecond)
collect:
	for {
		select {
		case ev := <-events:
			if ev.NodeName == "foo" && ev.EventType == EventRefreshed {
				got = append(got, ev)
			}
		case <-deadline:
			break collect
		}
	}
	if len(got) != 1 {
		t.Errorf("Expected exactly 1 refreshed event for the burst, got %d", len(got))
	}
}

func TestBuild_NoCommandCompletes(t *testing.T) {
	env := newTestEnv(t)
	dir := makeNodeDir(t, "foo", "rust", "cargo run")
	env.exec(t, NodeCommand{Command: CmdAddNode, NodePath: dir})

	id, events := env.mgr.Subscribe()
	defer env.mgr.Unsubscribe(id)

	result := env.exec(t, NodeCommand{Command: CmdBuild, NodeName: "foo"})
	if !result.Success {
		t.Fatalf("Build dispatch failed: %s", result.Message)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.EventType == EventBuildComplete {
				n, _ := env.mgr.GetNode("foo")
				if n.BuildStatus != BuildIdle {
					t.Errorf("Expected build phase idle after completion, got %s", n.BuildStatus)
				}
				if n.Status == StatusBuilding {
					t.Error("Expected status off Building after completion")
				}
				lines := n.BuildOutput
				if len(lines) == 0 || lines[len(lines)-1] != "Build completed successfully" {
					t.Errorf("Expected terminating summary line, got %v", lines)
				}
				return
			}
		case <-deadline:
			t.Fatal("Expected build_complete event")
		}
	}
}

func TestClean_EmitsCleanComplete(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	content := "name: foo\nversion: 0.1.0\ntype: rust\nbuild: \"npm install\"\ncommand: \"cargo run\"\n"
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	env.exec(t, NodeCommand{Command: CmdAddNode, NodePath: dir})

	id, events := env.mgr.Subscribe()
	defer env.mgr.Unsubscribe(id)

	result := env.exec(t, NodeCommand{Command: CmdClean, NodeName: "foo"})
	if !result.Success {
		t.Fatalf("Clean dispatch failed: %s", result.Message)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			switch ev.EventType {
			case EventBuildComplete, EventBuildFailed, EventBuildTimeout:
				t.Fatalf("Expected no build event for a clean job, got %s", ev.EventType)
			case EventCleanComplete:
				n, _ := env.mgr.GetNode("foo")
				if n.BuildStatus != BuildIdle {
					t.Errorf("Expected build phase idle after clean, got %s", n.BuildStatus)
				}
				if n.IsBuilt {
					t.Error("Expected is_built=false after a successful clean")
				}
				lines := n.BuildOutput
				if len(lines) == 0 || lines[len(lines)-1] != "Clean completed successfully" {
					t.Errorf("Expected clean summary line, got %v", lines)
				}
				return
			}
		case <-deadline:
			t.Fatal("Expected clean_complete event")
		}
	}
}

func TestBuild_AlreadyBuilding(t *testing.T) {
	env := newTestEnv(t)
	dir := makeNodeDir(t, "foo", "rust", "cargo run")
	env.exec(t, NodeCommand{Command: CmdAddNode, NodePath: dir})

	env.mgr.mu.Lock()
	env.mgr.nodes["foo"].Build.Phase = BuildBuilding
	env.mgr.mu.Unlock()

	result := env.exec(t, NodeCommand{Command: CmdBuild, NodeName: "foo"})
	if result.Success {
		t.Fatal("Expected second build to fail")
	}
	if result.Message != "already building" {
		t.Errorf("Expected already-building message, got %q", result.Message)
	}
}

func TestExecuteCommand_UnknownNodeAndCommand(t *testing.T) {
	env := newTestEnv(t)

	result := env.exec(t, NodeCommand{Command: CmdStart, NodeName: "ghost"})
	if result.Success {
		t.Error("Expected start of unknown node to fail")
	}
	if result.RespondingMachine != "m1" {
		t.Errorf("Expected responding machine m1, got %q", result.RespondingMachine)
	}

	result = env.exec(t, NodeCommand{Command: Command("explode"), NodeName: "x"})
	if result.Success {
		t.Error("Expected unknown command to fail")
	}
}

func TestAddNodeBatch_DependencyOrder(t *testing.T) {
	env := newTestEnv(t)

	depDir := makeNodeDir(t, "broker", "rust", "cargo run")
	dir := t.TempDir()
	content := "name: consumer\nversion: 0.1.0\ntype: rust\ncommand: \"cargo run\"\ndepends_on: [broker]\n"
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	// consumer listed first, but broker must register first.
	results := env.mgr.AddNodeBatch(context.Background(), []AddRequest{
		{Path: dir},
		{Path: depDir},
	})
	for i, r := range results {
		if !r.Success {
			t.Fatalf("Batch entry %d failed: %s", i, r.Message)
		}
	}

	listings, _ := env.reg.List()
	if len(listings) != 2 {
		t.Fatalf("Expected 2 registered, got %d", len(listings))
	}
	if listings[0].Manifest.Name != "broker" {
		t.Errorf("Expected broker registered first, got %q", listings[0].Manifest.Name)
	}
}

func TestAddNodeBatch_CycleFails(t *testing.T) {
	env := newTestEnv(t)

	dirA := t.TempDir()
	if err := os.WriteFile(filepath.Join(dirA, manifest.FileName),
		[]byte("name: a\nversion: 0.1.0\ntype: rust\ndepends_on: [b]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	dirB := t.TempDir()
	if err := os.WriteFile(filepath.Join(dirB, manifest.FileName),
		[]byte("name: b\nversion: 0.1.0\ntype: rust\ndepends_on: [a]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	results := env.mgr.AddNodeBatch(context.Background(), []AddRequest{{Path: dirA}, {Path: dirB}})
	for i, r := range results {
		if r.Success {
			t.Errorf("Expected cycle member %d to fail", i)
		}
	}
}
