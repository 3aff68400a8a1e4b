package busapi

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kornia-rs/bubbaloop/internal/buildexec"
	"github.com/kornia-rs/bubbaloop/internal/bus"
	"github.com/kornia-rs/bubbaloop/internal/nodemanager"
	"github.com/kornia-rs/bubbaloop/internal/registry"
	"github.com/kornia-rs/bubbaloop/internal/servicemgr"
)

// stubSvc is the minimal ServiceManager the API tests need: every unit
// reads as uninstalled and every operation succeeds.
type stubSvc struct{}

func (stubSvc) GetActiveState(ctx context.Context, unit string) (string, error)   { return "inactive", nil }
func (stubSvc) GetUnitFileState(ctx context.Context, unit string) (string, error) { return "not-found", nil }
func (stubSvc) Start(ctx context.Context, unit string) error                      { return nil }
func (stubSvc) Stop(ctx context.Context, unit string) error                       { return nil }
func (stubSvc) Restart(ctx context.Context, unit string) error                    { return nil }
func (stubSvc) Enable(ctx context.Context, unit string) error                     { return nil }
func (stubSvc) Disable(ctx context.Context, unit string) error                    { return nil }
func (stubSvc) DaemonReload(ctx context.Context) error                            { return nil }
func (stubSvc) SubscribeSignals(ctx context.Context) (<-chan servicemgr.UnitEvent, error) {
	return make(chan servicemgr.UnitEvent), nil
}

func newTestManager(t *testing.T) *nodemanager.Manager {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	build := buildexec.New(nil, time.Minute, nil)
	return nodemanager.New(reg, stubSvc{}, build, "m1", "local", t.TempDir(), nil, zap.NewNop(), nil)
}

func testAPI(t *testing.T) (*API, *bus.Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	session, err := bus.Open(ctx, bus.Config{Endpoint: "tcp/127.0.0.1:0"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = session.Close() })

	mgr := newTestManager(t)
	api := New(mgr, session, "m1", "local", nil, zap.NewNop())
	api.Start()
	t.Cleanup(api.Stop)
	return api, session
}

func query(t *testing.T, session *bus.Session, key string, payload []byte) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := session.Query(ctx, key, payload)
	if err != nil {
		t.Fatalf("Query %s failed: %v", key, err)
	}
	var out map[string]any
	if err := json.Unmarshal(reply, &out); err != nil {
		t.Fatalf("Non-JSON reply for %s: %q", key, reply)
	}
	return out
}

func TestHealthEndpoint_BothPrefixes(t *testing.T) {
	_, session := testAPI(t)

	for _, key := range []string{
		"bubbaloop/daemon/api/health",
		"bubbaloop/m1/daemon/api/health",
	} {
		out := query(t, session, key, nil)
		if out["status"] != "ok" {
			t.Errorf("Expected status ok for %s, got %v", key, out)
		}
	}
}

func TestNodesEndpoints(t *testing.T) {
	_, session := testAPI(t)

	out := query(t, session, "bubbaloop/daemon/api/nodes", nil)
	if out["machine_id"] != "m1" {
		t.Errorf("Expected machine_id m1, got %v", out["machine_id"])
	}
	if _, ok := out["timestamp_ms"]; !ok {
		t.Error("Expected timestamp_ms in node list reply")
	}

	// Register a node, then fetch it by name.
	dir := makeTestNode(t, "foo")
	out = query(t, session, "bubbaloop/daemon/api/nodes/add",
		[]byte(`{"node_path":`+marshalString(dir)+`}`))
	if out["success"] != true {
		t.Fatalf("Expected add to succeed, got %v", out)
	}

	out = query(t, session, "bubbaloop/daemon/api/nodes/foo", nil)
	if out["name"] != "foo" {
		t.Errorf("Expected node foo, got %v", out)
	}

	out = query(t, session, "bubbaloop/daemon/api/nodes/ghost", nil)
	if out["code"] != float64(404) {
		t.Errorf("Expected 404 for unknown node, got %v", out)
	}
}

func TestUnknownEndpointAnd400(t *testing.T) {
	_, session := testAPI(t)

	out := query(t, session, "bubbaloop/daemon/api/conjure", nil)
	if out["code"] != float64(404) {
		t.Errorf("Expected 404 for unknown endpoint, got %v", out)
	}

	out = query(t, session, "bubbaloop/daemon/api/nodes/add", []byte(`{}`))
	if out["code"] != float64(400) {
		t.Errorf("Expected 400 for missing node_path, got %v", out)
	}

	out = query(t, session, "bubbaloop/daemon/api/nodes/foo/command", []byte(`{}`))
	if out["code"] != float64(400) {
		t.Errorf("Expected 400 for missing command, got %v", out)
	}

	out = query(t, session, "bubbaloop/daemon/api/nodes/foo/command", []byte(`{"command":"explode"}`))
	if out["code"] != float64(400) {
		t.Errorf("Expected 400 for unknown command, got %v", out)
	}
}

func TestCommandAliases(t *testing.T) {
	for raw, want := range map[string]nodemanager.Command{
		"start":             nodemanager.CmdStart,
		"enable":            nodemanager.CmdEnableAutostart,
		"enable_autostart":  nodemanager.CmdEnableAutostart,
		"enable-autostart":  nodemanager.CmdEnableAutostart,
		"logs":              nodemanager.CmdGetLogs,
		"get_logs":          nodemanager.CmdGetLogs,
		"get-logs":          nodemanager.CmdGetLogs,
		"STOP":              nodemanager.CmdStop,
	} {
		got, ok := normalizeCommand(raw)
		if !ok || got != want {
			t.Errorf("normalizeCommand(%q) = %v/%v, want %v", raw, got, ok, want)
		}
	}
	if _, ok := normalizeCommand("explode"); ok {
		t.Error("Expected unknown command rejected")
	}
}

func TestSchemasEndpoint_OpaqueBytes(t *testing.T) {
	_, session := testAPI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := session.Query(ctx, "bubbaloop/daemon/api/schemas", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reply, schemaDescriptor) {
		t.Errorf("Expected raw schema descriptor bytes, got %q", reply)
	}
}

func TestNodeStateJSONRoundTrip(t *testing.T) {
	state := nodemanager.NodeState{
		Name:        "foo",
		BaseNode:    "rtsp-camera",
		Path:        "/x/foo",
		Status:      nodemanager.StatusRunning,
		Installed:   true,
		IsBuilt:     true,
		BuildStatus: nodemanager.BuildIdle,
		BuildOutput: []string{"Build completed successfully"},
		MachineID:   "m1",
	}
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	var back nodemanager.NodeState
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Name != state.Name || back.Status != state.Status ||
		back.BaseNode != state.BaseNode || back.Installed != state.Installed ||
		len(back.BuildOutput) != 1 {
		t.Errorf("Round trip mismatch: %+v vs %+v", state, back)
	}
}

func marshalString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

func makeTestNode(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	content := "name: " + name + "\nversion: 0.1.0\ntype: rust\ncommand: \"cargo run\"\n"
	if err := os.WriteFile(filepath.Join(dir, "node.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}
