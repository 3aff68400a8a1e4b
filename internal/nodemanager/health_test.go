package nodemanager

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kornia-rs/bubbaloop/internal/bus"
)

func setupRunningNode(t *testing.T) (*testEnv, string) {
	t.Helper()
	env := newTestEnv(t)
	dir := makeNodeDir(t, "foo", "rust", "cargo run")
	env.exec(t, NodeCommand{Command: CmdAddNode, NodePath: dir})
	env.exec(t, NodeCommand{Command: CmdInstall, NodeName: "foo"})
	env.exec(t, NodeCommand{Command: CmdStart, NodeName: "foo"})
	env.refresh(t)

	n, _ := env.mgr.GetNode("foo")
	if n.Status != StatusRunning {
		t.Fatalf("Expected Running precondition, got %s", n.Status)
	}
	return env, "foo"
}

func TestHealth_StalenessTransition(t *testing.T) {
	env, name := setupRunningNode(t)

	t0 := time.Now()
	clock := t0
	env.mgr.now = func() time.Time { return clock }

	if !env.mgr.recordHeartbeat(name) {
		t.Fatal("Expected heartbeat recorded")
	}
	n, _ := env.mgr.GetNode(name)
	if n.HealthStatus != HealthHealthy || n.LastHealthCheckMs != t0.UnixMilli() {
		t.Fatalf("Expected Healthy at t0, got %+v", n)
	}

	// 31s without a heartbeat: the next sweep marks it Unhealthy.
	clock = t0.Add(31 * time.Second)
	env.mgr.sweepStaleness()
	n, _ = env.mgr.GetNode(name)
	if n.HealthStatus != HealthUnhealthy {
		t.Errorf("Expected Unhealthy after 31s, got %s", n.HealthStatus)
	}

	// A late heartbeat recovers it.
	clock = t0.Add(45 * time.Second)
	env.mgr.recordHeartbeat(name)
	n, _ = env.mgr.GetNode(name)
	if n.HealthStatus != HealthHealthy {
		t.Errorf("Expected Healthy after late heartbeat, got %s", n.HealthStatus)
	}
	if n.LastHealthCheckMs != clock.UnixMilli() {
		t.Errorf("Expected last_health_check_ms updated to %d, got %d", clock.UnixMilli(), n.LastHealthCheckMs)
	}
}

func TestHealth_NotRunningResets(t *testing.T) {
	env, name := setupRunningNode(t)
	env.mgr.recordHeartbeat(name)

	env.exec(t, NodeCommand{Command: CmdStop, NodeName: name})
	env.refresh(t)
	env.mgr.sweepStaleness()

	n, _ := env.mgr.GetNode(name)
	if n.Status == StatusRunning {
		t.Fatalf("Expected stopped precondition, got %s", n.Status)
	}
	if n.HealthStatus != HealthUnknown || n.LastHealthCheckMs != 0 {
		t.Errorf("Expected health reset for non-running node, got %s / %d", n.HealthStatus, n.LastHealthCheckMs)
	}
}

func TestHealth_HeartbeatTopics(t *testing.T) {
	env, name := setupRunningNode(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session, err := bus.Open(ctx, bus.Config{Endpoint: "tcp/127.0.0.1:0"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	env.mgr.StartHealthMonitor(ctx, session)

	// Legacy shape: bubbaloop/nodes/{name}/health.
	session.Publish("bubbaloop/nodes/"+name+"/health", []byte(`{}`))
	waitHealthy(t, env, name)

	resetHealth(env, name)

	// Scoped shape: bubbaloop/{scope}/{machine}/health/{name}.
	session.Publish("bubbaloop/local/m1/health/"+name, []byte(`{}`))
	waitHealthy(t, env, name)

	// A heartbeat for an unknown name is dropped without effect.
	resetHealth(env, name)
	session.Publish("bubbaloop/nodes/ghost/health", []byte(`{}`))
	time.Sleep(100 * time.Millisecond)
	n, _ := env.mgr.GetNode(name)
	if n.HealthStatus != HealthUnknown {
		t.Errorf("Expected unknown-name heartbeat to be dropped, got %s", n.HealthStatus)
	}
}

func waitHealthy(t *testing.T, env *testEnv, name string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := env.mgr.GetNode(name); n.HealthStatus == HealthHealthy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Expected node to become Healthy from heartbeat")
}

func resetHealth(env *testEnv, name string) {
	env.mgr.mu.Lock()
	if n, ok := env.mgr.nodes[name]; ok {
		n.HealthStatus = HealthUnknown
		n.LastHealthCheckMs = 0
	}
	env.mgr.mu.Unlock()
}

func TestHeartbeatNodeName(t *testing.T) {
	cases := []struct {
		key     string
		payload string
		want    string
		wantErr bool
	}{
		{"bubbaloop/nodes/foo/health", "", "foo", false},
		{"bubbaloop/local/m1/health/bar", "", "bar", false},
		{"bubbaloop/weird", "", "", false},
		{"bubbaloop/weird", `{"node_name":"baz"}`, "baz", false},
		{"bubbaloop/weird", `not json`, "", true},
	}
	for _, tc := range cases {
		got, err := heartbeatNodeName(tc.key, []byte(tc.payload))
		if (err != nil) != tc.wantErr {
			t.Errorf("heartbeatNodeName(%q, %q) error = %v, wantErr %v", tc.key, tc.payload, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("heartbeatNodeName(%q, %q) = %q, want %q", tc.key, tc.payload, got, tc.want)
		}
	}
}
