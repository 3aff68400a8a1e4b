package nodemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kornia-rs/bubbaloop/internal/bus"
)

const (
	defaultStaleAfter = 30 * time.Second
	defaultHealthTick = 10 * time.Second
)

// StartHealthMonitor subscribes to the legacy and scoped heartbeat
// topics and starts the periodic staleness sweep. It runs until ctx is
// cancelled.
func (m *Manager) StartHealthMonitor(ctx context.Context, session *bus.Session) {
	legacy := session.Subscribe("bubbaloop/nodes/*/health")
	scoped := session.Subscribe("bubbaloop/*/*/health/*")

	go m.heartbeatLoop(ctx, legacy, "legacy")
	go m.heartbeatLoop(ctx, scoped, "scoped")
	go m.stalenessLoop(ctx)
}

type heartbeatPayload struct {
	NodeName string `json:"node_name,omitempty"`
}

func (m *Manager) heartbeatLoop(ctx context.Context, sub *bus.Subscription, kind string) {
	defer sub.Close()
	errStreak := 0
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-sub.Channel():
			if !ok {
				return
			}
			name, err := heartbeatNodeName(sample.Key, sample.Payload)
			if err != nil {
				// Receive error: count it, log every 10th, and back off
				// 1s so a flood of garbage cannot saturate the log.
				errStreak++
				if m.metrics != nil {
					m.metrics.HeartbeatErrorsTotal.Inc()
				}
				if errStreak%10 == 0 {
					m.log.Warn("heartbeat receive error", zap.String("kind", kind), zap.Int("streak", errStreak), zap.Error(err))
				}
				time.Sleep(time.Second)
				continue
			}
			errStreak = 0
			if name == "" || !m.recordHeartbeat(name) {
				m.log.Debug("heartbeat matched no known effective name", zap.String("key", sample.Key), zap.String("kind", kind))
			}
		}
	}
}

// heartbeatNodeName extracts the node name from a heartbeat sample. The
// legacy key shape is bubbaloop/nodes/{name}/health; the scoped shape
// is bubbaloop/{scope}/{machine}/health/{name}. A key matching neither
// shape falls back to the payload's node_name field; a non-empty
// payload that fails to decode is a receive error.
func heartbeatNodeName(key string, payload []byte) (string, error) {
	segments := strings.Split(key, "/")
	n := len(segments)
	switch {
	case n >= 2 && segments[n-1] == "health":
		return segments[n-2], nil
	case n >= 2 && segments[n-2] == "health":
		return segments[n-1], nil
	}
	if len(payload) == 0 {
		return "", nil
	}
	var p heartbeatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("heartbeat payload on %s: %w", key, err)
	}
	return p.NodeName, nil
}

func (m *Manager) recordHeartbeat(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return false
	}
	n.HealthStatus = HealthHealthy
	n.LastHealthCheckMs = m.now().UnixMilli()
	return true
}

func (m *Manager) stalenessLoop(ctx context.Context) {
	ticker := time.NewTicker(m.healthTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStaleness()
		}
	}
}

func (m *Manager) sweepStaleness() {
	now := m.now().UnixMilli()

	m.mu.Lock()
	var becameUnhealthy []string
	for name, n := range m.nodes {
		if n.Status != StatusRunning {
			n.HealthStatus = HealthUnknown
			n.LastHealthCheckMs = 0
			continue
		}
		if n.LastHealthCheckMs > 0 && now-n.LastHealthCheckMs > m.staleAfter.Milliseconds() && n.HealthStatus != HealthUnhealthy {
			n.HealthStatus = HealthUnhealthy
			becameUnhealthy = append(becameUnhealthy, name)
		}
	}
	m.mu.Unlock()

	for _, name := range becameUnhealthy {
		m.log.Warn("node health transitioned to unhealthy", zap.String("node", name))
		if m.metrics != nil {
			m.metrics.NodesUnhealthyTotal.Inc()
		}
		m.emitFor(name, EventRefreshed)
	}
}
