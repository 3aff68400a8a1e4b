package nodemanager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kornia-rs/bubbaloop/internal/servicemgr"
)

const debounceWindow = 500 * time.Millisecond

// StartSignalListener consumes the service manager's unit-change signal
// stream and, after debouncing, refreshes the affected nodes.
//
// The listener goroutine itself never calls RefreshNode or issues any
// other IPC against the service manager — it only enqueues events. A
// separate goroutine, spawned fresh after each drained burst, performs
// the actual refresh. Calling back into the transport from the listener
// that reads it can deadlock the signal stream.
func (m *Manager) StartSignalListener(ctx context.Context) error {
	events, err := m.svc.SubscribeSignals(ctx)
	if err != nil {
		return err
	}

	go m.debounceLoop(ctx, events)
	return nil
}

type signalEvent struct {
	name      string
	eventType string
}

func (m *Manager) debounceLoop(ctx context.Context, events <-chan servicemgr.UnitEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case first, ok := <-events:
			if !ok {
				return
			}
			burst := map[signalEvent]struct{}{
				{name: unitNodeName(first.Unit), eventType: first.ActiveState}: {},
			}

			deadline := time.NewTimer(debounceWindow)
		drain:
			for {
				select {
				case <-ctx.Done():
					deadline.Stop()
					return
				case ev, ok := <-events:
					if !ok {
						break drain
					}
					burst[signalEvent{name: unitNodeName(ev.Unit), eventType: ev.ActiveState}] = struct{}{}
				case <-deadline.C:
					break drain
				}
			}
			deadline.Stop()

			if m.metrics != nil {
				m.metrics.SignalDebounceBurstSize.Observe(float64(len(burst)))
			}

			// Hand the drained burst to a fresh task; the listener loop
			// above never blocks on or calls into the refresh path.
			go m.handleBurst(burst)
		}
	}
}

func (m *Manager) handleBurst(burst map[signalEvent]struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seen := make(map[string]struct{}, len(burst))
	for ev := range burst {
		if ev.name == "" {
			continue
		}
		if err := m.RefreshNode(ctx, ev.name); err != nil {
			m.log.Warn("signal-driven refresh failed", zap.String("node", ev.name), zap.Error(err))
			continue
		}
		if _, done := seen[ev.name]; !done {
			seen[ev.name] = struct{}{}
			m.emitFor(ev.name, EventRefreshed)
		}
	}
}

func unitNodeName(unit string) string {
	const prefix = "bubbaloop-"
	const suffix = ".service"
	if len(unit) <= len(prefix)+len(suffix) {
		return ""
	}
	if unit[:len(prefix)] != prefix || unit[len(unit)-len(suffix):] != suffix {
		return ""
	}
	return unit[len(prefix) : len(unit)-len(suffix)]
}
