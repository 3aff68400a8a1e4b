// Package servicemgr adapts the systemd user manager, over D-Bus, to the
// narrow surface bubbaloopd needs: query unit state, start/stop/restart,
// enable/disable, reload the unit cache, and subscribe to unit signals.
package servicemgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"

	"github.com/kornia-rs/bubbaloop/internal/bubbaerr"
	"github.com/kornia-rs/bubbaloop/internal/observability"
)

const (
	readTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second

	unitPrefix = "bubbaloop-"
	unitSuffix = ".service"
)

// UnitEvent is a change notification for one bubbaloop-managed unit.
type UnitEvent struct {
	Unit        string // unit name, e.g. bubbaloop-camera.service
	ActiveState string
	SubState    string
}

// Manager wraps a connection to the systemd user manager.
type Manager struct {
	conn    *systemdDbus.Conn
	metrics *observability.Metrics
}

// New connects to the session (user) systemd manager bus. metrics may
// be nil.
func New(ctx context.Context, metrics *observability.Metrics) (*Manager, error) {
	conn, err := systemdDbus.NewUserConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("servicemgr: connect: %w", err)
	}
	return &Manager{conn: conn, metrics: metrics}, nil
}

// ipcErr classifies a failed adapter call: a context that hit its
// bounded deadline is a Timeout, anything else is a raw transport
// failure.
func ipcErr(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", bubbaerr.ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", bubbaerr.ErrIPC, op, err)
}

// Close releases the D-Bus connection.
func (m *Manager) Close() {
	m.conn.Close()
}

// GetActiveState returns the ActiveState property of unit (active,
// inactive, failed, activating, deactivating).
func (m *Manager) GetActiveState(ctx context.Context, unit string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	prop, err := m.conn.GetUnitPropertyContext(ctx, unit, "ActiveState")
	if err != nil {
		return "", ipcErr(ctx, "active state of "+unit, err)
	}
	s, ok := prop.Value.Value().(string)
	if !ok {
		return "", fmt.Errorf("%w: unexpected ActiveState value for %s", bubbaerr.ErrIPC, unit)
	}
	return s, nil
}

// GetUnitFileState returns the UnitFileState (enabled, disabled,
// static, ...), or "not-found" if the unit file does not exist.
func (m *Manager) GetUnitFileState(ctx context.Context, unit string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	prop, err := m.conn.GetUnitPropertyContext(ctx, unit, "UnitFileState")
	if err != nil {
		if strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "No such file") {
			return "not-found", nil
		}
		return "", ipcErr(ctx, "unit file state of "+unit, err)
	}
	state, ok := prop.Value.Value().(string)
	if !ok {
		return "", fmt.Errorf("%w: unexpected UnitFileState value for %s", bubbaerr.ErrIPC, unit)
	}
	return state, nil
}

// IsEnabled reports whether unit's UnitFileState is "enabled".
func (m *Manager) IsEnabled(ctx context.Context, unit string) (bool, error) {
	state, err := m.GetUnitFileState(ctx, unit)
	if err != nil {
		return false, err
	}
	return state == "enabled", nil
}

// Start starts unit and waits for the job to complete.
func (m *Manager) Start(ctx context.Context, unit string) error {
	return m.runJob(ctx, writeTimeout, func(ch chan<- string) (int, error) {
		return m.conn.StartUnitContext(ctx, unit, "replace", ch)
	}, unit, "start")
}

// Stop stops unit and waits for the job to complete.
func (m *Manager) Stop(ctx context.Context, unit string) error {
	return m.runJob(ctx, writeTimeout, func(ch chan<- string) (int, error) {
		return m.conn.StopUnitContext(ctx, unit, "replace", ch)
	}, unit, "stop")
}

// Restart restarts unit and waits for the job to complete.
func (m *Manager) Restart(ctx context.Context, unit string) error {
	return m.runJob(ctx, writeTimeout, func(ch chan<- string) (int, error) {
		return m.conn.RestartUnitContext(ctx, unit, "replace", ch)
	}, unit, "restart")
}

func (m *Manager) runJob(ctx context.Context, timeout time.Duration, start func(chan<- string) (int, error), unit, verb string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan string, 1)
	if _, err := start(result); err != nil {
		return ipcErr(ctx, verb+" "+unit, err)
	}

	select {
	case status := <-result:
		if status != "done" {
			return fmt.Errorf("%w: %s %s: job result %q", bubbaerr.ErrIPC, verb, unit, status)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s %s: %v", bubbaerr.ErrTimeout, verb, unit, ctx.Err())
	}
}

// Enable enables unit (by absolute unit file name) so it starts on login.
func (m *Manager) Enable(ctx context.Context, unit string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, _, err := m.conn.EnableUnitFilesContext(ctx, []string{unit}, false, true)
	if err != nil {
		return ipcErr(ctx, "enable "+unit, err)
	}
	return nil
}

// Disable disables unit.
func (m *Manager) Disable(ctx context.Context, unit string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := m.conn.DisableUnitFilesContext(ctx, []string{unit}, false)
	if err != nil {
		return ipcErr(ctx, "disable "+unit, err)
	}
	return nil
}

// DaemonReload re-reads unit files from disk. Called synchronously after
// every install/remove so the manager's view is never stale.
func (m *Manager) DaemonReload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := m.conn.ReloadContext(ctx); err != nil {
		return ipcErr(ctx, "daemon-reload", err)
	}
	return nil
}

// SubscribeSignals subscribes to unit property-change signals, filters
// them to bubbaloop-managed units, and forwards them on the returned
// channel until ctx is cancelled. The channel is closed on return.
func (m *Manager) SubscribeSignals(ctx context.Context) (<-chan UnitEvent, error) {
	if err := m.conn.Subscribe(); err != nil {
		return nil, fmt.Errorf("%w: subscribe: %v", bubbaerr.ErrIPC, err)
	}

	updates, errs := m.conn.SubscribeUnits(2 * time.Second)
	out := make(chan UnitEvent, 64)

	go func() {
		defer close(out)
		defer m.conn.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-errs:
				if !ok {
					return
				}
				if m.metrics != nil {
					m.metrics.SignalSubscribeErrorsTotal.Inc()
				}
			case changed, ok := <-updates:
				if !ok {
					return
				}
				for name, status := range changed {
					if !strings.HasPrefix(name, unitPrefix) || !strings.HasSuffix(name, unitSuffix) {
						continue
					}
					ev := UnitEvent{Unit: name}
					if status != nil {
						ev.ActiveState = status.ActiveState
						ev.SubState = status.SubState
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}
