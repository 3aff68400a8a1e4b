// Package bubbaerr defines the typed error kinds shared across the
// daemon. Callers compare with errors.Is against the sentinel values;
// wrapped errors carry additional context via fmt.Errorf("...: %w", ...).
package bubbaerr

import "errors"

var (
	// ErrNodeNotFound is returned when an effective name has no cache entry.
	ErrNodeNotFound = errors.New("node not found")

	// ErrInvalidManifest is returned when node.yaml is missing or malformed.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrInvalidNodeName is returned when an effective name or dependency
	// name fails the [A-Za-z0-9_-]{1,64} character rule.
	ErrInvalidNodeName = errors.New("invalid node name")

	// ErrInvalidInput covers unit-file and build-command validation failures.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout is returned by service-manager adapter calls that exceed
	// their bounded deadline.
	ErrTimeout = errors.New("timeout")

	// ErrAlreadyBuilding is returned when a Build/Clean is requested for a
	// node that already has one in flight.
	ErrAlreadyBuilding = errors.New("already building")

	// ErrBuildTimeout is returned when a build/clean exceeds its timeout.
	ErrBuildTimeout = errors.New("build timed out")

	// ErrBuildFailed is returned when a build/clean exits non-zero.
	ErrBuildFailed = errors.New("build failed")

	// ErrIPC wraps a raw transport failure from the service manager adapter.
	ErrIPC = errors.New("ipc error")

	// ErrIO wraps filesystem failures (registry writes, unit file writes).
	ErrIO = errors.New("io error")

	// ErrSerialization wraps encode/decode failures on the wire or in
	// config/registry files.
	ErrSerialization = errors.New("serialization error")

	// ErrDuplicateEffectiveName is returned by registry.Register when the
	// resulting effective name already exists.
	ErrDuplicateEffectiveName = errors.New("duplicate effective name")

	// ErrRegistryCorrupt is returned when the registry file cannot be
	// parsed; the daemon refuses to start rather than risk clobbering it.
	ErrRegistryCorrupt = errors.New("registry file corrupt")
)
