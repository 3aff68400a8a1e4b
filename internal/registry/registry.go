// Package registry is the durable list of registered nodes: a flat file
// mapping each registered node directory to an optional instance name
// override and an optional per-instance config override. Mutations are
// serialized by the Node Manager (the sole caller that mutates); this
// package only guarantees the on-disk file is rewritten atomically.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kornia-rs/bubbaloop/internal/bubbaerr"
	"github.com/kornia-rs/bubbaloop/internal/manifest"
)

// Entry is one registered node: its source directory and optional
// per-instance overrides.
type Entry struct {
	Path           string `yaml:"path"`
	NameOverride   string `yaml:"name_override,omitempty"`
	ConfigOverride string `yaml:"config_override,omitempty"`
}

// EffectiveName returns NameOverride if set, else manifestName.
func (e Entry) EffectiveName(manifestName string) string {
	if e.NameOverride != "" {
		return e.NameOverride
	}
	return manifestName
}

// BaseNode returns manifestName when this entry is an instance (has a
// NameOverride), else "".
func (e Entry) BaseNode(manifestName string) string {
	if e.NameOverride != "" {
		return manifestName
	}
	return ""
}

type fileFormat struct {
	Entries []Entry `yaml:"entries"`
}

// Registry is the flat-file-backed node registry.
type Registry struct {
	mu   sync.Mutex
	path string
}

// Open returns a Registry backed by path. The file need not exist yet;
// it is created on the first mutation. An existing file that fails to
// parse is surfaced as bubbaerr.ErrRegistryCorrupt — the caller should
// refuse to start rather than risk clobbering it.
func Open(path string) (*Registry, error) {
	if _, err := readFile(path); err != nil {
		return nil, err
	}
	return &Registry{path: path}, nil
}

func readFile(path string) (fileFormat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileFormat{}, nil
		}
		return fileFormat{}, fmt.Errorf("registry: read %q: %w", path, err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fileFormat{}, fmt.Errorf("%w: %s: %v", bubbaerr.ErrRegistryCorrupt, path, err)
	}
	return f, nil
}

func writeFileAtomic(path string, f fileFormat) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("registry: mkdir %q: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("registry: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: rename: %w", err)
	}
	return nil
}

// Listing pairs a registry entry with its parsed manifest, which may be
// nil if the manifest at Entry.Path is currently unreadable.
type Listing struct {
	Entry    Entry
	Manifest *manifest.Manifest
}

// List returns every registered entry alongside its parsed manifest.
func (r *Registry) List() ([]Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := readFile(r.path)
	if err != nil {
		return nil, err
	}

	out := make([]Listing, 0, len(f.Entries))
	for _, e := range f.Entries {
		m, err := manifest.Load(e.Path)
		if err != nil {
			out = append(out, Listing{Entry: e, Manifest: nil})
			continue
		}
		out = append(out, Listing{Entry: e, Manifest: m})
	}
	return out, nil
}

// Register adds a new entry, validating that node.yaml parses and that
// the resulting effective name is not already registered. Returns the
// effective name on success.
func (r *Registry) Register(path, nameOverride, configOverride string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := manifest.Load(path)
	if err != nil {
		return "", err
	}
	if nameOverride != "" && !manifest.ValidName(nameOverride) {
		return "", fmt.Errorf("%w: name_override %q", bubbaerr.ErrInvalidNodeName, nameOverride)
	}

	entry := Entry{Path: path, NameOverride: nameOverride, ConfigOverride: configOverride}
	effective := entry.EffectiveName(m.Name)

	f, err := readFile(r.path)
	if err != nil {
		return "", err
	}
	for _, existing := range f.Entries {
		existingManifest, _ := manifest.Load(existing.Path)
		existingName := ""
		if existingManifest != nil {
			existingName = existing.EffectiveName(existingManifest.Name)
		} else {
			existingName = existing.NameOverride
		}
		if existingName == effective {
			return "", fmt.Errorf("%w: %s", bubbaerr.ErrDuplicateEffectiveName, effective)
		}
	}

	f.Entries = append(f.Entries, entry)
	if err := writeFileAtomic(r.path, f); err != nil {
		return "", err
	}
	return effective, nil
}

// Unregister removes the entry whose effective name matches name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := readFile(r.path)
	if err != nil {
		return err
	}

	kept := f.Entries[:0]
	found := false
	for _, e := range f.Entries {
		m, _ := manifest.Load(e.Path)
		effective := e.NameOverride
		if m != nil {
			effective = e.EffectiveName(m.Name)
		}
		if effective == name && !found {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return fmt.Errorf("%w: %s", bubbaerr.ErrNodeNotFound, name)
	}

	f.Entries = kept
	return writeFileAtomic(r.path, f)
}

// CheckIsBuilt applies a filesystem heuristic per node_type: a rust node
// is built if its release binary exists; a python node is built if its
// venv/bin/python exists.
func CheckIsBuilt(path string, m *manifest.Manifest) bool {
	if m == nil {
		return false
	}
	switch m.NodeType {
	case manifest.NodeTypeRust:
		name := m.Name
		target := filepath.Join(path, "target", "release", name)
		info, err := os.Stat(target)
		return err == nil && !info.IsDir()
	case manifest.NodeTypePython:
		venv := filepath.Join(path, "venv", "bin", "python")
		_, err := os.Stat(venv)
		return err == nil
	default:
		return false
	}
}
