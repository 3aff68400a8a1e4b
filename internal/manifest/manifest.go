// Package manifest parses a node's node.yaml descriptor.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/kornia-rs/bubbaloop/internal/bubbaerr"
)

// NodeType enumerates the supported node implementation languages.
type NodeType string

const (
	NodeTypeRust   NodeType = "rust"
	NodeTypePython NodeType = "python"
)

// Manifest is the parsed contents of node.yaml.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	NodeType    NodeType `yaml:"type"`
	Build       string   `yaml:"build,omitempty"`
	Command     string   `yaml:"command,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
}

// FileName is the manifest's well-known filename within a node directory.
const FileName = "node.yaml"

// nameRule is the shared effective-name / dependency-name character
// rule: [A-Za-z0-9_-], 1-64 chars, no leading '-'.
var nameRule = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]{0,63}$`)

// Load reads and validates node.yaml from nodePath. Returns
// bubbaerr.ErrInvalidManifest (wrapped) if the file is missing, malformed,
// or fails field validation.
func Load(nodePath string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(nodePath, FileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", bubbaerr.ErrInvalidManifest, nodePath, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", bubbaerr.ErrInvalidManifest, nodePath, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", bubbaerr.ErrInvalidManifest, nodePath, err)
	}

	return &m, nil
}

// Validate checks required fields and the node_type enum.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !nameRule.MatchString(m.Name) {
		return fmt.Errorf("name %q does not match [A-Za-z0-9_-]{1,64}", m.Name)
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	switch m.NodeType {
	case NodeTypeRust, NodeTypePython:
	default:
		return fmt.Errorf("type must be \"rust\" or \"python\", got %q", m.NodeType)
	}
	for _, dep := range m.DependsOn {
		if !nameRule.MatchString(dep) {
			return fmt.Errorf("depends_on entry %q does not match [A-Za-z0-9_-]{1,64}", dep)
		}
	}
	return nil
}

// ValidName reports whether name matches the shared effective-name /
// dependency-name character rule.
func ValidName(name string) bool {
	return nameRule.MatchString(name)
}
