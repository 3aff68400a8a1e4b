// Package rules loads trigger/condition/action rules from YAML and
// evaluates them against streaming bus samples.
package rules

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ActionType discriminates the three Action payload shapes.
type ActionType string

const (
	ActionLog     ActionType = "log"
	ActionCommand ActionType = "command"
	ActionPublish ActionType = "publish"
)

// Action is a tagged union: exactly one of the type-specific fields is
// meaningful, selected by Type.
type Action struct {
	Type ActionType `yaml:"type"`

	// Log
	Message string `yaml:"message,omitempty"`
	Level   string `yaml:"level,omitempty"`

	// Command
	Node    string            `yaml:"node,omitempty"`
	Command string            `yaml:"command,omitempty"`
	Params  map[string]any    `yaml:"params,omitempty"`

	// Publish
	Topic   string `yaml:"topic,omitempty"`
	Payload any    `yaml:"payload,omitempty"`
}

// Operator enumerates the condition comparison operators.
type Operator string

const (
	OpEq       Operator = "=="
	OpNeq      Operator = "!="
	OpGt       Operator = ">"
	OpGte      Operator = ">="
	OpLt       Operator = "<"
	OpLte      Operator = "<="
	OpContains Operator = "contains"
)

// Condition compares a dot-path field of the sample payload against a
// literal value. A nil Condition (no YAML condition key) always matches.
type Condition struct {
	Field    string   `yaml:"field"`
	Operator Operator `yaml:"operator"`
	Value    any      `yaml:"value"`
}

// Rule is one trigger/condition/action binding.
type Rule struct {
	Name      string     `yaml:"name"`
	Trigger   string     `yaml:"trigger"`
	Condition *Condition `yaml:"condition,omitempty"`
	Action    Action     `yaml:"action"`
	Enabled   bool       `yaml:"enabled"`
}

type fileFormat struct {
	Rules []Rule `yaml:"rules"`
}

var nodeNameRule = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]{0,63}$`)

// ValidNodeName reports whether name is safe to address in a Command
// action.
func ValidNodeName(name string) bool {
	return nodeNameRule.MatchString(name)
}

// ValidTopic reports whether topic is in the publish allowlist: it must
// be prefixed "bubbaloop/".
func ValidTopic(topic string) bool {
	const prefix = "bubbaloop/"
	return len(topic) > len(prefix) && topic[:len(prefix)] == prefix
}

// Load parses a rules file. A missing file yields an empty rule set,
// not an error, matching config.Load's posture toward optional files.
func Load(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rules: read %q: %w", path, err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rules: parse %q: %w", path, err)
	}
	return f.Rules, nil
}
