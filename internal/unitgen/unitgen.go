// Package unitgen turns a node manifest plus instance overrides into a
// hardened systemd unit file.
package unitgen

import (
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/kornia-rs/bubbaloop/internal/bubbaerr"
	"github.com/kornia-rs/bubbaloop/internal/manifest"
)

var (
	nameRule = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]{0,63}$`)
	badPath  = regexp.MustCompile("[\x00\r\n]")
	badCmd   = regexp.MustCompile("[\x00\r\n]")
)

var unitMarkers = []string{"[Unit]", "[Service]", "[Install]"}

// Options describes one node instance to generate a unit file for.
type Options struct {
	NodePath       string
	EffectiveName  string
	NodeType       manifest.NodeType
	Command        string // manifest.Command, may be empty
	DependsOn      []string
	ConfigOverride string

	// ToolBin resolves a tool name ("cargo", "pixi") to its absolute
	// binary path, derived from the user's tool install locations.
	ToolBin func(tool string) string

	// PathDirs are prepended to the unit's PATH environment entry.
	PathDirs []string
}

// Validate checks every input against the shared character rules. It is
// called automatically by Generate, and is exported so callers
// (AddNode/Install) can reject bad input before touching the filesystem.
func Validate(opts Options) error {
	if !nameRule.MatchString(opts.EffectiveName) {
		return fmt.Errorf("%w: effective name %q invalid", bubbaerr.ErrInvalidInput, opts.EffectiveName)
	}
	if badPath.MatchString(opts.NodePath) {
		return fmt.Errorf("%w: node path contains NUL/CR/LF", bubbaerr.ErrInvalidInput)
	}
	if opts.Command != "" {
		if badCmd.MatchString(opts.Command) {
			return fmt.Errorf("%w: command contains NUL/CR/LF", bubbaerr.ErrInvalidInput)
		}
		for _, marker := range unitMarkers {
			if strings.Contains(opts.Command, marker) {
				return fmt.Errorf("%w: command contains unit-section marker %q", bubbaerr.ErrInvalidInput, marker)
			}
		}
	}
	for _, dep := range opts.DependsOn {
		if !nameRule.MatchString(dep) {
			return fmt.Errorf("%w: dependency name %q invalid", bubbaerr.ErrInvalidInput, dep)
		}
	}
	return nil
}

// ResolveCommand applies the command resolution rules of spec §4.3, in
// order, and returns the absolute/verbatim ExecStart command line.
func ResolveCommand(opts Options) (string, error) {
	cmd := opts.Command

	switch {
	case strings.HasPrefix(cmd, "cargo "):
		resolved := opts.ToolBin("cargo") + " " + strings.TrimPrefix(cmd, "cargo ")
		return appendConfigOverride(resolved, opts.ConfigOverride), nil

	case strings.HasPrefix(cmd, "pixi "):
		resolved := opts.ToolBin("pixi") + " " + strings.TrimPrefix(cmd, "pixi ")
		return appendConfigOverride(resolved, opts.ConfigOverride), nil

	case strings.HasPrefix(cmd, "python3 "), strings.HasPrefix(cmd, "python "), strings.HasPrefix(cmd, "/"):
		return cmd, nil

	case cmd != "":
		return opts.NodePath + "/" + cmd, nil

	case opts.NodeType == manifest.NodeTypeRust:
		return fmt.Sprintf("%s/target/release/%s", opts.NodePath, opts.EffectiveName), nil

	case opts.NodeType == manifest.NodeTypePython:
		return opts.NodePath + "/venv/bin/python main.py", nil

	default:
		return "", fmt.Errorf("%w: no command and unknown node_type %q", bubbaerr.ErrInvalidInput, opts.NodeType)
	}
}

func appendConfigOverride(cmd, configOverride string) string {
	if configOverride == "" {
		return cmd
	}
	return cmd + " -c " + configOverride
}

const unitTemplate = `[Unit]
Description=bubbaloop node {{.EffectiveName}}
After=network.target{{range .DependsOnUnits}} {{.}}{{end}}
{{- if .DependsOnUnits}}
Requires={{range $i, $u := .DependsOnUnits}}{{if $i}} {{end}}{{$u}}{{end}}
{{- end}}

[Service]
Type=simple
WorkingDirectory={{.NodePath}}
ExecStart={{.ExecStart}}
Restart=on-failure
RestartSec=5
Environment=PATH={{.PathEnv}}
NoNewPrivileges=true
ProtectSystem=strict
PrivateTmp=true
ProtectKernelTunables=true
ProtectControlGroups=true
RestrictRealtime=false
MemoryDenyWriteExecute=false

[Install]
WantedBy=default.target
`

type templateData struct {
	EffectiveName  string
	NodePath       string
	ExecStart      string
	PathEnv        string
	DependsOnUnits []string
}

var tpl = template.Must(template.New("unit").Parse(unitTemplate))

// Generate renders the unit file text for opts. Dependency names are
// turned into unit names via UnitName so After=/Requires= reference
// other bubbaloop-managed units.
func Generate(opts Options) (string, error) {
	if err := Validate(opts); err != nil {
		return "", err
	}

	execStart, err := ResolveCommand(opts)
	if err != nil {
		return "", err
	}

	deps := make([]string, len(opts.DependsOn))
	for i, d := range opts.DependsOn {
		deps[i] = UnitName(d)
	}

	pathDirs := append([]string{}, opts.PathDirs...)
	pathDirs = append(pathDirs, "/usr/local/bin", "/usr/bin", "/bin")

	data := templateData{
		EffectiveName:  opts.EffectiveName,
		NodePath:       opts.NodePath,
		ExecStart:      execStart,
		PathEnv:        strings.Join(pathDirs, ":"),
		DependsOnUnits: deps,
	}

	var sb strings.Builder
	if err := tpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("unitgen: render: %w", err)
	}
	return sb.String(), nil
}

// UnitName returns the systemd unit name for an effective node name:
// bubbaloop-{effective_name}.service.
func UnitName(effectiveName string) string {
	return "bubbaloop-" + effectiveName + ".service"
}
