package nodemanager

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kornia-rs/bubbaloop/internal/bubbaerr"
	"github.com/kornia-rs/bubbaloop/internal/manifest"
)

// DoctorCheck is one preflight check result for a node.
type DoctorCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
	Fix    string `json:"fix,omitempty"`
}

// DoctorReport is the full preflight report for one node.
type DoctorReport struct {
	NodeName string        `json:"node_name"`
	Healthy  bool          `json:"healthy"`
	Checks   []DoctorCheck `json:"checks"`
}

// Doctor runs the preflight checks for name: manifest readable,
// toolchain present, build artifacts present, and every depends_on
// installed and running.
func (m *Manager) Doctor(name string) (DoctorReport, error) {
	n, ok := m.GetNode(name)
	if !ok {
		return DoctorReport{}, fmt.Errorf("%w: %s", bubbaerr.ErrNodeNotFound, name)
	}

	report := DoctorReport{NodeName: name, Healthy: true}
	add := func(c DoctorCheck) {
		if !c.Passed {
			report.Healthy = false
		}
		report.Checks = append(report.Checks, c)
	}

	if n.Manifest == nil {
		add(DoctorCheck{
			Name:   "manifest",
			Passed: false,
			Detail: fmt.Sprintf("node.yaml at %s is missing or malformed", n.Path),
			Fix:    "restore a valid node.yaml in the node directory",
		})
		return report, nil
	}
	add(DoctorCheck{Name: "manifest", Passed: true, Detail: fmt.Sprintf("%s v%s", n.Manifest.Name, n.Manifest.Version)})

	add(m.checkToolchain(n.Manifest.NodeType))

	if n.IsBuilt {
		add(DoctorCheck{Name: "built", Passed: true, Detail: "build artifacts present"})
	} else {
		add(DoctorCheck{
			Name:   "built",
			Passed: false,
			Detail: "no build artifacts found",
			Fix:    fmt.Sprintf("run the build command for %s", name),
		})
	}

	for _, dep := range n.Manifest.DependsOn {
		add(m.checkDependency(dep))
	}

	return report, nil
}

func (m *Manager) checkToolchain(nt manifest.NodeType) DoctorCheck {
	tool := "cargo"
	if nt == manifest.NodeTypePython {
		tool = "python3"
	}
	if path, ok := m.lookupTool(tool); ok {
		return DoctorCheck{Name: "toolchain", Passed: true, Detail: path}
	}
	return DoctorCheck{
		Name:   "toolchain",
		Passed: false,
		Detail: fmt.Sprintf("%s not found in tool dirs or PATH", tool),
		Fix:    fmt.Sprintf("install %s or add its directory to build.tool_dirs", tool),
	}
}

func (m *Manager) lookupTool(tool string) (string, bool) {
	for _, d := range m.toolDirs {
		p := filepath.Join(d, tool)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	for _, d := range filepath.SplitList(os.Getenv("PATH")) {
		p := filepath.Join(d, tool)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

func (m *Manager) checkDependency(dep string) DoctorCheck {
	name := "dependency:" + dep
	d, ok := m.GetNode(dep)
	if !ok {
		return DoctorCheck{
			Name:   name,
			Passed: false,
			Detail: fmt.Sprintf("%s is not registered", dep),
			Fix:    fmt.Sprintf("add %s to the registry", dep),
		}
	}
	if !d.Installed {
		return DoctorCheck{
			Name:   name,
			Passed: false,
			Detail: fmt.Sprintf("%s is registered but not installed", dep),
			Fix:    fmt.Sprintf("install %s", dep),
		}
	}
	if d.Status != StatusRunning {
		return DoctorCheck{
			Name:   name,
			Passed: false,
			Detail: fmt.Sprintf("%s is %s", dep, d.Status),
			Fix:    fmt.Sprintf("start %s", dep),
		}
	}
	return DoctorCheck{Name: name, Passed: true, Detail: fmt.Sprintf("%s is running", dep)}
}
