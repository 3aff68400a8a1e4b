package nodemanager

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kornia-rs/bubbaloop/internal/bubbaerr"
	"github.com/kornia-rs/bubbaloop/internal/manifest"
)

func TestDoctor_UnknownNode(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.Doctor("ghost")
	if !errors.Is(err, bubbaerr.ErrNodeNotFound) {
		t.Fatalf("Expected ErrNodeNotFound, got: %v", err)
	}
}

func TestDoctor_ReportsMissingDependency(t *testing.T) {
	env := newTestEnv(t)

	dir := t.TempDir()
	content := "name: consumer\nversion: 0.1.0\ntype: rust\ncommand: \"cargo run\"\ndepends_on: [broker]\n"
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	env.exec(t, NodeCommand{Command: CmdAddNode, NodePath: dir})

	report, err := env.mgr.Doctor("consumer")
	if err != nil {
		t.Fatal(err)
	}
	if report.Healthy {
		t.Error("Expected unhealthy report: dependency missing and not built")
	}

	checks := make(map[string]DoctorCheck)
	for _, c := range report.Checks {
		checks[c.Name] = c
	}
	if !checks["manifest"].Passed {
		t.Error("Expected manifest check to pass")
	}
	if checks["built"].Passed {
		t.Error("Expected built check to fail before any build")
	}
	dep, ok := checks["dependency:broker"]
	if !ok {
		t.Fatal("Expected a dependency check for broker")
	}
	if dep.Passed || dep.Fix == "" {
		t.Errorf("Expected failing dependency check with a fix hint, got %+v", dep)
	}
}

func TestDoctor_DependencyMustBeRunning(t *testing.T) {
	env := newTestEnv(t)

	brokerDir := makeNodeDir(t, "broker", "rust", "cargo run")
	env.exec(t, NodeCommand{Command: CmdAddNode, NodePath: brokerDir})
	env.exec(t, NodeCommand{Command: CmdInstall, NodeName: "broker"})

	dir := t.TempDir()
	content := "name: consumer\nversion: 0.1.0\ntype: rust\ndepends_on: [broker]\n"
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	env.exec(t, NodeCommand{Command: CmdAddNode, NodePath: dir})
	env.refresh(t)

	report, err := env.mgr.Doctor("consumer")
	if err != nil {
		t.Fatal(err)
	}
	var dep DoctorCheck
	for _, c := range report.Checks {
		if c.Name == "dependency:broker" {
			dep = c
		}
	}
	if dep.Passed {
		t.Error("Expected installed-but-stopped dependency to fail the check")
	}

	env.exec(t, NodeCommand{Command: CmdStart, NodeName: "broker"})
	env.refresh(t)
	report, _ = env.mgr.Doctor("consumer")
	for _, c := range report.Checks {
		if c.Name == "dependency:broker" && !c.Passed {
			t.Errorf("Expected running dependency to pass, got %+v", c)
		}
	}
}
