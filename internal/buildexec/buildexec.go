// Package buildexec runs a node's build/clean command as a child process
// group, streams its combined output into a ring buffer, and enforces a
// hard wall-clock timeout by killing the whole group.
package buildexec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kornia-rs/bubbaloop/internal/bubbaerr"
	"github.com/kornia-rs/bubbaloop/internal/observability"
	"github.com/kornia-rs/bubbaloop/internal/ringlog"
)

var allowedPrefixes = []string{"cargo ", "pixi ", "npm ", "make ", "python ", "pip "}

const forbiddenChars = "$`|;&><(){}!\\"

// ValidateCommand enforces the build-command allowlist: cmd must start
// with one of the allowed tool prefixes (case-insensitive) and must not
// contain any shell metacharacter or control character.
func ValidateCommand(cmd string) error {
	lower := strings.ToLower(cmd)
	allowed := false
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(lower, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: build command %q does not start with an allowed prefix", bubbaerr.ErrInvalidInput, cmd)
	}
	if strings.ContainsAny(cmd, forbiddenChars) || strings.ContainsAny(cmd, "\n\r") {
		return fmt.Errorf("%w: build command %q contains a forbidden character", bubbaerr.ErrInvalidInput, cmd)
	}
	return nil
}

// Outcome classifies how a build/clean job finished.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
)

// Result describes a finished build/clean job.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Duration time.Duration
}

// Executor runs build jobs, at most one per node at a time.
type Executor struct {
	toolDirs []string
	timeout  time.Duration
	metrics  *observability.Metrics

	mu       sync.Mutex
	building map[string]bool
}

// New returns an Executor that prepends toolDirs to PATH and bounds every
// job to timeout.
func New(toolDirs []string, timeout time.Duration, metrics *observability.Metrics) *Executor {
	return &Executor{
		toolDirs: toolDirs,
		timeout:  timeout,
		metrics:  metrics,
		building: make(map[string]bool),
	}
}

// IsBuilding reports whether name currently has an in-flight build or clean.
func (e *Executor) IsBuilding(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.building[name]
}

func (e *Executor) begin(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.building[name] {
		return fmt.Errorf("%w: %s", bubbaerr.ErrAlreadyBuilding, name)
	}
	e.building[name] = true
	if e.metrics != nil {
		e.metrics.BuildsInFlight.Inc()
	}
	return nil
}

func (e *Executor) end(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.building, name)
	if e.metrics != nil {
		e.metrics.BuildsInFlight.Dec()
	}
}

// Build runs the node's configured build command. cmd is the manifest's
// Build field verbatim (e.g. "cargo build --release"); an empty cmd is a
// no-op success (not every node needs a build step).
func (e *Executor) Build(ctx context.Context, nodePath, effectiveName, cmd string, out *ringlog.Buffer) (Result, error) {
	return e.run(ctx, nodePath, effectiveName, cmd, out)
}

// Clean runs "cargo clean" or "pixi clean", inferred from the build
// command's tool prefix; nodes built by neither tool have nothing for
// the allowlisted executor to clean and this is a no-op success.
func (e *Executor) Clean(ctx context.Context, nodePath, effectiveName, buildCmd string, out *ringlog.Buffer) (Result, error) {
	var cleanCmd string
	switch {
	case strings.HasPrefix(buildCmd, "cargo "):
		cleanCmd = "cargo clean"
	case strings.HasPrefix(buildCmd, "pixi "):
		cleanCmd = "pixi clean"
	default:
		return Result{Outcome: OutcomeSuccess}, nil
	}
	return e.run(ctx, nodePath, effectiveName, cleanCmd, out)
}

func (e *Executor) run(ctx context.Context, nodePath, effectiveName, cmd string, out *ringlog.Buffer) (Result, error) {
	if cmd == "" {
		return Result{Outcome: OutcomeSuccess}, nil
	}
	if err := ValidateCommand(cmd); err != nil {
		return Result{}, err
	}
	if err := e.begin(effectiveName); err != nil {
		return Result{}, err
	}
	defer e.end(effectiveName)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	c := exec.CommandContext(runCtx, "/bin/sh", "-c", cmd)
	c.Dir = nodePath
	c.Env = append(os.Environ(), "PATH="+e.pathEnv())
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// On timeout, kill the whole process group at once, so build tool
	// children cannot outlive the shell and hold the output pipe open.
	c.Cancel = func() error { return unix.Kill(-c.Process.Pid, unix.SIGKILL) }

	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("buildexec: output pipe: %w", err)
	}
	c.Stdout = pw
	c.Stderr = pw

	if err := c.Start(); err != nil {
		pr.Close()
		pw.Close()
		return Result{}, fmt.Errorf("buildexec: start %q: %w", cmd, err)
	}
	pw.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer pr.Close()
		drainLines(pr, out)
	}()

	waitErr := c.Wait()
	wg.Wait()
	duration := time.Since(start)

	result := Result{Duration: duration}

	if runCtx.Err() == context.DeadlineExceeded {
		e.killGroup(c)
		result.Outcome = OutcomeTimeout
		e.observe(result)
		return result, fmt.Errorf("%w: %s after %s", bubbaerr.ErrBuildTimeout, effectiveName, e.timeout)
	}

	if waitErr != nil {
		result.Outcome = OutcomeFailed
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		}
		e.observe(result)
		return result, fmt.Errorf("%w: %s: %v", bubbaerr.ErrBuildFailed, effectiveName, waitErr)
	}

	result.Outcome = OutcomeSuccess
	e.observe(result)
	return result, nil
}

func (e *Executor) observe(r Result) {
	if e.metrics == nil {
		return
	}
	e.metrics.BuildDurationSeconds.WithLabelValues(string(r.Outcome)).Observe(r.Duration.Seconds())
}

// killGroup sends SIGKILL to the entire process group so build tool
// children (cargo's rustc workers, pixi's subprocesses) don't survive
// their parent.
func (e *Executor) killGroup(c *exec.Cmd) {
	if c.Process == nil {
		return
	}
	_ = unix.Kill(-c.Process.Pid, unix.SIGKILL)
}

func (e *Executor) pathEnv() string {
	dirs := append([]string{}, e.toolDirs...)
	dirs = append(dirs, strings.Split(os.Getenv("PATH"), ":")...)
	return strings.Join(dirs, ":")
}

func drainLines(r io.Reader, out *ringlog.Buffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		out.Append(scanner.Text())
	}
}
