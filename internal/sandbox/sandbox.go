// Package sandbox implements the Sandbox Executor (C5): it creates,
// starts, waits on, and forcibly tears down an ephemeral, hardened
// container running one TeX compile, demultiplexing its combined
// output stream into discrete log lines.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/gogotex/gogotex/backend/go-services/pkg/logger"
)

// ErrSandboxStart is returned when the container could not be created
// or started at all.
type ErrSandboxStart struct{ Err error }

func (e *ErrSandboxStart) Error() string { return fmt.Sprintf("sandbox start: %v", e.Err) }
func (e *ErrSandboxStart) Unwrap() error { return e.Err }

// EngineTimeoutExitCode is the explicit "timeout" sentinel the engine
// wrapper inside the image uses, distinct from the executor's own hard
// deadline (spec §4.5). Only the executor's deadline (Result.DeadlineHit)
// maps to status=timeout upstream; exit code 3 alone is classified like
// any other run, by whether a PDF was produced.
const EngineTimeoutExitCode = 3

// Config holds the resource caps and image-selection policy applied to
// every sandbox invocation.
type Config struct {
	// ImagePrefix selects the per-engine image, e.g. "gogotex-tex" ->
	// "gogotex-tex-pdflatex:latest".
	ImagePrefix string
	MemoryBytes int64
	CPUs        float64
	PidsLimit   int64
	TmpfsSize   string
	Deadline    time.Duration
}

// DefaultConfig returns the resource caps named in spec.md §4.5.
func DefaultConfig() Config {
	return Config{
		ImagePrefix: "gogotex-tex",
		MemoryBytes: 512 * 1024 * 1024,
		CPUs:        1.0,
		PidsLimit:   100,
		TmpfsSize:   "50m",
		Deadline:    90 * time.Second,
	}
}

// Result is the outcome of one sandbox run.
type Result struct {
	ExitCode    int
	WallTimeMs  int64
	DeadlineHit bool
}

// commandFunc lets tests substitute a fake "docker" binary in place of
// exec.CommandContext.
type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Executor drives the Docker CLI to run one TeX compile per invocation.
type Executor struct {
	cfg        Config
	runCommand commandFunc
}

// NewExecutor returns an Executor configured with cfg.
func NewExecutor(cfg Config) *Executor {
	return &Executor{cfg: cfg, runCommand: exec.CommandContext}
}

// Execute runs engineTag's container against workspaceRoot/source and
// workspaceRoot/output, streaming demultiplexed log lines to onLine as
// they arrive, and enforcing deadline as a hard wall-clock cutoff.
// Any internal deadline expiry is reported via Result.DeadlineHit,
// regardless of what exit code the container itself reports.
func (e *Executor) Execute(ctx context.Context, workspaceRoot, engineTag, entrypoint string, onLine func(string), deadline time.Duration) (Result, error) {
	if deadline <= 0 {
		deadline = e.cfg.Deadline
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	containerName := containerNameFor(workspaceRoot)
	args := e.buildArgs(containerName, workspaceRoot, engineTag, entrypoint)

	start := time.Now()
	cmd := e.runCommand(runCtx, "docker", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, &ErrSandboxStart{Err: err}
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return Result{}, &ErrSandboxStart{Err: err}
	}

	demuxDone := make(chan struct{})
	go func() {
		defer close(demuxDone)
		if err := demux(stdout, onLine); err != nil {
			logger.Warnf("sandbox %s: demux error: %v", containerName, err)
		}
	}()

	waitErr := cmd.Wait()
	<-demuxDone

	wallTime := time.Since(start)
	deadlineHit := runCtx.Err() == context.DeadlineExceeded

	if deadlineHit {
		e.forceKill(containerName)
	}

	exitCode := exitCodeFrom(waitErr)
	return Result{ExitCode: exitCode, WallTimeMs: wallTime.Milliseconds(), DeadlineHit: deadlineHit}, nil
}

// Kill forcibly stops and removes a running sandbox container. Exposed
// for orchestrator-level shutdown paths beyond the executor's own
// deadline (spec §9's worker shutdown grace period).
func (e *Executor) Kill(workspaceRoot string) {
	e.forceKill(containerNameFor(workspaceRoot))
}

func (e *Executor) forceKill(containerName string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.runCommand(stopCtx, "docker", "stop", "-t", "2", containerName).Run(); err != nil {
		logger.Warnf("sandbox %s: stop failed: %v", containerName, err)
	}
	if err := e.runCommand(context.Background(), "docker", "rm", "-f", containerName).Run(); err != nil {
		logger.Warnf("sandbox %s: rm failed: %v", containerName, err)
	}
}

func exitCodeFrom(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

func containerNameFor(workspaceRoot string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, workspaceRoot)
	if len(clean) > 40 {
		clean = clean[len(clean)-40:]
	}
	return "gogotex-compile-" + clean
}

func (e *Executor) buildArgs(containerName, workspaceRoot, engineTag, entrypoint string) []string {
	image := fmt.Sprintf("%s-%s:latest", e.cfg.ImagePrefix, engineTag)
	sourceDir := workspaceRoot + "/source"
	outputDir := workspaceRoot + "/output"

	return []string{
		"run", "--rm",
		"--name", containerName,
		"--memory", fmt.Sprintf("%d", e.cfg.MemoryBytes),
		"--memory-swap", fmt.Sprintf("%d", e.cfg.MemoryBytes),
		"--cpus", fmt.Sprintf("%.2f", e.cfg.CPUs),
		"--pids-limit", fmt.Sprintf("%d", e.cfg.PidsLimit),
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges:true",
		"--read-only",
		"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,size=%s", e.cfg.TmpfsSize),
		"--network=none",
		"-v", sourceDir + ":/work/source:rw",
		"-v", outputDir + ":/work/output:rw",
		"-w", "/work",
		image,
		entrypoint,
	}
}
