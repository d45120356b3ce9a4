package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptForFrames turns a sequence of framed payloads into a shell
// command that writes those exact bytes to stdout, using octal escapes
// so the fake "docker" process needs no external binary or compiled
// helper.
func scriptForFrames(exitCode int, frames ...[]byte) string {
	var b strings.Builder
	b.WriteString("printf '")
	for _, frame := range frames {
		for _, by := range frame {
			fmt.Fprintf(&b, "\\%03o", by)
		}
	}
	b.WriteString("'; exit ")
	fmt.Fprintf(&b, "%d", exitCode)
	return b.String()
}

func fakeCommand(t *testing.T, script string) commandFunc {
	t.Helper()
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func TestExecuteDemuxesLinesAndExitCode(t *testing.T) {
	script := scriptForFrames(0,
		Builder(1, []byte("Output written on output.pdf\n")),
		Builder(1, []byte("Transcript written on output.log\n")),
	)
	executor := NewExecutor(DefaultConfig())
	executor.runCommand = fakeCommand(t, script)

	var lines []string
	res, err := executor.Execute(context.Background(), "/tmp/ws", "pdflatex", "main.tex", func(l string) {
		lines = append(lines, l)
	}, 5*time.Second)

	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.DeadlineHit)
	require.Len(t, lines, 2)
	assert.Equal(t, "Output written on output.pdf", lines[0])
	assert.Equal(t, "Transcript written on output.log", lines[1])
}

func TestExecutePartialLineBufferedUntilClose(t *testing.T) {
	script := scriptForFrames(0, Builder(1, []byte("no newline at end")))
	executor := NewExecutor(DefaultConfig())
	executor.runCommand = fakeCommand(t, script)

	var lines []string
	_, err := executor.Execute(context.Background(), "/tmp/ws2", "pdflatex", "main.tex", func(l string) {
		lines = append(lines, l)
	}, 5*time.Second)

	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "no newline at end", lines[0])
}

func TestExecuteEngineTimeoutExitCode(t *testing.T) {
	script := scriptForFrames(EngineTimeoutExitCode, Builder(1, []byte("partial\n")))
	executor := NewExecutor(DefaultConfig())
	executor.runCommand = fakeCommand(t, script)

	res, err := executor.Execute(context.Background(), "/tmp/ws3", "pdflatex", "main.tex", func(string) {}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, EngineTimeoutExitCode, res.ExitCode)
	assert.False(t, res.DeadlineHit, "engine-internal exit 3 is not the executor's own deadline firing")
}

func TestExecuteDeadlineExpiry(t *testing.T) {
	// Use a real sleeping shell process so context deadline cancellation
	// actually terminates it.
	executor := NewExecutor(DefaultConfig())
	executor.runCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "sleep 5")
	}
	res, err := executor.Execute(context.Background(), "/tmp/ws4", "pdflatex", "main.tex", func(string) {}, 30*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.DeadlineHit)
}

func TestBuildArgsAppliesHardening(t *testing.T) {
	executor := NewExecutor(DefaultConfig())
	args := executor.buildArgs("gogotex-compile-test", "/tmp/ws5", "pdflatex", "main.tex")
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--network=none")
	assert.Contains(t, joined, "--cap-drop=ALL")
	assert.Contains(t, joined, "--read-only")
	assert.Contains(t, joined, "--security-opt=no-new-privileges:true")
	assert.Contains(t, joined, "/tmp/ws5/source:/work/source:rw")
	assert.Contains(t, joined, "/tmp/ws5/output:/work/output:rw")
	assert.Contains(t, joined, "main.tex")
}
