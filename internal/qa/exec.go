package qa

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// CodeRunner checks or executes produced code.
type CodeRunner interface {
	Run(ctx domain.Context, code string, syntaxOnly bool, timeoutSeconds int) error
}

// CommandRunner runs an external validator binary with the attempt output on
// stdin and returns combined output.
type CommandRunner interface {
	Run(ctx domain.Context, binary string, args []string, stdin string) (string, error)
}

const defaultExecTimeout = 10 * time.Second

// execCodeRunner shells out to python3. Sandbox mode runs with a scrubbed
// environment and the configured timeout; it relies on the deployment to
// provide process-level isolation (container, no network).
type execCodeRunner struct{}

func (execCodeRunner) Run(ctx domain.Context, code string, syntaxOnly bool, timeoutSeconds int) error {
	timeout := defaultExecTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if syntaxOnly {
		cmd = exec.CommandContext(runCtx, "python3", "-c",
			"import sys; compile(sys.stdin.read(), '<attempt>', 'exec')")
	} else {
		cmd = exec.CommandContext(runCtx, "python3", "-I", "-")
	}
	cmd.Stdin = bytes.NewReader([]byte(code))
	cmd.Env = []string{"PATH=/usr/bin:/bin"}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return fmt.Errorf("timed out after %s", timeout)
		}
		snippet := out.String()
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return fmt.Errorf("%w: %s", err, snippet)
	}
	return nil
}

type execCommandRunner struct{}

func (execCommandRunner) Run(ctx domain.Context, binary string, args []string, stdin string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, defaultExecTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binary, args...)
	cmd.Stdin = bytes.NewReader([]byte(stdin))
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
