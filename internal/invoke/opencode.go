// Package invoke runs external agent processes for council members. Each
// invocation is a one-shot subprocess: model identifier, prompt, working
// directory and timeout in; response text or an error out. Invocations
// share no state, so a Client may be used concurrently.
package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/opencouncil/council/internal/member"
)

// maxInlinePromptBytes is the longest prompt passed directly on the command
// line. Longer prompts are written to a temp file to stay clear of argv
// length limits.
const maxInlinePromptBytes = 6000

// fileInstruction is the inline prompt used when the real prompt travels in
// an attached file.
const fileInstruction = "Execute the task described in the attached file."

// ErrTimeout indicates an invocation exceeded its deadline.
var ErrTimeout = errors.New("invocation timed out")

// Result is a successful invocation's output.
type Result struct {
	Content string
}

// Invoker is the member invocation boundary consumed by the orchestrator.
type Invoker interface {
	Invoke(ctx context.Context, m member.Member, prompt, workDir string) (Result, error)
}

// Client routes invocations to the backend selected by the member's
// provider tag.
type Client struct {
	opencode *OpenCodeClient
}

// NewClient builds a Client around the given CLI command and per-invocation
// timeout.
func NewClient(command string, timeout time.Duration) *Client {
	return &Client{opencode: NewOpenCodeClient(command, timeout)}
}

// Invoke dispatches on the member's provider. The switch is exhaustive over
// known providers; anything else is an error, not a silent skip.
func (c *Client) Invoke(ctx context.Context, m member.Member, prompt, workDir string) (Result, error) {
	switch m.Provider {
	case member.ProviderOpenCode:
		return c.opencode.Query(ctx, m.Model, prompt, workDir)
	default:
		return Result{}, fmt.Errorf("%w: %q", member.ErrUnknownProvider, m.Provider)
	}
}

// OpenCodeClient invokes models through the OpenCode CLI
// ("opencode run -m <model> <prompt>").
type OpenCodeClient struct {
	command string
	timeout time.Duration
}

// NewOpenCodeClient creates an OpenCode CLI client. An empty command
// defaults to "opencode".
func NewOpenCodeClient(command string, timeout time.Duration) *OpenCodeClient {
	if command == "" {
		command = "opencode"
	}
	return &OpenCodeClient{command: command, timeout: timeout}
}

// Query runs one model invocation in workDir and returns the process's
// stdout as the response content. Launch failure, non-zero exit, and
// timeout all return errors; the caller decides whether that excludes the
// member or fails the session.
func (c *OpenCodeClient) Query(ctx context.Context, model, prompt, workDir string) (Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := []string{"run", "-m", model}

	if len(prompt) > maxInlinePromptBytes {
		promptFile, err := os.CreateTemp("", "council_prompt_*.txt")
		if err != nil {
			return Result{}, fmt.Errorf("failed to create prompt file: %w", err)
		}
		defer os.Remove(promptFile.Name())

		if _, err := promptFile.WriteString(prompt); err != nil {
			promptFile.Close()
			return Result{}, fmt.Errorf("failed to write prompt file: %w", err)
		}
		if err := promptFile.Close(); err != nil {
			return Result{}, fmt.Errorf("failed to write prompt file: %w", err)
		}

		args = append(args, "-f", promptFile.Name(), fileInstruction)
	} else {
		args = append(args, prompt)
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Result{}, fmt.Errorf("%w: model %s after %s", ErrTimeout, model, c.timeout)
	}
	if err != nil {
		return Result{}, fmt.Errorf("opencode failed for model %s: %w\n%s", model, err, truncate(stderr.String(), 200))
	}

	return Result{Content: strings.TrimSpace(stdout.String())}, nil
}

// truncate shortens s to at most n bytes, appending an ellipsis when cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
