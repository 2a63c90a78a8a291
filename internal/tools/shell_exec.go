package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// maxShellTimeout caps any per-call timeout the model requests.
const maxShellTimeout = 5 * time.Minute

// ShellExec runs commands through sh -c.
type ShellExec struct {
	enabled        bool
	workingDir     string
	allowedCmds    []string // Empty = allow all
	deniedCmds     []string
	defaultTimeout time.Duration
	maxOutputBytes int
}

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	Enabled        bool
	WorkingDir     string
	AllowedCmds    []string
	DeniedCmds     []string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// DefaultDeniedCommands are refused even when the confirmation gate
// approves the call.
var DefaultDeniedCommands = []string{
	"mkfs",
	"dd if=",
	"> /dev/sd",
	":(){ :|:& };:",
}

// NewShellExec creates a new shell executor. DeniedCmds is merged with
// DefaultDeniedCommands.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	denied := append([]string{}, DefaultDeniedCommands...)
	denied = append(denied, cfg.DeniedCmds...)
	return &ShellExec{
		enabled:        cfg.Enabled,
		workingDir:     cfg.WorkingDir,
		allowedCmds:    cfg.AllowedCmds,
		deniedCmds:     denied,
		defaultTimeout: cfg.DefaultTimeout,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// Enabled reports whether shell execution is available.
func (s *ShellExec) Enabled() bool {
	return s.enabled
}

// ExecResult contains the result of a command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Exec runs command in dir (the configured working directory when dir
// is empty). Policy refusals are returned as errors; a command that
// runs and fails is reported through ExecResult.
func (s *ShellExec) Exec(ctx context.Context, command, dir string, timeoutSec int) (*ExecResult, error) {
	if !s.enabled {
		return nil, fmt.Errorf("shell execution is disabled")
	}
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmdLower := strings.ToLower(command)
	for _, denied := range s.deniedCmds {
		if strings.Contains(cmdLower, strings.ToLower(denied)) {
			return nil, fmt.Errorf("command blocked by policy: matches denied pattern %q", denied)
		}
	}

	if len(s.allowedCmds) > 0 {
		allowed := false
		for _, prefix := range s.allowedCmds {
			if strings.HasPrefix(command, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("command not in allowlist")
		}
	}

	timeout := s.defaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	timeout = min(timeout, maxShellTimeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.workingDir
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout: truncateOutput(stdout.String(), s.maxOutputBytes),
		Stderr: truncateOutput(stderr.String(), s.maxOutputBytes),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	return result, nil
}

// Skill returns the shell_exec skill backed by s.
func (s *ShellExec) Skill() *Tool {
	return &Tool{
		Name:     "shell_exec",
		Category: CategorySystem,
		Description: "Run a shell command on the host and return stdout, stderr and the exit code. " +
			"Destructive commands require the user's approval before they run.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The command line to execute with sh -c",
				},
				"timeout_sec": map[string]any{
					"type":        "integer",
					"description": "Optional timeout in seconds (max 300)",
				},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, args map[string]any, rc RunContext) Result {
			dir := ""
			if s.workingDir == "" {
				dir = rc.WorkspaceRoot
			}
			res, err := s.Exec(ctx, stringArg(args, "command"), dir, intArg(args, "timeout_sec"))
			if err != nil {
				return Fail("%v", err)
			}
			switch {
			case res.TimedOut:
				return Result{Success: false, Data: res, Error: "command timed out"}
			case res.ExitCode != 0:
				return Result{Success: false, Data: res, Error: fmt.Sprintf("command exited with status %d", res.ExitCode)}
			}
			return OK(res)
		},
	}
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
