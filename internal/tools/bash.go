package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"bashobot/internal/approval"
)

const (
	defaultBashTimeout = 60 * time.Second
	maxBashTimeout     = 5 * time.Minute
	maxOutputBytes     = 64 * 1024
)

// BashExec runs shell commands behind the approval gate.
type BashExec struct {
	gate      *approval.Gate
	enforced  bool
	timeout   time.Duration
	maxOutput int
	logger    *slog.Logger
}

// BashExecConfig configures the shell executor.
type BashExecConfig struct {
	// WhitelistEnforced gates never-before-seen command names behind
	// user approval. Disabling it runs everything directly.
	WhitelistEnforced bool
	Timeout           time.Duration
	MaxOutputBytes    int
}

// NewBashExec creates a shell executor.
func NewBashExec(gate *approval.Gate, cfg BashExecConfig, logger *slog.Logger) *BashExec {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBashTimeout
	}
	if cfg.Timeout > maxBashTimeout {
		cfg.Timeout = maxBashTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = maxOutputBytes
	}
	return &BashExec{
		gate:      gate,
		enforced:  cfg.WhitelistEnforced,
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutputBytes,
		logger:    logger.With("component", "bash"),
	}
}

// CommandToken extracts the leading command name from a shell command
// line, skipping VAR=value assignment prefixes and a leading sudo.
func CommandToken(command string) string {
	fields := strings.Fields(command)
	for _, f := range fields {
		if strings.Contains(f, "=") && !strings.HasPrefix(f, "=") {
			// KEY=value prefix, keep looking
			key := f[:strings.Index(f, "=")]
			if isEnvName(key) {
				continue
			}
		}
		if f == "sudo" {
			continue
		}
		return f
	}
	return ""
}

func isEnvName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (r *Registry) handleBash(ctx context.Context, args map[string]any) (string, error) {
	if r.bash == nil {
		return "", fmt.Errorf("shell execution is disabled")
	}

	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command is required")
	}
	workingDir, _ := args["working_dir"].(string)

	return r.bash.Run(ctx, command, workingDir)
}

// Run executes command, first checking the whitelist. An unapproved
// command name records a pending approval for the calling session and
// returns an approval_required result instead of executing.
func (b *BashExec) Run(ctx context.Context, command, workingDir string) (string, error) {
	token := CommandToken(command)
	if token == "" {
		return "", fmt.Errorf("could not determine command name")
	}

	if b.enforced && b.gate != nil && !b.gate.IsWhitelisted(token) {
		sessionID := SessionIDFromContext(ctx)
		if err := b.gate.RequestApproval(sessionID, token); err != nil {
			return "", fmt.Errorf("record pending approval: %w", err)
		}
		return jsonResult(map[string]any{
			"approval_required": true,
			"command":           token,
			"prompt": fmt.Sprintf(
				"The command '%s' is not approved yet. Reply 'yes' to allow it from now on, or anything else to deny.", token),
		}), nil
	}

	execCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	timedOut := execCtx.Err() == context.DeadlineExceeded
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if timedOut {
			exitCode = -1
		} else {
			return "", fmt.Errorf("run command: %w", err)
		}
	}

	b.logger.Debug("command executed",
		"command", token, "exit_code", exitCode, "elapsed", elapsed, "timed_out", timedOut)

	result := map[string]any{
		"output":    truncateOutput(output.String(), b.maxOutput),
		"exit_code": exitCode,
	}
	if timedOut {
		result["timed_out"] = true
	}
	return jsonResult(result), nil
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
