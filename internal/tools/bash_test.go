package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"bashobot/internal/approval"
)

func TestCommandToken(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"ls -la", "ls"},
		{"echo hello", "echo"},
		{"FOO=bar make build", "make"},
		{"FOO=bar BAZ=qux env", "env"},
		{"sudo apt install jq", "apt"},
		{"FOO=bar sudo systemctl restart nginx", "systemctl"},
		{"  spaced   out  ", "spaced"},
		{"sudo", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CommandToken(tt.command); got != tt.want {
			t.Errorf("CommandToken(%q) = %q, want %q", tt.command, got, tt.want)
		}
	}
}

func newTestBash(t *testing.T, enforced bool) (*BashExec, *approval.Gate) {
	t.Helper()
	gate, err := approval.NewGate(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	b := NewBashExec(gate, BashExecConfig{
		WhitelistEnforced: enforced,
		Timeout:           10 * time.Second,
	}, nil)
	return b, gate
}

func TestRunWhitelistedCommand(t *testing.T) {
	b, gate := newTestBash(t, true)
	gate.Whitelist("echo")

	out, err := b.Run(context.Background(), "echo hello", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var result struct {
		Output   string `json:"output"`
		ExitCode int    `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if strings.TrimSpace(result.Output) != "hello" {
		t.Errorf("output = %q", result.Output)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit_code = %d, want 0", result.ExitCode)
	}
}

func TestRunNonzeroExitIsData(t *testing.T) {
	b, gate := newTestBash(t, true)
	gate.Whitelist("sh")

	out, err := b.Run(context.Background(), "sh -c 'exit 3'", "")
	if err != nil {
		t.Fatalf("nonzero exit treated as executor failure: %v", err)
	}

	var result struct {
		ExitCode int `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit_code = %d, want 3", result.ExitCode)
	}
}

func TestRunUnapprovedCommandRequiresApproval(t *testing.T) {
	b, gate := newTestBash(t, true)

	ctx := WithSessionID(context.Background(), "s1")
	out, err := b.Run(ctx, "curl http://example.com", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var result struct {
		ApprovalRequired bool   `json:"approval_required"`
		Command          string `json:"command"`
		Prompt           string `json:"prompt"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if !result.ApprovalRequired {
		t.Fatal("approval_required missing")
	}
	if result.Command != "curl" {
		t.Errorf("command = %q, want curl", result.Command)
	}
	if result.Prompt == "" {
		t.Error("empty prompt")
	}

	pending, ok := gate.Pending("s1")
	if !ok || pending != "curl" {
		t.Errorf("pending approval = %q, %v", pending, ok)
	}
}

func TestRunUnenforcedSkipsWhitelist(t *testing.T) {
	b, _ := newTestBash(t, false)

	out, err := b.Run(context.Background(), "echo unchecked", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(out, "approval_required") {
		t.Error("whitelist enforced while disabled")
	}
}

func TestRunCombinesStderr(t *testing.T) {
	b, gate := newTestBash(t, true)
	gate.Whitelist("sh")

	out, err := b.Run(context.Background(), "sh -c 'echo out; echo err >&2'", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var result struct {
		Output string `json:"output"`
	}
	json.Unmarshal([]byte(out), &result)
	if !strings.Contains(result.Output, "out") || !strings.Contains(result.Output, "err") {
		t.Errorf("combined output missing a stream: %q", result.Output)
	}
}

func TestRunTimeout(t *testing.T) {
	gate, _ := approval.NewGate(t.TempDir(), nil)
	b := NewBashExec(gate, BashExecConfig{
		WhitelistEnforced: false,
		Timeout:           time.Second,
	}, nil)

	start := time.Now()
	out, err := b.Run(context.Background(), "sleep 30", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout not enforced")
	}

	var result struct {
		TimedOut bool `json:"timed_out"`
		ExitCode int  `json:"exit_code"`
	}
	json.Unmarshal([]byte(out), &result)
	if !result.TimedOut {
		t.Error("timed_out flag missing")
	}
}

func TestTruncateOutput(t *testing.T) {
	long := strings.Repeat("a", 100)
	got := truncateOutput(long, 10)
	if !strings.HasPrefix(got, strings.Repeat("a", 10)) {
		t.Errorf("truncation kept wrong prefix: %q", got[:20])
	}
	if !strings.Contains(got, "truncated") {
		t.Error("missing truncation marker")
	}
	if truncateOutput("short", 10) != "short" {
		t.Error("short output modified")
	}
}
