package approval

import (
	"testing"
)

func newTestGate(t *testing.T) (*Gate, string) {
	t.Helper()
	dir := t.TempDir()
	g, err := NewGate(dir, nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g, dir
}

func TestWhitelistPersists(t *testing.T) {
	g, dir := newTestGate(t)

	if g.IsWhitelisted("ls") {
		t.Error("fresh gate whitelists ls")
	}
	if err := g.Whitelist("ls"); err != nil {
		t.Fatalf("Whitelist: %v", err)
	}
	if !g.IsWhitelisted("ls") {
		t.Error("ls not whitelisted after Whitelist")
	}

	// Reload from disk.
	g2, err := NewGate(dir, nil)
	if err != nil {
		t.Fatalf("reload gate: %v", err)
	}
	if !g2.IsWhitelisted("ls") {
		t.Error("whitelist did not survive reload")
	}
}

func TestWhitelistRejectsEmpty(t *testing.T) {
	g, _ := newTestGate(t)
	if err := g.Whitelist("   "); err == nil {
		t.Error("expected error for blank command")
	}
}

func TestPendingApprovalLifecycle(t *testing.T) {
	g, _ := newTestGate(t)

	if _, ok := g.Pending("s1"); ok {
		t.Error("fresh gate has pending approval")
	}

	if err := g.RequestApproval("s1", "curl"); err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	command, ok := g.Pending("s1")
	if !ok || command != "curl" {
		t.Fatalf("Pending = %q, %v", command, ok)
	}

	// Other sessions are unaffected.
	if _, ok := g.Pending("s2"); ok {
		t.Error("pending approval leaked to another session")
	}

	resolved, err := g.Resolve("s1", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != "curl" {
		t.Errorf("resolved command = %q", resolved)
	}
	if !g.IsWhitelisted("curl") {
		t.Error("approved command not whitelisted")
	}
	if _, ok := g.Pending("s1"); ok {
		t.Error("pending record not cleared after resolution")
	}
}

func TestResolveDenialClearsWithoutWhitelisting(t *testing.T) {
	g, _ := newTestGate(t)

	g.RequestApproval("s1", "rm")
	if _, err := g.Resolve("s1", false); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if g.IsWhitelisted("rm") {
		t.Error("denied command was whitelisted")
	}
	if _, ok := g.Pending("s1"); ok {
		t.Error("pending record survived denial")
	}
}

func TestResolveWithoutPendingErrors(t *testing.T) {
	g, _ := newTestGate(t)
	if _, err := g.Resolve("nobody", true); err == nil {
		t.Error("expected error resolving with no pending approval")
	}
}

func TestSecondRequestOverwrites(t *testing.T) {
	g, _ := newTestGate(t)

	g.RequestApproval("s1", "first")
	g.RequestApproval("s1", "second")

	command, ok := g.Pending("s1")
	if !ok || command != "second" {
		t.Errorf("Pending = %q, want second", command)
	}
}

func TestPendingSurvivesReload(t *testing.T) {
	g, dir := newTestGate(t)
	g.RequestApproval("s1", "wget")

	g2, err := NewGate(dir, nil)
	if err != nil {
		t.Fatalf("reload gate: %v", err)
	}
	command, ok := g2.Pending("s1")
	if !ok || command != "wget" {
		t.Errorf("pending after reload = %q, %v", command, ok)
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"yes", true},
		{"YES", true},
		{"  y  ", true},
		{"approve", true},
		{"ok", true},
		{"no", false},
		{"nope", false},
		{"yes please", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ParseDecision(tt.in); got != tt.want {
			t.Errorf("ParseDecision(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
