// Package approval gates first-use of shell commands behind explicit
// human confirmation. A global whitelist records approved command
// names; per-session pending records suspend execution until the user
// answers yes or no on their next turn.
package approval

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	whitelistFile = "command_whitelist.json"
	pendingFile   = "pending_approvals.json"
)

// Gate owns the whitelist and the pending-approval records. Both are
// persisted under dir with atomic replace so a crash never leaves a
// partial write visible.
type Gate struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	commands map[string]bool   // whitelisted command names
	pending  map[string]string // session id -> command name
}

// NewGate loads (or initializes) the gate state under dir.
func NewGate(dir string, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create approval dir: %w", err)
	}

	g := &Gate{
		dir:      dir,
		logger:   logger.With("component", "approval"),
		commands: make(map[string]bool),
		pending:  make(map[string]string),
	}

	if err := g.loadJSON(whitelistFile, &g.commands); err != nil {
		return nil, fmt.Errorf("load whitelist: %w", err)
	}
	if err := g.loadJSON(pendingFile, &g.pending); err != nil {
		return nil, fmt.Errorf("load pending approvals: %w", err)
	}
	return g, nil
}

// IsWhitelisted reports whether command has been approved before.
func (g *Gate) IsWhitelisted(command string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commands[command]
}

// Whitelist adds command to the global whitelist and persists it.
func (g *Gate) Whitelist(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return fmt.Errorf("empty command name")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.commands[command] {
		return nil
	}
	g.commands[command] = true
	if err := g.saveJSON(whitelistFile, g.commands); err != nil {
		delete(g.commands, command)
		return fmt.Errorf("persist whitelist: %w", err)
	}
	g.logger.Info("command whitelisted", "command", command)
	return nil
}

// Whitelisted returns the approved command names, sorted.
func (g *Gate) Whitelisted() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, 0, len(g.commands))
	for name := range g.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequestApproval records a pending approval for the session. A session
// holds at most one pending record; a second request before the first
// resolves replaces it, which is logged so the replacement is never
// silent.
func (g *Gate) RequestApproval(sessionID, command string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.pending[sessionID]; ok && prev != command {
		g.logger.Warn("replacing unresolved pending approval",
			"session", sessionID, "previous", prev, "command", command)
	}
	g.pending[sessionID] = command
	if err := g.saveJSON(pendingFile, g.pending); err != nil {
		return fmt.Errorf("persist pending approval: %w", err)
	}
	g.logger.Info("approval requested", "session", sessionID, "command", command)
	return nil
}

// Pending returns the command awaiting approval for the session, if any.
func (g *Gate) Pending(sessionID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	command, ok := g.pending[sessionID]
	return command, ok
}

// Resolve consumes the session's pending approval. When approved, the
// command joins the whitelist. Either way the pending record is
// cleared. Returns the command that was pending.
func (g *Gate) Resolve(sessionID string, approved bool) (string, error) {
	g.mu.Lock()
	command, ok := g.pending[sessionID]
	if !ok {
		g.mu.Unlock()
		return "", fmt.Errorf("no pending approval for session %s", sessionID)
	}
	delete(g.pending, sessionID)
	if err := g.saveJSON(pendingFile, g.pending); err != nil {
		g.mu.Unlock()
		return "", fmt.Errorf("persist pending approval: %w", err)
	}
	g.mu.Unlock()

	if approved {
		if err := g.Whitelist(command); err != nil {
			return command, err
		}
		g.logger.Info("approval granted", "session", sessionID, "command", command)
	} else {
		g.logger.Info("approval denied", "session", sessionID, "command", command)
	}
	return command, nil
}

// ParseDecision interprets free-form user input as an approval answer.
func ParseDecision(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "approve", "approved", "ok", "allow":
		return true
	}
	return false
}

func (g *Gate) loadJSON(name string, dst any) error {
	data, err := os.ReadFile(filepath.Join(g.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func (g *Gate) saveJSON(name string, src any) error {
	data, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(g.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
