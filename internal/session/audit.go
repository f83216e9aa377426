package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one line of the per-session audit log: everything that
// crossed the provider boundary for one request, raw payloads included.
type AuditEntry struct {
	Timestamp       time.Time       `json:"ts"`
	RequestID       string          `json:"request_id"`
	Source          string          `json:"source"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	Status          string          `json:"status"`
	ElapsedMS       int64           `json:"elapsed_ms"`
	RequestMessages int             `json:"request_messages"`
	RawRequest      json.RawMessage `json:"raw_request,omitempty"`
	RawResponse     json.RawMessage `json:"raw_response,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// AuditLog appends JSONL audit entries under dir, one file per session.
// Append failures are logged and swallowed: the audit trail must never
// take down a request that already succeeded.
type AuditLog struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewAuditLog creates the audit directory if needed.
func NewAuditLog(dir string, logger *slog.Logger) (*AuditLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &AuditLog{dir: dir, logger: logger}, nil
}

// NewRequestID returns a fresh id correlating log lines, events, and
// the audit entry for one inbound message.
func NewRequestID() string {
	return uuid.NewString()
}

// Append writes one entry to the session's audit file.
func (a *AuditLog) Append(sessionID string, entry AuditEntry) {
	if a == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.RequestID == "" {
		entry.RequestID = NewRequestID()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		a.logger.Warn("audit entry marshal failed", "session", sessionID, "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.dir, sanitizeID(sessionID)+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		a.logger.Warn("audit open failed", "session", sessionID, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		a.logger.Warn("audit write failed", "session", sessionID, "error", err)
	}
}
