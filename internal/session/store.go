// Package session persists per-conversation message history, rolling
// summaries, and the per-session LLM call audit log.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Message is one conversational turn. Immutable once appended;
// compaction replaces the whole list, never individual entries.
type Message struct {
	Role      string    `json:"role"` // user, assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the durable record for one session.
type State struct {
	Summary string `json:"summary,omitempty"`
	// SummaryMessageCount is the number of historical messages folded
	// into Summary. Monotonically non-decreasing.
	SummaryMessageCount int       `json:"summary_message_count"`
	Messages            []Message `json:"messages"`
}

// Stats is the read-only view returned by ReadStats.
type Stats struct {
	MessageCount    int  `json:"message_count"`
	SummarizedCount int  `json:"summarized_count"`
	HasSummary      bool `json:"has_summary"`
	EstimatedTokens int  `json:"estimated_tokens"`
}

// Store persists sessions as one JSON file per session id. Writes are
// read-modify-write with atomic replace (temp file + rename) so a crash
// mid-write never leaves a corrupt file. Different session ids never
// block each other; the per-id mutex only serializes same-id access.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// lockFor returns the mutex for one session id, creating it on first use.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// path maps a session id to its file, flattening anything that could
// escape the session directory.
func (s *Store) path(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+".json")
}

// sanitizeID makes a session id safe to use as a file name.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// Ensure idempotently creates empty persisted state if absent.
// An already-populated session is never reset.
func (s *Store) Ensure(id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(s.path(id)); err == nil {
		return nil
	}
	return s.write(id, &State{Messages: []Message{}})
}

// Append adds one message to the end of a session, creating the session
// if needed.
func (s *Store) Append(id, role, content string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	state, err := s.read(id)
	if err != nil {
		return err
	}
	state.Messages = append(state.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	return s.write(id, state)
}

// ReadRaw returns the session's raw message list (no summary preamble).
// A missing session reads as empty.
func (s *Store) ReadRaw(id string) ([]Message, error) {
	state, err := s.Read(id)
	if err != nil {
		return nil, err
	}
	return state.Messages, nil
}

// Read returns the full persisted state. A missing session reads as empty.
func (s *Store) Read(id string) (*State, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return s.read(id)
}

// ReadStats summarizes a session for the /context command and status API.
func (s *Store) ReadStats(id string) (Stats, error) {
	state, err := s.Read(id)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		MessageCount:    len(state.Messages),
		SummarizedCount: state.SummaryMessageCount,
		HasSummary:      state.Summary != "",
		EstimatedTokens: EstimateMessageListTokens(MessagesForLLM(state)),
	}, nil
}

// Clear resets a session to empty state, discarding the summary.
func (s *Store) Clear(id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return s.write(id, &State{Messages: []Message{}})
}

// Compact atomically replaces a session's message list with kept (the
// verbatim tail), sets the new summary, and raises SummaryMessageCount
// by summarized. Used only by the compactor.
func (s *Store) Compact(id string, kept []Message, summary string, summarized int) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	state, err := s.read(id)
	if err != nil {
		return err
	}
	state.Summary = summary
	state.SummaryMessageCount += summarized
	state.Messages = kept
	return s.write(id, state)
}

// List returns the ids of all persisted sessions.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// read loads state without locking; callers hold the per-id mutex.
func (s *Store) read(id string) (*State, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return &State{Messages: []Message{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %q: %w", id, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse session %q: %w", id, err)
	}
	if state.Messages == nil {
		state.Messages = []Message{}
	}
	return &state, nil
}

// write persists state atomically; callers hold the per-id mutex.
func (s *Store) write(id string, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %q: %w", id, err)
	}
	path := s.path(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session %q: %w", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace session %q: %w", id, err)
	}
	return nil
}
