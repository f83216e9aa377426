package session

import (
	"fmt"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestEnsureIdempotent(t *testing.T) {
	s := newTestStore(t)

	if err := s.Ensure("alpha"); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	if err := s.Append("alpha", "user", "hello"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Ensure("alpha"); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}

	msgs, err := s.ReadRaw("alpha")
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("Ensure clobbered existing state: got %d messages, want 1", len(msgs))
	}
}

func TestAppendAndRead(t *testing.T) {
	s := newTestStore(t)

	if err := s.Append("a", "user", "question"); err != nil {
		t.Fatalf("Append user: %v", err)
	}
	if err := s.Append("a", "assistant", "answer"); err != nil {
		t.Fatalf("Append assistant: %v", err)
	}

	msgs, err := s.ReadRaw("a")
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "question" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "answer" {
		t.Errorf("second message = %+v", msgs[1])
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("timestamp not set on append")
	}
}

func TestReadMissingSessionIsEmpty(t *testing.T) {
	s := newTestStore(t)

	state, err := s.Read("never-seen")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(state.Messages) != 0 || state.Summary != "" {
		t.Errorf("missing session not empty: %+v", state)
	}
}

func TestReadStats(t *testing.T) {
	s := newTestStore(t)

	s.Append("a", "user", "12345678") // 2 tokens
	s.Append("a", "assistant", "1234")

	stats, err := s.ReadStats("a")
	if err != nil {
		t.Fatalf("ReadStats: %v", err)
	}
	if stats.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", stats.MessageCount)
	}
	if stats.HasSummary {
		t.Error("HasSummary = true for fresh session")
	}
	if stats.EstimatedTokens <= 0 {
		t.Errorf("EstimatedTokens = %d, want positive", stats.EstimatedTokens)
	}
}

func TestClearDiscardsSummary(t *testing.T) {
	s := newTestStore(t)

	s.Append("a", "user", "one")
	s.Append("a", "assistant", "two")
	if err := s.Compact("a", nil, "a summary", 2); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if err := s.Clear("a"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	state, err := s.Read("a")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if state.Summary != "" || len(state.Messages) != 0 || state.SummaryMessageCount != 0 {
		t.Errorf("Clear left state behind: %+v", state)
	}
}

func TestCompactAccumulatesSummaryCount(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 6; i++ {
		s.Append("a", "user", fmt.Sprintf("message %d", i))
	}

	msgs, _ := s.ReadRaw("a")
	if err := s.Compact("a", msgs[4:], "first summary", 4); err != nil {
		t.Fatalf("first Compact: %v", err)
	}
	state, _ := s.Read("a")
	if state.SummaryMessageCount != 4 {
		t.Fatalf("SummaryMessageCount = %d, want 4", state.SummaryMessageCount)
	}
	if len(state.Messages) != 2 {
		t.Fatalf("kept %d messages, want 2", len(state.Messages))
	}

	if err := s.Compact("a", nil, "second summary", 2); err != nil {
		t.Fatalf("second Compact: %v", err)
	}
	state, _ = s.Read("a")
	if state.SummaryMessageCount != 6 {
		t.Errorf("SummaryMessageCount = %d, want 6 (accumulated)", state.SummaryMessageCount)
	}
	if state.Summary != "second summary" {
		t.Errorf("Summary = %q", state.Summary)
	}
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"default", "default"},
		{"telegram-12345", "telegram-12345"},
		{"a/b", "a_b"},
		{"..", ".."},
		{"weird id!", "weird_id_"},
	}
	for _, tt := range tests {
		if got := sanitizeID(tt.in); got != tt.want {
			t.Errorf("sanitizeID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConcurrentDifferentSessions(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", i)
			for j := 0; j < 20; j++ {
				if err := s.Append(id, "user", fmt.Sprintf("msg %d", j)); err != nil {
					t.Errorf("Append(%s): %v", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("session-%d", i)
		msgs, err := s.ReadRaw(id)
		if err != nil {
			t.Fatalf("ReadRaw(%s): %v", id, err)
		}
		if len(msgs) != 20 {
			t.Errorf("session %s has %d messages, want 20", id, len(msgs))
		}
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)

	s.Append("b", "user", "x")
	s.Append("a", "user", "y")

	ids, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("List returned %d ids, want 2", len(ids))
	}
}
