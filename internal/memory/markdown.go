package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MarkdownStore appends freeform notes to one markdown file per day
// and searches by case-insensitive substring match. Simpler than the
// sqlite backend, and the files stay human-editable.
type MarkdownStore struct {
	dir string
	mu  sync.Mutex
}

// NewMarkdownStore creates the notes directory if needed.
func NewMarkdownStore(dir string) (*MarkdownStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &MarkdownStore{dir: dir}, nil
}

// Close is a no-op for the markdown backend.
func (s *MarkdownStore) Close() error { return nil }

func (s *MarkdownStore) dailyPath(t time.Time) string {
	return filepath.Join(s.dir, t.UTC().Format("2006-01-02")+".md")
}

// Save appends one note to today's file.
func (s *MarkdownStore) Save(ctx context.Context, sessionID, summary string) error {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return fmt.Errorf("empty summary")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	entry := fmt.Sprintf("## %s (session %s)\n\n%s\n\n", now.Format("15:04"), sessionID, summary)

	f, err := os.OpenFile(s.dailyPath(now), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open daily file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append note: %w", err)
	}
	return nil
}

// Search scans all daily files newest-first for lines containing the
// query, case-insensitive.
func (s *MarkdownStore) Search(ctx context.Context, query string, maxResults int) ([]string, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}

	files, err := s.dailyFiles()
	if err != nil {
		return nil, err
	}

	var results []string
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			if strings.Contains(strings.ToLower(trimmed), query) {
				results = append(results, trimmed)
				if len(results) >= maxResults {
					return results, nil
				}
			}
		}
	}
	return results, nil
}

// List returns recent notes parsed from the daily files, newest first.
func (s *MarkdownStore) List(ctx context.Context, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 20
	}

	files, err := s.dailyFiles()
	if err != nil {
		return nil, err
	}

	var notes []Note
	for _, path := range files {
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(filepath.Base(path), ".md"))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		for _, block := range strings.Split(string(data), "## ") {
			block = strings.TrimSpace(block)
			if block == "" {
				continue
			}
			lines := strings.SplitN(block, "\n", 2)
			body := ""
			if len(lines) == 2 {
				body = strings.TrimSpace(lines[1])
			}
			if body == "" {
				continue
			}
			id, _ := uuid.NewV7()
			notes = append(notes, Note{
				ID:        id.String(),
				Summary:   body,
				CreatedAt: day,
			})
			if len(notes) >= limit {
				return notes, nil
			}
		}
	}
	return notes, nil
}

// Clear deletes all daily files.
func (s *MarkdownStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.dailyFiles()
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// dailyFiles returns the daily note files sorted newest first.
func (s *MarkdownStore) dailyFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.md"))
	if err != nil {
		return nil, fmt.Errorf("glob memory dir: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}
