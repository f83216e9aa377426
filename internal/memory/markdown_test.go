package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMarkdownSaveAndSearch(t *testing.T) {
	dir := t.TempDir()
	store, err := NewMarkdownStore(dir)
	if err != nil {
		t.Fatalf("NewMarkdownStore: %v", err)
	}
	ctx := context.Background()

	if err := store.Save(ctx, "s1", "Planning a trip to Lisbon in October"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	results, err := store.Search(ctx, "lisbon", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || !strings.Contains(results[0], "Lisbon") {
		t.Errorf("results = %v", results)
	}

	results, err = store.Search(ctx, "antarctica", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("unexpected matches: %v", results)
	}
}

func TestMarkdownDailyFileFormat(t *testing.T) {
	dir := t.TempDir()
	store, err := NewMarkdownStore(dir)
	if err != nil {
		t.Fatalf("NewMarkdownStore: %v", err)
	}

	if err := store.Save(context.Background(), "tg-7", "note body"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, today+".md"))
	if err != nil {
		t.Fatalf("daily file missing: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "(session tg-7)") {
		t.Errorf("session missing from entry: %q", content)
	}
	if !strings.HasPrefix(content, "## ") {
		t.Errorf("entry has no heading: %q", content)
	}
	if !strings.Contains(content, "note body") {
		t.Errorf("body missing: %q", content)
	}
}

func TestMarkdownSearchSkipsHeaders(t *testing.T) {
	dir := t.TempDir()
	store, err := NewMarkdownStore(dir)
	if err != nil {
		t.Fatalf("NewMarkdownStore: %v", err)
	}
	ctx := context.Background()

	// "session" appears in every heading; only bodies should match
	if err := store.Save(ctx, "session-word", "unrelated body text"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	results, err := store.Search(ctx, "session", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("heading lines matched: %v", results)
	}
}

func TestMarkdownList(t *testing.T) {
	dir := t.TempDir()
	store, err := NewMarkdownStore(dir)
	if err != nil {
		t.Fatalf("NewMarkdownStore: %v", err)
	}
	ctx := context.Background()

	store.Save(ctx, "s1", "first note")
	store.Save(ctx, "s2", "second note")

	notes, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("got %d notes", len(notes))
	}
	for _, n := range notes {
		if n.Summary == "" || n.CreatedAt.IsZero() {
			t.Errorf("incomplete note: %+v", n)
		}
	}
}

func TestMarkdownListLimit(t *testing.T) {
	dir := t.TempDir()
	store, err := NewMarkdownStore(dir)
	if err != nil {
		t.Fatalf("NewMarkdownStore: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		store.Save(ctx, "s", "repeated note")
	}

	notes, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(notes) != 2 {
		t.Errorf("got %d notes, want 2", len(notes))
	}
}

func TestMarkdownClear(t *testing.T) {
	dir := t.TempDir()
	store, err := NewMarkdownStore(dir)
	if err != nil {
		t.Fatalf("NewMarkdownStore: %v", err)
	}
	ctx := context.Background()

	store.Save(ctx, "s", "soon gone")
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.md"))
	if len(matches) != 0 {
		t.Errorf("files survived Clear: %v", matches)
	}
}

func TestMarkdownSaveEmptyRejected(t *testing.T) {
	store, err := NewMarkdownStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewMarkdownStore: %v", err)
	}
	if err := store.Save(context.Background(), "s", ""); err == nil {
		t.Error("empty summary accepted")
	}
}
