// Package memory provides durable cross-session notes: saved by the
// user (or automatically on /clear), searched by keyword, and injected
// as context on the first turn of a new session.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Note is one durable memory record.
type Note struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Summary   string    `json:"summary"`
	Keywords  []string  `json:"keywords,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the common contract of the memory backends. The sqlite
// backend keeps structured notes with derived keywords; the markdown
// backend appends to daily files. One backend is active per deployment.
type Store interface {
	Save(ctx context.Context, sessionID, summary string) error
	Search(ctx context.Context, query string, maxResults int) ([]string, error)
	List(ctx context.Context, limit int) ([]Note, error)
	Clear(ctx context.Context) error
	Close() error
}

// FormatForInjection renders search results as a context preamble for
// the model. Empty results produce an empty string.
func FormatForInjection(results []string) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant notes from previous conversations:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	return b.String()
}

// extractKeywords derives search keywords from text: lowercased words
// of four or more letters, minus common stopwords, deduplicated.
func extractKeywords(text string) []string {
	seen := make(map[string]bool)
	var keywords []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?\"'()[]{}")
		if len(word) < 4 || stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
	}
	return keywords
}

var stopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true,
	"been": true, "were": true, "they": true, "them": true, "then": true,
	"than": true, "what": true, "when": true, "where": true, "which": true,
	"will": true, "would": true, "could": true, "should": true, "about": true,
	"there": true, "their": true, "these": true, "those": true, "some": true,
	"very": true, "just": true, "into": true, "over": true, "also": true,
	"user": true, "asked": true, "wants": true, "said": true, "told": true,
}
