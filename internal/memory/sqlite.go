package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore keeps structured memory notes in a SQLite database with
// derived keywords for search.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the memory database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver("sqlite3", dbPath)
}

// NewSQLiteStoreWithDriver opens the database with a specific
// database/sql driver name. Tests use the cgo-free driver.
func NewSQLiteStoreWithDriver(driver, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			keywords TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC);
	`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save stores one note with keywords derived from the summary.
func (s *SQLiteStore) Save(ctx context.Context, sessionID, summary string) error {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return fmt.Errorf("empty summary")
	}

	id, _ := uuid.NewV7()
	keywords := strings.Join(extractKeywords(summary), " ")
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, session_id, summary, keywords, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), sessionID, summary, keywords, now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Search returns summaries matching any query keyword, newest first.
func (s *SQLiteStore) Search(ctx context.Context, query string, maxResults int) ([]string, error) {
	if maxResults <= 0 {
		maxResults = 5
	}

	terms := extractKeywords(query)
	if len(terms) == 0 {
		terms = []string{strings.ToLower(strings.TrimSpace(query))}
	}

	var conditions []string
	var args []any
	for _, term := range terms {
		conditions = append(conditions, "(keywords LIKE ? OR lower(summary) LIKE ?)")
		pattern := "%" + term + "%"
		args = append(args, pattern, pattern)
	}
	args = append(args, maxResults)

	rows, err := s.db.QueryContext(ctx, `
		SELECT summary FROM memories
		WHERE `+strings.Join(conditions, " OR ")+`
		ORDER BY created_at DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var summary string
		if err := rows.Scan(&summary); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		results = append(results, summary)
	}
	return results, rows.Err()
}

// List returns the newest notes up to limit.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, summary, keywords, created_at
		FROM memories ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var keywords, createdAt string
		if err := rows.Scan(&n.ID, &n.SessionID, &n.Summary, &keywords, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if keywords != "" {
			n.Keywords = strings.Fields(keywords)
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// Clear deletes all notes.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories`); err != nil {
		return fmt.Errorf("clear memories: %w", err)
	}
	return nil
}
