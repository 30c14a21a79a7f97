// Package historydb persists conversation history to SQLite. It
// implements the orchestrator's HistorySink: append-only writes, with
// failures surfaced to the caller to log and ignore — persistence
// problems are never fatal to the agent loop.
package historydb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/martinemde/conductor/llmbridge"
	"github.com/martinemde/conductor/orchestrator"
)

// Store is an append-only conversation store backed by SQLite. SQLite
// serializes writes, so the store is safe for concurrent sessions.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at path and ensures the
// schema exists.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversation_entries (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		tool_calls  TEXT,
		results     TEXT,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_session
		ON conversation_entries (session_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append writes one entry for a session. Implements
// orchestrator.HistorySink.
func (s *Store) Append(sessionID string, entry orchestrator.ConversationEntry) error {
	var toolCalls, results []byte
	var err error
	if len(entry.ToolCalls) > 0 {
		if toolCalls, err = json.Marshal(entry.ToolCalls); err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
	}
	if len(entry.Results) > 0 {
		if results, err = json.Marshal(entry.Results); err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
	}

	_, err = s.db.Exec(
		`INSERT INTO conversation_entries (session_id, role, content, tool_calls, results, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, string(entry.Role), entry.Content,
		nullable(toolCalls), nullable(results),
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append entry for %s: %w", sessionID, err)
	}
	return nil
}

// Entries returns a session's history in insertion order.
func (s *Store) Entries(sessionID string) ([]orchestrator.ConversationEntry, error) {
	rows, err := s.db.Query(
		`SELECT role, content, tool_calls, results, created_at
		 FROM conversation_entries WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query entries for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var entries []orchestrator.ConversationEntry
	for rows.Next() {
		var role, content, createdAt string
		var toolCalls, results sql.NullString
		if err := rows.Scan(&role, &content, &toolCalls, &results, &createdAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}

		entry := orchestrator.ConversationEntry{
			Role:    orchestrator.EntryRole(role),
			Content: content,
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			entry.Timestamp = ts
		}
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &entry.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if results.Valid {
			var decoded []llmbridge.ToolResult
			if err := json.Unmarshal([]byte(results.String), &decoded); err != nil {
				return nil, fmt.Errorf("decode results: %w", err)
			}
			entry.Results = decoded
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Sessions returns the distinct session ids present in the store,
// most recent first.
func (s *Store) Sessions() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT session_id FROM conversation_entries GROUP BY session_id ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// nullable maps empty byte slices to NULL.
func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
