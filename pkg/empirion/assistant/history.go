package assistant

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

const historySchema = `
CREATE TABLE IF NOT EXISTS conversation_history (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    TEXT NOT NULL,
    role       TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_user ON conversation_history(user_id, id);
`

// Message is one conversation turn.
type Message struct {
	Role    string
	Content string
}

// HistoryStore persists per-user conversation turns so chat requests carry
// context across reconnects.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistory opens (or creates) the conversation database at path.
// WAL mode keeps concurrent session reads cheap.
func OpenHistory(path string) (*HistoryStore, error) {
	if path == "" {
		path = "./data/empirion.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Append records one conversation turn for the user.
func (h *HistoryStore) Append(userID, role, content string) error {
	_, err := h.db.Exec(
		`INSERT INTO conversation_history (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		userID, role, content, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Recent returns up to limit turns for the user, oldest first.
func (h *HistoryStore) Recent(userID string, limit int) ([]Message, error) {
	rows, err := h.db.Query(
		`SELECT role, content FROM (
		     SELECT id, role, content FROM conversation_history
		     WHERE user_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Close closes the underlying database.
func (h *HistoryStore) Close() error {
	return h.db.Close()
}
