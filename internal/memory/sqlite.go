package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/agentcore/internal/llm"
)

// SQLiteStore is a SessionStore backed by SQLite. It also keeps an
// audit record of every tool invocation.
type SQLiteStore struct {
	db          *sql.DB
	maxMessages int
}

// OpenSQLite opens (or creates) the session database at path using
// the sqlite3 driver and runs migrations.
func OpenSQLite(path string, maxMessages int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store, err := NewSQLiteStore(db, maxMessages)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an already-open database and runs migrations.
// The caller's driver choice is not inspected.
func NewSQLiteStore(db *sql.DB, maxMessages int) (*SQLiteStore, error) {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	s := &SQLiteStore{db: db, maxMessages: maxMessages}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		key TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_key TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		created_at INTEGER NOT NULL,
		token_count INTEGER DEFAULT 0,
		FOREIGN KEY (session_key) REFERENCES sessions(key) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, seq);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		result TEXT,
		error TEXT,
		outcome TEXT,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_key, started_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// History implements SessionStore. At most maxMessages of the newest
// messages are returned; a leading orphaned tool message is dropped.
func (s *SQLiteStore) History(ctx context.Context, key string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_calls, tool_call_id FROM (
			SELECT seq, role, content, tool_calls, tool_call_id
			FROM messages
			WHERE session_key = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, key, s.maxMessages)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	msgs := []llm.Message{}
	for rows.Next() {
		var m llm.Message
		var toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &toolCallID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		m.ToolCallID = toolCallID.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == llm.RoleTool {
		start++
	}
	return msgs[start:], nil
}

// Append implements SessionStore. All messages are written in one
// transaction.
func (s *SQLiteStore) Append(ctx context.Context, key string, msgs ...llm.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (key, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET updated_at = excluded.updated_at
	`, key, now, now); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for _, m := range msgs {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		var toolCalls sql.NullString
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			toolCalls = sql.NullString{String: string(data), Valid: true}
		}
		var toolCallID sql.NullString
		if m.ToolCallID != "" {
			toolCallID = sql.NullString{String: m.ToolCallID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_key, role, content, tool_calls, tool_call_id, created_at, token_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id.String(), key, m.Role, m.Content, toolCalls, toolCallID, now, estimateTokens(m.Content)); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

// Clear implements SessionStore.
func (s *SQLiteStore) Clear(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return err
	}
	return tx.Commit()
}

// Session loads the session metadata and history, or nil if the key
// is unknown.
func (s *SQLiteStore) Session(ctx context.Context, key string) (*Session, error) {
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM sessions WHERE key = ?`, key,
	).Scan(&created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	msgs, err := s.History(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Session{
		Key:       key,
		Messages:  msgs,
		CreatedAt: time.Unix(0, created),
		UpdatedAt: time.Unix(0, updated),
	}, nil
}

// Stats returns store statistics.
func (s *SQLiteStore) Stats() map[string]any {
	var sessions, messages, tokens, calls int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&sessions)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&messages)
	_ = s.db.QueryRow(`SELECT COALESCE(SUM(token_count), 0) FROM messages`).Scan(&tokens)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM tool_calls`).Scan(&calls)
	return map[string]any{
		"sessions":     sessions,
		"messages":     messages,
		"total_tokens": tokens,
		"tool_calls":   calls,
		"max_per_sess": s.maxMessages,
		"storage":      "sqlite",
	}
}

// ToolRecord is the audit entry for one tool invocation.
type ToolRecord struct {
	ID         string
	RunID      string
	SessionKey string
	ToolName   string
	Arguments  map[string]any
	Success    bool
	Result     string
	Error      string
	// Outcome is the confirmation outcome: approved, denied,
	// timed_out, or empty when no confirmation was required.
	Outcome   string
	StartedAt time.Time
	Duration  time.Duration
}

// RecordToolCall stores an audit entry.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, rec ToolRecord) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("record id: %w", err)
		}
		rec.ID = id.String()
	}
	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, run_id, session_key, tool_name, arguments, success, result, error, outcome, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.RunID, rec.SessionKey, rec.ToolName, string(args), rec.Success,
		rec.Result, rec.Error, rec.Outcome, rec.StartedAt.UnixNano(), rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// ToolCalls returns the audit entries for a session, oldest first.
func (s *SQLiteStore) ToolCalls(ctx context.Context, key string) ([]ToolRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, tool_name, arguments, success, result, error, outcome, started_at, duration_ms
		FROM tool_calls WHERE session_key = ? ORDER BY started_at ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolRecord
	for rows.Next() {
		rec := ToolRecord{SessionKey: key}
		var args string
		var result, errText, outcome sql.NullString
		var started, durMS int64
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.ToolName, &args, &rec.Success,
			&result, &errText, &outcome, &started, &durMS); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		if err := json.Unmarshal([]byte(args), &rec.Arguments); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		rec.Result, rec.Error, rec.Outcome = result.String, errText.String, outcome.String
		rec.StartedAt = time.Unix(0, started)
		rec.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func estimateTokens(text string) int {
	return len(text) / 4
}
