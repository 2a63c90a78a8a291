// Package usage keeps a persistent ledger of provider token usage and
// cost. One record is written per provider round, so a run that loops
// through several tool calls contributes several records.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/agentcore/internal/config"
)

// Record is the token usage of one provider round.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	RunID        string    `json:"run_id"`
	SessionKey   string    `json:"session"`
	Source       string    `json:"source"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Iteration    int       `json:"iteration"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Summary holds aggregated totals.
type Summary struct {
	Rounds       int     `json:"rounds"`
	Runs         int     `json:"runs"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Grouping selects the column SummaryBy aggregates over.
type Grouping string

const (
	ByModel    Grouping = "model"
	ByProvider Grouping = "provider"
	BySource   Grouping = "source"
	BySession  Grouping = "session_key"
)

// tsLayout is fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is an append-only SQLite ledger. It is safe for concurrent
// use.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS usage_rounds (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		run_id        TEXT NOT NULL,
		session_key   TEXT NOT NULL DEFAULT '',
		source        TEXT NOT NULL DEFAULT '',
		provider      TEXT NOT NULL,
		model         TEXT NOT NULL,
		iteration     INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_rounds_timestamp ON usage_rounds(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_rounds_run ON usage_rounds(run_id);
	`)
	return err
}

// Record appends rec. An empty ID is replaced with a UUIDv7 and a zero
// Timestamp with the current time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_rounds
			(id, timestamp, run_id, session_key, source, provider, model,
			 iteration, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(tsLayout),
		rec.RunID,
		rec.SessionKey,
		rec.Source,
		rec.Provider,
		rec.Model,
		rec.Iteration,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*), COUNT(DISTINCT run_id), COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)`

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM usage_rounds WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)

	var sum Summary
	if err := row.Scan(&sum.Rounds, &sum.Runs, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
		return Summary{}, fmt.Errorf("query usage summary: %w", err)
	}
	return sum, nil
}

// SummaryBy returns totals within [start, end) grouped by g.
func (s *Store) SummaryBy(ctx context.Context, g Grouping, start, end time.Time) (map[string]Summary, error) {
	switch g {
	case ByModel, ByProvider, BySource, BySession:
	default:
		return nil, fmt.Errorf("unknown usage grouping %q", g)
	}
	// g is one of the constants above, never caller text.
	query := fmt.Sprintf(
		`SELECT %s, `+summaryColumns+`
		 FROM usage_rounds
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		g, g,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", g, err)
	}
	defer rows.Close()

	result := make(map[string]Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Rounds, &sum.Runs, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", g, err)
		}
		result[key] = sum
	}
	return result, rows.Err()
}

// RunRecords returns the rounds of one run in order.
func (s *Store) RunRecords(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, run_id, session_key, source, provider, model,
			iteration, input_tokens, output_tokens, cost_usd
		 FROM usage_rounds WHERE run_id = ? ORDER BY iteration`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run usage: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.RunID, &rec.SessionKey, &rec.Source,
			&rec.Provider, &rec.Model, &rec.Iteration, &rec.InputTokens, &rec.OutputTokens, &rec.CostUSD); err != nil {
			return nil, fmt.Errorf("scan run usage: %w", err)
		}
		rec.Timestamp, _ = time.Parse(tsLayout, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ComputeCost prices a round from the pricing table. Models not in the
// table (local models) cost nothing.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
