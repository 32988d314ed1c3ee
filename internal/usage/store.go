// Package usage keeps a ledger of model token consumption. Every model
// call made by the agent loop appends one record; the ledger answers
// totals per model and per conversation over a time window.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is the token usage of a single model call.
type Record struct {
	ID             string
	Timestamp      time.Time
	ConversationID string
	Model          string
	Turn           int
	InputTokens    int
	OutputTokens   int
}

// Summary holds aggregated token totals.
type Summary struct {
	Calls        int
	InputTokens  int64
	OutputTokens int64
}

// Total is input plus output tokens.
func (s Summary) Total() int64 { return s.InputTokens + s.OutputTokens }

// Store is an append-only SQLite ledger. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens the ledger at dbPath, creating the schema on first use.
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

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS model_calls (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		model           TEXT NOT NULL,
		turn            INTEGER NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_model_calls_timestamp ON model_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_model_calls_conversation ON model_calls(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends rec. An empty ID gets a UUIDv7 and a zero Timestamp
// becomes now.
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
		`INSERT INTO model_calls
			(id, timestamp, conversation_id, model, turn, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		formatTime(rec.Timestamp),
		rec.ConversationID,
		rec.Model,
		rec.Turn,
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM model_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		formatTime(start), formatTime(end),
	)

	var sum Summary
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

// SummaryByConversation returns per-conversation totals for records
// within [start, end).
func (s *Store) SummaryByConversation(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("conversation_id", start, end)
}

// column is always one of the constants passed by the methods above.
func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM model_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.Query(query, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// timeLayout is fixed width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
