package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/hal-agent/internal/llm"
)

// SQLiteStore is a SQLite-backed Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- Messages keep insertion order via rowid; timestamps can tie.
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		is_error BOOLEAN NOT NULL DEFAULT FALSE,
		thinking TEXT,
		thinking_blocks TEXT,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		call_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Databases from before per-block thinking lack the column.
	if _, err := s.db.Exec(`ALTER TABLE messages ADD COLUMN thinking_blocks TEXT`); err != nil {
		if !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("migrate thinking_blocks: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// touchConversation creates the conversation if needed and bumps its
// updated_at.
func touchConversation(tx *sql.Tx, id string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, id, now, now)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// AddMessage adds a message to a conversation.
func (s *SQLiteStore) AddMessage(conversationID string, msg llm.Message) error {
	now := time.Now()
	msgID, _ := uuid.NewV7()

	var toolCalls sql.NullString
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(data), Valid: true}
	}
	var thinkingBlocks sql.NullString
	if len(msg.ThinkingBlocks) > 0 {
		data, err := json.Marshal(msg.ThinkingBlocks)
		if err != nil {
			return fmt.Errorf("marshal thinking blocks: %w", err)
		}
		thinkingBlocks = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := touchConversation(tx, conversationID, now); err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_call_id,
		                      is_error, thinking, thinking_blocks, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msgID.String(), conversationID, msg.Role, msg.Content, toolCalls,
		nullString(msg.ToolCallID), msg.IsError,
		nullString(msg.Thinking), thinkingBlocks, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit()
}

// GetMessages retrieves messages for a conversation in insertion order.
func (s *SQLiteStore) GetMessages(conversationID string) ([]llm.Message, error) {
	rows, err := s.db.Query(`
		SELECT role, content, tool_calls, tool_call_id, is_error, thinking, thinking_blocks
		FROM messages
		WHERE conversation_id = ?
		ORDER BY rowid ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []llm.Message{}
	for rows.Next() {
		var m llm.Message
		var toolCalls, toolCallID, thinking, thinkingBlocks sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &toolCallID, &m.IsError, &thinking, &thinkingBlocks); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if thinkingBlocks.Valid {
			if err := json.Unmarshal([]byte(thinkingBlocks.String), &m.ThinkingBlocks); err != nil {
				return nil, fmt.Errorf("decode thinking blocks: %w", err)
			}
		}
		m.ToolCallID = toolCallID.String
		m.Thinking = thinking.String
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// RecordToolCall records a completed tool call.
func (s *SQLiteStore) RecordToolCall(tc ToolCall) error {
	if tc.ID == "" {
		id, _ := uuid.NewV7()
		tc.ID = id.String()
	}
	if tc.StartedAt.IsZero() {
		tc.StartedAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := touchConversation(tx, tc.ConversationID, time.Now()); err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO tool_calls (id, conversation_id, call_id, tool_name, arguments,
		                        result, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tc.ID, tc.ConversationID, tc.CallID, tc.ToolName, tc.Arguments,
		nullString(tc.Result), nullString(tc.Error), tc.StartedAt, tc.DurationMs)
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}

	return tx.Commit()
}

// GetToolCalls retrieves a conversation's tool calls, oldest first.
func (s *SQLiteStore) GetToolCalls(conversationID string) ([]ToolCall, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, call_id, tool_name, arguments,
		       result, error, started_at, duration_ms
		FROM tool_calls
		WHERE conversation_id = ?
		ORDER BY started_at ASC, rowid ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		var tc ToolCall
		var result, errMsg sql.NullString
		if err := rows.Scan(&tc.ID, &tc.ConversationID, &tc.CallID, &tc.ToolName,
			&tc.Arguments, &result, &errMsg, &tc.StartedAt, &tc.DurationMs); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		tc.Result = result.String
		tc.Error = errMsg.String
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// ListConversations returns conversation summaries, newest first.
func (s *SQLiteStore) ListConversations() ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		ORDER BY c.updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
