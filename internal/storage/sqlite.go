package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dataPath string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataPath, "botdesk.db")

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Scheduler firings and requests write concurrently; one connection
	// serializes them instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			scene TEXT NOT NULL DEFAULT '',
			config TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			title TEXT DEFAULT '',
			extra_context TEXT DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT,
			tool_call_id TEXT,
			tool_calls TEXT,
			metadata TEXT,
			timestamp TIMESTAMP NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			conversation_id TEXT,
			name TEXT DEFAULT '',
			description TEXT DEFAULT '',
			cron_expression TEXT NOT NULL,
			message TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_executions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			conversation_id TEXT,
			status TEXT NOT NULL,
			output TEXT,
			error TEXT,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			FOREIGN KEY (task_id) REFERENCES scheduled_tasks(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_executions_task_id ON task_executions(task_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			bot_id TEXT NOT NULL,
			conversation_id TEXT,
			summary TEXT NOT NULL,
			insight TEXT DEFAULT '',
			user_text TEXT,
			bot_text TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(user_id, bot_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// SaveBot upserts a bot
func (s *SQLiteStore) SaveBot(bot *Bot) error {
	config, err := json.Marshal(bot.Config)
	if err != nil {
		return fmt.Errorf("failed to encode bot config: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO bots (id, user_id, name, type, scene, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			scene = excluded.scene,
			config = excluded.config,
			updated_at = excluded.updated_at
	`, bot.ID, bot.UserID, bot.Name, bot.Type, bot.Scene, string(config), bot.CreatedAt.UTC(), bot.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save bot: %w", err)
	}
	return nil
}

// GetBot retrieves a bot by ID
func (s *SQLiteStore) GetBot(id string) (*Bot, error) {
	var bot Bot
	var config sql.NullString

	err := s.db.QueryRow(`
		SELECT id, user_id, name, type, scene, config, created_at, updated_at
		FROM bots WHERE id = ?
	`, id).Scan(&bot.ID, &bot.UserID, &bot.Name, &bot.Type, &bot.Scene, &config, &bot.CreatedAt, &bot.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if config.Valid && config.String != "" {
		if err := json.Unmarshal([]byte(config.String), &bot.Config); err != nil {
			return nil, fmt.Errorf("failed to decode bot config: %w", err)
		}
	}
	return &bot, nil
}

// SaveConversation upserts a conversation
func (s *SQLiteStore) SaveConversation(conv *Conversation) error {
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, bot_id, user_id, title, extra_context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			extra_context = excluded.extra_context,
			updated_at = excluded.updated_at
	`, conv.ID, conv.BotID, conv.UserID, conv.Title, conv.ExtraContext, conv.CreatedAt.UTC(), conv.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(id string) (*Conversation, error) {
	var conv Conversation
	var title, extra sql.NullString

	err := s.db.QueryRow(`
		SELECT id, bot_id, user_id, title, extra_context, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.BotID, &conv.UserID, &title, &extra, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	conv.Title = title.String
	conv.ExtraContext = extra.String
	return &conv, nil
}

// DeleteConversation deletes a conversation and its messages
func (s *SQLiteStore) DeleteConversation(id string) error {
	_, err := s.db.Exec("DELETE FROM conversations WHERE id = ?", id)
	return err
}

// TouchConversation bumps updated_at
func (s *SQLiteStore) TouchConversation(id string, at time.Time) error {
	res, err := s.db.Exec("UPDATE conversations SET updated_at = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendMessage stores a single message
func (s *SQLiteStore) AppendMessage(msg *Message) error {
	return insertMessage(s.db, msg)
}

// AppendExchange stores a user message and the bot reply in one transaction
// and bumps the conversation's updated_at with them.
func (s *SQLiteStore) AppendExchange(userMsg, botMsg *Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertMessage(tx, userMsg); err != nil {
		return err
	}
	if err := insertMessage(tx, botMsg); err != nil {
		return err
	}

	res, err := tx.Exec("UPDATE conversations SET updated_at = ? WHERE id = ?", botMsg.Timestamp.UTC(), botMsg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", botMsg.ConversationID, ErrNotFound)
	}

	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func insertMessage(db execer, msg *Message) error {
	var metadata, toolCalls interface{}
	if len(msg.Metadata) > 0 {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode message metadata: %w", err)
		}
		metadata = string(data)
	}
	if len(msg.ToolCalls) > 0 {
		toolCalls = string(msg.ToolCalls)
	}

	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender, content, tool_call_id, tool_calls, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Sender, msg.Content, msg.ToolCallID, toolCalls, metadata, msg.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// ListRecentMessages returns up to limit most recent non-system messages,
// oldest first.
func (s *SQLiteStore) ListRecentMessages(conversationID string, limit int) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender, content, tool_call_id, tool_calls, metadata, timestamp
		FROM messages
		WHERE conversation_id = ? AND sender != ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`, conversationID, SenderSystem, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ListMessages returns the whole transcript, oldest first
func (s *SQLiteStore) ListMessages(conversationID string) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender, content, tool_call_id, tool_calls, metadata, timestamp
		FROM messages WHERE conversation_id = ? ORDER BY timestamp, rowid
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		var msg Message
		var content, toolCallID, toolCalls, metadata sql.NullString

		err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &content, &toolCallID, &toolCalls, &metadata, &msg.Timestamp)
		if err != nil {
			return nil, err
		}

		msg.Content = content.String
		msg.ToolCallID = toolCallID.String
		if toolCalls.Valid && toolCalls.String != "" {
			msg.ToolCalls = json.RawMessage(toolCalls.String)
		}
		if metadata.Valid && metadata.String != "" {
			json.Unmarshal([]byte(metadata.String), &msg.Metadata)
		}

		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
