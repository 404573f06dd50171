package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SaveTask upserts a scheduled task
func (s *SQLiteStore) SaveTask(task *ScheduledTask) error {
	var lastRun interface{}
	if task.LastRunAt != nil {
		lastRun = task.LastRunAt.UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (id, bot_id, user_id, conversation_id, name, description, cron_expression, message, enabled, last_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			name = excluded.name,
			description = excluded.description,
			cron_expression = excluded.cron_expression,
			message = excluded.message,
			enabled = excluded.enabled,
			last_run_at = excluded.last_run_at,
			updated_at = excluded.updated_at
	`, task.ID, task.BotID, task.UserID, nullString(task.ConversationID), task.Name, task.Description,
		task.CronExpression, task.Message, task.Enabled, lastRun, task.CreatedAt.UTC(), task.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

const taskColumns = `id, bot_id, user_id, conversation_id, name, description, cron_expression, message, enabled, last_run_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var task ScheduledTask
	var convID, name, description sql.NullString
	var lastRun sql.NullTime

	err := row.Scan(&task.ID, &task.BotID, &task.UserID, &convID, &name, &description,
		&task.CronExpression, &task.Message, &task.Enabled, &lastRun, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}

	task.ConversationID = convID.String
	task.Name = name.String
	task.Description = description.String
	if lastRun.Valid {
		t := lastRun.Time
		task.LastRunAt = &t
	}
	return &task, nil
}

// GetTask retrieves a task by ID
func (s *SQLiteStore) GetTask(id string) (*ScheduledTask, error) {
	task, err := scanTask(s.db.QueryRow("SELECT "+taskColumns+" FROM scheduled_tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, err
}

// ListTasks lists tasks, optionally only the enabled ones
func (s *SQLiteStore) ListTasks(enabledOnly bool) ([]*ScheduledTask, error) {
	query := "SELECT " + taskColumns + " FROM scheduled_tasks"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTask deletes a task and its execution history
func (s *SQLiteStore) DeleteTask(id string) error {
	_, err := s.db.Exec("DELETE FROM scheduled_tasks WHERE id = ?", id)
	return err
}

// SetTaskEnabled persists the enabled flag
func (s *SQLiteStore) SetTaskEnabled(id string, enabled bool) error {
	res, err := s.db.Exec("UPDATE scheduled_tasks SET enabled = ?, updated_at = ? WHERE id = ?", enabled, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetTaskConversation rebinds a task to a conversation
func (s *SQLiteStore) SetTaskConversation(id, conversationID string) error {
	_, err := s.db.Exec("UPDATE scheduled_tasks SET conversation_id = ?, updated_at = ? WHERE id = ?",
		nullString(conversationID), time.Now().UTC(), id)
	return err
}

// MarkTaskRun records when a task last fired
func (s *SQLiteStore) MarkTaskRun(id string, at time.Time) error {
	_, err := s.db.Exec("UPDATE scheduled_tasks SET last_run_at = ? WHERE id = ?", at.UTC(), id)
	return err
}

// SaveExecution upserts an execution record
func (s *SQLiteStore) SaveExecution(exec *TaskExecution) error {
	var finished interface{}
	if exec.FinishedAt != nil {
		finished = exec.FinishedAt.UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO task_executions (id, task_id, conversation_id, status, output, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			finished_at = excluded.finished_at
	`, exec.ID, exec.TaskID, nullString(exec.ConversationID), exec.Status, exec.Output, exec.Error, exec.StartedAt.UTC(), finished)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// ListExecutions lists the most recent executions of a task
func (s *SQLiteStore) ListExecutions(taskID string, limit int) ([]*TaskExecution, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, conversation_id, status, output, error, started_at, finished_at
		FROM task_executions WHERE task_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*TaskExecution
	for rows.Next() {
		var exec TaskExecution
		var convID, output, errText sql.NullString
		var finished sql.NullTime

		if err := rows.Scan(&exec.ID, &exec.TaskID, &convID, &exec.Status, &output, &errText, &exec.StartedAt, &finished); err != nil {
			return nil, err
		}
		exec.ConversationID = convID.String
		exec.Output = output.String
		exec.Error = errText.String
		if finished.Valid {
			t := finished.Time
			exec.FinishedAt = &t
		}
		executions = append(executions, &exec)
	}
	return executions, rows.Err()
}

// SaveMemory stores an archived exchange
func (s *SQLiteStore) SaveMemory(mem *Memory) error {
	_, err := s.db.Exec(`
		INSERT INTO memories (id, user_id, bot_id, conversation_id, summary, insight, user_text, bot_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, mem.ID, mem.UserID, mem.BotID, nullString(mem.ConversationID), mem.Summary, mem.Insight, mem.UserText, mem.BotText, mem.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save memory: %w", err)
	}
	return nil
}

const memoryColumns = `id, user_id, bot_id, conversation_id, summary, insight, user_text, bot_text, created_at`

func scanMemories(rows *sql.Rows) ([]*Memory, error) {
	var memories []*Memory
	for rows.Next() {
		var mem Memory
		var convID, insight, userText, botText sql.NullString
		if err := rows.Scan(&mem.ID, &mem.UserID, &mem.BotID, &convID, &mem.Summary, &insight, &userText, &botText, &mem.CreatedAt); err != nil {
			return nil, err
		}
		mem.ConversationID = convID.String
		mem.Insight = insight.String
		mem.UserText = userText.String
		mem.BotText = botText.String
		memories = append(memories, &mem)
	}
	return memories, rows.Err()
}

// GetMemories returns the memories with the given IDs in the requested
// order. Unknown IDs are skipped.
func (s *SQLiteStore) GetMemories(ids []string) ([]*Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.Query("SELECT "+memoryColumns+" FROM memories WHERE id IN ("+strings.Join(placeholders, ",")+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Memory, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}
	ordered := make([]*Memory, 0, len(found))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			ordered = append(ordered, m)
			delete(byID, id)
		}
	}
	return ordered, nil
}

// SearchMemories finds a user's memories with a bot containing query
func (s *SQLiteStore) SearchMemories(userID, botID, query string, limit int) ([]*Memory, error) {
	like := "%" + strings.TrimSpace(query) + "%"
	rows, err := s.db.Query(`
		SELECT `+memoryColumns+` FROM memories
		WHERE user_id = ? AND bot_id = ? AND (summary LIKE ? OR insight LIKE ? OR user_text LIKE ? OR bot_text LIKE ?)
		ORDER BY created_at DESC LIMIT ?
	`, userID, botID, like, like, like, like, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
