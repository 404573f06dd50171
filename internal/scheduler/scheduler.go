package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/A2gent/botdesk/internal/agent"
	"github.com/A2gent/botdesk/internal/conversation"
	"github.com/A2gent/botdesk/internal/logging"
	"github.com/A2gent/botdesk/internal/storage"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const (
	fireTimeout     = 30 * time.Minute
	maxOutputLength = 10000
)

var (
	// ErrTaskNotFound is returned for unknown task IDs
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTask is returned when a task definition is incomplete
	ErrInvalidTask = errors.New("invalid task")
)

// Responder produces the bot answer for a fired task
type Responder interface {
	Respond(ctx context.Context, req agent.Request) (*agent.Exchange, error)
}

// CreateParams describes a new scheduled task
type CreateParams struct {
	BotID          string
	UserID         string
	CronExpression string
	Message        string
	ConversationID string
	Name           string
	Description    string
}

// CronPreview lists the fire times around now for an expression
type CronPreview struct {
	Next time.Time  `json:"next"`
	Prev *time.Time `json:"prev,omitempty"`
}

// entry is the runtime state of one task
type entry struct {
	task    *storage.ScheduledTask
	cronID  cron.EntryID
	armed   bool
	armedAt time.Time
}

// Scheduler fires scheduled tasks on their cron expressions. The persisted
// tasks are the ground truth; the runtime table is rebuilt by Init.
type Scheduler struct {
	store         storage.Store
	conversations *conversation.Manager
	responder     Responder
	loc           *time.Location

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewScheduler creates a new scheduler instance. loc may be nil for UTC.
func NewScheduler(store storage.Store, conversations *conversation.Manager, responder Responder, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		store:         store,
		conversations: conversations,
		responder:     responder,
		loc:           loc,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(logging.CronLogger()),
			cron.WithChain(
				cron.Recover(logging.CronLogger()),
				cron.SkipIfStillRunning(logging.CronLogger()),
			),
		),
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Start starts firing armed tasks
func (s *Scheduler) Start() {
	s.cron.Start()
	logging.Info("Scheduler started with %d armed task(s)", s.armedCount())
}

// Stop stops the timers and waits for running firings until ctx expires
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
		logging.Info("Scheduler stopped")
	case <-ctx.Done():
		logging.Warn("Scheduler stopped with firings still running")
	}
}

// Init loads the enabled tasks from storage and arms every one with a valid
// cron expression. Failures are logged; it returns the number armed.
func (s *Scheduler) Init(ctx context.Context) int {
	tasks, err := s.store.ListTasks(true)
	if err != nil {
		logging.Warn("Failed to load scheduled tasks: %v", err)
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		s.disarmLocked(e)
	}
	s.entries = make(map[string]*entry, len(tasks))

	armed := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			logging.Warn("Scheduler init interrupted: %v", ctx.Err())
			break
		}
		e := &entry{task: task}
		if err := s.armLocked(e); err != nil {
			logging.Warn("Skipping task %s: %v", task.ID, err)
			continue
		}
		s.entries[task.ID] = e
		armed++
	}

	logging.Info("Armed %d of %d enabled task(s)", armed, len(tasks))
	return armed
}

// Create validates and persists a new task, then arms it
func (s *Scheduler) Create(ctx context.Context, p CreateParams) (*storage.ScheduledTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := parse(p.CronExpression); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.BotID) == "" || strings.TrimSpace(p.UserID) == "" {
		return nil, fmt.Errorf("%w: bot and user are required", ErrInvalidTask)
	}
	if strings.TrimSpace(p.Message) == "" {
		return nil, fmt.Errorf("%w: message is empty", ErrInvalidTask)
	}

	now := s.now()
	task := &storage.ScheduledTask{
		ID:             uuid.New().String(),
		BotID:          p.BotID,
		UserID:         p.UserID,
		ConversationID: p.ConversationID,
		Name:           strings.TrimSpace(p.Name),
		Description:    strings.TrimSpace(p.Description),
		CronExpression: strings.TrimSpace(p.CronExpression),
		Message:        p.Message,
		Enabled:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SaveTask(task); err != nil {
		return nil, err
	}
	e := &entry{task: copyTask(task)}
	if err := s.armLocked(e); err != nil {
		return nil, err
	}
	s.entries[task.ID] = e

	logging.Info("Created task %s (%s) for bot %s", task.ID, task.CronExpression, task.BotID)
	return task, nil
}

// Delete disarms and removes a task. Deleting an unknown task is not an error.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		s.disarmLocked(e)
		delete(s.entries, id)
	}
	if err := s.store.DeleteTask(id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	logging.Info("Deleted task %s", id)
	return nil
}

// Toggle enables or disables a task. Enabling re-arms it from now.
func (s *Scheduler) Toggle(ctx context.Context, id string, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SetTaskEnabled(id, enabled); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return err
	}

	e, ok := s.entries[id]
	if !enabled {
		if ok {
			s.disarmLocked(e)
			e.task.Enabled = false
		}
		logging.Info("Disabled task %s", id)
		return nil
	}

	if !ok {
		task, err := s.store.GetTask(id)
		if err != nil {
			return err
		}
		e = &entry{task: task}
		s.entries[id] = e
	}
	e.task.Enabled = true
	s.disarmLocked(e)
	if err := s.armLocked(e); err != nil {
		logging.Warn("Task %s enabled but not armed: %v", id, err)
		return nil
	}
	logging.Info("Enabled task %s", id)
	return nil
}

// Get returns the persisted task
func (s *Scheduler) Get(id string) (*storage.ScheduledTask, error) {
	task, err := s.store.GetTask(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, err
}

// List returns the tasks of userID, or every task when userID is empty
func (s *Scheduler) List(userID string) ([]*storage.ScheduledTask, error) {
	tasks, err := s.store.ListTasks(false)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return tasks, nil
	}

	owned := make([]*storage.ScheduledTask, 0, len(tasks))
	for _, task := range tasks {
		if task.UserID == userID {
			owned = append(owned, task)
		}
	}
	return owned, nil
}

// Executions lists the most recent firings of a task
func (s *Scheduler) Executions(id string, limit int) ([]*storage.TaskExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListExecutions(id, limit)
}

// ValidateCron parses expr and previews its fire times around now
func (s *Scheduler) ValidateCron(expr string) (CronPreview, error) {
	iv, err := parse(expr)
	if err != nil {
		return CronPreview{}, err
	}

	now := s.now().In(s.loc)
	preview := CronPreview{Next: iv.Next(now)}
	if prev := iv.Prev(now); !prev.IsZero() {
		preview.Prev = &prev
	}
	return preview, nil
}

// Armed reports whether a timer is armed for the task
func (s *Scheduler) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && e.armed
}

// NextRun returns when an armed task fires next
func (s *Scheduler) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || !e.armed {
		s.mu.Unlock()
		return time.Time{}, false
	}
	cronID, expr, armedAt := e.cronID, e.task.CronExpression, e.armedAt
	s.mu.Unlock()

	if next := s.cron.Entry(cronID).Next; !next.IsZero() {
		return next, true
	}
	// Not started yet: the first run is computed from the arm time.
	iv, err := parse(expr)
	if err != nil {
		return time.Time{}, false
	}
	return iv.Next(armedAt.In(s.loc)), true
}

// Fire runs a task once and records the execution. A firing whose bound
// conversation is gone is retried once in a fresh conversation.
func (s *Scheduler) Fire(ctx context.Context, id string) (*storage.TaskExecution, error) {
	task, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	firedAt := s.now()
	exec := &storage.TaskExecution{
		ID:             uuid.New().String(),
		TaskID:         task.ID,
		ConversationID: task.ConversationID,
		Status:         storage.ExecutionRunning,
		StartedAt:      firedAt,
	}
	if err := s.store.SaveExecution(exec); err != nil {
		logging.Error("Failed to create execution record for task %s: %v", task.ID, err)
		return nil, err
	}

	logging.Info("Firing task %s", task.ID)
	output, convID, runErr := s.run(ctx, task, firedAt)

	finishedAt := s.now()
	exec.FinishedAt = &finishedAt
	exec.ConversationID = convID
	if runErr != nil {
		logging.Error("Task %s failed: %v", task.ID, runErr)
		exec.Status = storage.ExecutionFailed
		exec.Error = runErr.Error()
	} else {
		exec.Status = storage.ExecutionCompleted
		if len(output) > maxOutputLength {
			exec.Output = output[:maxOutputLength] + "... (truncated)"
		} else {
			exec.Output = output
		}
	}

	if err := s.store.SaveExecution(exec); err != nil {
		logging.Error("Failed to update execution record for task %s: %v", task.ID, err)
	}
	if err := s.store.MarkTaskRun(task.ID, firedAt); err != nil {
		logging.Warn("Failed to record last run of task %s: %v", task.ID, err)
	}

	return exec, runErr
}

// run answers the task message, returning the answer and the conversation used
func (s *Scheduler) run(ctx context.Context, task *storage.ScheduledTask, firedAt time.Time) (string, string, error) {
	convID := task.ConversationID
	if convID == "" {
		conv, err := s.rebind(task, firedAt)
		if err != nil {
			return "", "", err
		}
		convID = conv.ID
	}

	req := agent.Request{ConversationID: convID, UserID: task.UserID, Text: task.Message}
	exchange, err := s.responder.Respond(ctx, req)
	if errors.Is(err, conversation.ErrNotFound) {
		logging.Warn("Conversation %s of task %s is gone, retrying in a new one", convID, task.ID)
		conv, rebindErr := s.rebind(task, firedAt)
		if rebindErr != nil {
			return "", convID, rebindErr
		}
		convID = conv.ID
		req.ConversationID = convID
		exchange, err = s.responder.Respond(ctx, req)
	}
	if err != nil {
		return "", convID, err
	}
	return exchange.BotMessage.Content, convID, nil
}

// rebind creates a conversation titled by the firing time and binds the task to it
func (s *Scheduler) rebind(task *storage.ScheduledTask, firedAt time.Time) (*storage.Conversation, error) {
	title := firedAt.In(s.loc).Format("2006-01-02 15:04:05")
	conv, err := s.conversations.Create(task.BotID, task.UserID, title)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SetTaskConversation(task.ID, conv.ID); err != nil {
		return nil, fmt.Errorf("failed to bind conversation: %w", err)
	}
	if e, ok := s.entries[task.ID]; ok {
		e.task.ConversationID = conv.ID
	}
	task.ConversationID = conv.ID
	return conv, nil
}

// tick is the timer callback
func (s *Scheduler) tick(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	if _, err := s.Fire(ctx, id); err != nil {
		logging.Warn("Scheduled firing of task %s failed: %v", id, err)
	}
}

func (s *Scheduler) armLocked(e *entry) error {
	iv, err := parse(e.task.CronExpression)
	if err != nil {
		return err
	}
	id := e.task.ID
	e.cronID = s.cron.Schedule(iv.schedule, cron.FuncJob(func() { s.tick(id) }))
	e.armed = true
	e.armedAt = s.now()
	return nil
}

func (s *Scheduler) disarmLocked(e *entry) {
	if !e.armed {
		return
	}
	s.cron.Remove(e.cronID)
	e.armed = false
	e.cronID = 0
}

func (s *Scheduler) armedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.armed {
			n++
		}
	}
	return n
}

func copyTask(task *storage.ScheduledTask) *storage.ScheduledTask {
	cp := *task
	return &cp
}
