package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/A2gent/botdesk/internal/agent"
	"github.com/A2gent/botdesk/internal/conversation"
	"github.com/A2gent/botdesk/internal/storage"
)

// fakeResponder answers like the orchestrator does for ownership checks
type fakeResponder struct {
	mu    sync.Mutex
	convs *conversation.Manager
	err   error
	gate  chan struct{}
	calls []agent.Request
}

func (r *fakeResponder) Respond(ctx context.Context, req agent.Request) (*agent.Exchange, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()

	if r.gate != nil {
		<-r.gate
	}

	if r.err != nil {
		return nil, r.err
	}
	if _, err := r.convs.GetOwned(req.ConversationID, req.UserID); err != nil {
		return nil, err
	}
	return &agent.Exchange{
		UserMessage: &storage.Message{Content: req.Text},
		BotMessage:  &storage.Message{Content: "answered: " + req.Text},
	}, nil
}

func (r *fakeResponder) requests() []agent.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Request(nil), r.calls...)
}

type testEnv struct {
	store     *storage.SQLiteStore
	convs     *conversation.Manager
	responder *fakeResponder
	sched     *Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	convs := conversation.NewManager(store)
	responder := &fakeResponder{convs: convs}
	sched := NewScheduler(store, convs, responder, time.UTC)
	sched.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Stop(ctx)
	})

	return &testEnv{store: store, convs: convs, responder: responder, sched: sched}
}

func (e *testEnv) create(t *testing.T, expr, convID string) *storage.ScheduledTask {
	t.Helper()
	task, err := e.sched.Create(context.Background(), CreateParams{
		BotID:          "bot-1",
		UserID:         "alice",
		CronExpression: expr,
		Message:        "daily summary please",
		ConversationID: convID,
		Name:           "summary",
	})
	if err != nil {
		t.Fatalf("Create(%q): %v", expr, err)
	}
	return task
}

func TestCreateArmsValidTask(t *testing.T) {
	env := newTestEnv(t)
	before := time.Now()

	task := env.create(t, "0 9 * * *", "")
	if !env.sched.Armed(task.ID) {
		t.Errorf("task not armed after create")
	}

	stored, err := env.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !stored.Enabled || stored.Name != "summary" {
		t.Errorf("stored task = %+v", stored)
	}

	preview, err := env.sched.ValidateCron("0 9 * * *")
	if err != nil {
		t.Fatalf("ValidateCron: %v", err)
	}
	if !preview.Next.After(before) {
		t.Errorf("next = %v, want after %v", preview.Next, before)
	}
	if preview.Prev == nil || !preview.Prev.Before(preview.Next) {
		t.Errorf("prev = %v, want before next", preview.Prev)
	}

	next, ok := env.sched.NextRun(task.ID)
	if !ok || !next.Equal(preview.Next) {
		t.Errorf("NextRun = %v, %t; want %v", next, ok, preview.Next)
	}
}

func TestCreateRejectsInvalidCronBeforePersisting(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.sched.Create(context.Background(), CreateParams{
		BotID: "bot-1", UserID: "alice", CronExpression: "not-a-cron", Message: "hi",
	})
	if !errors.Is(err, ErrInvalidCron) {
		t.Fatalf("error = %v, want ErrInvalidCron", err)
	}

	tasks, err := env.store.ListTasks(false)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("task persisted despite invalid cron: %+v", tasks)
	}

	if _, err := env.sched.ValidateCron("not-a-cron"); !errors.Is(err, ErrInvalidCron) {
		t.Errorf("ValidateCron error = %v, want ErrInvalidCron", err)
	}
}

func TestCreateRejectsIncompleteTask(t *testing.T) {
	env := newTestEnv(t)

	tests := []CreateParams{
		{UserID: "alice", CronExpression: "@daily", Message: "hi"},
		{BotID: "bot-1", CronExpression: "@daily", Message: "hi"},
		{BotID: "bot-1", UserID: "alice", CronExpression: "@daily", Message: "  "},
	}
	for _, p := range tests {
		if _, err := env.sched.Create(context.Background(), p); !errors.Is(err, ErrInvalidTask) {
			t.Errorf("Create(%+v) error = %v, want ErrInvalidTask", p, err)
		}
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "@hourly", "")

	for i := 0; i < 2; i++ {
		if err := env.sched.Delete(context.Background(), task.ID); err != nil {
			t.Fatalf("Delete #%d: %v", i+1, err)
		}
	}
	if env.sched.Armed(task.ID) {
		t.Errorf("deleted task still armed")
	}
	if _, err := env.sched.Get(task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Get after delete error = %v, want ErrTaskNotFound", err)
	}
}

func TestToggleDisableKeepsRecord(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "@hourly", "")

	if err := env.sched.Toggle(context.Background(), task.ID, false); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if env.sched.Armed(task.ID) {
		t.Errorf("disabled task still armed")
	}
	stored, err := env.sched.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Enabled {
		t.Errorf("stored task still enabled")
	}

	if err := env.sched.Toggle(context.Background(), "missing", true); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Toggle(missing) error = %v, want ErrTaskNotFound", err)
	}
}

func TestToggleRearmsFromNow(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "@every 1h", "")

	first, ok := env.sched.NextRun(task.ID)
	if !ok {
		t.Fatal("task not armed")
	}

	time.Sleep(1100 * time.Millisecond)

	if err := env.sched.Toggle(context.Background(), task.ID, false); err != nil {
		t.Fatalf("Toggle off: %v", err)
	}
	toggledAt := time.Now()
	if err := env.sched.Toggle(context.Background(), task.ID, true); err != nil {
		t.Fatalf("Toggle on: %v", err)
	}

	second, ok := env.sched.NextRun(task.ID)
	if !ok {
		t.Fatal("task not re-armed")
	}
	if !second.After(first) {
		t.Errorf("next run after re-enable = %v, want later than original %v", second, first)
	}
	if second.Before(toggledAt.Truncate(time.Second).Add(time.Hour)) {
		t.Errorf("next run %v not computed from re-enable time %v", second, toggledAt)
	}
}

func TestInitArmsEnabledValidTasks(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()

	seed := []*storage.ScheduledTask{
		{ID: "valid", CronExpression: "0 9 * * *", Enabled: true},
		{ID: "disabled", CronExpression: "0 9 * * *", Enabled: false},
		{ID: "broken", CronExpression: "every morning", Enabled: true},
	}
	for _, task := range seed {
		task.BotID, task.UserID, task.Message = "bot-1", "alice", "hello"
		task.CreatedAt, task.UpdatedAt = now, now
		if err := env.store.SaveTask(task); err != nil {
			t.Fatalf("SaveTask: %v", err)
		}
	}

	restarted := NewScheduler(env.store, env.convs, env.responder, time.UTC)
	if n := restarted.Init(context.Background()); n != 1 {
		t.Errorf("Init armed %d tasks, want 1", n)
	}
	for id, want := range map[string]bool{"valid": true, "disabled": false, "broken": false} {
		if got := restarted.Armed(id); got != want {
			t.Errorf("Armed(%s) = %t, want %t", id, got, want)
		}
	}

	if n := restarted.Init(context.Background()); n != 1 {
		t.Errorf("second Init armed %d tasks, want 1", n)
	}

	if err := restarted.Toggle(context.Background(), "disabled", true); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if !restarted.Armed("disabled") {
		t.Errorf("enabling a task unknown to the runtime table did not arm it")
	}
}

func TestFireCreatesConversationWhenUnbound(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "@daily", "")

	exec, err := env.sched.Fire(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if exec.Status != storage.ExecutionCompleted || exec.Output != "answered: daily summary please" {
		t.Errorf("execution = %+v", exec)
	}

	stored, _ := env.sched.Get(task.ID)
	if stored.ConversationID == "" || stored.ConversationID != exec.ConversationID {
		t.Errorf("task conversation = %q, execution conversation = %q", stored.ConversationID, exec.ConversationID)
	}
	if stored.LastRunAt == nil {
		t.Errorf("LastRunAt not recorded")
	}
	if _, err := env.convs.GetOwned(stored.ConversationID, "alice"); err != nil {
		t.Errorf("bound conversation not usable: %v", err)
	}
}

func TestFireRetriesOnceWhenConversationIsGone(t *testing.T) {
	env := newTestEnv(t)

	conv, err := env.convs.Create("bot-1", "alice", "morning")
	if err != nil {
		t.Fatalf("Create conversation: %v", err)
	}
	task := env.create(t, "@daily", conv.ID)
	if err := env.convs.Delete(conv.ID); err != nil {
		t.Fatalf("Delete conversation: %v", err)
	}

	exec, err := env.sched.Fire(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}

	calls := env.responder.requests()
	if len(calls) != 2 {
		t.Fatalf("responder called %d times, want 2", len(calls))
	}
	if calls[0].ConversationID != conv.ID || calls[1].ConversationID == conv.ID {
		t.Errorf("calls = %+v", calls)
	}

	stored, _ := env.sched.Get(task.ID)
	if stored.ConversationID != calls[1].ConversationID || exec.ConversationID != calls[1].ConversationID {
		t.Errorf("task not rebound: task=%q exec=%q want %q", stored.ConversationID, exec.ConversationID, calls[1].ConversationID)
	}

	execs, err := env.sched.Executions(task.ID, 10)
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != storage.ExecutionCompleted {
		t.Errorf("executions = %+v, want one completed", execs)
	}

	tasks, _ := env.sched.List("alice")
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}
}

func TestFireRecordsFailure(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "@daily", "")
	env.responder.err = errors.New("provider exploded")

	exec, err := env.sched.Fire(context.Background(), task.ID)
	if err == nil {
		t.Fatal("expected Fire to report the failure")
	}
	if exec == nil || exec.Status != storage.ExecutionFailed || exec.Error != "provider exploded" {
		t.Errorf("execution = %+v", exec)
	}

	execs, _ := env.sched.Executions(task.ID, 10)
	if len(execs) != 1 || execs[0].Status != storage.ExecutionFailed || execs[0].FinishedAt == nil {
		t.Errorf("executions = %+v", execs)
	}
	if len(env.responder.requests()) != 1 {
		t.Errorf("non not-found failures must not be retried")
	}
}

func TestFireUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.sched.Fire(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("error = %v, want ErrTaskNotFound", err)
	}
}

func TestListFiltersByUser(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "@daily", "")
	if _, err := env.sched.Create(context.Background(), CreateParams{BotID: "bot-1", UserID: "bob", CronExpression: "@daily", Message: "hi"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mine, err := env.sched.List("alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(mine) != 1 || mine[0].UserID != "alice" {
		t.Errorf("List(alice) = %+v", mine)
	}
	all, _ := env.sched.List("")
	if len(all) != 2 {
		t.Errorf("List(\"\") = %d tasks, want 2", len(all))
	}
}

func TestSlowFiringSkipsOverlappingTick(t *testing.T) {
	env := newTestEnv(t)
	env.responder.gate = make(chan struct{})
	task := env.create(t, "0 9 * * *", "")

	env.sched.mu.Lock()
	job := env.sched.cron.Entry(env.sched.entries[task.ID].cronID).WrappedJob
	env.sched.mu.Unlock()

	done := make(chan struct{})
	go func() {
		job.Run()
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(env.responder.requests()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first firing never reached the responder")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Still running: the second tick returns without firing.
	job.Run()
	close(env.responder.gate)
	<-done

	if n := len(env.responder.requests()); n != 1 {
		t.Errorf("responder called %d times, want 1", n)
	}
	execs, err := env.sched.Executions(task.ID, 10)
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if len(execs) != 1 {
		t.Errorf("executions = %d, want 1", len(execs))
	}
}
