package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/A2gent/botdesk/internal/agent"
	"github.com/A2gent/botdesk/internal/config"
	"github.com/A2gent/botdesk/internal/conversation"
	"github.com/A2gent/botdesk/internal/llm"
	"github.com/A2gent/botdesk/internal/scheduler"
	"github.com/A2gent/botdesk/internal/storage"
	"github.com/A2gent/botdesk/internal/tools"
)

// echoClient answers every message with a fixed prefix
type echoClient struct{}

func (echoClient) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1].Content
	return &llm.ChatResponse{Reply: llm.TextReply{Content: "you said: " + last}, Model: "echo", Usage: llm.TokenUsage{TotalTokens: 3}}, nil
}

func (echoClient) ChatStream(ctx context.Context, req *llm.ChatRequest, onDelta func(string) error) (*llm.StreamResult, error) {
	for _, chunk := range []string{"you ", "said ", "it"} {
		if err := onDelta(chunk); err != nil {
			return nil, err
		}
	}
	return &llm.StreamResult{Content: "you said it", Model: "echo"}, nil
}

type staticModels []string

func (m staticModels) ListModels(ctx context.Context) []string { return m }

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := storage.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	convs := conversation.NewManager(store)
	orch := agent.New(agent.Config{Model: cfg.DefaultModel}, echoClient{}, tools.NewRegistry(nil), store, convs, nil)
	t.Cleanup(orch.Wait)
	sched := scheduler.NewScheduler(store, convs, orch, time.UTC)

	return NewServer(cfg, store, convs, orch, sched, staticModels{"echo", "echo-large"})
}

func doJSON(t *testing.T, s *Server, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to parse response %q: %v", rec.Body.String(), err)
	}
}

func createBotAndConversation(t *testing.T, s *Server, user string) (BotResponse, ConversationResponse) {
	t.Helper()

	rec := doJSON(t, s, http.MethodPost, "/bots", user, CreateBotRequest{Name: "Helper", Type: "assistant"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create bot: status %d: %s", rec.Code, rec.Body.String())
	}
	var bot BotResponse
	decode(t, rec, &bot)

	rec = doJSON(t, s, http.MethodPost, "/conversations", user, CreateConversationRequest{BotID: bot.ID, Title: "hello"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create conversation: status %d: %s", rec.Code, rec.Body.String())
	}
	var conv ConversationResponse
	decode(t, rec, &conv)
	return bot, conv
}

func TestHealthAndIdentity(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s", ct)
	}

	rec = doJSON(t, s, http.MethodGet, "/tasks", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous request status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, s, http.MethodGet, "/models", "alice", nil)
	var models []string
	decode(t, rec, &models)
	if len(models) != 2 || models[0] != "echo" {
		t.Errorf("models = %v", models)
	}
}

func TestSendMessage(t *testing.T) {
	s := newTestServer(t)
	_, conv := createBotAndConversation(t, s, "alice")
	path := "/conversations/" + conv.ID + "/messages"

	rec := doJSON(t, s, http.MethodPost, path, "alice", SendMessageRequest{Message: " ping "})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var ex ExchangeResponse
	decode(t, rec, &ex)
	if ex.UserMessage.Content != "ping" || ex.BotMessage.Content != "you said: ping" {
		t.Errorf("exchange = %+v", ex)
	}

	rec = doJSON(t, s, http.MethodGet, path, "alice", nil)
	var messages []MessageResponse
	decode(t, rec, &messages)
	if len(messages) != 2 || messages[0].Sender != storage.SenderUser || messages[1].Sender != storage.SenderBot {
		t.Errorf("messages = %+v", messages)
	}

	if rec := doJSON(t, s, http.MethodPost, path, "alice", SendMessageRequest{Message: "   "}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty message status = %d, want 400", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodPost, path, "mallory", SendMessageRequest{Message: "hi"}); rec.Code != http.StatusNotFound {
		t.Errorf("foreign conversation status = %d, want 404", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodGet, path, "mallory", nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign history status = %d, want 404", rec.Code)
	}
}

func TestStreamMessage(t *testing.T) {
	s := newTestServer(t)
	_, conv := createBotAndConversation(t, s, "alice")

	rec := doJSON(t, s, http.MethodPost, "/conversations/"+conv.ID+"/messages/stream", "alice", SendMessageRequest{Message: "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	body := rec.Body.String()
	var order []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			order = append(order, strings.TrimPrefix(line, "event: "))
		}
	}
	want := "start,delta,delta,delta,done"
	if strings.Join(order, ",") != want {
		t.Errorf("events = %v, want %s", order, want)
	}
	if !strings.Contains(body, `"content":"you said it"`) {
		t.Errorf("done event lacks the full answer: %s", body)
	}
}

func TestStreamMessageReportsErrors(t *testing.T) {
	s := newTestServer(t)
	_, conv := createBotAndConversation(t, s, "alice")

	rec := doJSON(t, s, http.MethodPost, "/conversations/"+conv.ID+"/messages/stream", "mallory", SendMessageRequest{Message: "hi"})
	body := rec.Body.String()
	if !strings.HasPrefix(body, "event: error\n") || strings.Contains(body, "event: start") {
		t.Errorf("body = %q, want a single error event", body)
	}
}

func TestTaskEndpoints(t *testing.T) {
	s := newTestServer(t)
	bot, conv := createBotAndConversation(t, s, "alice")

	rec := doJSON(t, s, http.MethodPost, "/tasks", "alice", CreateTaskRequest{BotID: bot.ID, CronExpression: "not-a-cron", Message: "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid cron status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/tasks", "alice", CreateTaskRequest{
		BotID: bot.ID, CronExpression: "0 9 * * *", Message: "good morning", ConversationID: conv.ID, Name: "greeting",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task status %d: %s", rec.Code, rec.Body.String())
	}
	var task TaskResponse
	decode(t, rec, &task)
	if !task.Enabled || !task.Armed || task.NextRunAt == nil {
		t.Errorf("task = %+v", task)
	}

	rec = doJSON(t, s, http.MethodGet, "/tasks", "alice", nil)
	var tasks []TaskResponse
	decode(t, rec, &tasks)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
	rec = doJSON(t, s, http.MethodGet, "/tasks", "bob", nil)
	decode(t, rec, &tasks)
	if len(tasks) != 0 {
		t.Errorf("bob sees %d tasks", len(tasks))
	}

	rec = doJSON(t, s, http.MethodPost, "/tasks/"+task.ID+"/toggle", "alice", ToggleTaskRequest{Enabled: false})
	var toggled TaskResponse
	decode(t, rec, &toggled)
	if toggled.Enabled || toggled.Armed {
		t.Errorf("toggled task = %+v", toggled)
	}

	rec = doJSON(t, s, http.MethodPost, "/tasks/"+task.ID+"/run", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run status %d: %s", rec.Code, rec.Body.String())
	}
	var exec ExecutionResponse
	decode(t, rec, &exec)
	if exec.Status != storage.ExecutionCompleted || exec.Output != "you said: good morning" || exec.ConversationID != conv.ID {
		t.Errorf("execution = %+v", exec)
	}

	rec = doJSON(t, s, http.MethodGet, "/tasks/"+task.ID+"/executions?limit=5", "alice", nil)
	var execs []ExecutionResponse
	decode(t, rec, &execs)
	if len(execs) != 1 {
		t.Errorf("executions = %+v", execs)
	}

	if rec := doJSON(t, s, http.MethodPost, "/tasks/"+task.ID+"/run", "bob", nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign run status = %d, want 404", rec.Code)
	}

	for i := 0; i < 2; i++ {
		if rec := doJSON(t, s, http.MethodDelete, "/tasks/"+task.ID, "alice", nil); rec.Code != http.StatusNoContent {
			t.Errorf("delete #%d status = %d, want 204", i+1, rec.Code)
		}
	}
}

func TestValidateCron(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/tasks/validate-cron", "alice", ValidateCronRequest{CronExpression: "*/5 * * * *"})
	var ok ValidateCronResponse
	decode(t, rec, &ok)
	if rec.Code != http.StatusOK || !ok.Valid || ok.Next == nil || ok.Prev == nil || !ok.Next.After(time.Now()) {
		t.Errorf("status %d, response %+v", rec.Code, ok)
	}

	rec = doJSON(t, s, http.MethodPost, "/tasks/validate-cron", "alice", ValidateCronRequest{CronExpression: "every day"})
	var bad ValidateCronResponse
	decode(t, rec, &bad)
	if rec.Code != http.StatusBadRequest || bad.Valid || bad.Error == "" {
		t.Errorf("status %d, response %+v", rec.Code, bad)
	}
}
