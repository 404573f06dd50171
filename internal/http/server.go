package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/A2gent/botdesk/internal/agent"
	"github.com/A2gent/botdesk/internal/config"
	"github.com/A2gent/botdesk/internal/conversation"
	"github.com/A2gent/botdesk/internal/logging"
	"github.com/A2gent/botdesk/internal/scheduler"
	"github.com/A2gent/botdesk/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

// UserHeader carries the caller's user ID
const UserHeader = "X-User-ID"

// ModelLister lists the models the provider offers
type ModelLister interface {
	ListModels(ctx context.Context) []string
}

// Server represents the HTTP API server
type Server struct {
	config        *config.Config
	store         storage.Store
	conversations *conversation.Manager
	orchestrator  *agent.Orchestrator
	scheduler     *scheduler.Scheduler
	models        ModelLister
	router        chi.Router
	port          int
}

// NewServer creates a new HTTP server instance. models may be nil.
func NewServer(
	cfg *config.Config,
	store storage.Store,
	conversations *conversation.Manager,
	orchestrator *agent.Orchestrator,
	sched *scheduler.Scheduler,
	models ModelLister,
) *Server {
	s := &Server{
		config:        cfg,
		store:         store,
		conversations: conversations,
		orchestrator:  orchestrator,
		scheduler:     sched,
		models:        models,
		port:          cfg.Port,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	// CORS configuration - allow all origins for flexibility
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false, // Must be false when AllowedOrigins is "*"
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Get("/models", s.handleListModels)
		r.Post("/bots", s.handleCreateBot)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", s.handleCreateConversation)
			r.Delete("/{conversationID}", s.handleDeleteConversation)
			r.Get("/{conversationID}/messages", s.handleListMessages)
			r.Post("/{conversationID}/messages", s.handleSendMessage)
			r.Post("/{conversationID}/messages/stream", s.handleStreamMessage)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Post("/validate-cron", s.handleValidateCron)
			r.Delete("/{taskID}", s.handleDeleteTask)
			r.Post("/{taskID}/toggle", s.handleToggleTask)
			r.Post("/{taskID}/run", s.handleRunTaskNow)
			r.Get("/{taskID}/executions", s.handleListExecutions)
		})
	})

	s.router = r
}

// Handler returns the configured router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.port)
	logging.Info("Starting HTTP server on %s", addr)

	server := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		logging.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type userKey struct{}

// requireUser rejects requests without a caller identity
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": UserHeader + " header is required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func userFrom(r *http.Request) string {
	userID, _ := r.Context().Value(userKey{}).(string)
	return userID
}

// --- Request/Response types ---

// CreateBotRequest represents a request to register a bot
type CreateBotRequest struct {
	Name   string              `json:"name"`
	Type   string              `json:"type"`
	Scene  string              `json:"scene"`
	Config storage.AgentConfig `json:"config"`
}

// BotResponse represents a bot
type BotResponse struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Type      string              `json:"type"`
	Scene     string              `json:"scene"`
	Config    storage.AgentConfig `json:"config"`
	CreatedAt time.Time           `json:"created_at"`
}

// CreateConversationRequest represents a request to start a conversation
type CreateConversationRequest struct {
	BotID        string `json:"bot_id"`
	Title        string `json:"title,omitempty"`
	ExtraContext string `json:"extra_context,omitempty"`
}

// ConversationResponse represents a conversation
type ConversationResponse struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SendMessageRequest represents a chat message request
type SendMessageRequest struct {
	Message   string   `json:"message"`
	MemoryIDs []string `json:"memory_ids,omitempty"`
}

// MessageResponse represents a stored message
type MessageResponse struct {
	ID        string                 `json:"id"`
	Sender    string                 `json:"sender"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ExchangeResponse represents the result of one turn
type ExchangeResponse struct {
	UserMessage MessageResponse `json:"user_message"`
	BotMessage  MessageResponse `json:"bot_message"`
}

// CreateTaskRequest represents a request to schedule a message
type CreateTaskRequest struct {
	BotID          string `json:"bot_id"`
	CronExpression string `json:"cron_expression"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Name           string `json:"name,omitempty"`
	Description    string `json:"description,omitempty"`
}

// ToggleTaskRequest represents a request to enable or disable a task
type ToggleTaskRequest struct {
	Enabled bool `json:"enabled"`
}

// ValidateCronRequest represents a cron validation request
type ValidateCronRequest struct {
	CronExpression string `json:"cron_expression"`
}

// ValidateCronResponse represents the outcome of a cron validation
type ValidateCronResponse struct {
	Valid bool       `json:"valid"`
	Next  *time.Time `json:"next,omitempty"`
	Prev  *time.Time `json:"prev,omitempty"`
	Error string     `json:"error,omitempty"`
}

// TaskResponse represents a scheduled task
type TaskResponse struct {
	ID             string     `json:"id"`
	BotID          string     `json:"bot_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Name           string     `json:"name,omitempty"`
	Description    string     `json:"description,omitempty"`
	CronExpression string     `json:"cron_expression"`
	Message        string     `json:"message"`
	Enabled        bool       `json:"enabled"`
	Armed          bool       `json:"armed"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ExecutionResponse represents one firing of a task
type ExecutionResponse struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"task_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Status         string     `json:"status"`
	Output         string     `json:"output,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		s.jsonResponse(w, http.StatusOK, []string{s.config.DefaultModel})
		return
	}
	s.jsonResponse(w, http.StatusOK, s.models.ListModels(r.Context()))
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req CreateBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.errorResponse(w, http.StatusBadRequest, "Name is required")
		return
	}

	now := time.Now()
	bot := &storage.Bot{
		ID:        uuid.New().String(),
		UserID:    userFrom(r),
		Name:      strings.TrimSpace(req.Name),
		Type:      strings.TrimSpace(req.Type),
		Scene:     strings.TrimSpace(req.Scene),
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveBot(bot); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to save bot: "+err.Error())
		return
	}

	s.jsonResponse(w, http.StatusCreated, BotResponse{
		ID:        bot.ID,
		Name:      bot.Name,
		Type:      bot.Type,
		Scene:     bot.Scene,
		Config:    bot.Config,
		CreatedAt: bot.CreatedAt,
	})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if !s.botVisible(w, req.BotID, userFrom(r)) {
		return
	}

	conv, err := s.conversations.CreateWithContext(req.BotID, userFrom(r), req.Title, req.ExtraContext)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to create conversation: "+err.Error())
		return
	}

	s.jsonResponse(w, http.StatusCreated, ConversationResponse{
		ID:        conv.ID,
		BotID:     conv.BotID,
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	if err := s.conversations.Delete(conv.ID); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to delete conversation: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}

	messages, err := s.store.ListMessages(conv.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list messages: "+err.Error())
		return
	}

	resp := make([]MessageResponse, len(messages))
	for i, m := range messages {
		resp[i] = messageToResponse(m)
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	exchange, err := s.orchestrator.Respond(r.Context(), agent.Request{
		ConversationID: chi.URLParam(r, "conversationID"),
		UserID:         userFrom(r),
		Text:           req.Message,
		MemoryIDs:      req.MemoryIDs,
	})
	if err != nil {
		s.agentError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, ExchangeResponse{
		UserMessage: messageToResponse(exchange.UserMessage),
		BotMessage:  messageToResponse(exchange.BotMessage),
	})
}

func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	events := s.orchestrator.RespondStream(r.Context(), agent.Request{
		ConversationID: chi.URLParam(r, "conversationID"),
		UserID:         userFrom(r),
		Text:           req.Message,
		MemoryIDs:      req.MemoryIDs,
	})

	agent.Dispatch(events, agent.Hooks{
		OnStart: func(botMessageID string) {
			sse.send(agent.EventStart, map[string]string{"bot_message_id": botMessageID})
		},
		OnDelta: func(chunk string) {
			sse.send(agent.EventDelta, map[string]string{"content": chunk})
		},
		OnToolStart: func(name string) {
			sse.send(agent.EventToolStart, map[string]string{"name": name})
		},
		OnToolDone: func(name string) {
			sse.send(agent.EventToolDone, map[string]string{"name": name})
		},
		OnDone: func(exchange *agent.Exchange) {
			sse.send(agent.EventDone, ExchangeResponse{
				UserMessage: messageToResponse(exchange.UserMessage),
				BotMessage:  messageToResponse(exchange.BotMessage),
			})
		},
		OnError: func(err error) {
			sse.send(agent.EventError, map[string]string{"error": err.Error()})
		},
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.scheduler.List(userFrom(r))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list tasks: "+err.Error())
		return
	}

	resp := make([]TaskResponse, len(tasks))
	for i, task := range tasks {
		resp[i] = s.taskToResponse(task)
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	userID := userFrom(r)
	if !s.botVisible(w, req.BotID, userID) {
		return
	}
	if req.ConversationID != "" {
		if _, err := s.conversations.GetOwned(req.ConversationID, userID); err != nil {
			s.errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
	}

	task, err := s.scheduler.Create(r.Context(), scheduler.CreateParams{
		BotID:          req.BotID,
		UserID:         userID,
		CronExpression: req.CronExpression,
		Message:        req.Message,
		ConversationID: req.ConversationID,
		Name:           req.Name,
		Description:    req.Description,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidCron) || errors.Is(err, scheduler.ErrInvalidTask) {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "Failed to create task: "+err.Error())
		return
	}

	s.jsonResponse(w, http.StatusCreated, s.taskToResponse(task))
}

func (s *Server) handleValidateCron(w http.ResponseWriter, r *http.Request) {
	var req ValidateCronRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	preview, err := s.scheduler.ValidateCron(req.CronExpression)
	if err != nil {
		s.jsonResponse(w, http.StatusBadRequest, ValidateCronResponse{Valid: false, Error: err.Error()})
		return
	}
	s.jsonResponse(w, http.StatusOK, ValidateCronResponse{Valid: true, Next: &preview.Next, Prev: preview.Prev})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.scheduler.Get(taskID)
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		s.errorResponse(w, http.StatusInternalServerError, "Failed to load task: "+err.Error())
		return
	case task.UserID != userFrom(r):
		s.errorResponse(w, http.StatusNotFound, "Task not found: "+taskID)
		return
	}

	if err := s.scheduler.Delete(r.Context(), taskID); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to delete task: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}

	var req ToggleTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := s.scheduler.Toggle(r.Context(), task.ID, req.Enabled); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to toggle task: "+err.Error())
		return
	}

	updated, err := s.scheduler.Get(task.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to load task: "+err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, s.taskToResponse(updated))
}

func (s *Server) handleRunTaskNow(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}

	exec, err := s.scheduler.Fire(r.Context(), task.ID)
	if exec == nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to execute task: "+err.Error())
		return
	}
	if err != nil {
		logging.Warn("Manual run of task %s failed: %v", task.ID, err)
	}
	s.jsonResponse(w, http.StatusOK, executionToResponse(exec))
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	task, ok := s.ownedTask(w, r)
	if !ok {
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	execs, err := s.scheduler.Executions(task.ID, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list executions: "+err.Error())
		return
	}

	resp := make([]ExecutionResponse, len(execs))
	for i, exec := range execs {
		resp[i] = executionToResponse(exec)
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// --- Helpers ---

// botVisible reports whether the bot exists and belongs to userID, writing
// the error response otherwise.
func (s *Server) botVisible(w http.ResponseWriter, botID, userID string) bool {
	if strings.TrimSpace(botID) == "" {
		s.errorResponse(w, http.StatusBadRequest, "bot_id is required")
		return false
	}
	bot, err := s.store.GetBot(botID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && bot.UserID != userID) {
		s.errorResponse(w, http.StatusNotFound, "Bot not found: "+botID)
		return false
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to load bot: "+err.Error())
		return false
	}
	return true
}

func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request) (*storage.Conversation, bool) {
	conv, err := s.conversations.GetOwned(chi.URLParam(r, "conversationID"), userFrom(r))
	if err != nil {
		s.agentError(w, err)
		return nil, false
	}
	return conv, true
}

func (s *Server) ownedTask(w http.ResponseWriter, r *http.Request) (*storage.ScheduledTask, bool) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.scheduler.Get(taskID)
	if errors.Is(err, scheduler.ErrTaskNotFound) || (err == nil && task.UserID != userFrom(r)) {
		s.errorResponse(w, http.StatusNotFound, "Task not found: "+taskID)
		return nil, false
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to load task: "+err.Error())
		return nil, false
	}
	return task, true
}

// agentError maps conversation errors to status codes
func (s *Server) agentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrEmptyInput):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	default:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) taskToResponse(task *storage.ScheduledTask) TaskResponse {
	resp := TaskResponse{
		ID:             task.ID,
		BotID:          task.BotID,
		ConversationID: task.ConversationID,
		Name:           task.Name,
		Description:    task.Description,
		CronExpression: task.CronExpression,
		Message:        task.Message,
		Enabled:        task.Enabled,
		Armed:          s.scheduler.Armed(task.ID),
		LastRunAt:      task.LastRunAt,
		CreatedAt:      task.CreatedAt,
		UpdatedAt:      task.UpdatedAt,
	}
	if next, ok := s.scheduler.NextRun(task.ID); ok {
		resp.NextRunAt = &next
	}
	return resp
}

func executionToResponse(exec *storage.TaskExecution) ExecutionResponse {
	return ExecutionResponse{
		ID:             exec.ID,
		TaskID:         exec.TaskID,
		ConversationID: exec.ConversationID,
		Status:         exec.Status,
		Output:         exec.Output,
		Error:          exec.Error,
		StartedAt:      exec.StartedAt,
		FinishedAt:     exec.FinishedAt,
	}
}

func messageToResponse(m *storage.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		Sender:    m.Sender,
		Content:   m.Content,
		Metadata:  m.Metadata,
		Timestamp: m.Timestamp,
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	logging.Error("HTTP error: %d - %s", status, message)
	s.jsonResponse(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
