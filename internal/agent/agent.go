package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/A2gent/botdesk/internal/conversation"
	"github.com/A2gent/botdesk/internal/llm"
	"github.com/A2gent/botdesk/internal/logging"
	"github.com/A2gent/botdesk/internal/memory"
	"github.com/A2gent/botdesk/internal/storage"
	"github.com/A2gent/botdesk/internal/tools"
	"github.com/google/uuid"
)

// Fallback is the answer stored when no real answer could be produced
const Fallback = "Sorry, I could not produce an answer right now. Please try again later."

// ErrEmptyInput is returned when the user text is blank
var ErrEmptyInput = errors.New("message text is empty")

const toolSummaryLimit = 200

// Config holds the service-wide agent defaults. Per-bot settings override
// the model fields.
type Config struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	TopP           float64
	SystemPrompt   string
	EnableThinking bool
	ThinkingBudget int

	MaxIterations  int
	HistoryLimit   int
	ArchiveTimeout time.Duration
}

// ToolExecutor resolves and runs the tools a bot may use
type ToolExecutor interface {
	ToolsFor(botType, scene string) []llm.ToolDefinition
	Execute(ctx context.Context, call llm.ToolCall, callerID, botID string) tools.Result
}

// MemoryArchive is where finished exchanges go and where recalled
// memories come from.
type MemoryArchive interface {
	Record(ctx context.Context, e memory.Entry) error
	Recall(userID, botID string, ids []string) (string, error)
}

// Request is one user message addressed to a conversation
type Request struct {
	ConversationID string
	UserID         string
	Text           string
	MemoryIDs      []string
}

// Exchange is the persisted result of one turn
type Exchange struct {
	UserMessage *storage.Message `json:"user_message"`
	BotMessage  *storage.Message `json:"bot_message"`
}

// Orchestrator turns user messages into bot answers
type Orchestrator struct {
	config        Config
	llmClient     llm.Client
	tools         ToolExecutor
	store         storage.Store
	conversations *conversation.Manager
	archive       MemoryArchive

	background sync.WaitGroup
	now        func() time.Time
}

// New creates a new orchestrator. archive may be nil.
func New(config Config, llmClient llm.Client, executor ToolExecutor, store storage.Store, conversations *conversation.Manager, archive MemoryArchive) *Orchestrator {
	if config.MaxIterations <= 0 {
		config.MaxIterations = 8
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 20
	}
	if config.ArchiveTimeout <= 0 {
		config.ArchiveTimeout = 30 * time.Second
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = defaultSystemPrompt
	}

	return &Orchestrator{
		config:        config,
		llmClient:     llmClient,
		tools:         executor,
		store:         store,
		conversations: conversations,
		archive:       archive,
		now:           time.Now,
	}
}

// turn is the context assembled for one request
type turn struct {
	conv         *storage.Conversation
	bot          *storage.Bot
	userID       string
	text         string
	settings     Config
	systemPrompt string
	history      []llm.Message
}

// toolLogEntry is the trace of one tool call kept in the bot message metadata
type toolLogEntry struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Summary string `json:"summary"`
}

// outcome accumulates what happened during one run
type outcome struct {
	answer      string
	model       string
	iterations  int
	toolCalls   int
	totalTokens int
	toolLog     []toolLogEntry
	fallback    bool
	recalled    bool
}

// Respond runs the Reason-Act loop for req and persists the user and bot
// messages together. Provider and tool failures degrade into the fallback
// answer; only input and ownership problems are returned as errors.
func (o *Orchestrator) Respond(ctx context.Context, req Request) (*Exchange, error) {
	t, err := o.prepare(req)
	if err != nil {
		return nil, err
	}
	started := o.now()

	recalled := o.recall(t, req.MemoryIDs)
	out := o.loop(ctx, t)
	out.recalled = recalled

	finished := o.now()
	userMsg := &storage.Message{
		ID:             uuid.New().String(),
		ConversationID: t.conv.ID,
		Sender:         storage.SenderUser,
		Content:        t.text,
		Timestamp:      started,
	}
	botMsg := &storage.Message{
		ID:             uuid.New().String(),
		ConversationID: t.conv.ID,
		Sender:         storage.SenderBot,
		Content:        out.answer,
		Metadata:       out.metadata(finished, false),
		Timestamp:      finished,
	}

	if err := o.store.AppendExchange(userMsg, botMsg); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", conversation.ErrNotFound, t.conv.ID)
		}
		return nil, fmt.Errorf("failed to save exchange: %w", err)
	}

	logging.Info("Conversation %s answered after %d tool iteration(s), %d tokens", t.conv.ID, out.iterations, out.totalTokens)
	o.archiveExchange(t, out.answer)

	return &Exchange{UserMessage: userMsg, BotMessage: botMsg}, nil
}

// loop implements the bounded Reason-Act loop
func (o *Orchestrator) loop(ctx context.Context, t *turn) *outcome {
	out := &outcome{model: t.settings.Model}

	messages := make([]llm.Message, 0, len(t.history)+1)
	messages = append(messages, t.history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: t.text})

	defs := o.tools.ToolsFor(t.bot.Type, t.bot.Scene)

	for step := 1; step <= t.settings.MaxIterations; step++ {
		response, err := o.llmClient.Chat(ctx, o.buildRequest(t, messages, defs))
		if err != nil {
			logging.Warn("Completion failed for conversation %s at step %d: %v", t.conv.ID, step, err)
			return out.degrade()
		}

		out.totalTokens += response.Usage.Total()
		if response.Model != "" {
			out.model = response.Model
		}

		switch reply := response.Reply.(type) {
		case llm.TextReply:
			if strings.TrimSpace(reply.Content) == "" {
				logging.Warn("Provider returned an empty answer for conversation %s", t.conv.ID)
				return out.degrade()
			}
			out.answer = reply.Content
			return out

		case llm.ToolCallsReply:
			out.iterations++
			messages = append(messages, llm.Message{
				Role:      llm.RoleAssistant,
				Content:   reply.Content,
				ToolCalls: reply.Calls,
			})

			for _, call := range reply.Calls {
				result := o.tools.Execute(ctx, call, t.userID, t.bot.ID)
				content := tools.FormatResult(result)
				out.toolCalls++
				out.toolLog = append(out.toolLog, toolLogEntry{
					Name:    call.Name,
					Success: result.Success,
					Summary: truncate(content, toolSummaryLimit),
				})
				logging.Debug("Tool %s for conversation %s: success=%t", call.Name, t.conv.ID, result.Success)

				messages = append(messages, llm.Message{
					Role:       llm.RoleTool,
					Content:    content,
					ToolCallID: call.ID,
				})
			}

		case llm.UnexpectedReply:
			logging.Warn("Unexpected provider response for conversation %s: %s", t.conv.ID, reply.Reason)
			return out.degrade()

		default:
			logging.Warn("Unknown provider reply %T for conversation %s", reply, t.conv.ID)
			return out.degrade()
		}
	}

	logging.Warn("Conversation %s reached the iteration cap (%d)", t.conv.ID, t.settings.MaxIterations)
	return out.degrade()
}

// prepare validates the request and assembles its context
func (o *Orchestrator) prepare(req Request) (*turn, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyInput
	}

	conv, err := o.conversations.GetOwned(req.ConversationID, req.UserID)
	if err != nil {
		return nil, err
	}

	bot, err := o.store.GetBot(conv.BotID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to load bot: %w", err)
		}
		logging.Warn("Bot %s of conversation %s not found, using defaults", conv.BotID, conv.ID)
		bot = &storage.Bot{ID: conv.BotID, UserID: conv.UserID}
	}

	recent, err := o.store.ListRecentMessages(conv.ID, o.config.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	settings := o.resolve(bot.Config)
	prompt := settings.SystemPrompt
	if extra := strings.TrimSpace(conv.ExtraContext); extra != "" && len(recent) == 0 {
		prompt += "\n\nContext for this conversation:\n" + extra
	}

	return &turn{
		conv:         conv,
		bot:          bot,
		userID:       req.UserID,
		text:         text,
		settings:     settings,
		systemPrompt: prompt,
		history:      toLLMMessages(recent),
	}, nil
}

// resolve merges a bot's configuration over the defaults
func (o *Orchestrator) resolve(cfg storage.AgentConfig) Config {
	s := o.config
	if cfg.Model != "" {
		s.Model = cfg.Model
	}
	if cfg.Temperature != nil {
		s.Temperature = *cfg.Temperature
	}
	if cfg.MaxTokens > 0 {
		s.MaxTokens = cfg.MaxTokens
	}
	if cfg.TopP != nil {
		s.TopP = *cfg.TopP
	}
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		s.SystemPrompt = cfg.SystemPrompt
	}
	if cfg.EnableThinking != nil {
		s.EnableThinking = *cfg.EnableThinking
	}
	if cfg.ThinkingBudget > 0 {
		s.ThinkingBudget = cfg.ThinkingBudget
	}
	return s
}

// recall appends the requested memories to the turn's system prompt
func (o *Orchestrator) recall(t *turn, ids []string) bool {
	if len(ids) == 0 || o.archive == nil {
		return false
	}
	block, err := o.archive.Recall(t.userID, t.conv.BotID, ids)
	if err != nil {
		logging.Warn("Memory recall for conversation %s failed: %v", t.conv.ID, err)
		return false
	}
	if block == "" {
		return false
	}
	t.systemPrompt += "\n\n" + block
	return true
}

// buildRequest builds a chat request for the turn
func (o *Orchestrator) buildRequest(t *turn, messages []llm.Message, defs []llm.ToolDefinition) *llm.ChatRequest {
	s := t.settings
	return &llm.ChatRequest{
		Model:          s.Model,
		Messages:       messages,
		Tools:          defs,
		Temperature:    s.Temperature,
		MaxTokens:      s.MaxTokens,
		TopP:           s.TopP,
		SystemPrompt:   t.systemPrompt,
		EnableThinking: s.EnableThinking,
		ThinkingBudget: s.ThinkingBudget,
	}
}

func (o *Orchestrator) archiveExchange(t *turn, botText string) {
	if o.archive == nil {
		return
	}
	entry := memory.Entry{
		BotID:          t.conv.BotID,
		ConversationID: t.conv.ID,
		UserID:         t.userID,
		UserText:       t.text,
		BotText:        botText,
	}
	o.detach("memory archive", func(ctx context.Context) error {
		return o.archive.Record(ctx, entry)
	})
}

// toLLMMessages maps stored senders to provider roles
func toLLMMessages(stored []*storage.Message) []llm.Message {
	messages := make([]llm.Message, 0, len(stored))
	for _, m := range stored {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Sender {
		case storage.SenderUser:
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case storage.SenderBot:
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	return messages
}

func (out *outcome) degrade() *outcome {
	out.answer = Fallback
	out.fallback = true
	return out
}

func (out *outcome) metadata(generatedAt time.Time, streaming bool) map[string]interface{} {
	meta := map[string]interface{}{
		"model":        out.model,
		"generated_at": generatedAt.UTC().Format(time.RFC3339),
		"iterations":   out.iterations,
		"tool_calls":   out.toolCalls,
		"total_tokens": out.totalTokens,
		"streaming":    streaming,
	}
	if len(out.toolLog) > 0 {
		meta["tool_log"] = out.toolLog
	}
	if out.fallback {
		meta["fallback"] = true
	}
	if out.recalled {
		meta["recalled_memories"] = true
	}
	return meta
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}

// defaultSystemPrompt is used when neither the service nor the bot sets one
const defaultSystemPrompt = `You are a helpful conversational assistant.

Guidelines:
- Answer in the language the user writes in
- Use the available tools when they help answer accurately
- Keep answers concise unless the user asks for detail
- If a request is unclear, ask for clarification`
