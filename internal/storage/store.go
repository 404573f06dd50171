package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned (wrapped) when a record does not exist
var ErrNotFound = errors.New("not found")

// Message senders
const (
	SenderUser   = "user"
	SenderBot    = "bot"
	SenderTool   = "tool"
	SenderSystem = "system"
)

// Execution statuses
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// AgentConfig is the per-bot model configuration. Unset fields fall back to
// the service defaults.
type AgentConfig struct {
	Model          string   `json:"model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	EnableThinking *bool    `json:"enable_thinking,omitempty"`
	ThinkingBudget int      `json:"thinking_budget,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
}

// Bot is the minimal bot record the engines consume
type Bot struct {
	ID        string
	UserID    string
	Name      string
	Type      string // category, e.g. "assistant", "research"
	Scene     string
	Config    AgentConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Conversation holds the context of a chat between a user and a bot
type Conversation struct {
	ID           string
	BotID        string
	UserID       string
	Title        string
	ExtraContext string // injected on the first turn only
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message represents a stored message
type Message struct {
	ID             string
	ConversationID string
	Sender         string // "user", "bot", "tool", "system"
	Content        string
	ToolCallID     string
	ToolCalls      json.RawMessage
	Metadata       map[string]interface{}
	Timestamp      time.Time
}

// ScheduledTask is a persisted recurring message definition
type ScheduledTask struct {
	ID             string
	BotID          string
	UserID         string
	ConversationID string // empty when no conversation is bound yet
	Name           string
	Description    string
	CronExpression string
	Message        string
	Enabled        bool
	LastRunAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskExecution represents a single firing of a scheduled task
type TaskExecution struct {
	ID             string
	TaskID         string
	ConversationID string
	Status         string // "running", "completed", "failed"
	Output         string
	Error          string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// Memory is an archived user/bot exchange
type Memory struct {
	ID             string
	UserID         string
	BotID          string
	ConversationID string
	Summary        string
	Insight        string
	UserText       string
	BotText        string
	CreatedAt      time.Time
}

// Store defines the persistence interface
type Store interface {
	// Bot operations
	SaveBot(bot *Bot) error
	GetBot(id string) (*Bot, error)

	// Conversation operations
	SaveConversation(conv *Conversation) error
	GetConversation(id string) (*Conversation, error)
	DeleteConversation(id string) error
	TouchConversation(id string, at time.Time) error

	// Transcript operations
	AppendMessage(msg *Message) error
	AppendExchange(userMsg, botMsg *Message) error
	ListRecentMessages(conversationID string, limit int) ([]*Message, error)
	ListMessages(conversationID string) ([]*Message, error)

	// Scheduled task operations
	SaveTask(task *ScheduledTask) error
	GetTask(id string) (*ScheduledTask, error)
	ListTasks(enabledOnly bool) ([]*ScheduledTask, error)
	DeleteTask(id string) error
	SetTaskEnabled(id string, enabled bool) error
	SetTaskConversation(id, conversationID string) error
	MarkTaskRun(id string, at time.Time) error

	// Task execution operations
	SaveExecution(exec *TaskExecution) error
	ListExecutions(taskID string, limit int) ([]*TaskExecution, error)

	// Memory operations
	SaveMemory(mem *Memory) error
	GetMemories(ids []string) ([]*Memory, error)
	SearchMemories(userID, botID, query string, limit int) ([]*Memory, error)

	// Close closes the store
	Close() error
}
