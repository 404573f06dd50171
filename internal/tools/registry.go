package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/A2gent/botdesk/internal/llm"
	"github.com/A2gent/botdesk/internal/logging"
	"github.com/bmatcuk/doublestar/v4"
)

// Tool defines the interface for executable tools
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]interface{}
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result represents a tool execution result
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"result"`
	Error   string `json:"error,omitempty"`
}

// ErrorMarker prefixes the text fed back to the model for failed calls
const ErrorMarker = "Error: "

// FormatResult renders a result the way it is fed back to the model
func FormatResult(r Result) string {
	if !r.Success {
		return ErrorMarker + r.Error
	}
	return r.Output
}

// ScopeRule grants the tools matching Tools to bots whose "type/scene"
// path matches Bot. Both sides are doublestar patterns.
type ScopeRule struct {
	Bot   string
	Tools []string
}

// DefaultScope is the policy used by NewRegistry
var DefaultScope = []ScopeRule{
	{Bot: "**", Tools: []string{"current_time"}},
	{Bot: "assistant/**", Tools: []string{"*"}},
	{Bot: "research/**", Tools: []string{"fetch_url"}},
	{Bot: "companion/**", Tools: []string{"recall_memory"}},
}

type callerKey struct{}

// Caller identifies who a tool runs on behalf of
type Caller struct {
	UserID string
	BotID  string
}

// WithCaller attaches the caller to ctx
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached by the registry, if any
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Registry holds the available tools and decides which ones a bot may use
type Registry struct {
	tools map[string]Tool
	scope []ScopeRule
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry governed by scope.
// A nil scope means DefaultScope.
func NewRegistry(scope []ScopeRule) *Registry {
	if scope == nil {
		scope = DefaultScope
	}
	return &Registry{
		tools: make(map[string]Tool),
		scope: scope,
	}
}

// Register adds a tool to the registry
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// ToolsFor returns the definitions available to a bot of the given type and
// scene, sorted by name. The result may be empty.
func (r *Registry) ToolsFor(botType, scene string) []llm.ToolDefinition {
	path := scopePath(botType, scene)

	var patterns []string
	for _, rule := range r.scope {
		ok, err := doublestar.Match(rule.Bot, path)
		if err != nil {
			logging.Warn("Invalid tool scope pattern %q: %v", rule.Bot, err)
			continue
		}
		if ok {
			patterns = append(patterns, rule.Tools...)
		}
	}
	if len(patterns) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []llm.ToolDefinition
	for name, tool := range r.tools {
		if !matchesAny(patterns, name) {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        name,
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs one tool call on behalf of callerID and botID. Failures of
// any kind are reported in the result, never as an error.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall, callerID, botID string) (result Result) {
	defer func() {
		if p := recover(); p != nil {
			logging.Error("Tool %s panicked: %v", call.Name, p)
			result = Result{Success: false, Error: fmt.Sprintf("tool %s crashed", call.Name)}
		}
	}()

	tool, ok := r.Get(call.Name)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("tool not found: %s", call.Name)}
	}

	params := json.RawMessage(call.Arguments)
	if strings.TrimSpace(call.Arguments) == "" {
		params = json.RawMessage(`{}`)
	}

	ctx = WithCaller(ctx, Caller{UserID: callerID, BotID: botID})
	res, err := tool.Execute(ctx, params)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	if res == nil {
		return Result{Success: false, Error: "tool returned no result"}
	}
	return *res
}

func scopePath(botType, scene string) string {
	botType = strings.TrimSpace(botType)
	if botType == "" {
		botType = "general"
	}
	scene = strings.TrimSpace(scene)
	if scene == "" {
		scene = "default"
	}
	return botType + "/" + scene
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
