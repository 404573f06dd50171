package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/A2gent/botdesk/internal/storage"
)

const defaultRecallLimit = 5

// MemorySearcher finds archived exchanges
type MemorySearcher interface {
	SearchMemories(userID, botID, query string, limit int) ([]*storage.Memory, error)
}

// RecallMemoryTool lets the model search earlier archived exchanges
type RecallMemoryTool struct {
	searcher MemorySearcher
}

// RecallMemoryParams defines parameters for the recall_memory tool
type RecallMemoryParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// NewRecallMemoryTool creates a new recall_memory tool
func NewRecallMemoryTool(searcher MemorySearcher) *RecallMemoryTool {
	return &RecallMemoryTool{searcher: searcher}
}

func (t *RecallMemoryTool) Name() string {
	return "recall_memory"
}

func (t *RecallMemoryTool) Description() string {
	return "Search earlier conversations with this user for a keyword and return matching summaries."
}

func (t *RecallMemoryTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Keyword or phrase to look for",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of memories to return (default: 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *RecallMemoryTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p RecallMemoryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if strings.TrimSpace(p.Query) == "" {
		return &Result{Success: false, Error: "query is required"}, nil
	}
	if p.Limit <= 0 || p.Limit > 20 {
		p.Limit = defaultRecallLimit
	}

	caller, ok := CallerFrom(ctx)
	if !ok {
		return &Result{Success: false, Error: "caller is unknown"}, nil
	}

	memories, err := t.searcher.SearchMemories(caller.UserID, caller.BotID, p.Query, p.Limit)
	if err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("memory search failed: %v", err)}, nil
	}
	if len(memories) == 0 {
		return &Result{Success: true, Output: "No matching memories."}, nil
	}

	var b strings.Builder
	for i, m := range memories {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, m.CreatedAt.Format("2006-01-02"), m.Summary)
		if m.Insight != "" {
			fmt.Fprintf(&b, " (insight: %s)", m.Insight)
		}
		b.WriteString("\n")
	}
	return &Result{Success: true, Output: strings.TrimSpace(b.String())}, nil
}

var _ Tool = (*RecallMemoryTool)(nil)
