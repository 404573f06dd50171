// Package memory archives completed exchanges and turns archived ones back
// into prompt context.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/A2gent/botdesk/internal/storage"
	"github.com/google/uuid"
)

const (
	summaryPartLimit = 160
	// RecallHeader labels the block appended to the system prompt
	RecallHeader = "Reference memories (earlier conversations with this user):"
)

// Entry is one completed user/bot exchange
type Entry struct {
	BotID          string
	ConversationID string
	UserID         string
	UserText       string
	BotText        string
}

// Archive is the memory archive sink
type Archive struct {
	store storage.Store
	cache *Cache
	now   func() time.Time
}

// NewArchive creates an archive. cache may be nil.
func NewArchive(store storage.Store, cache *Cache) *Archive {
	return &Archive{store: store, cache: cache, now: time.Now}
}

// Record stores an exchange for later recall
func (a *Archive) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.UserID == "" || e.BotID == "" {
		return errors.New("memory entry needs user and bot")
	}

	mem := &storage.Memory{
		ID:             uuid.New().String(),
		UserID:         e.UserID,
		BotID:          e.BotID,
		ConversationID: e.ConversationID,
		Summary:        summarize(e.UserText, e.BotText),
		UserText:       e.UserText,
		BotText:        e.BotText,
		CreatedAt:      a.now(),
	}
	if err := a.store.SaveMemory(mem); err != nil {
		return fmt.Errorf("archive exchange: %w", err)
	}
	return nil
}

// Recall renders the given memories of userID with botID as a labeled
// block. IDs that do not exist or belong to someone else are skipped; the
// result is empty when nothing is left.
func (a *Archive) Recall(userID, botID string, ids []string) (string, error) {
	lines := make([]string, 0, len(ids))
	var missing []string
	rendered := make(map[string]string, len(ids))

	for _, id := range ids {
		if block, ok := a.cache.Load(cacheKey(userID, botID, id)); ok {
			rendered[id] = block
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		memories, err := a.store.GetMemories(missing)
		if err != nil {
			return "", fmt.Errorf("load memories: %w", err)
		}
		for _, m := range memories {
			if m.UserID != userID || m.BotID != botID {
				continue
			}
			line := renderMemory(m)
			a.cache.Save(cacheKey(userID, botID, m.ID), line)
			rendered[m.ID] = line
		}
	}

	for _, id := range ids {
		if line, ok := rendered[id]; ok {
			lines = append(lines, line)
			delete(rendered, id)
		}
	}
	if len(lines) == 0 {
		return "", nil
	}
	return RecallHeader + "\n" + strings.Join(lines, "\n"), nil
}

func cacheKey(userID, botID, id string) string {
	return userID + "/" + botID + "/" + strings.TrimSpace(id)
}

func renderMemory(m *storage.Memory) string {
	line := fmt.Sprintf("- [%s] %s", m.CreatedAt.Format("2006-01-02"), m.Summary)
	if m.Insight != "" {
		line += " | insight: " + m.Insight
	}
	return line
}

func summarize(userText, botText string) string {
	return fmt.Sprintf("User: %s / Bot: %s", clip(userText), clip(botText))
}

func clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= summaryPartLimit {
		return s
	}
	return string(r[:summaryPartLimit]) + "..."
}
