package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/A2gent/botdesk/internal/storage"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a conversation does not exist or belongs to
// another user.
var ErrNotFound = errors.New("conversation not found")

// Manager manages conversations
type Manager struct {
	store storage.Store
	now   func() time.Time
}

// NewManager creates a new conversation manager
func NewManager(store storage.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Create creates a new conversation between userID and botID
func (m *Manager) Create(botID, userID, title string) (*storage.Conversation, error) {
	now := m.now()
	conv := &storage.Conversation{
		ID:        uuid.New().String(),
		BotID:     botID,
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveConversation(conv); err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}
	return conv, nil
}

// CreateWithContext creates a conversation carrying extra context for its first turn
func (m *Manager) CreateWithContext(botID, userID, title, extraContext string) (*storage.Conversation, error) {
	now := m.now()
	conv := &storage.Conversation{
		ID:           uuid.New().String(),
		BotID:        botID,
		UserID:       userID,
		Title:        title,
		ExtraContext: extraContext,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.SaveConversation(conv); err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}
	return conv, nil
}

// GetOwned retrieves a conversation owned by userID
func (m *Manager) GetOwned(id, userID string) (*storage.Conversation, error) {
	conv, err := m.store.GetConversation(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return conv, nil
}

// Touch bumps the conversation's updated_at
func (m *Manager) Touch(id string) error {
	return m.store.TouchConversation(id, m.now())
}

// Delete deletes a conversation
func (m *Manager) Delete(id string) error {
	return m.store.DeleteConversation(id)
}
