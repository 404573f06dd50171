package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/A2gent/botdesk/internal/llm"
	"github.com/A2gent/botdesk/internal/logging"
	"github.com/A2gent/botdesk/internal/storage"
	"github.com/google/uuid"
)

// MemoryRecallTool is the pseudo-tool name reported while memories are
// fetched for a streamed answer.
const MemoryRecallTool = "memory_recall"

// EventType identifies a streaming event
type EventType string

const (
	EventStart     EventType = "start"
	EventDelta     EventType = "delta"
	EventToolStart EventType = "tool_start"
	EventToolDone  EventType = "tool_done"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Event is one step of a streamed answer. A stream carries at most one
// EventStart, then deltas and memory recall brackets, then exactly one
// EventDone or EventError before the channel is closed. Requests rejected
// before the user message is stored produce only EventError.
type Event struct {
	Type         EventType
	BotMessageID string           // EventStart
	UserMessage  *storage.Message // EventStart
	Delta        string           // EventDelta
	Tool         string           // EventToolStart, EventToolDone
	Exchange     *Exchange        // EventDone
	Err          error            // EventError
}

// Hooks receives stream events as callbacks. Nil hooks are skipped.
type Hooks struct {
	OnStart     func(botMessageID string)
	OnDelta     func(chunk string)
	OnToolStart func(name string)
	OnToolDone  func(name string)
	OnDone      func(exchange *Exchange)
	OnError     func(err error)
}

// Dispatch drains events into hooks and returns when the stream is closed
func Dispatch(events <-chan Event, hooks Hooks) {
	for ev := range events {
		switch ev.Type {
		case EventStart:
			if hooks.OnStart != nil {
				hooks.OnStart(ev.BotMessageID)
			}
		case EventDelta:
			if hooks.OnDelta != nil {
				hooks.OnDelta(ev.Delta)
			}
		case EventToolStart:
			if hooks.OnToolStart != nil {
				hooks.OnToolStart(ev.Tool)
			}
		case EventToolDone:
			if hooks.OnToolDone != nil {
				hooks.OnToolDone(ev.Tool)
			}
		case EventDone:
			if hooks.OnDone != nil {
				hooks.OnDone(ev.Exchange)
			}
		case EventError:
			if hooks.OnError != nil {
				hooks.OnError(ev.Err)
			}
		}
	}
}

// emitter sends events until the consumer goes away
type emitter struct {
	ctx    context.Context
	events chan<- Event
}

func (e *emitter) emit(ev Event) bool {
	if e.ctx.Err() != nil {
		return false
	}
	select {
	case e.events <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// finish delivers the terminal event. Once the consumer is gone it is only
// delivered if the buffer has room.
func (e *emitter) finish(ev Event) {
	if e.emit(ev) {
		return
	}
	select {
	case e.events <- ev:
	default:
	}
}

// RespondStream answers req with a single streamed completion. Failures
// are reported as an EventError, never returned. Cancelling ctx stops
// delta emission; the user message stays stored.
func (o *Orchestrator) RespondStream(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event, 64)

	go func() {
		defer close(events)
		e := &emitter{ctx: ctx, events: events}

		exchange, err := o.stream(ctx, req, e)
		if err != nil {
			logging.Warn("Streamed answer for conversation %s failed: %v", req.ConversationID, err)
			e.finish(Event{Type: EventError, Err: err})
			return
		}
		e.finish(Event{Type: EventDone, Exchange: exchange})
	}()

	return events
}

func (o *Orchestrator) stream(ctx context.Context, req Request, e *emitter) (*Exchange, error) {
	t, err := o.prepare(req)
	if err != nil {
		return nil, err
	}

	userMsg := &storage.Message{
		ID:             uuid.New().String(),
		ConversationID: t.conv.ID,
		Sender:         storage.SenderUser,
		Content:        t.text,
		Timestamp:      o.now(),
	}
	if err := o.store.AppendMessage(userMsg); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	botMessageID := uuid.New().String()
	e.emit(Event{Type: EventStart, BotMessageID: botMessageID, UserMessage: userMsg})

	out := &outcome{model: t.settings.Model}
	if len(req.MemoryIDs) > 0 {
		e.emit(Event{Type: EventToolStart, Tool: MemoryRecallTool})
		out.recalled = o.recall(t, req.MemoryIDs)
		e.emit(Event{Type: EventToolDone, Tool: MemoryRecallTool})
	}

	messages := make([]llm.Message, 0, len(t.history)+1)
	messages = append(messages, t.history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: t.text})
	request := o.buildRequest(t, messages, nil)

	var text strings.Builder
	result, err := o.llmClient.ChatStream(ctx, request, func(delta string) error {
		if delta == "" {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		text.WriteString(delta)
		e.emit(Event{Type: EventDelta, Delta: delta})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stream completion: %w", err)
	}
	if result != nil {
		out.totalTokens += result.Usage.Total()
		if result.Model != "" {
			out.model = result.Model
		}
	}

	content := text.String()
	if content == "" {
		content = o.completeOnce(ctx, t, request, out)
		e.emit(Event{Type: EventDelta, Delta: content})
	}
	out.answer = content

	finished := o.now()
	botMsg := &storage.Message{
		ID:             botMessageID,
		ConversationID: t.conv.ID,
		Sender:         storage.SenderBot,
		Content:        content,
		Metadata:       out.metadata(finished, true),
		Timestamp:      finished,
	}
	if err := o.store.AppendMessage(botMsg); err != nil {
		return nil, fmt.Errorf("failed to save bot message: %w", err)
	}
	if err := o.conversations.Touch(t.conv.ID); err != nil {
		logging.Warn("Failed to touch conversation %s: %v", t.conv.ID, err)
	}

	o.archiveExchange(t, content)

	return &Exchange{UserMessage: userMsg, BotMessage: botMsg}, nil
}

// completeOnce recovers from a stream that produced no text with one
// blocking call. It returns the fallback answer if that fails too.
func (o *Orchestrator) completeOnce(ctx context.Context, t *turn, request *llm.ChatRequest, out *outcome) string {
	logging.Debug("Stream for conversation %s produced no text, retrying without streaming", t.conv.ID)

	response, err := o.llmClient.Chat(ctx, request)
	if err != nil {
		logging.Warn("Fallback completion for conversation %s failed: %v", t.conv.ID, err)
		out.degrade()
		return out.answer
	}
	out.totalTokens += response.Usage.Total()
	if response.Model != "" {
		out.model = response.Model
	}

	if reply, ok := response.Reply.(llm.TextReply); ok && strings.TrimSpace(reply.Content) != "" {
		return reply.Content
	}
	out.degrade()
	return out.answer
}
