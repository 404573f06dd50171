package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/A2gent/botdesk/internal/conversation"
	"github.com/A2gent/botdesk/internal/llm"
	"github.com/A2gent/botdesk/internal/storage"
)

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	var out []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func deltas(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == EventDelta {
			b.WriteString(ev.Delta)
		}
	}
	return b.String()
}

func TestRespondStreamDeltasMatchStoredAnswer(t *testing.T) {
	client := &scriptedClient{chunks: []string{"Hel", "lo ", "", "world"}}
	f := newFixture(t, client, storage.AgentConfig{})

	events := collect(t, f.orch.RespondStream(context.Background(), Request{ConversationID: f.conv.ID, UserID: "alice", Text: " hi "}))
	if len(events) < 3 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Type != EventStart || events[0].BotMessageID == "" {
		t.Fatalf("first event = %+v, want start", events[0])
	}
	last := events[len(events)-1]
	if last.Type != EventDone {
		t.Fatalf("last event = %+v, want done", last)
	}

	if got := deltas(events); got != "Hello world" || got != last.Exchange.BotMessage.Content {
		t.Errorf("deltas = %q, bot content = %q", got, last.Exchange.BotMessage.Content)
	}
	if last.Exchange.BotMessage.ID != events[0].BotMessageID {
		t.Errorf("bot message id changed between start and done")
	}
	if last.Exchange.UserMessage.Content != "hi" {
		t.Errorf("user content = %q", last.Exchange.UserMessage.Content)
	}

	stored, err := f.store.ListMessages(f.conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(stored) != 2 || stored[1].Content != "Hello world" {
		t.Fatalf("stored = %+v", stored)
	}
	if stored[1].Metadata["streaming"] != true || stored[1].Metadata["model"] != "stream-model" {
		t.Errorf("metadata = %+v", stored[1].Metadata)
	}
	if len(client.streams) != 1 || len(client.streams[0].Tools) != 0 {
		t.Errorf("streamed request should carry no tools: %+v", client.streams)
	}

	f.orch.Wait()
	if len(f.archive.recorded()) != 1 {
		t.Errorf("streamed exchange not archived")
	}
}

func TestRespondStreamFallsBackToBlockingCall(t *testing.T) {
	client := &scriptedClient{replies: []*llm.ChatResponse{text("blocking answer", 4)}}
	f := newFixture(t, client, storage.AgentConfig{})

	events := collect(t, f.orch.RespondStream(context.Background(), Request{ConversationID: f.conv.ID, UserID: "alice", Text: "hi"}))

	var deltaEvents []Event
	for _, ev := range events {
		if ev.Type == EventDelta {
			deltaEvents = append(deltaEvents, ev)
		}
	}
	if len(deltaEvents) != 1 || deltaEvents[0].Delta != "blocking answer" {
		t.Fatalf("deltas = %+v, want one synthetic delta", deltaEvents)
	}

	last := events[len(events)-1]
	if last.Type != EventDone || last.Exchange.BotMessage.Content != "blocking answer" {
		t.Fatalf("last event = %+v", last)
	}
	if client.chatCalls() != 1 {
		t.Errorf("blocking calls = %d, want 1", client.chatCalls())
	}
}

func TestRespondStreamFallbackFailureUsesApology(t *testing.T) {
	client := &scriptedClient{chatErr: errors.New("down")}
	f := newFixture(t, client, storage.AgentConfig{})

	events := collect(t, f.orch.RespondStream(context.Background(), Request{ConversationID: f.conv.ID, UserID: "alice", Text: "hi"}))
	last := events[len(events)-1]
	if last.Type != EventDone {
		t.Fatalf("last event = %+v, want done", last)
	}
	if got := deltas(events); got != Fallback || last.Exchange.BotMessage.Content != Fallback {
		t.Errorf("deltas = %q, content = %q", got, last.Exchange.BotMessage.Content)
	}
}

func TestRespondStreamBracketsMemoryRecall(t *testing.T) {
	client := &scriptedClient{chunks: []string{"yes"}}
	f := newFixture(t, client, storage.AgentConfig{})

	events := collect(t, f.orch.RespondStream(context.Background(), Request{ConversationID: f.conv.ID, UserID: "alice", Text: "remember?", MemoryIDs: []string{"m1", "m2"}}))

	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []EventType{EventStart, EventToolStart, EventToolDone, EventDelta, EventDone}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}
	if events[1].Tool != MemoryRecallTool || events[2].Tool != MemoryRecallTool {
		t.Errorf("recall events = %+v, %+v", events[1], events[2])
	}
	if !strings.Contains(client.streams[0].SystemPrompt, "green") {
		t.Errorf("system prompt lacks memories: %q", client.streams[0].SystemPrompt)
	}
}

func TestRespondStreamErrorKeepsUserMessage(t *testing.T) {
	client := &scriptedClient{streamErr: &llm.ProviderError{Provider: "test", Status: 500, Message: "boom"}}
	f := newFixture(t, client, storage.AgentConfig{})

	events := collect(t, f.orch.RespondStream(context.Background(), Request{ConversationID: f.conv.ID, UserID: "alice", Text: "hi"}))
	if events[0].Type != EventStart {
		t.Errorf("first event = %+v, want start", events[0])
	}
	last := events[len(events)-1]
	if last.Type != EventError || last.Err == nil {
		t.Fatalf("last event = %+v, want error", last)
	}
	var perr *llm.ProviderError
	if !errors.As(last.Err, &perr) {
		t.Errorf("error = %v, want wrapped ProviderError", last.Err)
	}

	stored, _ := f.store.ListMessages(f.conv.ID)
	if len(stored) != 1 || stored[0].Sender != storage.SenderUser {
		t.Errorf("stored = %+v, want only the user message", stored)
	}
}

func TestRespondStreamRejectsBeforeStart(t *testing.T) {
	f := newFixture(t, &scriptedClient{}, storage.AgentConfig{})

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"empty input", Request{ConversationID: f.conv.ID, UserID: "alice", Text: "  "}, ErrEmptyInput},
		{"foreign conversation", Request{ConversationID: f.conv.ID, UserID: "mallory", Text: "hi"}, conversation.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := collect(t, f.orch.RespondStream(context.Background(), tt.req))
			if len(events) != 1 || events[0].Type != EventError || !errors.Is(events[0].Err, tt.want) {
				t.Fatalf("events = %+v, want single error %v", events, tt.want)
			}
		})
	}
}

func TestRespondStreamStopsWhenConsumerLeaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &scriptedClient{chunks: []string{"one", "two", "three"}}
	client.onChunk = func(i int) {
		if i == 1 {
			cancel()
		}
	}
	f := newFixture(t, client, storage.AgentConfig{})

	events := collect(t, f.orch.RespondStream(ctx, Request{ConversationID: f.conv.ID, UserID: "alice", Text: "hi"}))
	if got := deltas(events); got != "one" {
		t.Errorf("deltas after cancel = %q, want only the first chunk", got)
	}
	for _, ev := range events {
		if ev.Type == EventDone {
			t.Errorf("done emitted after the consumer left")
		}
	}

	stored, _ := f.store.ListMessages(f.conv.ID)
	if len(stored) != 1 || stored[0].Sender != storage.SenderUser {
		t.Errorf("stored = %+v, want only the user message", stored)
	}
}

func TestDispatch(t *testing.T) {
	events := make(chan Event, 6)
	ex := &Exchange{BotMessage: &storage.Message{Content: "ab"}}
	events <- Event{Type: EventStart, BotMessageID: "b1"}
	events <- Event{Type: EventToolStart, Tool: MemoryRecallTool}
	events <- Event{Type: EventToolDone, Tool: MemoryRecallTool}
	events <- Event{Type: EventDelta, Delta: "a"}
	events <- Event{Type: EventDelta, Delta: "b"}
	events <- Event{Type: EventDone, Exchange: ex}
	close(events)

	var calls []string
	Dispatch(events, Hooks{
		OnStart:     func(id string) { calls = append(calls, "start:"+id) },
		OnDelta:     func(chunk string) { calls = append(calls, "delta:"+chunk) },
		OnToolStart: func(name string) { calls = append(calls, "tool_start:"+name) },
		OnDone:      func(got *Exchange) { calls = append(calls, "done:"+got.BotMessage.Content) },
	})

	want := []string{"start:b1", "tool_start:memory_recall", "delta:a", "delta:b", "done:ab"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}
