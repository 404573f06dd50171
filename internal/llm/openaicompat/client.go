package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/A2gent/botdesk/internal/llm"
)

const (
	providerName   = "openaicompat"
	readChunkSize  = 4096
	maxErrorBody   = 2048
	defaultTimeout = 120 * time.Second
)

// Client implements llm.Client over an OpenAI-compatible HTTP API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new client. A non-positive timeout falls back to the
// default so that a silent provider can never hang a caller forever.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Chat performs a blocking completion
func (c *Client) Chat(ctx context.Context, request *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := c.send(ctx, buildRequest(request, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &llm.ProviderError{Provider: providerName, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return parseResponse(&body), nil
}

// ChatStream performs a streamed completion
func (c *Client) ChatStream(ctx context.Context, request *llm.ChatRequest, onDelta func(string) error) (*llm.StreamResult, error) {
	resp, err := c.send(ctx, buildRequest(request, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &llm.StreamResult{Model: request.Model}
	var content strings.Builder

	handle := func(chunks []StreamChunk) error {
		for _, chunk := range chunks {
			if chunk.Model != "" {
				result.Model = chunk.Model
			}
			if chunk.Usage != nil {
				result.Usage = *chunk.Usage
			}
			if chunk.Content == "" {
				continue
			}
			content.WriteString(chunk.Content)
			if onDelta != nil {
				if err := onDelta(chunk.Content); err != nil {
					return err
				}
			}
		}
		return nil
	}

	var parser Parser
	buf := make([]byte, readChunkSize)
	for !parser.Done() {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := handle(parser.Feed(buf[:n])); err != nil {
				return nil, err
			}
		}
		if errors.Is(readErr, io.EOF) {
			if err := handle(parser.Flush()); err != nil {
				return nil, err
			}
			break
		}
		if readErr != nil {
			return nil, &llm.ProviderError{Provider: providerName, Message: fmt.Sprintf("read stream: %v", readErr)}
		}
	}

	result.Content = content.String()
	return result, nil
}

func (c *Client) send(ctx context.Context, body *chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &llm.ProviderError{Provider: providerName, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &llm.ProviderError{Provider: providerName, Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return resp, nil
}

func buildRequest(request *llm.ChatRequest, stream bool) *chatRequest {
	messages := make([]wireMessage, 0, len(request.Messages)+1)
	if request.SystemPrompt != "" {
		messages = append(messages, wireMessage{Role: llm.RoleSystem, Content: request.SystemPrompt})
	}
	for _, m := range request.Messages {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: functionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, wm)
	}

	temperature := request.Temperature
	topP := request.TopP
	thinking := request.EnableThinking
	body := &chatRequest{
		Model:          request.Model,
		Messages:       messages,
		Stream:         stream,
		MaxTokens:      request.MaxTokens,
		Temperature:    &temperature,
		EnableThinking: &thinking,
	}
	if topP > 0 {
		body.TopP = &topP
	}
	if thinking && request.ThinkingBudget > 0 {
		body.ThinkingBudget = request.ThinkingBudget
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if len(request.Tools) > 0 {
		body.Tools = make([]wireTool, len(request.Tools))
		for i, t := range request.Tools {
			body.Tools[i] = wireTool{
				Type: "function",
				Function: wireFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			}
		}
		body.ToolChoice = "auto"
	}
	return body
}

func parseResponse(body *chatResponse) *llm.ChatResponse {
	out := &llm.ChatResponse{Model: body.Model}
	if body.Usage != nil {
		out.Usage = llm.TokenUsage{
			InputTokens:  body.Usage.PromptTokens,
			OutputTokens: body.Usage.CompletionTokens,
			TotalTokens:  body.Usage.TotalTokens,
		}
	}

	if len(body.Choices) == 0 || body.Choices[0].Message == nil {
		out.Reply = llm.UnexpectedReply{Reason: "response has no choices"}
		return out
	}

	msg := body.Choices[0].Message
	switch {
	case len(msg.ToolCalls) > 0:
		calls := make([]llm.ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			calls[i] = llm.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}
		}
		out.Reply = llm.ToolCallsReply{Content: msg.Content, Calls: calls}
	case msg.Content != "":
		out.Reply = llm.TextReply{Content: msg.Content}
	default:
		out.Reply = llm.UnexpectedReply{Reason: "choice has neither content nor tool calls"}
	}
	return out
}

// Ensure Client implements llm.Client
var _ llm.Client = (*Client)(nil)
