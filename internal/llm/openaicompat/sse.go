package openaicompat

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/A2gent/botdesk/internal/llm"
)

const doneSentinel = "[DONE]"

// StreamChunk is one decoded data payload of an event stream
type StreamChunk struct {
	Content string
	Model   string
	Usage   *llm.TokenUsage
}

// Parser decodes a server-sent event stream incrementally. Physical reads
// may split lines anywhere; the incomplete tail is kept until the next Feed.
type Parser struct {
	buf  []byte
	done bool
}

// Feed consumes the next physical chunk and returns the payloads it completed.
// Nothing is returned once the terminator has been seen.
func (p *Parser) Feed(data []byte) []StreamChunk {
	if p.done {
		return nil
	}
	p.buf = append(p.buf, data...)

	var out []StreamChunk
	for !p.done {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(p.buf[:idx])
		p.buf = p.buf[idx+1:]
		if chunk, ok := p.parseLine(line); ok {
			out = append(out, chunk)
		}
	}
	if p.done {
		p.buf = nil
	}
	return out
}

// Flush processes a final line that was not newline terminated.
func (p *Parser) Flush() []StreamChunk {
	if p.done || len(p.buf) == 0 {
		return nil
	}
	line := string(p.buf)
	p.buf = nil
	if chunk, ok := p.parseLine(line); ok {
		return []StreamChunk{chunk}
	}
	return nil
}

// Done reports whether the terminator sentinel was seen.
func (p *Parser) Done() bool {
	return p.done
}

func (p *Parser) parseLine(line string) (StreamChunk, bool) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, "data:") {
		return StreamChunk{}, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" {
		return StreamChunk{}, false
	}
	if payload == doneSentinel {
		p.done = true
		return StreamChunk{}, false
	}

	var resp chatResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		// Partial or garbage payloads are dropped
		return StreamChunk{}, false
	}

	chunk := StreamChunk{Model: resp.Model}
	if resp.Usage != nil {
		chunk.Usage = &llm.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	if len(resp.Choices) > 0 && resp.Choices[0].Delta != nil {
		chunk.Content = resp.Choices[0].Delta.Content
	}
	if chunk.Content == "" && chunk.Usage == nil {
		return StreamChunk{}, false
	}
	return chunk, true
}
