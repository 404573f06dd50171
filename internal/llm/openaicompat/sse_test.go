package openaicompat

import (
	"strings"
	"testing"
)

const sampleStream = "data: {\"model\":\"qwen-plus\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
	": keep-alive\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"lo, \"}}]}\r\n\r\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"wor\"\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"world\"}}]}\n\n" +
	"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":3,\"total_tokens\":8}}\n\n" +
	"data: [DONE]\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"ignored\"}}]}\n\n"

func collect(chunks []StreamChunk, text *strings.Builder, total *int) {
	for _, c := range chunks {
		text.WriteString(c.Content)
		if c.Usage != nil {
			*total = c.Usage.Total()
		}
	}
}

func TestParserWholeStream(t *testing.T) {
	var p Parser
	var text strings.Builder
	total := 0

	collect(p.Feed([]byte(sampleStream)), &text, &total)
	collect(p.Flush(), &text, &total)

	if got := text.String(); got != "Hello, world" {
		t.Errorf("text = %q, want %q", got, "Hello, world")
	}
	if total != 8 {
		t.Errorf("total tokens = %d, want 8", total)
	}
	if !p.Done() {
		t.Error("expected parser to be done after [DONE]")
	}
}

func TestParserSplitAtEveryBoundary(t *testing.T) {
	for size := 1; size <= 17; size++ {
		var p Parser
		var text strings.Builder
		total := 0

		data := []byte(sampleStream)
		for start := 0; start < len(data); start += size {
			end := start + size
			if end > len(data) {
				end = len(data)
			}
			collect(p.Feed(data[start:end]), &text, &total)
		}
		collect(p.Flush(), &text, &total)

		if got := text.String(); got != "Hello, world" {
			t.Errorf("chunk size %d: text = %q, want %q", size, got, "Hello, world")
		}
	}
}

func TestParserFlushUnterminatedLine(t *testing.T) {
	var p Parser
	if out := p.Feed([]byte(`data: {"choices":[{"delta":{"content":"tail"}}]}`)); len(out) != 0 {
		t.Fatalf("expected no chunks before newline, got %d", len(out))
	}
	out := p.Flush()
	if len(out) != 1 || out[0].Content != "tail" {
		t.Fatalf("Flush() = %+v, want one chunk with content tail", out)
	}
}

func TestParserIgnoresNonDataLines(t *testing.T) {
	var p Parser
	out := p.Feed([]byte("event: ping\nid: 4\nretry: 100\n\n"))
	if len(out) != 0 {
		t.Errorf("expected no chunks, got %+v", out)
	}
	if p.Done() {
		t.Error("parser should not be done")
	}
}
