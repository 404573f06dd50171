package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CurrentTimeTool reports the current time in a given zone
type CurrentTimeTool struct {
	now func() time.Time
}

// CurrentTimeParams defines parameters for the current_time tool
type CurrentTimeParams struct {
	Zone string `json:"zone,omitempty"`
}

// NewCurrentTimeTool creates a new current_time tool
func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{now: time.Now}
}

func (t *CurrentTimeTool) Name() string {
	return "current_time"
}

func (t *CurrentTimeTool) Description() string {
	return "Return the current date and time. Optionally pass an IANA time zone such as Europe/Berlin."
}

func (t *CurrentTimeTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"zone": map[string]interface{}{
				"type":        "string",
				"description": "IANA time zone name (optional, defaults to server time zone)",
			},
		},
	}
}

func (t *CurrentTimeTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p CurrentTimeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	now := t.now()
	if p.Zone != "" {
		loc, err := time.LoadLocation(p.Zone)
		if err != nil {
			return &Result{Success: false, Error: fmt.Sprintf("unknown time zone: %s", p.Zone)}, nil
		}
		now = now.In(loc)
	}

	return &Result{
		Success: true,
		Output:  now.Format("Monday, 2006-01-02 15:04:05 MST"),
	}, nil
}

var _ Tool = (*CurrentTimeTool)(nil)
