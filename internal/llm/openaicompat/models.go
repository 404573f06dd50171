package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// ListModels fetches available models from the provider with fallback
func (c *Client) ListModels(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fallbackModels()
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fallbackModels()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fallbackModels()
	}

	var body modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || len(body.Data) == 0 {
		return fallbackModels()
	}

	models := make([]string, 0, len(body.Data))
	for _, m := range body.Data {
		models = append(models, m.ID)
	}
	return models
}

// fallbackModels returns a static list of well-known compatible-mode models
func fallbackModels() []string {
	return []string{
		"qwen-max",
		"qwen-plus",
		"qwen-turbo",
		"qwen3-235b-a22b",
		"qwen3-32b",
		"deepseek-v3",
		"deepseek-r1",
	}
}
