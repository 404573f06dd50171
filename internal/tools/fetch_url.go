package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

const (
	fetchTimeout     = 15 * time.Second
	maxFetchBytes    = 1 << 20
	maxFetchedOutput = 20000
)

var errRestrictedHost = errors.New("host resolves to a loopback or private address")

// FetchURLTool downloads a web page and returns it as Markdown.
// Loopback, private and link-local addresses are refused unless
// allowPrivate is set.
type FetchURLTool struct {
	client       *http.Client
	allowPrivate bool
}

// FetchURLParams defines parameters for the fetch_url tool
type FetchURLParams struct {
	URL string `json:"url"`
}

// NewFetchURLTool creates a new fetch_url tool
func NewFetchURLTool() *FetchURLTool {
	t := &FetchURLTool{}
	dialer := &net.Dialer{Timeout: fetchTimeout, Control: t.checkAddress}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	t.client = &http.Client{Timeout: fetchTimeout, Transport: transport}
	return t
}

// checkAddress runs after DNS resolution, so redirects and rebinding are covered too
func (t *FetchURLTool) checkAddress(network, address string, _ syscall.RawConn) error {
	if t.allowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() {
		return errRestrictedHost
	}
	return nil
}

func (t *FetchURLTool) Name() string {
	return "fetch_url"
}

func (t *FetchURLTool) Description() string {
	return `Fetch a web page over HTTP(S) and return its content converted to Markdown.
Use this to read articles or documentation the user refers to.`
}

func (t *FetchURLTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Absolute http or https URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (t *FetchURLTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p FetchURLParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	u, err := url.Parse(strings.TrimSpace(p.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &Result{Success: false, Error: "url must be an absolute http or https URL"}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := t.client.Do(req)
	if err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("fetch failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Result{Success: false, Error: fmt.Sprintf("fetch failed: http %d", resp.StatusCode)}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("read failed: %v", err)}, nil
	}

	content := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		converter := md.NewConverter(u.Host, true, nil)
		content, err = converter.ConvertString(content)
		if err != nil {
			return &Result{Success: false, Error: fmt.Sprintf("convert failed: %v", err)}, nil
		}
	}

	content = strings.TrimSpace(content)
	if len(content) > maxFetchedOutput {
		cut := maxFetchedOutput
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut] + "\n... (truncated)"
	}

	return &Result{Success: true, Output: content}, nil
}

var _ Tool = (*FetchURLTool)(nil)
