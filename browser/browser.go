// Package browser is the RPC client for the headless browser worker. The
// worker owns the browser processes; this client speaks its JSON protocol
// and enforces the domain allowlist before any navigation leaves the
// process.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bidstack/operator/telemetry"
	"github.com/bidstack/operator/toolerrors"
)

const defaultTimeout = 45 * time.Second

type (
	// Options configures the client. Endpoint is the worker base URL.
	// AllowedDomains entries match the host or any subdomain; an empty
	// list denies all navigation.
	Options struct {
		Endpoint       string
		AllowedDomains []string
		HTTPClient     *http.Client
		Logger         telemetry.Logger
	}

	// Client dispatches RPC calls to the browser worker.
	Client struct {
		endpoint string
		allowed  []string
		httpc    *http.Client
		logger   telemetry.Logger
	}

	rpcRequest struct {
		Method string         `json:"method"`
		Params map[string]any `json:"params,omitempty"`
	}

	rpcResponse struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  string          `json:"error,omitempty"`
	}
)

// New builds a browser worker client.
func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("browser: Endpoint is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	allowed := make([]string, 0, len(opts.AllowedDomains))
	for _, d := range opts.AllowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			allowed = append(allowed, d)
		}
	}
	return &Client{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		allowed:  allowed,
		httpc:    opts.HTTPClient,
		logger:   opts.Logger,
	}, nil
}

// CheckURL verifies a URL against the domain allowlist.
func (c *Client) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return toolerrors.NewKind(toolerrors.KindValidation, fmt.Sprintf("invalid url %q", raw))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return toolerrors.NewKind(toolerrors.KindValidation, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range c.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return nil
		}
	}
	return toolerrors.NewKind(toolerrors.KindNotAllowed, fmt.Sprintf("domain %s is not allowlisted", host))
}

// Call dispatches one RPC method. URL-bearing methods are checked against
// the allowlist before the request leaves the process.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if raw, ok := params["url"].(string); ok && raw != "" {
		if err := c.CheckURL(raw); err != nil {
			return nil, err
		}
	}
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("browser: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("browser: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browser: %s: %w", method, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("browser: %s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("browser: %s: worker returned status %d", method, resp.StatusCode)
	}
	var out rpcResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("browser: %s: decode response: %w", method, err)
	}
	if !out.OK {
		return nil, toolerrors.NewKind(toolerrors.KindUpstream, fmt.Sprintf("browser worker: %s", out.Error))
	}
	return out.Result, nil
}

// NewContext creates a browser context and returns its id.
func (c *Client) NewContext(ctx context.Context) (string, error) {
	return c.callID(ctx, "new_context", nil, "contextId")
}

// NewPage opens a page inside a context and returns the page id.
func (c *Client) NewPage(ctx context.Context, contextID string) (string, error) {
	return c.callID(ctx, "new_page", map[string]any{"contextId": contextID}, "pageId")
}

// Goto navigates a page. The URL must pass the domain allowlist.
func (c *Client) Goto(ctx context.Context, pageID, rawURL string) error {
	_, err := c.Call(ctx, "goto", map[string]any{"pageId": pageID, "url": rawURL})
	return err
}

// Click clicks the element matched by a selector.
func (c *Client) Click(ctx context.Context, pageID, selector string) error {
	_, err := c.Call(ctx, "click", map[string]any{"pageId": pageID, "selector": selector})
	return err
}

// Type types text into the element matched by a selector.
func (c *Client) Type(ctx context.Context, pageID, selector, text string) error {
	_, err := c.Call(ctx, "type", map[string]any{"pageId": pageID, "selector": selector, "text": text})
	return err
}

// WaitFor waits until a selector is present, up to timeoutMS.
func (c *Client) WaitFor(ctx context.Context, pageID, selector string, timeoutMS int) error {
	params := map[string]any{"pageId": pageID, "selector": selector}
	if timeoutMS > 0 {
		params["timeoutMs"] = timeoutMS
	}
	_, err := c.Call(ctx, "wait_for", params)
	return err
}

// Extract returns page content. Mode is "text", "html" or a selector
// extraction spec understood by the worker.
func (c *Client) Extract(ctx context.Context, pageID, mode, selector string) (map[string]any, error) {
	params := map[string]any{"pageId": pageID, "mode": mode}
	if selector != "" {
		params["selector"] = selector
	}
	raw, err := c.Call(ctx, "extract", params)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("browser: extract: decode result: %w", err)
	}
	return out, nil
}

// Screenshot captures the page and returns the storage key the worker
// wrote the image to.
func (c *Client) Screenshot(ctx context.Context, pageID string, fullPage bool) (string, error) {
	return c.callID(ctx, "screenshot", map[string]any{"pageId": pageID, "fullPage": fullPage}, "key")
}

// TraceStart begins trace capture on a context.
func (c *Client) TraceStart(ctx context.Context, contextID string) error {
	_, err := c.Call(ctx, "trace_start", map[string]any{"contextId": contextID})
	return err
}

// TraceStop ends trace capture and returns the trace storage key.
func (c *Client) TraceStop(ctx context.Context, contextID string) (string, error) {
	return c.callID(ctx, "trace_stop", map[string]any{"contextId": contextID}, "key")
}

// Close releases a page or a whole context.
func (c *Client) Close(ctx context.Context, contextID, pageID string) error {
	params := map[string]any{}
	if contextID != "" {
		params["contextId"] = contextID
	}
	if pageID != "" {
		params["pageId"] = pageID
	}
	_, err := c.Call(ctx, "close", params)
	return err
}

func (c *Client) callID(ctx context.Context, method string, params map[string]any, field string) (string, error) {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return "", err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("browser: %s: decode result: %w", method, err)
	}
	id, _ := out[field].(string)
	if id == "" {
		return "", fmt.Errorf("browser: %s: worker result missing %s", method, field)
	}
	return id, nil
}
