package tools

import (
	"context"
	"encoding/json"

	"github.com/bidstack/operator/browser"
)

// RegisterBrowser adds the browser worker tools. Navigation and
// interaction are write tools; the client enforces the domain allowlist.
func RegisterBrowser(r *Registry, bw *browser.Client) {
	r.MustRegister(Tool{
		Name:        "browser_new_context",
		Description: "Create a browser context and return its id.",
		Schema:      json.RawMessage(`{"type": "object", "additionalProperties": false}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id, err := bw.NewContext(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"contextId": id}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "browser_new_page",
		Description: "Open a page inside a browser context and return the page id.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"contextId": {"type": "string", "minLength": 1}},
			"required": ["contextId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id, err := bw.NewPage(ctx, argString(args, "contextId"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"pageId": id}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "browser_goto",
		Description: "Navigate a page to an allowlisted URL.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pageId": {"type": "string", "minLength": 1},
				"url": {"type": "string", "minLength": 1}
			},
			"required": ["pageId", "url"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := bw.Goto(ctx, argString(args, "pageId"), argString(args, "url")); err != nil {
				return nil, err
			}
			return map[string]any{"navigated": true}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "browser_click",
		Description: "Click the element matched by a selector.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pageId": {"type": "string", "minLength": 1},
				"selector": {"type": "string", "minLength": 1}
			},
			"required": ["pageId", "selector"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := bw.Click(ctx, argString(args, "pageId"), argString(args, "selector")); err != nil {
				return nil, err
			}
			return map[string]any{"clicked": true}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "browser_type",
		Description: "Type text into the element matched by a selector.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pageId": {"type": "string", "minLength": 1},
				"selector": {"type": "string", "minLength": 1},
				"text": {"type": "string"}
			},
			"required": ["pageId", "selector", "text"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := bw.Type(ctx, argString(args, "pageId"), argString(args, "selector"), argString(args, "text")); err != nil {
				return nil, err
			}
			return map[string]any{"typed": true}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "browser_wait_for",
		Description: "Wait until a selector is present on the page.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pageId": {"type": "string", "minLength": 1},
				"selector": {"type": "string", "minLength": 1},
				"timeoutMs": {"type": "integer", "minimum": 1, "maximum": 60000}
			},
			"required": ["pageId", "selector"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := bw.WaitFor(ctx, argString(args, "pageId"), argString(args, "selector"), argInt(args, "timeoutMs")); err != nil {
				return nil, err
			}
			return map[string]any{"found": true}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "browser_extract",
		Description: "Extract page content as text or html, optionally scoped to a selector.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pageId": {"type": "string", "minLength": 1},
				"mode": {"type": "string", "enum": ["text", "html"]},
				"selector": {"type": "string"}
			},
			"required": ["pageId", "mode"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return bw.Extract(ctx, argString(args, "pageId"), argString(args, "mode"), argString(args, "selector"))
		},
	})

	r.MustRegister(Tool{
		Name:        "browser_screenshot",
		Description: "Capture the page and return the storage key of the image.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pageId": {"type": "string", "minLength": 1},
				"fullPage": {"type": "boolean"}
			},
			"required": ["pageId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			key, err := bw.Screenshot(ctx, argString(args, "pageId"), argBool(args, "fullPage"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"key": key}, nil
		},
	})

	r.MustRegister(Tool{
		Name:        "browser_trace_start",
		Description: "Begin trace capture on a browser context.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"contextId": {"type": "string", "minLength": 1}},
			"required": ["contextId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := bw.TraceStart(ctx, argString(args, "contextId")); err != nil {
				return nil, err
			}
			return map[string]any{"tracing": true}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "browser_trace_stop",
		Description: "End trace capture and return the trace storage key.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"contextId": {"type": "string", "minLength": 1}},
			"required": ["contextId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			key, err := bw.TraceStop(ctx, argString(args, "contextId"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"key": key}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "browser_close",
		Description: "Release a page or a whole browser context.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"contextId": {"type": "string"},
				"pageId": {"type": "string"}
			},
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := bw.Close(ctx, argString(args, "contextId"), argString(args, "pageId")); err != nil {
				return nil, err
			}
			return map[string]any{"closed": true}, nil
		},
		Write: true,
	})
}
