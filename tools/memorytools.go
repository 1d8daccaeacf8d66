package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bidstack/operator/memory"
	"github.com/bidstack/operator/toolerrors"
)

// RegisterMemory adds the memory subsystem tools.
func RegisterMemory(r *Registry, store *memory.Store) {
	r.MustRegister(Tool{
		Name:        "memory_load",
		Description: "Load memories relevant to the current context: user, RFP and thread scopes, ranked by keyword overlap and recency.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"userSub": {"type": "string"},
				"rfpId": {"type": "string"},
				"channelId": {"type": "string"},
				"threadTs": {"type": "string"},
				"query": {"type": "string"},
				"types": {"type": "array", "items": {"type": "string"}},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return store.GetForContext(ctx, memory.ContextQuery{
				UserSub:   argString(args, "userSub"),
				RFPID:     argString(args, "rfpId"),
				ChannelID: argString(args, "channelId"),
				ThreadTS:  argString(args, "threadTs"),
				Query:     argString(args, "query"),
				Types:     argStrings(args, "types"),
				Limit:     argInt(args, "limit"),
			})
		},
	})

	r.MustRegister(Tool{
		Name:        "memory_search",
		Description: "Search memories in a scope by keyword.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"scopeId": {"type": "string", "minLength": 1},
				"keyword": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["scopeId", "keyword"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return store.SearchByKeyword(ctx, argString(args, "scopeId"), argString(args, "keyword"), argInt(args, "limit"))
		},
	})

	r.MustRegister(Tool{
		Name:        "memory_add",
		Description: "Record a memory in a scope. Type is one of EPISODIC, SEMANTIC, PROCEDURAL, TEMPORAL_EVENT, COLLABORATION_CONTEXT.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"scopeId": {"type": "string", "minLength": 1},
				"type": {"type": "string", "minLength": 1},
				"content": {"type": "string", "minLength": 1},
				"summary": {"type": "string"},
				"tags": {"type": "array", "items": {"type": "string"}},
				"importance": {"type": "number", "minimum": 0, "maximum": 1},
				"provenance": {"type": "string"}
			},
			"required": ["scopeId", "type", "content"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return store.Create(ctx, memory.CreateInput{
				ScopeID:    argString(args, "scopeId"),
				Type:       argString(args, "type"),
				Content:    argString(args, "content"),
				Summary:    argString(args, "summary"),
				Tags:       argStrings(args, "tags"),
				Importance: argFloat(args, "importance"),
				Provenance: argString(args, "provenance"),
			})
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "memory_add_temporal_event",
		Description: "Record a dated event memory (deadline, meeting, milestone) so the agent can reason about upcoming dates.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"scopeId": {"type": "string", "minLength": 1},
				"content": {"type": "string", "minLength": 1},
				"eventAt": {"type": "string", "minLength": 1},
				"eventType": {"type": "string"}
			},
			"required": ["scopeId", "content", "eventAt"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			at, err := time.Parse(time.RFC3339, argString(args, "eventAt"))
			if err != nil {
				return nil, toolerrors.NewKind(toolerrors.KindValidation, "eventAt must be RFC3339")
			}
			return store.AddTemporalEvent(ctx, argString(args, "scopeId"), argString(args, "content"), at, argString(args, "eventType"))
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "memory_upcoming_events",
		Description: "List dated event memories in a scope falling within the next N days, soonest first.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"scopeId": {"type": "string", "minLength": 1},
				"daysAhead": {"type": "integer", "minimum": 1, "maximum": 365},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["scopeId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return store.UpcomingEvents(ctx, argString(args, "scopeId"), argInt(args, "daysAhead"), argInt(args, "limit"))
		},
	})

	r.MustRegister(Tool{
		Name:        "memory_link",
		Description: "Link two memories with a typed relationship (RELATES_TO, CAUSED_BY, FOLLOWS, CONTRADICTS, SUPPORTS).",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"fromId": {"type": "string", "minLength": 1},
				"toId": {"type": "string", "minLength": 1},
				"relationshipType": {"type": "string", "minLength": 1},
				"bidirectional": {"type": "boolean"}
			},
			"required": ["fromId", "toId", "relationshipType"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return store.AddRelationship(ctx, argString(args, "fromId"), argString(args, "toId"), argString(args, "relationshipType"), argBool(args, "bidirectional"))
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "memory_related",
		Description: "List the memories linked from a memory, optionally filtered by relationship type.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"fromId": {"type": "string", "minLength": 1},
				"relationshipType": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["fromId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return store.Related(ctx, argString(args, "fromId"), argString(args, "relationshipType"), argInt(args, "limit"))
		},
	})
}

// RegisterExternalContext adds the cached external context fetch tool.
func RegisterExternalContext(r *Registry, ec *memory.ExternalContext) {
	r.MustRegister(Tool{
		Name:        "external_context_fetch",
		Description: "Fetch cached external context (weather, news, research, events) by source and query. Results are cached with per-source TTLs.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"source": {"type": "string", "minLength": 1},
				"query": {"type": "string", "minLength": 1},
				"params": {"type": "object", "additionalProperties": {"type": "string"}},
				"scopeId": {"type": "string"}
			},
			"required": ["source", "query"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			content, err := ec.Retrieve(ctx, argString(args, "source"), argString(args, "query"), argStringMap(args, "params"), argString(args, "scopeId"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"source": argString(args, "source"), "content": content}, nil
		},
	})
}
