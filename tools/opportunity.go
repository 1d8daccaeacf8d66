package tools

import (
	"context"
	"encoding/json"

	"github.com/bidstack/operator/opportunity"
)

// RegisterOpportunity adds the durable opportunity state tools. The write
// tools require operator mode.
func RegisterOpportunity(r *Registry, repo *opportunity.Repo) {
	r.MustRegister(Tool{
		Name:        "opportunity_load",
		Description: "Load the canonical opportunity state for an RFP, creating a default state when absent. Includes recent journal entries and events.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"rfpId": {"type": "string", "minLength": 1}},
			"required": ["rfpId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			rfpID := argString(args, "rfpId")
			state, err := repo.EnsureState(ctx, rfpID)
			if err != nil {
				return nil, err
			}
			entries, err := repo.ListEntries(ctx, rfpID, 5)
			if err != nil {
				return nil, err
			}
			events, err := repo.ListEvents(ctx, rfpID, 5)
			if err != nil {
				return nil, err
			}
			return map[string]any{"state": state, "journal": entries, "events": events}, nil
		},
	})

	r.MustRegister(Tool{
		Name:        "opportunity_patch",
		Description: "Apply a shallow-merge patch to the opportunity state. Keys ending in _append extend existing lists. Commitments without provenance are dropped with a policy check.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"rfpId": {"type": "string", "minLength": 1},
				"patch": {"type": "object"},
				"createSnapshot": {"type": "boolean"}
			},
			"required": ["rfpId", "patch"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			state, checks, err := repo.PatchState(ctx, argString(args, "rfpId"), argMap(args, "patch"), argBool(args, "createSnapshot"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"state": state, "policyChecks": checks}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "journal_append",
		Description: "Append a narrative journal entry to an opportunity: what changed, why, assumptions and sources.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"rfpId": {"type": "string", "minLength": 1},
				"topics": {"type": "array", "items": {"type": "string"}},
				"userStated": {"type": "string"},
				"agentIntent": {"type": "string"},
				"whatChanged": {"type": "string"},
				"why": {"type": "string"},
				"assumptions": {"type": "array", "items": {"type": "string"}},
				"sources": {"type": "array", "items": {"type": "string"}},
				"meta": {"type": "object"},
				"createdBy": {"type": "string"}
			},
			"required": ["rfpId", "whatChanged"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			e := opportunity.Entry{
				RFPID:       argString(args, "rfpId"),
				Topics:      argStrings(args, "topics"),
				UserStated:  argString(args, "userStated"),
				AgentIntent: argString(args, "agentIntent"),
				WhatChanged: argString(args, "whatChanged"),
				Why:         argString(args, "why"),
				Assumptions: argStrings(args, "assumptions"),
				Sources:     argStrings(args, "sources"),
				Meta:        argMap(args, "meta"),
				CreatedBy:   argString(args, "createdBy"),
			}
			if err := repo.AppendEntry(ctx, e); err != nil {
				return nil, err
			}
			return map[string]any{"appended": true}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "event_append",
		Description: "Append a machine-grade event record to an opportunity for explainability.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"rfpId": {"type": "string", "minLength": 1},
				"type": {"type": "string", "minLength": 1},
				"tool": {"type": "string"},
				"payload": {"type": "object"},
				"confidenceFlags": {"type": "array", "items": {"type": "string"}},
				"downstreamEffects": {"type": "array", "items": {"type": "string"}},
				"correlationId": {"type": "string"}
			},
			"required": ["rfpId", "type"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			e := opportunity.Event{
				RFPID:             argString(args, "rfpId"),
				Type:              argString(args, "type"),
				Tool:              argString(args, "tool"),
				Payload:           argMap(args, "payload"),
				ConfidenceFlags:   argStrings(args, "confidenceFlags"),
				DownstreamEffects: argStrings(args, "downstreamEffects"),
				CorrelationID:     argString(args, "correlationId"),
			}
			if err := repo.AppendEvent(ctx, e); err != nil {
				return nil, err
			}
			return map[string]any{"appended": true}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "get_binding",
		Description: "Read the RFP bound to a chat thread, if any.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"channelId": {"type": "string", "minLength": 1},
				"threadTs": {"type": "string", "minLength": 1}
			},
			"required": ["channelId", "threadTs"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return repo.GetBinding(ctx, argString(args, "channelId"), argString(args, "threadTs"))
		},
	})

	r.MustRegister(Tool{
		Name:        "set_binding",
		Description: "Bind a chat thread to an RFP so later messages in the thread resolve scope automatically.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"channelId": {"type": "string", "minLength": 1},
				"threadTs": {"type": "string", "minLength": 1},
				"rfpId": {"type": "string", "minLength": 1},
				"boundBy": {"type": "string"}
			},
			"required": ["channelId", "threadTs", "rfpId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			b := opportunity.Binding{
				ChannelID: argString(args, "channelId"),
				ThreadTS:  argString(args, "threadTs"),
				RFPID:     argString(args, "rfpId"),
				BoundBy:   argString(args, "boundBy"),
			}
			if err := repo.SetBinding(ctx, b); err != nil {
				return nil, err
			}
			return map[string]any{"bound": true, "rfpId": b.RFPID}, nil
		},
		Write: true,
	})
}
