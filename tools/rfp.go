package tools

import (
	"context"
	"encoding/json"

	"github.com/bidstack/operator/opportunity"
)

// RegisterRFP adds the RFP, proposal and task catalog tools.
func RegisterRFP(r *Registry, repo *opportunity.Repo) {
	r.MustRegister(Tool{
		Name:        "list_rfps",
		Description: "List recent RFPs in the catalog, newest first.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return repo.ListRFPs(ctx, argInt(args, "limit"))
		},
	})

	r.MustRegister(Tool{
		Name:        "search_rfps",
		Description: "Search RFPs by keyword over title, client and project type.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return repo.SearchRFPs(ctx, argString(args, "query"), argInt(args, "limit"))
		},
	})

	r.MustRegister(Tool{
		Name:        "get_rfp",
		Description: "Read one RFP catalog record by id.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"rfpId": {"type": "string", "minLength": 1}},
			"required": ["rfpId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return repo.GetRFP(ctx, argString(args, "rfpId"))
		},
	})

	r.MustRegister(Tool{
		Name:        "list_proposals",
		Description: "List recent proposal documents, newest first.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return repo.ListProposalDocs(ctx, argInt(args, "limit"))
		},
	})

	r.MustRegister(Tool{
		Name:        "search_proposals",
		Description: "Search proposal documents by title keyword.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return repo.SearchProposalDocs(ctx, argString(args, "query"), argInt(args, "limit"))
		},
	})

	r.MustRegister(Tool{
		Name:        "get_proposal",
		Description: "Read one proposal document with its body sections.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"proposalId": {"type": "string", "minLength": 1}},
			"required": ["proposalId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id := argString(args, "proposalId")
			doc, err := repo.GetProposalDoc(ctx, id)
			if err != nil {
				return nil, err
			}
			sections, err := repo.ListSections(ctx, id, 0)
			if err != nil {
				return nil, err
			}
			return map[string]any{"proposal": doc, "sections": sections}, nil
		},
	})

	r.MustRegister(Tool{
		Name:        "list_tasks_for_rfp",
		Description: "List the work items attached to an RFP.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"rfpId": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["rfpId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return repo.ListTasks(ctx, argString(args, "rfpId"), argInt(args, "limit"))
		},
	})
}
