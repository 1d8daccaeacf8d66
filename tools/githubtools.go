package tools

import (
	"context"
	"encoding/json"

	"github.com/bidstack/operator/githubadapter"
)

// RegisterGitHub adds the git host tools. Writes require operator mode and
// the adapter's repository allowlist.
func RegisterGitHub(r *Registry, gh *githubadapter.Adapter) {
	r.MustRegister(Tool{
		Name:        "get_pull",
		Description: "Read one pull request by number.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"owner": {"type": "string", "minLength": 1},
				"repo": {"type": "string", "minLength": 1},
				"number": {"type": "integer", "minimum": 1}
			},
			"required": ["owner", "repo", "number"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return gh.GetPull(ctx, argString(args, "owner"), argString(args, "repo"), argInt(args, "number"))
		},
	})

	r.MustRegister(Tool{
		Name:        "list_pulls",
		Description: "List pull requests in a repository by state (open, closed, all).",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"owner": {"type": "string", "minLength": 1},
				"repo": {"type": "string", "minLength": 1},
				"state": {"type": "string", "enum": ["open", "closed", "all"]},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["owner", "repo"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return gh.ListPulls(ctx, argString(args, "owner"), argString(args, "repo"), argString(args, "state"), argInt(args, "limit"))
		},
	})

	r.MustRegister(Tool{
		Name:        "list_check_runs",
		Description: "List the check runs for a git ref (branch, tag or SHA).",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"owner": {"type": "string", "minLength": 1},
				"repo": {"type": "string", "minLength": 1},
				"ref": {"type": "string", "minLength": 1}
			},
			"required": ["owner", "repo", "ref"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return gh.ListCheckRuns(ctx, argString(args, "owner"), argString(args, "repo"), argString(args, "ref"))
		},
	})

	r.MustRegister(Tool{
		Name:        "create_issue",
		Description: "Open an issue in an allowlisted repository.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"owner": {"type": "string", "minLength": 1},
				"repo": {"type": "string", "minLength": 1},
				"title": {"type": "string", "minLength": 1},
				"body": {"type": "string"},
				"labels": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["owner", "repo", "title"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			number, err := gh.CreateIssue(ctx, argString(args, "owner"), argString(args, "repo"), argString(args, "title"), argString(args, "body"), argStrings(args, "labels"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"number": number}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "comment_on_issue_or_pr",
		Description: "Add a comment to an issue or pull request.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"owner": {"type": "string", "minLength": 1},
				"repo": {"type": "string", "minLength": 1},
				"number": {"type": "integer", "minimum": 1},
				"body": {"type": "string", "minLength": 1}
			},
			"required": ["owner", "repo", "number", "body"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := gh.Comment(ctx, argString(args, "owner"), argString(args, "repo"), argInt(args, "number"), argString(args, "body")); err != nil {
				return nil, err
			}
			return map[string]any{"commented": true}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "add_labels",
		Description: "Attach labels to an issue or pull request.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"owner": {"type": "string", "minLength": 1},
				"repo": {"type": "string", "minLength": 1},
				"number": {"type": "integer", "minimum": 1},
				"labels": {"type": "array", "items": {"type": "string"}, "minItems": 1}
			},
			"required": ["owner", "repo", "number", "labels"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := gh.AddLabels(ctx, argString(args, "owner"), argString(args, "repo"), argInt(args, "number"), argStrings(args, "labels")); err != nil {
				return nil, err
			}
			return map[string]any{"labeled": true}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "rerun_workflow_run",
		Description: "Re-run a failed workflow run by id.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"owner": {"type": "string", "minLength": 1},
				"repo": {"type": "string", "minLength": 1},
				"runId": {"type": "integer", "minimum": 1}
			},
			"required": ["owner", "repo", "runId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := gh.RerunWorkflow(ctx, argString(args, "owner"), argString(args, "repo"), int64(argInt(args, "runId"))); err != nil {
				return nil, err
			}
			return map[string]any{"rerun": true}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "dispatch_workflow",
		Description: "Trigger a workflow_dispatch event on a workflow file.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"owner": {"type": "string", "minLength": 1},
				"repo": {"type": "string", "minLength": 1},
				"workflowFile": {"type": "string", "minLength": 1},
				"ref": {"type": "string", "minLength": 1},
				"inputs": {"type": "object"}
			},
			"required": ["owner", "repo", "workflowFile", "ref"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := gh.DispatchWorkflow(ctx, argString(args, "owner"), argString(args, "repo"), argString(args, "workflowFile"), argString(args, "ref"), argMap(args, "inputs")); err != nil {
				return nil, err
			}
			return map[string]any{"dispatched": true}, nil
		},
		Write: true,
	})
}
