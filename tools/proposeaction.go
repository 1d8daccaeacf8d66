package tools

import (
	"context"
	"encoding/json"

	"github.com/bidstack/operator/actions"
)

// RegisterProposeAction adds the risk-gated action proposal tool. The tool
// never executes anything; it files a proposal the user confirms or
// cancels through the approval surface.
func RegisterProposeAction(r *Registry, store *actions.Store) {
	r.MustRegister(Tool{
		Name:        "propose_action",
		Description: "Propose a risky action for human approval instead of executing it. Returns the proposal id; the action runs only after the user confirms.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"tool": {"type": "string", "minLength": 1},
				"args": {"type": "object"},
				"description": {"type": "string", "minLength": 1},
				"risk": {"type": "string", "enum": ["low", "medium", "high"]},
				"rfpId": {"type": "string"}
			},
			"required": ["tool", "description", "risk"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			p, _, err := store.Create(ctx, actions.CreateInput{
				Tool:        argString(args, "tool"),
				Args:        argMap(args, "args"),
				Description: argString(args, "description"),
				Risk:        argString(args, "risk"),
				RFPID:       argString(args, "rfpId"),
			})
			if err != nil {
				return nil, err
			}
			// The confirm token is delivered through the approval surface,
			// never through the model transcript.
			return map[string]any{
				"proposalId": p.ID,
				"status":     p.Status,
				"expiresAt":  p.ExpiresAt,
			}, nil
		},
	})
}
