// Package executor turns free-form job requests into step plans and runs
// them as a dependency DAG with checkpointing and budget tracking.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bidstack/operator/budget"
	"github.com/bidstack/operator/model/ai"
	"github.com/bidstack/operator/telemetry"
	"github.com/bidstack/operator/tools"
)

type (
	// Plan is a model-produced step DAG for one job.
	Plan struct {
		Goal                      string `json:"goal"`
		Steps                     []Step `json:"steps"`
		EstimatedTotalTimeSeconds int    `json:"estimated_total_time_seconds,omitempty"`
		RequiresCheckpointing     bool   `json:"requires_checkpointing,omitempty"`
		CanPartialSucceed         bool   `json:"can_partial_succeed,omitempty"`
		Notes                     string `json:"notes,omitempty"`
	}

	// Step is one node of the DAG. Alternatives are tried in order when the
	// primary invocation fails after retries.
	Step struct {
		StepID                string         `json:"step_id"`
		Name                  string         `json:"name"`
		Tool                  string         `json:"tool"`
		ToolArgs              map[string]any `json:"tool_args,omitempty"`
		DependsOn             []string       `json:"depends_on,omitempty"`
		EstimatedTimeSeconds  int            `json:"estimated_time_seconds,omitempty"`
		Retryable             bool           `json:"retryable,omitempty"`
		AlternativeApproaches []Alternative  `json:"alternative_approaches,omitempty"`
		SuccessCriteria       string         `json:"success_criteria,omitempty"`
		FailureHandling       string         `json:"failure_handling,omitempty"`
	}

	// Alternative is a fallback tool invocation for a step.
	Alternative struct {
		Tool     string         `json:"tool"`
		ToolArgs map[string]any `json:"tool_args,omitempty"`
	}

	// PlannerAI is the JSON extraction surface the planner needs.
	PlannerAI interface {
		CallJSON(ctx context.Context, prompt string, schema []byte, out any, opts ai.JSONOptions) error
	}

	// Planner asks the model for a plan, falling back to a degenerate
	// single-step plan when planning itself fails.
	Planner struct {
		ai       PlannerAI
		registry *tools.Registry
		logger   telemetry.Logger
	}
)

var planSchema = []byte(`{
	"type": "object",
	"properties": {
		"goal": {"type": "string"},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"step_id": {"type": "string"},
					"name": {"type": "string"},
					"tool": {"type": "string"},
					"tool_args": {"type": "object"},
					"depends_on": {"type": "array", "items": {"type": "string"}},
					"estimated_time_seconds": {"type": "integer"},
					"retryable": {"type": "boolean"},
					"alternative_approaches": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"tool": {"type": "string"},
								"tool_args": {"type": "object"}
							},
							"required": ["tool"]
						}
					},
					"success_criteria": {"type": "string"},
					"failure_handling": {"type": "string"}
				},
				"required": ["step_id", "name", "tool"]
			}
		},
		"estimated_total_time_seconds": {"type": "integer"},
		"requires_checkpointing": {"type": "boolean"},
		"can_partial_succeed": {"type": "boolean"},
		"notes": {"type": "string"}
	},
	"required": ["goal", "steps"]
}`)

// NewPlanner builds a planner over the tool registry.
func NewPlanner(aiClient PlannerAI, registry *tools.Registry, logger telemetry.Logger) (*Planner, error) {
	if aiClient == nil || registry == nil {
		return nil, errors.New("executor: ai client and registry are required")
	}
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	return &Planner{ai: aiClient, registry: registry, logger: logger}, nil
}

// Plan asks the model for a step DAG. Guidance from prior similar jobs may
// be empty. A planning failure degrades to a single-step plan that
// surfaces the error when executed.
func (p *Planner) Plan(ctx context.Context, request, guidance string, tracker *budget.Tracker) Plan {
	var plan Plan
	err := p.ai.CallJSON(ctx, p.prompt(request, guidance), planSchema, &plan, ai.JSONOptions{
		CallOptions: ai.CallOptions{Purpose: ai.PurposePlanning, Tracker: tracker},
		Validate: func(v any) error {
			b, err := json.Marshal(v)
			if err != nil {
				return err
			}
			var candidate Plan
			if err := json.Unmarshal(b, &candidate); err != nil {
				return err
			}
			return validatePlan(candidate)
		},
	})
	if err != nil {
		p.logger.Warn(ctx, "planning failed, using degenerate plan", "err", err)
		return degeneratePlan(request, err)
	}
	return plan
}

// PreviewPlan satisfies the tool registry's job planner contract.
func (p *Planner) PreviewPlan(ctx context.Context, request, guidance string) (any, error) {
	return p.Plan(ctx, request, guidance, nil), nil
}

func (p *Planner) prompt(request, guidance string) string {
	var b strings.Builder
	b.WriteString("Plan the following request as a JSON step graph. Each step invokes exactly one tool from the inventory; depends_on references earlier step_ids.\n\n")
	b.WriteString("Tool inventory:\n")
	for _, def := range p.registry.Definitions(true) {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
	}
	if guidance != "" {
		b.WriteString("\nGuidance from similar past jobs:\n")
		b.WriteString(guidance)
		b.WriteString("\n")
	}
	b.WriteString("\nRequest:\n")
	b.WriteString(request)
	return b.String()
}

// validatePlan rejects plans the orchestrator cannot run: duplicate ids,
// dangling dependencies, dependency cycles.
func validatePlan(plan Plan) error {
	if len(plan.Steps) == 0 {
		return errors.New("plan has no steps")
	}
	ids := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		if s.StepID == "" || s.Tool == "" {
			return errors.New("every step needs step_id and tool")
		}
		if ids[s.StepID] {
			return fmt.Errorf("duplicate step_id %q", s.StepID)
		}
		ids[s.StepID] = true
	}
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", s.StepID, dep)
			}
		}
	}
	return checkAcyclic(plan.Steps)
}

func checkAcyclic(steps []Step) error {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.StepID] = s.DependsOn
	}
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle through step %q", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, s := range steps {
		if err := visit(s.StepID); err != nil {
			return err
		}
	}
	return nil
}

// degeneratePlan surfaces the planning failure as the single step's
// outcome instead of silently dropping the job.
func degeneratePlan(request string, planErr error) Plan {
	return Plan{
		Goal: request,
		Steps: []Step{{
			StepID:   "report_planning_failure",
			Name:     "report planning failure",
			Tool:     "",
			ToolArgs: map[string]any{"error": planErr.Error()},
		}},
		Notes: "planning failed: " + planErr.Error(),
	}
}
