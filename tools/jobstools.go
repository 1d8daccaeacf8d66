package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bidstack/operator/jobs"
	"github.com/bidstack/operator/toolerrors"
)

// JobPlanner previews a multi-step execution plan for a request. Satisfied
// by the executor's planner.
type JobPlanner interface {
	PreviewPlan(ctx context.Context, request, guidance string) (any, error)
}

// RegisterJobs adds the background job tools. Planner is optional; without
// it job_plan reports not_configured.
func RegisterJobs(r *Registry, store *jobs.Store, planner JobPlanner) {
	r.MustRegister(Tool{
		Name:        "schedule_job",
		Description: "Queue a background job. Supply an idempotencyKey to make repeated scheduling return the existing job. dueAt defers execution.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"type": {"type": "string", "minLength": 1},
				"payload": {"type": "object"},
				"rfpId": {"type": "string"},
				"dueAt": {"type": "string"},
				"idempotencyKey": {"type": "string"},
				"createdBy": {"type": "string"}
			},
			"required": ["type"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			in := jobs.CreateInput{
				Type:           argString(args, "type"),
				Payload:        argMap(args, "payload"),
				RFPID:          argString(args, "rfpId"),
				CreatedBy:      argString(args, "createdBy"),
				IdempotencyKey: argString(args, "idempotencyKey"),
			}
			if due := argString(args, "dueAt"); due != "" {
				t, err := time.Parse(time.RFC3339, due)
				if err != nil {
					return nil, toolerrors.NewKind(toolerrors.KindValidation, "dueAt must be RFC3339")
				}
				in.DueAt = t
			}
			job, err := store.Create(ctx, in)
			if err != nil {
				return nil, err
			}
			return jobSummary(job), nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "agent_job_get",
		Description: "Fetch one job's status, progress and result by id.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"jobId": {"type": "string", "minLength": 1}},
			"required": ["jobId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			job, err := store.Get(ctx, argString(args, "jobId"))
			if err != nil {
				return nil, err
			}
			return jobDetail(job), nil
		},
	})

	r.MustRegister(Tool{
		Name:        "agent_job_list",
		Description: "List jobs in a status bucket (queued, running, completed, failed, cancelled).",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"status": {"type": "string", "enum": ["queued", "running", "completed", "failed", "cancelled"]},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["status"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			list, err := store.ListByStatus(ctx, argString(args, "status"), argInt(args, "limit"))
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(list))
			for _, job := range list {
				out = append(out, jobSummary(job))
			}
			return map[string]any{"jobs": out}, nil
		},
	})

	r.MustRegister(Tool{
		Name:        "agent_job_query_due",
		Description: "List queued jobs whose due time has passed, soonest first.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"limit": {"type": "integer", "minimum": 1, "maximum": 50}},
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			list, err := store.QueryDue(ctx, argInt(args, "limit"))
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(list))
			for _, job := range list {
				out = append(out, jobSummary(job))
			}
			return map[string]any{"jobs": out}, nil
		},
	})

	r.MustRegister(Tool{
		Name:        "job_cancel",
		Description: "Cancel a queued or running job.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"jobId": {"type": "string", "minLength": 1}},
			"required": ["jobId"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id := argString(args, "jobId")
			if err := store.Cancel(ctx, id); err != nil {
				return nil, err
			}
			return map[string]any{"jobId": id, "status": jobs.StatusCancelled}, nil
		},
		Write: true,
	})

	r.MustRegister(Tool{
		Name:        "job_plan",
		Description: "Preview the execution plan for a long-running request without scheduling anything.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"request": {"type": "string", "minLength": 1},
				"guidance": {"type": "string"}
			},
			"required": ["request"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if planner == nil {
				return nil, toolerrors.NewKind(toolerrors.KindNotConfigured, "no planner is configured")
			}
			plan, err := planner.PreviewPlan(ctx, argString(args, "request"), argString(args, "guidance"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"plan": plan}, nil
		},
	})
}

func jobSummary(job jobs.Job) map[string]any {
	out := map[string]any{
		"jobId":    job.ID,
		"type":     job.Type,
		"status":   job.Status,
		"progress": job.Progress,
	}
	if job.RFPID != "" {
		out["rfpId"] = job.RFPID
	}
	if !job.DueAt.IsZero() {
		out["dueAt"] = job.DueAt.UTC().Format(time.RFC3339)
	}
	return out
}

func jobDetail(job jobs.Job) map[string]any {
	out := jobSummary(job)
	if job.Step != "" {
		out["step"] = job.Step
	}
	if job.Message != "" {
		out["message"] = job.Message
	}
	if job.Result != nil {
		out["result"] = job.Result
	}
	if job.Error != "" {
		out["error"] = job.Error
	}
	return out
}
