// Package worker polls the durable job queue and executes due jobs. Agent
// execution jobs are planned and run through the step orchestrator; the
// remaining job types have dedicated handlers. Multiple workers can poll
// the same table; the conditional running transition makes claiming safe.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bidstack/operator/budget"
	"github.com/bidstack/operator/executor"
	"github.com/bidstack/operator/githubadapter"
	"github.com/bidstack/operator/jobs"
	"github.com/bidstack/operator/memory"
	"github.com/bidstack/operator/opportunity"
	"github.com/bidstack/operator/slackadapter"
	"github.com/bidstack/operator/telemetry"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatch        = 10

	// nudgeWindow is how close a due date must be before maintenance
	// raises a reminder.
	nudgeWindow = 72 * time.Hour
)

type (
	// Options configures a Worker. Jobs, Planner and Orchestrator are
	// required; the rest enable individual job types.
	Options struct {
		Jobs          *jobs.Store
		Planner       *executor.Planner
		Orchestrator  *executor.Orchestrator
		Opportunities *opportunity.Repo
		Memories      *memory.Store
		Chat          *slackadapter.Adapter
		Code          *githubadapter.Adapter
		Logger        telemetry.Logger
		Metrics       telemetry.Metrics
		Clock         func() time.Time
		PollInterval  time.Duration
		// Model anchors budget trackers for agent execution jobs.
		Model string
	}

	// Worker drains due jobs.
	Worker struct {
		jobs     *jobs.Store
		planner  *executor.Planner
		orch     *executor.Orchestrator
		opps     *opportunity.Repo
		memories *memory.Store
		chat     *slackadapter.Adapter
		code     *githubadapter.Adapter
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
		interval time.Duration
		model    string
	}
)

// New builds a worker.
func New(opts Options) (*Worker, error) {
	if opts.Jobs == nil || opts.Planner == nil || opts.Orchestrator == nil {
		return nil, errors.New("worker: Jobs, Planner and Orchestrator are required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NopMetrics{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Worker{
		jobs:     opts.Jobs,
		planner:  opts.Planner,
		orch:     opts.Orchestrator,
		opps:     opts.Opportunities,
		memories: opts.Memories,
		chat:     opts.Chat,
		code:     opts.Code,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Clock,
		interval: opts.PollInterval,
		model:    opts.Model,
	}, nil
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if n, err := w.Drain(ctx); err != nil {
			w.logger.Error(ctx, "poll failed", "err", err)
		} else if n > 0 {
			w.logger.Info(ctx, "processed jobs", "count", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain claims and executes every currently due job once. Returns how many
// jobs this worker ran.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	due, err := w.jobs.QueryDue(ctx, defaultBatch)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, job := range due {
		if len(job.DependsOn) > 0 {
			ready, derr := w.dependenciesReady(ctx, job)
			if derr != nil {
				if claimed, _ := w.jobs.TryMarkRunning(ctx, job.ID); claimed {
					ran++
					if ferr := w.jobs.Fail(ctx, job.ID, derr.Error()); ferr != nil {
						w.logger.Error(ctx, "failure record failed", "jobId", job.ID, "err", ferr)
					}
				}
				continue
			}
			if !ready {
				continue
			}
		}
		claimed, err := w.jobs.TryMarkRunning(ctx, job.ID)
		if err != nil {
			w.logger.Warn(ctx, "claim failed", "jobId", job.ID, "err", err)
			continue
		}
		if !claimed {
			continue
		}
		ran++
		w.execute(ctx, job)
	}
	return ran, nil
}

// dependenciesReady reports whether every upstream job has completed. A
// failed, cancelled or missing dependency is unrecoverable and returns an
// error so the job fails instead of waiting forever.
func (w *Worker) dependenciesReady(ctx context.Context, job jobs.Job) (bool, error) {
	for _, depID := range job.DependsOn {
		dep, err := w.jobs.Get(ctx, depID)
		if err != nil {
			return false, fmt.Errorf("worker: dependency %s: %w", depID, err)
		}
		switch dep.Status {
		case jobs.StatusCompleted:
		case jobs.StatusFailed, jobs.StatusCancelled:
			return false, fmt.Errorf("worker: dependency %s is %s", depID, dep.Status)
		default:
			return false, nil
		}
	}
	return true, nil
}

// execute runs one claimed job and records the terminal status.
func (w *Worker) execute(ctx context.Context, job jobs.Job) {
	start := w.now()
	result, err := w.handle(ctx, job)
	w.metrics.RecordTimer("worker_job", w.now().Sub(start), "type", job.Type)
	if err != nil {
		w.metrics.IncCounter("worker_job_failed", 1, "type", job.Type)
		if ferr := w.jobs.Fail(ctx, job.ID, err.Error()); ferr != nil {
			w.logger.Error(ctx, "failure record failed", "jobId", job.ID, "err", ferr)
		}
		return
	}
	if cerr := w.jobs.Complete(ctx, job.ID, result); cerr != nil {
		w.logger.Error(ctx, "completion record failed", "jobId", job.ID, "err", cerr)
	}
}

func (w *Worker) handle(ctx context.Context, job jobs.Job) (map[string]any, error) {
	switch job.Type {
	case jobs.TypeAgentExecute:
		return w.runAgentExecute(ctx, job)
	case jobs.TypeMaintenance:
		return w.runMaintenance(ctx, job)
	case jobs.TypeSlackNudge:
		return w.runSlackNudge(ctx, job)
	case jobs.TypeSelfModifyPR:
		return w.runSelfModifyPR(ctx, job)
	case jobs.TypeDigest:
		return w.runDigest(ctx, job)
	case jobs.TypeMemoryCompress:
		return w.runMemoryCompress(ctx, job)
	default:
		return nil, fmt.Errorf("worker: unknown job type %q", job.Type)
	}
}

// runAgentExecute plans the request as a step DAG and runs it under a
// budget. A job that already has a checkpoint resumes from it.
func (w *Worker) runAgentExecute(ctx context.Context, job jobs.Job) (map[string]any, error) {
	request, _ := job.Payload["request"].(string)
	if request == "" {
		return nil, errors.New("worker: agent execution requires payload.request")
	}
	tracker := w.trackerFor(job)

	resume := false
	if _, err := w.jobs.LatestCheckpoint(ctx, job.ID); err == nil {
		resume = true
	}

	plan, err := w.planFor(ctx, job, request, tracker)
	if err != nil {
		return nil, err
	}
	if uerr := w.jobs.UpdateProgress(ctx, job.ID, 5, "planned", fmt.Sprintf("%d steps", len(plan.Steps))); uerr != nil {
		w.logger.Warn(ctx, "progress update failed", "jobId", job.ID, "err", uerr)
	}

	result := w.orch.Run(ctx, job.ID, plan, tracker, resume)
	out := map[string]any{
		"success":         result.Success,
		"completedSteps":  result.CompletedSteps,
		"failedSteps":     result.FailedSteps,
		"tokenUsage":      result.TokenUsage,
		"failureAnalysis": result.FailureAnalysis,
	}
	if !result.Success {
		encoded, _ := json.Marshal(out)
		return nil, fmt.Errorf("worker: run incomplete: %s: %s", result.Error, string(encoded))
	}
	return out, nil
}

// planFor reuses a plan pinned in the payload, otherwise asks the planner
// with guidance from past procedural memories.
func (w *Worker) planFor(ctx context.Context, job jobs.Job, request string, tracker *budget.Tracker) (executor.Plan, error) {
	if raw, ok := job.Payload["plan"]; ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return executor.Plan{}, fmt.Errorf("worker: pinned plan: %w", err)
		}
		var plan executor.Plan
		if err := json.Unmarshal(encoded, &plan); err != nil {
			return executor.Plan{}, fmt.Errorf("worker: pinned plan: %w", err)
		}
		return plan, nil
	}
	return w.planner.Plan(ctx, request, w.guidance(ctx), tracker), nil
}

// guidance surfaces recent procedural memories to the planner.
func (w *Worker) guidance(ctx context.Context) string {
	if w.memories == nil {
		return ""
	}
	ms, err := w.memories.List(ctx, "GLOBAL", memory.TypeProcedural, 5)
	if err != nil || len(ms) == 0 {
		return ""
	}
	lines := make([]string, 0, len(ms))
	for _, m := range ms {
		lines = append(lines, "- "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func (w *Worker) trackerFor(job jobs.Job) *budget.Tracker {
	if usd, ok := job.Payload["costBudgetUsd"].(float64); ok && usd > 0 {
		return budget.NewTrackerFromCost(usd, w.model)
	}
	if minutes, ok := job.Payload["timeBudgetMinutes"].(float64); ok && minutes > 0 {
		return budget.NewTrackerFromMinutes(minutes, w.model)
	}
	return budget.NewTrackerDefault(w.model)
}

// runMaintenance sweeps recent opportunities for approaching due dates and
// files nudge jobs for them. The idempotency key makes repeated sweeps
// reuse the same nudge.
func (w *Worker) runMaintenance(ctx context.Context, job jobs.Job) (map[string]any, error) {
	if w.opps == nil {
		return nil, errors.New("worker: maintenance requires the opportunity repo")
	}
	states, err := w.opps.ListRecentStates(ctx, 50)
	if err != nil {
		return nil, err
	}
	now := w.now().UTC()
	flagged := 0
	for _, state := range states {
		for label, raw := range state.DueDates {
			due, err := time.Parse("2006-01-02", raw)
			if err != nil {
				continue
			}
			until := due.Sub(now)
			if until < 0 || until > nudgeWindow {
				continue
			}
			flagged++
			channelID, _ := job.Payload["channelId"].(string)
			if channelID == "" {
				continue
			}
			_, err = w.jobs.Create(ctx, jobs.CreateInput{
				Type:  jobs.TypeSlackNudge,
				RFPID: state.RFPID,
				Payload: map[string]any{
					"channelId": channelID,
					"message":   fmt.Sprintf("Reminder: %s for %s is due %s.", label, state.RFPID, raw),
				},
				CreatedBy:      "maintenance",
				IdempotencyKey: fmt.Sprintf("nudge:%s:%s:%s", state.RFPID, label, raw),
			})
			if err != nil {
				w.logger.Warn(ctx, "nudge scheduling failed", "rfpId", state.RFPID, "err", err)
			}
		}
	}
	return map[string]any{"scanned": len(states), "flagged": flagged}, nil
}

func (w *Worker) runSlackNudge(ctx context.Context, job jobs.Job) (map[string]any, error) {
	if w.chat == nil {
		return nil, errors.New("worker: slack nudge requires the chat adapter")
	}
	channelID, _ := job.Payload["channelId"].(string)
	message, _ := job.Payload["message"].(string)
	if channelID == "" || message == "" {
		return nil, errors.New("worker: slack nudge requires payload.channelId and payload.message")
	}
	threadTS, _ := job.Payload["threadTs"].(string)
	ts, err := w.chat.PostMessage(ctx, channelID, threadTS, message)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ts": ts}, nil
}

// runSelfModifyPR turns a stored change proposal into a pull request. The
// branch named in the payload must already carry the change; this job only
// opens the review surface.
func (w *Worker) runSelfModifyPR(ctx context.Context, job jobs.Job) (map[string]any, error) {
	if w.code == nil || w.opps == nil {
		return nil, errors.New("worker: self-modify requires the code adapter and opportunity repo")
	}
	proposalID, _ := job.Payload["proposalId"].(string)
	owner, _ := job.Payload["owner"].(string)
	repo, _ := job.Payload["repo"].(string)
	head, _ := job.Payload["head"].(string)
	base, _ := job.Payload["base"].(string)
	if proposalID == "" || owner == "" || repo == "" || head == "" {
		return nil, errors.New("worker: self-modify requires payload.proposalId, owner, repo and head")
	}
	if base == "" {
		base = "main"
	}
	proposal, err := w.opps.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	body := proposal.Summary
	if len(proposal.FilesTouched) > 0 {
		body += "\n\nFiles touched:\n- " + strings.Join(proposal.FilesTouched, "\n- ")
	}
	pr, err := w.code.CreatePull(ctx, owner, repo, proposal.Title, head, base, body)
	if err != nil {
		return nil, err
	}
	return map[string]any{"number": pr.Number, "url": pr.URL}, nil
}

// runDigest posts a cross-opportunity status digest.
func (w *Worker) runDigest(ctx context.Context, job jobs.Job) (map[string]any, error) {
	if w.chat == nil || w.opps == nil {
		return nil, errors.New("worker: digest requires the chat adapter and opportunity repo")
	}
	channelID, _ := job.Payload["channelId"].(string)
	if channelID == "" {
		return nil, errors.New("worker: digest requires payload.channelId")
	}
	states, err := w.opps.ListRecentStates(ctx, 20)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return map[string]any{"posted": false}, nil
	}
	sort.Slice(states, func(i, j int) bool { return states[i].UpdatedAt.After(states[j].UpdatedAt) })
	var sb strings.Builder
	sb.WriteString("Opportunity digest:\n")
	for _, s := range states {
		line := fmt.Sprintf("- %s (%s)", s.RFPID, s.Stage)
		if s.Summary != "" {
			line += ": " + clip(s.Summary, 140)
		}
		sb.WriteString(line + "\n")
	}
	ts, err := w.chat.PostMessage(ctx, channelID, "", sb.String())
	if err != nil {
		return nil, err
	}
	return map[string]any{"posted": true, "ts": ts, "opportunities": len(states)}, nil
}

func (w *Worker) runMemoryCompress(ctx context.Context, job jobs.Job) (map[string]any, error) {
	if w.memories == nil {
		return nil, errors.New("worker: memory compression requires the memory store")
	}
	scopeID, _ := job.Payload["scopeId"].(string)
	memType, _ := job.Payload["type"].(string)
	if scopeID == "" {
		scopeID = "GLOBAL"
	}
	if memType == "" {
		memType = memory.TypeEpisodic
	}
	daysOld, _ := job.Payload["daysOld"].(float64)
	res, err := w.memories.Compress(ctx, memory.CompressOptions{
		ScopeID: scopeID,
		Type:    memType,
		DaysOld: int(daysOld),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"compressedId": res.Compressed.ID,
		"originals":    len(res.OriginalMemoryIDs),
	}, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
