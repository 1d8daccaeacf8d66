package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bidstack/operator/budget"
	"github.com/bidstack/operator/jobs"
	"github.com/bidstack/operator/memory"
	"github.com/bidstack/operator/resilience"
	"github.com/bidstack/operator/telemetry"
	"github.com/bidstack/operator/tools"
)

// Checkpoint triggers: steps since the last checkpoint, or elapsed time.
const (
	defaultCheckpointSteps  = 10
	defaultCheckpointPeriod = 300 * time.Second
)

// Per-step retry policy.
const (
	stepRetries   = 2
	stepBaseDelay = 500 * time.Millisecond
	stepMaxDelay  = 5 * time.Second
)

type (
	// Options configures an Orchestrator.
	Options struct {
		Registry *tools.Registry
		Jobs     *jobs.Store
		// Memories receives procedural learning rows. Optional.
		Memories *memory.Store
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		Clock    func() time.Time
		// CheckpointSteps and CheckpointPeriod override the defaults.
		CheckpointSteps  int
		CheckpointPeriod time.Duration
	}

	// Orchestrator runs one plan as a DAG. Step execution is sequential
	// within an orchestrator; orchestrators run in parallel across workers.
	Orchestrator struct {
		registry *tools.Registry
		jobs     *jobs.Store
		memories *memory.Store
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
		cpSteps  int
		cpPeriod time.Duration
	}

	// StepOutcome is the stored result of one executed step.
	StepOutcome struct {
		StepID string `json:"stepId"`
		Tool   string `json:"tool"`
		Result any    `json:"result,omitempty"`
		Error  string `json:"error,omitempty"`
		OK     bool   `json:"ok"`
	}

	// Result summarizes a finished run.
	Result struct {
		Success        bool                   `json:"success"`
		CompletedSteps []string               `json:"completed_steps"`
		FailedSteps    []string               `json:"failed_steps,omitempty"`
		PartialResults map[string]StepOutcome `json:"partial_results,omitempty"`
		TokenUsage     budget.State           `json:"token_usage"`
		Error          string                 `json:"error,omitempty"`
		// FailureAnalysis maps failed step ids to a retry disposition.
		FailureAnalysis map[string]string `json:"failure_analysis,omitempty"`
	}

	// runState is the mutable progress restored from a checkpoint.
	runState struct {
		completed map[string]StepOutcome
		failed    map[string]string
		counter   int
	}
)

// New builds an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, errors.New("executor: Registry is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("executor: Jobs is required")
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
	if opts.CheckpointSteps <= 0 {
		opts.CheckpointSteps = defaultCheckpointSteps
	}
	if opts.CheckpointPeriod <= 0 {
		opts.CheckpointPeriod = defaultCheckpointPeriod
	}
	return &Orchestrator{
		registry: opts.Registry,
		jobs:     opts.Jobs,
		memories: opts.Memories,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Clock,
		cpSteps:  opts.CheckpointSteps,
		cpPeriod: opts.CheckpointPeriod,
	}, nil
}

// Run executes a plan for a job. With resume=true the latest checkpoint is
// restored first and already-completed steps are not re-run; the tracker
// argument is replaced by the checkpointed one so budget accounting
// continues where it left off.
func (o *Orchestrator) Run(ctx context.Context, jobID string, plan Plan, tracker *budget.Tracker, resume bool) Result {
	state := runState{completed: map[string]StepOutcome{}, failed: map[string]string{}}
	if resume {
		if restored, cpTracker, err := o.restore(ctx, jobID); err == nil {
			state = restored
			if cpTracker != nil {
				tracker = cpTracker
			}
		} else if !errors.Is(err, jobs.ErrNotFound) {
			o.logger.Warn(ctx, "checkpoint restore failed, starting fresh", "jobId", jobID, "err", err)
		}
	}

	lastCheckpoint := o.now()
	stepsSinceCheckpoint := 0
	total := len(plan.Steps)

	for len(state.completed)+len(state.failed) < total {
		if ctx.Err() != nil {
			break
		}
		if tracker != nil && tracker.Exhausted() {
			o.logger.Warn(ctx, "budget exhausted, stopping step scheduling", "jobId", jobID)
			break
		}
		ready := readySteps(plan, state)
		if len(ready) == 0 {
			// Remaining steps depend on failures; nothing can progress.
			break
		}
		for _, step := range ready {
			outcome := o.executeStep(ctx, step, state, tracker)
			state.counter++
			stepsSinceCheckpoint++
			if outcome.OK {
				state.completed[step.StepID] = outcome
			} else {
				state.failed[step.StepID] = outcome.Error
			}
			o.progress(ctx, jobID, state, total, step)
			if stepsSinceCheckpoint >= o.cpSteps || o.now().Sub(lastCheckpoint) >= o.cpPeriod {
				o.checkpoint(ctx, jobID, state, tracker)
				lastCheckpoint = o.now()
				stepsSinceCheckpoint = 0
			}
		}
	}

	result := o.terminate(plan, state, tracker)
	o.learn(ctx, jobID, plan, result)
	return result
}

// readySteps returns unexecuted steps whose dependencies are all completed.
func readySteps(plan Plan, state runState) []Step {
	var ready []Step
	for _, step := range plan.Steps {
		if _, done := state.completed[step.StepID]; done {
			continue
		}
		if _, failed := state.failed[step.StepID]; failed {
			continue
		}
		ok := true
		for _, dep := range step.DependsOn {
			if _, done := state.completed[dep]; !done {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, step)
		}
	}
	return ready
}

// executeStep runs the primary invocation with classified retries, then
// each alternative in order, each with its own full retry.
func (o *Orchestrator) executeStep(ctx context.Context, step Step, state runState, tracker *budget.Tracker) StepOutcome {
	if step.Tool == "" {
		msg, _ := step.ToolArgs["error"].(string)
		if msg == "" {
			msg = "step has no tool"
		}
		return StepOutcome{StepID: step.StepID, OK: false, Error: msg}
	}

	invocations := append([]Alternative{{Tool: step.Tool, ToolArgs: step.ToolArgs}}, step.AlternativeApproaches...)
	var lastErr error
	for i, inv := range invocations {
		args := mergeStepContext(inv.ToolArgs, step, state, tracker)
		raw, err := json.Marshal(args)
		if err != nil {
			lastErr = err
			continue
		}
		out, err := resilience.Retry(ctx, func(ctx context.Context) (any, error) {
			return o.registry.Dispatch(ctx, inv.Tool, raw, true)
		}, resilience.RetryOptions{
			MaxRetries: stepRetries + 1,
			BaseDelay:  stepBaseDelay,
			MaxDelay:   stepMaxDelay,
			ShouldRetry: func(error) bool { return step.Retryable || i == 0 },
			OnRetry: func(attempt int, class resilience.Classification, err error) {
				o.logger.Debug(ctx, "step retry", "step", step.StepID, "tool", inv.Tool, "attempt", attempt, "category", string(class.Category), "err", err)
			},
		})
		if err == nil {
			return StepOutcome{StepID: step.StepID, Tool: inv.Tool, Result: out, OK: true}
		}
		lastErr = err
		if i < len(invocations)-1 {
			o.logger.Info(ctx, "step falling back to alternative", "step", step.StepID, "from", inv.Tool, "err", err)
		}
	}
	return StepOutcome{StepID: step.StepID, Tool: step.Tool, OK: false, Error: lastErr.Error()}
}

// mergeStepContext layers parent results and budget status under reserved
// keys without clobbering the planned arguments.
func mergeStepContext(args map[string]any, step Step, state runState, tracker *budget.Tracker) map[string]any {
	merged := make(map[string]any, len(args)+2)
	for k, v := range args {
		merged[k] = v
	}
	if len(step.DependsOn) > 0 {
		parents := make(map[string]any, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if outcome, ok := state.completed[dep]; ok {
				parents[dep] = outcome.Result
			}
		}
		if _, taken := merged["_parentResults"]; !taken && len(parents) > 0 {
			merged["_parentResults"] = parents
		}
	}
	if tracker != nil {
		if _, taken := merged["_budget"]; !taken {
			merged["_budget"] = map[string]any{
				"remainingTokens":  tracker.Remaining(),
				"remainingPercent": tracker.RemainingPercent(),
			}
		}
	}
	return merged
}

func (o *Orchestrator) progress(ctx context.Context, jobID string, state runState, total int, step Step) {
	done := len(state.completed) + len(state.failed)
	pct := 0
	if total > 0 {
		pct = done * 100 / total
	}
	if err := o.jobs.UpdateProgress(ctx, jobID, pct, step.StepID, step.Name); err != nil {
		o.logger.Warn(ctx, "progress update failed", "jobId", jobID, "err", err)
	}
}

func (o *Orchestrator) checkpoint(ctx context.Context, jobID string, state runState, tracker *budget.Tracker) {
	cpState := map[string]any{
		"completed":   state.completed,
		"failed":      state.failed,
		"stepCounter": state.counter,
	}
	if tracker != nil {
		cpState["budget"] = tracker.Snapshot()
	}
	err := o.jobs.SaveCheckpoint(ctx, jobs.Checkpoint{JobID: jobID, Seq: state.counter, State: cpState})
	if err != nil {
		o.logger.Warn(ctx, "checkpoint write failed", "jobId", jobID, "err", err)
		return
	}
	o.metrics.IncCounter("executor_checkpoints", 1)
}

func (o *Orchestrator) restore(ctx context.Context, jobID string) (runState, *budget.Tracker, error) {
	cp, err := o.jobs.LatestCheckpoint(ctx, jobID)
	if err != nil {
		return runState{}, nil, err
	}
	raw, err := json.Marshal(cp.State)
	if err != nil {
		return runState{}, nil, fmt.Errorf("executor: checkpoint state: %w", err)
	}
	var decoded struct {
		Completed   map[string]StepOutcome `json:"completed"`
		Failed      map[string]string      `json:"failed"`
		StepCounter int                    `json:"stepCounter"`
		Budget      *budget.State          `json:"budget"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return runState{}, nil, fmt.Errorf("executor: checkpoint state: %w", err)
	}
	state := runState{
		completed: decoded.Completed,
		// Steps that failed before the interruption get another chance on
		// resume.
		failed:  map[string]string{},
		counter: decoded.StepCounter,
	}
	if state.completed == nil {
		state.completed = map[string]StepOutcome{}
	}
	var tracker *budget.Tracker
	if decoded.Budget != nil {
		tracker = budget.Restore(*decoded.Budget)
	}
	o.logger.Info(ctx, "resumed from checkpoint", "jobId", jobID, "completed", len(state.completed), "failed", len(state.failed))
	return state, tracker, nil
}

// terminate builds the final result. Success requires every declared step
// completed and none failed.
func (o *Orchestrator) terminate(plan Plan, state runState, tracker *budget.Tracker) Result {
	partial := make(map[string]StepOutcome, len(state.completed)+len(state.failed))
	for id, outcome := range state.completed {
		partial[id] = outcome
	}
	for id, msg := range state.failed {
		partial[id] = StepOutcome{StepID: id, OK: false, Error: msg}
	}
	result := Result{
		CompletedSteps: sortedKeys(state.completed),
		PartialResults: partial,
	}
	if tracker != nil {
		result.TokenUsage = tracker.Snapshot()
	}
	if len(state.failed) == 0 && len(state.completed) == len(plan.Steps) {
		result.Success = true
		return result
	}
	result.FailedSteps = make([]string, 0, len(state.failed))
	result.FailureAnalysis = make(map[string]string, len(state.failed))
	for id, msg := range state.failed {
		result.FailedSteps = append(result.FailedSteps, id)
		class := resilience.Classify(errors.New(msg))
		if class.Retryable {
			result.FailureAnalysis[id] = "auto_retry_candidate"
		} else {
			result.FailureAnalysis[id] = "report"
		}
	}
	sort.Strings(result.FailedSteps)
	if len(state.failed) > 0 {
		result.Error = fmt.Sprintf("%d of %d steps failed: %s", len(state.failed), len(plan.Steps), strings.Join(result.FailedSteps, ", "))
	} else {
		result.Error = fmt.Sprintf("%d of %d steps did not run", len(plan.Steps)-len(state.completed), len(plan.Steps))
	}
	return result
}

// learn writes a procedural memory with the executed tool sequence.
func (o *Orchestrator) learn(ctx context.Context, jobID string, plan Plan, result Result) {
	if o.memories == nil {
		return
	}
	sequence := make([]string, 0, len(result.CompletedSteps))
	for _, id := range result.CompletedSteps {
		sequence = append(sequence, result.PartialResults[id].Tool)
	}
	content := map[string]any{
		"goal":         plan.Goal,
		"toolSequence": sequence,
		"success":      result.Success,
	}
	if !result.Success {
		errsByStep := make(map[string]string, len(result.FailedSteps))
		for _, id := range result.FailedSteps {
			errsByStep[id] = result.PartialResults[id].Error
		}
		content["stepErrors"] = errsByStep
		content["outcome"] = result.Error
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return
	}
	importance := 0.6
	if !result.Success {
		importance = 0.7
	}
	_, err = o.memories.Create(ctx, memory.CreateInput{
		ScopeID:    "GLOBAL",
		Type:       memory.TypeProcedural,
		Content:    string(encoded),
		Summary:    "job " + jobID + ": " + plan.Goal,
		Tags:       []string{"job_execution"},
		Importance: importance,
		Provenance: "job:" + jobID,
	})
	if err != nil {
		o.logger.Warn(ctx, "procedural memory write failed", "jobId", jobID, "err", err)
	}
}

func sortedKeys(m map[string]StepOutcome) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
