// Package jobs implements the durable job queue: idempotent creation, the
// queued/running/terminal state machine, due-time queries, progress updates
// and checkpoints. The worker loop and the scheduled handlers live in
// worker.go and handlers.go.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bidstack/operator/kv"
	"github.com/bidstack/operator/telemetry"
)

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Well-known job types.
const (
	TypeAgentExecute   = "ai_agent_execute"
	TypeMaintenance    = "opportunity_maintenance"
	TypeSlackNudge     = "slack_nudge"
	TypeSelfModifyPR   = "self_modify_open_pr"
	TypeDigest         = "digest_report"
	TypeMemoryCompress = "memory_compress"
)

// maxErrorChars bounds the stored failure message.
const maxErrorChars = 800

var (
	// ErrNotFound indicates no job exists for the id.
	ErrNotFound = errors.New("jobs: job not found")
	// ErrNotCancellable indicates the job already reached a terminal state.
	ErrNotCancellable = errors.New("jobs: job is not cancellable")
)

type (
	// Job is one durable unit of background work.
	Job struct {
		ID             string         `json:"id"`
		Type           string         `json:"type"`
		Payload        map[string]any `json:"payload,omitempty"`
		RFPID          string         `json:"rfpId,omitempty"`
		IdempotencyKey string         `json:"idempotencyKey,omitempty"`
		// DependsOn lists job ids that must complete before this job is
		// claimable.
		DependsOn      []string       `json:"dependsOn,omitempty"`
		Status         string         `json:"status"`
		Progress       int            `json:"progress"`
		Step           string         `json:"step,omitempty"`
		Message        string         `json:"message,omitempty"`
		Result         map[string]any `json:"result,omitempty"`
		Error          string         `json:"error,omitempty"`
		DueAt          time.Time      `json:"dueAt"`
		CreatedBy      string         `json:"createdBy,omitempty"`
		CreatedAt      time.Time      `json:"createdAt"`
		StartedAt      time.Time      `json:"startedAt,omitempty"`
		CompletedAt    time.Time      `json:"completedAt,omitempty"`
	}

	// Checkpoint is one serialized snapshot of an executor's progress.
	Checkpoint struct {
		JobID     string         `json:"jobId"`
		Seq       int            `json:"seq"`
		State     map[string]any `json:"state"`
		CreatedAt time.Time      `json:"createdAt"`
	}

	// Options configures the store.
	Options struct {
		Store  kv.Store
		Logger telemetry.Logger
		Clock  func() time.Time
	}

	// Store persists jobs and checkpoints.
	Store struct {
		store  kv.Store
		logger telemetry.Logger
		now    func() time.Time
	}

	// CreateInput carries a new job. A zero DueAt means due now.
	CreateInput struct {
		Type           string
		Payload        map[string]any
		RFPID          string
		DependsOn      []string
		DueAt          time.Time
		CreatedBy      string
		IdempotencyKey string
	}
)

// NewStore builds a job store.
func NewStore(opts Options) (*Store, error) {
	if opts.Store == nil {
		return nil, errors.New("jobs: Store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{store: opts.Store, logger: opts.Logger, now: opts.Clock}, nil
}

// Create files a job. With an idempotency key, a repeat call returns the
// job created by the first call; exactly one of two racing creators wins
// via the conditional transact-write.
func (s *Store) Create(ctx context.Context, in CreateInput) (Job, error) {
	if in.Type == "" {
		return Job{}, errors.New("jobs: job type is required")
	}
	now := s.now().UTC()
	if in.DueAt.IsZero() {
		in.DueAt = now
	}
	job := Job{
		ID:             "job_" + ulid.Make().String(),
		Type:           in.Type,
		Payload:        in.Payload,
		RFPID:          in.RFPID,
		IdempotencyKey: in.IdempotencyKey,
		DependsOn:      in.DependsOn,
		Status:         StatusQueued,
		DueAt:          in.DueAt.UTC(),
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now,
	}

	if in.IdempotencyKey == "" {
		if err := s.putJob(ctx, job, true); err != nil {
			return Job{}, err
		}
		s.putScopeRef(ctx, job)
		return job, nil
	}

	keyPK := idemPK(in.IdempotencyKey)
	if existing, err := s.jobForKey(ctx, keyPK); err == nil {
		return existing, nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		return Job{}, err
	}

	jobItem, err := s.jobItem(job)
	if err != nil {
		return Job{}, err
	}
	keyItem := kv.Item{"pk": keyPK, "sk": "PROFILE", "jobId": job.ID, "createdAt": now.Format(time.RFC3339Nano)}
	err = s.store.Transact(ctx,
		kv.TransactOp{Put: &kv.Put{Item: jobItem, IfNotExists: true}},
		kv.TransactOp{Put: &kv.Put{Item: keyItem, IfNotExists: true}},
	)
	if errors.Is(err, kv.ErrConflict) {
		// Lost the race; the winner's job is the answer.
		return s.jobForKey(ctx, keyPK)
	}
	if err != nil {
		return Job{}, fmt.Errorf("jobs: create: %w", err)
	}
	s.putScopeRef(ctx, job)
	return job, nil
}

// Get reads one job.
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	item, err := s.store.Get(ctx, jobPK(id), "PROFILE")
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("jobs: get %s: %w", id, err)
	}
	return itemToJob(item)
}

// QueryDue returns queued jobs whose due time has passed, earliest first.
func (s *Store) QueryDue(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}
	page, err := s.store.Query(ctx, kv.Query{
		GSI1: true, PK: statusPK(StatusQueued), Ascending: true, Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: query due: %w", err)
	}
	now := s.now().UTC()
	out := make([]Job, 0, len(page.Items))
	for _, item := range page.Items {
		job, err := itemToJob(item)
		if err != nil {
			continue
		}
		if job.DueAt.After(now) {
			// Ascending by due time; everything after this is later still.
			break
		}
		out = append(out, job)
	}
	return out, nil
}

// ListByStatus returns jobs in a status, most recently due first.
func (s *Store) ListByStatus(ctx context.Context, status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 25
	}
	page, err := s.store.Query(ctx, kv.Query{GSI1: true, PK: statusPK(status), Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("jobs: list %s: %w", status, err)
	}
	out := make([]Job, 0, len(page.Items))
	for _, item := range page.Items {
		job, err := itemToJob(item)
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// TryMarkRunning claims a queued job. Exactly one concurrent claimer wins.
func (s *Store) TryMarkRunning(ctx context.Context, id string) (bool, error) {
	now := s.now().UTC()
	err := s.store.Update(ctx, kv.Update{
		PK: jobPK(id), SK: "PROFILE",
		Set: map[string]any{
			"status":    StatusRunning,
			"startedAt": now.Format(time.RFC3339Nano),
			"gsi1pk":    statusPK(StatusRunning),
		},
		IfEquals: map[string]any{"status": StatusQueued},
	})
	if errors.Is(err, kv.ErrConflict) || errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("jobs: mark running %s: %w", id, err)
	}
	return true, nil
}

// UpdateProgress records progress. Safe in any state.
func (s *Store) UpdateProgress(ctx context.Context, id string, pct int, step, message string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	err := s.store.Update(ctx, kv.Update{
		PK: jobPK(id), SK: "PROFILE",
		Set:      map[string]any{"progress": pct, "step": step, "message": message},
		IfExists: true,
	})
	if errors.Is(err, kv.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("jobs: update progress %s: %w", id, err)
	}
	return nil
}

// Complete finishes a job with a result.
func (s *Store) Complete(ctx context.Context, id string, result map[string]any) error {
	return s.finish(ctx, id, StatusCompleted, result, "")
}

// Fail finishes a job with a bounded error message.
func (s *Store) Fail(ctx context.Context, id, errMsg string) error {
	if len(errMsg) > maxErrorChars {
		errMsg = errMsg[:maxErrorChars]
	}
	return s.finish(ctx, id, StatusFailed, nil, errMsg)
}

// Cancel transitions a queued or running job to cancelled.
func (s *Store) Cancel(ctx context.Context, id string) error {
	for _, from := range []string{StatusQueued, StatusRunning} {
		err := s.store.Update(ctx, kv.Update{
			PK: jobPK(id), SK: "PROFILE",
			Set: map[string]any{
				"status":      StatusCancelled,
				"gsi1pk":      statusPK(StatusCancelled),
				"completedAt": s.now().UTC().Format(time.RFC3339Nano),
			},
			IfEquals: map[string]any{"status": from},
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, kv.ErrConflict) && !errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("jobs: cancel %s: %w", id, err)
		}
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotCancellable
}

// SaveCheckpoint persists an executor snapshot.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.JobID == "" {
		return errors.New("jobs: checkpoint requires jobId")
	}
	cp.CreatedAt = s.now().UTC()
	item, err := toItem(cp)
	if err != nil {
		return err
	}
	item["pk"] = jobPK(cp.JobID)
	item["sk"] = fmt.Sprintf("CHECKPOINT#%s#%06d", cp.CreatedAt.Format(time.RFC3339Nano), cp.Seq)
	if err := s.store.Put(ctx, kv.Put{Item: item}); err != nil {
		return fmt.Errorf("jobs: save checkpoint %s: %w", cp.JobID, err)
	}
	return nil
}

// LatestCheckpoint returns the most recent snapshot for a job, or
// ErrNotFound when none exists.
func (s *Store) LatestCheckpoint(ctx context.Context, jobID string) (Checkpoint, error) {
	page, err := s.store.Query(ctx, kv.Query{
		PK: jobPK(jobID), SKPrefix: "CHECKPOINT#", Limit: 1,
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("jobs: latest checkpoint %s: %w", jobID, err)
	}
	if len(page.Items) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	var cp Checkpoint
	if err := fromItem(page.Items[0], &cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// RecentJobSummaries renders one-line summaries of a scope's recent jobs
// for the context builder.
func (s *Store) RecentJobSummaries(ctx context.Context, rfpID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	page, err := s.store.Query(ctx, kv.Query{PK: scopePK(rfpID), Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("jobs: recent for %s: %w", rfpID, err)
	}
	lines := make([]string, 0, len(page.Items))
	for _, ref := range page.Items {
		job, err := s.Get(ctx, kv.ItemString(ref, "jobId"))
		if err != nil {
			continue
		}
		line := fmt.Sprintf("%s %s (%d%%)", job.Type, job.Status, job.Progress)
		if job.Error != "" {
			line += ": " + clip(job.Error, 120)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (s *Store) finish(ctx context.Context, id, status string, result map[string]any, errMsg string) error {
	set := map[string]any{
		"status":      status,
		"progress":    100,
		"gsi1pk":      statusPK(status),
		"completedAt": s.now().UTC().Format(time.RFC3339Nano),
	}
	if result != nil {
		set["result"] = result
	}
	if errMsg != "" {
		set["error"] = errMsg
	}
	err := s.store.Update(ctx, kv.Update{PK: jobPK(id), SK: "PROFILE", Set: set, IfExists: true})
	if errors.Is(err, kv.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("jobs: finish %s: %w", id, err)
	}
	return nil
}

func (s *Store) putJob(ctx context.Context, job Job, create bool) error {
	item, err := s.jobItem(job)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, kv.Put{Item: item, IfNotExists: create}); err != nil {
		return fmt.Errorf("jobs: put %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) jobItem(job Job) (kv.Item, error) {
	item, err := toItem(job)
	if err != nil {
		return nil, err
	}
	item["pk"] = jobPK(job.ID)
	item["sk"] = "PROFILE"
	item["gsi1pk"] = statusPK(job.Status)
	item["gsi1sk"] = job.DueAt.UTC().Format(time.RFC3339Nano) + "#" + job.ID
	return item, nil
}

// putScopeRef indexes the job under its RFP for context assembly.
// Best-effort: a failed reference write never fails the creation.
func (s *Store) putScopeRef(ctx context.Context, job Job) {
	if job.RFPID == "" {
		return
	}
	ref := kv.Item{
		"pk":    scopePK(job.RFPID),
		"sk":    job.CreatedAt.UTC().Format(time.RFC3339Nano) + "#" + job.ID,
		"jobId": job.ID,
	}
	if err := s.store.Put(ctx, kv.Put{Item: ref}); err != nil {
		s.logger.Warn(ctx, "job scope reference write failed", "jobId", job.ID, "err", err)
	}
}

func (s *Store) jobForKey(ctx context.Context, keyPK string) (Job, error) {
	item, err := s.store.Get(ctx, keyPK, "PROFILE")
	if err != nil {
		return Job{}, err
	}
	return s.Get(ctx, kv.ItemString(item, "jobId"))
}

func jobPK(id string) string        { return "JOB#" + id }
func scopePK(rfpID string) string   { return "JOBSCOPE#" + rfpID }
func statusPK(status string) string { return "JOBSTATUS#" + status }

func idemPK(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "JOBKEY#" + hex.EncodeToString(sum[:])
}

func toItem(v any) (kv.Item, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode: %w", err)
	}
	var item kv.Item
	if err := json.Unmarshal(b, &item); err != nil {
		return nil, fmt.Errorf("jobs: encode: %w", err)
	}
	return item, nil
}

func fromItem(item kv.Item, v any) error {
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("jobs: decode: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("jobs: decode: %w", err)
	}
	return nil
}

func itemToJob(item kv.Item) (Job, error) {
	var job Job
	if err := fromItem(item, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
