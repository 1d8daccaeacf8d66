// Package intake turns an uploaded document into an RFP catalog record.
// Three extraction passes run in parallel over the document text (profile
// metadata, key dates, itemized lists); a partial result still produces a
// usable record since the profile pass alone carries enough to file the RFP.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bidstack/operator/blob"
	"github.com/bidstack/operator/model/ai"
	"github.com/bidstack/operator/opportunity"
	"github.com/bidstack/operator/resilience"
	"github.com/bidstack/operator/telemetry"
)

// maxDocChars bounds the text handed to the extraction passes.
const maxDocChars = 24000

type (
	// Extractor is the JSON extraction surface of the AI client.
	Extractor interface {
		CallJSON(ctx context.Context, prompt string, schema []byte, out any, opts ai.JSONOptions) error
	}

	// Options configures the intake pipeline.
	Options struct {
		AI      Extractor
		Repo    *opportunity.Repo
		Objects blob.Store
		Logger  telemetry.Logger
		Clock   func() time.Time
	}

	// Pipeline files RFPs from raw documents.
	Pipeline struct {
		ai      Extractor
		repo    *opportunity.Repo
		objects blob.Store
		logger  telemetry.Logger
		now     func() time.Time
	}

	// Input carries one document to file.
	Input struct {
		FileName string
		Text     string
		// Raw, when set, is archived alongside the extracted record.
		Raw         []byte
		ContentType string
		// Source records where the document came from (chat file id, URL).
		Source string
	}

	// Result is the filed record plus whatever the extraction passes found.
	Result struct {
		RFP     opportunity.RFP   `json:"rfp"`
		Dates   map[string]string `json:"dates,omitempty"`
		Tasks   []opportunity.Task `json:"tasks,omitempty"`
		Partial bool               `json:"partial,omitempty"`
		Failed  []string           `json:"failed,omitempty"`
	}

	metaResult struct {
		Title       string `json:"title"`
		Client      string `json:"client"`
		ProjectType string `json:"projectType"`
		Summary     string `json:"summary"`
	}

	datesResult struct {
		Dates []struct {
			Label string `json:"label"`
			Date  string `json:"date"`
		} `json:"dates"`
	}

	listsResult struct {
		Requirements []string `json:"requirements"`
		Deliverables []string `json:"deliverables"`
	}
)

var metaSchema = []byte(`{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"client": {"type": "string"},
		"projectType": {"type": "string"},
		"summary": {"type": "string"}
	},
	"required": ["title", "summary"]
}`)

var datesSchema = []byte(`{
	"type": "object",
	"properties": {
		"dates": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"label": {"type": "string"},
					"date": {"type": "string"}
				},
				"required": ["label", "date"]
			}
		}
	},
	"required": ["dates"]
}`)

var listsSchema = []byte(`{
	"type": "object",
	"properties": {
		"requirements": {"type": "array", "items": {"type": "string"}},
		"deliverables": {"type": "array", "items": {"type": "string"}}
	}
}`)

// New builds an intake pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.AI == nil {
		return nil, errors.New("intake: AI is required")
	}
	if opts.Repo == nil {
		return nil, errors.New("intake: Repo is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Pipeline{
		ai:      opts.AI,
		repo:    opts.Repo,
		objects: opts.Objects,
		logger:  opts.Logger,
		now:     opts.Clock,
	}, nil
}

// CreateRFP runs the extraction passes and files the catalog record. The
// profile pass is mandatory; dates and lists degrade to empty on failure.
func (p *Pipeline) CreateRFP(ctx context.Context, in Input) (Result, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Result{}, errors.New("intake: document text is empty")
	}
	if len(text) > maxDocChars {
		text = text[:maxDocChars]
	}

	var (
		meta  metaResult
		dates datesResult
		lists listsResult
	)
	steps := []struct {
		name   string
		run    func(ctx context.Context) error
		result *resilience.StepResult
	}{
		{name: "meta", run: func(ctx context.Context) error {
			return p.ai.CallJSON(ctx, metaPrompt(text), metaSchema, &meta, ai.JSONOptions{
				CallOptions: ai.CallOptions{Purpose: ai.PurposeExtraction},
			})
		}},
		{name: "dates", run: func(ctx context.Context) error {
			return p.ai.CallJSON(ctx, datesPrompt(text), datesSchema, &dates, ai.JSONOptions{
				CallOptions: ai.CallOptions{Purpose: ai.PurposeExtraction},
			})
		}},
		{name: "lists", run: func(ctx context.Context) error {
			return p.ai.CallJSON(ctx, listsPrompt(text), listsSchema, &lists, ai.JSONOptions{
				CallOptions: ai.CallOptions{Purpose: ai.PurposeExtraction},
			})
		}},
	}

	results := make([]resilience.StepResult, len(steps))
	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		go func(i int, name string, run func(ctx context.Context) error) {
			defer wg.Done()
			err := run(ctx)
			results[i] = resilience.StepResult{OK: err == nil, Name: name, Err: err}
		}(i, step.name, step.run)
	}
	wg.Wait()

	outcome := resilience.CombinePartial(results, 1, true)
	if !outcome.OK {
		return Result{}, fmt.Errorf("intake: all extraction passes failed: %w", outcome.Err)
	}
	for _, name := range outcome.Failed {
		if name == "meta" {
			return Result{}, errors.New("intake: profile extraction failed")
		}
		p.logger.Warn(ctx, "intake extraction pass failed", "pass", name)
	}

	rfp := opportunity.RFP{
		Title:       fallbackTitle(meta.Title, in.FileName),
		Client:      meta.Client,
		ProjectType: meta.ProjectType,
		Status:      "intake",
		Summary:     meta.Summary,
	}
	dateMap := map[string]string{}
	for _, d := range dates.Dates {
		if d.Label != "" && d.Date != "" {
			dateMap[d.Label] = d.Date
		}
	}
	if due, ok := pickDueDate(dateMap); ok {
		rfp.DueDate = due
	}

	if p.objects != nil && len(in.Raw) > 0 {
		key := "rfp/intake/" + p.now().UTC().Format("2006-01-02") + "/" + in.FileName
		if err := p.objects.PutBytes(ctx, key, in.Raw, in.ContentType); err != nil {
			p.logger.Warn(ctx, "intake archive failed", "key", key, "err", err)
		} else {
			rfp.SourceKey = key
		}
	}

	filed, err := p.repo.PutRFP(ctx, rfp)
	if err != nil {
		return Result{}, err
	}
	if len(dateMap) > 0 {
		if _, _, err := p.repo.PatchState(ctx, filed.ID, map[string]any{"dueDates": dateMap}, false); err != nil {
			p.logger.Warn(ctx, "intake due dates patch failed", "rfpId", filed.ID, "err", err)
		}
	}

	tasks := make([]opportunity.Task, 0, len(lists.Requirements)+len(lists.Deliverables))
	for _, item := range append(lists.Requirements, lists.Deliverables...) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		task, err := p.repo.PutTask(ctx, opportunity.Task{RFPID: filed.ID, Title: item})
		if err != nil {
			p.logger.Warn(ctx, "intake task write failed", "rfpId", filed.ID, "err", err)
			continue
		}
		tasks = append(tasks, task)
	}

	p.appendIntakeEvent(ctx, filed.ID, in, outcome)
	return Result{
		RFP:     filed,
		Dates:   dateMap,
		Tasks:   tasks,
		Partial: outcome.Partial,
		Failed:  outcome.Failed,
	}, nil
}

func (p *Pipeline) appendIntakeEvent(ctx context.Context, rfpID string, in Input, outcome resilience.PartialOutcome) {
	payload := map[string]any{"fileName": in.FileName, "source": in.Source}
	if outcome.Partial {
		payload["failedPasses"] = outcome.Failed
	}
	e := opportunity.Event{RFPID: rfpID, Type: "rfp_intake", Payload: payload}
	if err := p.repo.AppendEvent(ctx, e); err != nil {
		p.logger.Warn(ctx, "intake event write failed", "rfpId", rfpID, "err", err)
	}
}

func fallbackTitle(title, fileName string) string {
	title = strings.TrimSpace(title)
	if title != "" {
		return title
	}
	name := fileName
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	if name == "" {
		name = "Untitled RFP"
	}
	return name
}

// pickDueDate prefers a submission-ish label; otherwise the first entry.
func pickDueDate(dates map[string]string) (string, bool) {
	for label, date := range dates {
		l := strings.ToLower(label)
		if strings.Contains(l, "submission") || strings.Contains(l, "due") || strings.Contains(l, "deadline") {
			return date, true
		}
	}
	for _, date := range dates {
		return date, true
	}
	return "", false
}

func metaPrompt(text string) string {
	return "Extract the proposal profile from this RFP document. Return title, client organization, projectType and a two-sentence summary.\n\nDocument:\n" + text
}

func datesPrompt(text string) string {
	return "Extract every dated milestone from this RFP document. Return dates as a list of {label, date} with ISO dates where possible.\n\nDocument:\n" + text
}

func listsPrompt(text string) string {
	return "Extract the itemized requirements and deliverables from this RFP document as two string lists.\n\nDocument:\n" + text
}

// DecodeText best-effort converts raw bytes to text for extraction. Binary
// formats fall back to an empty string; the caller decides whether to fail.
func DecodeText(raw []byte, contentType string) string {
	if strings.HasPrefix(contentType, "text/") || contentType == "application/json" || contentType == "" {
		return string(raw)
	}
	// Printable-heavy payloads pass through even with a binary content type;
	// office formats need a dedicated converter upstream.
	printable := 0
	for _, b := range raw {
		if b == '\n' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			printable++
		}
	}
	if len(raw) > 0 && printable*10 >= len(raw)*9 {
		return string(raw)
	}
	return ""
}

// Marshal indents a result for logs and chat replies.
func Marshal(r Result) string {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}
