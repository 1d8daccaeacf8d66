// Package githubadapter wraps the GitHub API behind a repository
// allowlist. The self-modify pipeline and the git tooling dispatch
// through it.
package githubadapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v66/github"

	"github.com/bidstack/operator/telemetry"
	"github.com/bidstack/operator/toolerrors"
)

type (
	// API captures the subset of go-github services used by the adapter.
	API interface {
		GetPull(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
		ListPulls(ctx context.Context, owner, repo string, opts *github.PullRequestListOptions) ([]*github.PullRequest, error)
		CreatePull(ctx context.Context, owner, repo string, pull *github.NewPullRequest) (*github.PullRequest, error)
		ListCheckRunsForRef(ctx context.Context, owner, repo, ref string, opts *github.ListCheckRunsOptions) (*github.ListCheckRunsResults, error)
		CreateIssue(ctx context.Context, owner, repo string, issue *github.IssueRequest) (*github.Issue, error)
		CreateComment(ctx context.Context, owner, repo string, number int, comment *github.IssueComment) (*github.IssueComment, error)
		AddLabels(ctx context.Context, owner, repo string, number int, labels []string) ([]*github.Label, error)
		RerunWorkflow(ctx context.Context, owner, repo string, runID int64) error
		DispatchWorkflow(ctx context.Context, owner, repo, workflowFile string, event github.CreateWorkflowDispatchEventRequest) error
	}

	// Options configures the adapter. AllowedRepos entries are
	// "owner/repo"; an empty list denies everything.
	Options struct {
		Client       API
		AllowedRepos []string
		Logger       telemetry.Logger
	}

	// Adapter is the GitHub surface used by tools and the self-modify
	// pipeline.
	Adapter struct {
		api     API
		allowed map[string]struct{}
		logger  telemetry.Logger
	}

	// PullSummary is the slimmed view of a pull request.
	PullSummary struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		State   string `json:"state"`
		HeadRef string `json:"headRef,omitempty"`
		BaseRef string `json:"baseRef,omitempty"`
		URL     string `json:"url,omitempty"`
		Merged  bool   `json:"merged,omitempty"`
	}

	// CheckRunSummary is the slimmed view of one check run.
	CheckRunSummary struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion,omitempty"`
		RunID      int64  `json:"runId,omitempty"`
	}
)

// clientAPI adapts *github.Client to the API interface.
type clientAPI struct{ c *github.Client }

// NewClientAPI wraps a real go-github client.
func NewClientAPI(c *github.Client) API { return clientAPI{c: c} }

func (a clientAPI) GetPull(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	pr, _, err := a.c.PullRequests.Get(ctx, owner, repo, number)
	return pr, err
}

func (a clientAPI) ListPulls(ctx context.Context, owner, repo string, opts *github.PullRequestListOptions) ([]*github.PullRequest, error) {
	prs, _, err := a.c.PullRequests.List(ctx, owner, repo, opts)
	return prs, err
}

func (a clientAPI) CreatePull(ctx context.Context, owner, repo string, pull *github.NewPullRequest) (*github.PullRequest, error) {
	pr, _, err := a.c.PullRequests.Create(ctx, owner, repo, pull)
	return pr, err
}

func (a clientAPI) ListCheckRunsForRef(ctx context.Context, owner, repo, ref string, opts *github.ListCheckRunsOptions) (*github.ListCheckRunsResults, error) {
	runs, _, err := a.c.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, opts)
	return runs, err
}

func (a clientAPI) CreateIssue(ctx context.Context, owner, repo string, issue *github.IssueRequest) (*github.Issue, error) {
	is, _, err := a.c.Issues.Create(ctx, owner, repo, issue)
	return is, err
}

func (a clientAPI) CreateComment(ctx context.Context, owner, repo string, number int, comment *github.IssueComment) (*github.IssueComment, error) {
	cm, _, err := a.c.Issues.CreateComment(ctx, owner, repo, number, comment)
	return cm, err
}

func (a clientAPI) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) ([]*github.Label, error) {
	ls, _, err := a.c.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
	return ls, err
}

func (a clientAPI) RerunWorkflow(ctx context.Context, owner, repo string, runID int64) error {
	_, err := a.c.Actions.RerunWorkflowByID(ctx, owner, repo, runID)
	return err
}

func (a clientAPI) DispatchWorkflow(ctx context.Context, owner, repo, workflowFile string, event github.CreateWorkflowDispatchEventRequest) error {
	_, err := a.c.Actions.CreateWorkflowDispatchEventByFileName(ctx, owner, repo, workflowFile, event)
	return err
}

// New builds a GitHub adapter.
func New(opts Options) (*Adapter, error) {
	if opts.Client == nil {
		return nil, errors.New("githubadapter: Client is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	allowed := make(map[string]struct{}, len(opts.AllowedRepos))
	for _, r := range opts.AllowedRepos {
		allowed[strings.ToLower(r)] = struct{}{}
	}
	return &Adapter{api: opts.Client, allowed: allowed, logger: opts.Logger}, nil
}

func (a *Adapter) check(owner, repo string) error {
	key := strings.ToLower(owner + "/" + repo)
	if _, ok := a.allowed[key]; !ok {
		return toolerrors.NewKind(toolerrors.KindNotAllowed, fmt.Sprintf("repository %s/%s is not allowlisted", owner, repo))
	}
	return nil
}

// GetPull returns a slimmed pull request.
func (a *Adapter) GetPull(ctx context.Context, owner, repo string, number int) (PullSummary, error) {
	if err := a.check(owner, repo); err != nil {
		return PullSummary{}, err
	}
	pr, err := a.api.GetPull(ctx, owner, repo, number)
	if err != nil {
		return PullSummary{}, fmt.Errorf("githubadapter: get pull: %w", err)
	}
	return summarizePull(pr), nil
}

// ListPulls returns slimmed pull requests in a state ("open", "closed",
// "all").
func (a *Adapter) ListPulls(ctx context.Context, owner, repo, state string, limit int) ([]PullSummary, error) {
	if err := a.check(owner, repo); err != nil {
		return nil, err
	}
	if state == "" {
		state = "open"
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	prs, err := a.api.ListPulls(ctx, owner, repo, &github.PullRequestListOptions{
		State:       state,
		ListOptions: github.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, fmt.Errorf("githubadapter: list pulls: %w", err)
	}
	out := make([]PullSummary, 0, len(prs))
	for _, pr := range prs {
		out = append(out, summarizePull(pr))
	}
	return out, nil
}

// CreatePull opens a pull request.
func (a *Adapter) CreatePull(ctx context.Context, owner, repo, title, head, base, body string) (PullSummary, error) {
	if err := a.check(owner, repo); err != nil {
		return PullSummary{}, err
	}
	pr, err := a.api.CreatePull(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(base),
		Body:  github.String(body),
	})
	if err != nil {
		return PullSummary{}, fmt.Errorf("githubadapter: create pull: %w", err)
	}
	return summarizePull(pr), nil
}

// ListCheckRuns returns the check runs for a git ref.
func (a *Adapter) ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]CheckRunSummary, error) {
	if err := a.check(owner, repo); err != nil {
		return nil, err
	}
	results, err := a.api.ListCheckRunsForRef(ctx, owner, repo, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("githubadapter: list check runs: %w", err)
	}
	out := make([]CheckRunSummary, 0, len(results.CheckRuns))
	for _, run := range results.CheckRuns {
		out = append(out, CheckRunSummary{
			Name:       run.GetName(),
			Status:     run.GetStatus(),
			Conclusion: run.GetConclusion(),
			RunID:      run.GetID(),
		})
	}
	return out, nil
}

// CreateIssue opens an issue and returns its number.
func (a *Adapter) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (int, error) {
	if err := a.check(owner, repo); err != nil {
		return 0, err
	}
	req := &github.IssueRequest{Title: github.String(title), Body: github.String(body)}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	issue, err := a.api.CreateIssue(ctx, owner, repo, req)
	if err != nil {
		return 0, fmt.Errorf("githubadapter: create issue: %w", err)
	}
	return issue.GetNumber(), nil
}

// Comment adds a comment to an issue or pull request.
func (a *Adapter) Comment(ctx context.Context, owner, repo string, number int, body string) error {
	if err := a.check(owner, repo); err != nil {
		return err
	}
	_, err := a.api.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.String(body)})
	if err != nil {
		return fmt.Errorf("githubadapter: comment: %w", err)
	}
	return nil
}

// AddLabels attaches labels to an issue or pull request.
func (a *Adapter) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	if err := a.check(owner, repo); err != nil {
		return err
	}
	if _, err := a.api.AddLabels(ctx, owner, repo, number, labels); err != nil {
		return fmt.Errorf("githubadapter: add labels: %w", err)
	}
	return nil
}

// RerunWorkflow re-runs a workflow run.
func (a *Adapter) RerunWorkflow(ctx context.Context, owner, repo string, runID int64) error {
	if err := a.check(owner, repo); err != nil {
		return err
	}
	if err := a.api.RerunWorkflow(ctx, owner, repo, runID); err != nil {
		return fmt.Errorf("githubadapter: rerun workflow: %w", err)
	}
	return nil
}

// DispatchWorkflow triggers a workflow_dispatch event.
func (a *Adapter) DispatchWorkflow(ctx context.Context, owner, repo, workflowFile, ref string, inputs map[string]any) error {
	if err := a.check(owner, repo); err != nil {
		return err
	}
	err := a.api.DispatchWorkflow(ctx, owner, repo, workflowFile, github.CreateWorkflowDispatchEventRequest{
		Ref:    ref,
		Inputs: inputs,
	})
	if err != nil {
		return fmt.Errorf("githubadapter: dispatch workflow: %w", err)
	}
	return nil
}

func summarizePull(pr *github.PullRequest) PullSummary {
	if pr == nil {
		return PullSummary{}
	}
	return PullSummary{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		State:   pr.GetState(),
		HeadRef: pr.GetHead().GetRef(),
		BaseRef: pr.GetBase().GetRef(),
		URL:     pr.GetHTMLURL(),
		Merged:  pr.GetMerged(),
	}
}
