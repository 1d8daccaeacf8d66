package opportunity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bidstack/operator/kv"
)

type (
	// RFP is the catalog record for one request-for-proposal.
	RFP struct {
		ID          string    `json:"id"`
		Title       string    `json:"title"`
		Client      string    `json:"client"`
		ProjectType string    `json:"projectType,omitempty"`
		Status      string    `json:"status,omitempty"`
		DueDate     string    `json:"dueDate,omitempty"`
		SourceKey   string    `json:"sourceKey,omitempty"`
		Summary     string    `json:"summary,omitempty"`
		CreatedAt   time.Time `json:"createdAt"`
	}

	// Proposal is a proposal document profile. Body sections are paged
	// separately as ProposalSection rows.
	Proposal struct {
		ID        string    `json:"id"`
		RFPID     string    `json:"rfpId"`
		Title     string    `json:"title"`
		Status    string    `json:"status,omitempty"`
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// ProposalSection is one named section of a proposal body.
	ProposalSection struct {
		ProposalID string    `json:"proposalId"`
		Key        string    `json:"key"`
		Title      string    `json:"title,omitempty"`
		Body       string    `json:"body"`
		UpdatedAt  time.Time `json:"updatedAt"`
	}

	// Task is a work item attached to an RFP.
	Task struct {
		ID        string    `json:"id"`
		RFPID     string    `json:"rfpId"`
		Title     string    `json:"title"`
		Status    string    `json:"status"`
		DueDate   string    `json:"dueDate,omitempty"`
		Assignee  string    `json:"assignee,omitempty"`
		CreatedAt time.Time `json:"createdAt"`
	}
)

// PutRFP writes an RFP catalog record.
func (r *Repo) PutRFP(ctx context.Context, rfp RFP) (RFP, error) {
	if rfp.Title == "" {
		return RFP{}, errors.New("opportunity: rfp requires a title")
	}
	if rfp.ID == "" {
		rfp.ID = "rfp_" + uuid.NewString()[:8]
	}
	if rfp.CreatedAt.IsZero() {
		rfp.CreatedAt = r.now().UTC()
	}
	item, err := toItem(rfp)
	if err != nil {
		return RFP{}, err
	}
	item["pk"] = "RFPREC#" + rfp.ID
	item["sk"] = "PROFILE"
	item["gsi1pk"] = "TYPE#RFP"
	item["gsi1sk"] = rfp.CreatedAt.UTC().Format(time.RFC3339Nano) + "#" + rfp.ID
	if err := r.store.Put(ctx, kv.Put{Item: item}); err != nil {
		return RFP{}, fmt.Errorf("opportunity: put rfp: %w", err)
	}
	return rfp, nil
}

// GetRFP reads an RFP catalog record.
func (r *Repo) GetRFP(ctx context.Context, id string) (RFP, error) {
	item, err := r.store.Get(ctx, "RFPREC#"+id, "PROFILE")
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return RFP{}, ErrNotFound
		}
		return RFP{}, fmt.Errorf("opportunity: get rfp %s: %w", id, err)
	}
	var rfp RFP
	if err := fromItem(item, &rfp); err != nil {
		return RFP{}, err
	}
	return rfp, nil
}

// ListRFPs returns recent RFP records, newest first.
func (r *Repo) ListRFPs(ctx context.Context, limit int) ([]RFP, error) {
	if limit <= 0 {
		limit = 25
	}
	page, err := r.store.Query(ctx, kv.Query{GSI1: true, PK: "TYPE#RFP", Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("opportunity: list rfps: %w", err)
	}
	out := make([]RFP, 0, len(page.Items))
	for _, item := range page.Items {
		var rfp RFP
		if err := fromItem(item, &rfp); err != nil {
			continue
		}
		out = append(out, rfp)
	}
	return out, nil
}

// SearchRFPs filters recent records by case-insensitive substring over
// title, client and project type.
func (r *Repo) SearchRFPs(ctx context.Context, query string, limit int) ([]RFP, error) {
	if limit <= 0 {
		limit = 25
	}
	recent, err := r.ListRFPs(ctx, 200)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		if len(recent) > limit {
			recent = recent[:limit]
		}
		return recent, nil
	}
	var out []RFP
	for _, rfp := range recent {
		haystack := strings.ToLower(rfp.Title + " " + rfp.Client + " " + rfp.ProjectType)
		if strings.Contains(haystack, needle) {
			out = append(out, rfp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// PutProposalDoc writes a proposal document profile.
func (r *Repo) PutProposalDoc(ctx context.Context, p Proposal) (Proposal, error) {
	if p.RFPID == "" {
		return Proposal{}, errors.New("opportunity: proposal requires rfpId")
	}
	if p.ID == "" {
		p.ID = "prop_" + uuid.NewString()[:8]
	}
	now := r.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	item, err := toItem(p)
	if err != nil {
		return Proposal{}, err
	}
	item["pk"] = "PROPOSAL#" + p.ID
	item["sk"] = "PROFILE"
	item["gsi1pk"] = "TYPE#PROPOSAL"
	item["gsi1sk"] = p.UpdatedAt.Format(time.RFC3339Nano) + "#" + p.ID
	if err := r.store.Put(ctx, kv.Put{Item: item}); err != nil {
		return Proposal{}, fmt.Errorf("opportunity: put proposal doc: %w", err)
	}
	return p, nil
}

// GetProposalDoc reads a proposal document profile.
func (r *Repo) GetProposalDoc(ctx context.Context, id string) (Proposal, error) {
	item, err := r.store.Get(ctx, "PROPOSAL#"+id, "PROFILE")
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("opportunity: get proposal doc %s: %w", id, err)
	}
	var p Proposal
	if err := fromItem(item, &p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// ListProposalDocs returns recent proposal documents, newest first.
func (r *Repo) ListProposalDocs(ctx context.Context, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 25
	}
	page, err := r.store.Query(ctx, kv.Query{GSI1: true, PK: "TYPE#PROPOSAL", Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("opportunity: list proposal docs: %w", err)
	}
	out := make([]Proposal, 0, len(page.Items))
	for _, item := range page.Items {
		var p Proposal
		if err := fromItem(item, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SearchProposalDocs filters recent proposal documents by title substring.
func (r *Repo) SearchProposalDocs(ctx context.Context, query string, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 25
	}
	recent, err := r.ListProposalDocs(ctx, 200)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	var out []Proposal
	for _, p := range recent {
		if needle == "" || strings.Contains(strings.ToLower(p.Title), needle) {
			out = append(out, p)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// PutSection upserts one proposal body section.
func (r *Repo) PutSection(ctx context.Context, s ProposalSection) error {
	if s.ProposalID == "" || s.Key == "" {
		return errors.New("opportunity: section requires proposalId and key")
	}
	s.UpdatedAt = r.now().UTC()
	item, err := toItem(s)
	if err != nil {
		return err
	}
	item["pk"] = "PROPOSAL#" + s.ProposalID
	item["sk"] = "SECTION#" + s.Key
	if err := r.store.Put(ctx, kv.Put{Item: item}); err != nil {
		return fmt.Errorf("opportunity: put section: %w", err)
	}
	return nil
}

// ListSections returns a proposal's body sections in key order.
func (r *Repo) ListSections(ctx context.Context, proposalID string, limit int) ([]ProposalSection, error) {
	if limit <= 0 {
		limit = 50
	}
	page, err := r.store.Query(ctx, kv.Query{
		PK: "PROPOSAL#" + proposalID, SKPrefix: "SECTION#", Ascending: true, Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("opportunity: list sections: %w", err)
	}
	out := make([]ProposalSection, 0, len(page.Items))
	for _, item := range page.Items {
		var s ProposalSection
		if err := fromItem(item, &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// PutTask writes a task attached to an RFP.
func (r *Repo) PutTask(ctx context.Context, t Task) (Task, error) {
	if t.RFPID == "" || t.Title == "" {
		return Task{}, errors.New("opportunity: task requires rfpId and title")
	}
	if t.ID == "" {
		t.ID = "task_" + uuid.NewString()[:8]
	}
	if t.Status == "" {
		t.Status = "open"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now().UTC()
	}
	item, err := toItem(t)
	if err != nil {
		return Task{}, err
	}
	item["pk"] = "RFPREC#" + t.RFPID
	item["sk"] = "TASK#" + t.ID
	if err := r.store.Put(ctx, kv.Put{Item: item}); err != nil {
		return Task{}, fmt.Errorf("opportunity: put task: %w", err)
	}
	return t, nil
}

// ListTasks returns the tasks attached to an RFP.
func (r *Repo) ListTasks(ctx context.Context, rfpID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	page, err := r.store.Query(ctx, kv.Query{
		PK: "RFPREC#" + rfpID, SKPrefix: "TASK#", Ascending: true, Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("opportunity: list tasks: %w", err)
	}
	out := make([]Task, 0, len(page.Items))
	for _, item := range page.Items {
		var t Task
		if err := fromItem(item, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
