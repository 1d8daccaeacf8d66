package opportunity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bidstack/operator/kv"
)

// CreateProposal stores a change proposal. The patch blob is clipped to keep
// rows bounded; the full diff belongs in the object store when larger.
func (r *Repo) CreateProposal(ctx context.Context, p ChangeProposal) (ChangeProposal, error) {
	if p.Title == "" {
		return ChangeProposal{}, errors.New("opportunity: proposal requires a title")
	}
	if p.ID == "" {
		p.ID = "cp_" + uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now().UTC()
	}
	if len(p.Patch) > maxProposalPatchBytes {
		p.Patch = p.Patch[:maxProposalPatchBytes]
	}
	item, err := toItem(p)
	if err != nil {
		return ChangeProposal{}, err
	}
	item["pk"] = "CHANGE_PROPOSAL#" + p.ID
	item["sk"] = "PROFILE"
	item["gsi1pk"] = "TYPE#CHANGE_PROPOSAL"
	item["gsi1sk"] = p.CreatedAt.UTC().Format(time.RFC3339Nano) + "#" + p.ID
	if err := r.store.Put(ctx, kv.Put{Item: item, IfNotExists: true}); err != nil {
		return ChangeProposal{}, fmt.Errorf("opportunity: create proposal: %w", err)
	}
	return p, nil
}

// GetProposal reads a change proposal by id.
func (r *Repo) GetProposal(ctx context.Context, id string) (ChangeProposal, error) {
	item, err := r.store.Get(ctx, "CHANGE_PROPOSAL#"+id, "PROFILE")
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return ChangeProposal{}, ErrNotFound
		}
		return ChangeProposal{}, fmt.Errorf("opportunity: get proposal %s: %w", id, err)
	}
	var p ChangeProposal
	if err := fromItem(item, &p); err != nil {
		return ChangeProposal{}, err
	}
	return p, nil
}

// ListProposals returns recent change proposals, newest first.
func (r *Repo) ListProposals(ctx context.Context, limit int) ([]ChangeProposal, error) {
	page, err := r.store.Query(ctx, kv.Query{GSI1: true, PK: "TYPE#CHANGE_PROPOSAL", Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("opportunity: list proposals: %w", err)
	}
	out := make([]ChangeProposal, 0, len(page.Items))
	for _, item := range page.Items {
		var p ChangeProposal
		if err := fromItem(item, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
