package opportunity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bidstack/operator/kv"
)

type (
	// Template is a version-series contract template. The profile row points
	// at the current version.
	Template struct {
		ID             string    `json:"id"`
		Name           string    `json:"name"`
		CurrentVersion int       `json:"currentVersion"`
		UpdatedAt      time.Time `json:"updatedAt"`
		CreatedAt      time.Time `json:"createdAt"`
	}

	// TemplateVersion is one immutable version of a template. The body DOCX
	// lives in the object store under BlobKey.
	TemplateVersion struct {
		TemplateID string    `json:"templateId"`
		Version    int       `json:"version"`
		BlobKey    string    `json:"blobKey"`
		Notes      string    `json:"notes,omitempty"`
		CreatedBy  string    `json:"createdBy,omitempty"`
		CreatedAt  time.Time `json:"createdAt"`
	}
)

// GetTemplate reads a template profile.
func (r *Repo) GetTemplate(ctx context.Context, id string) (Template, error) {
	item, err := r.store.Get(ctx, "CONTRACT_TEMPLATE#"+id, "PROFILE")
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Template{}, ErrNotFound
		}
		return Template{}, fmt.Errorf("opportunity: get template %s: %w", id, err)
	}
	var t Template
	if err := fromItem(item, &t); err != nil {
		return Template{}, err
	}
	return t, nil
}

// GetTemplateVersion reads one version row.
func (r *Repo) GetTemplateVersion(ctx context.Context, id string, version int) (TemplateVersion, error) {
	item, err := r.store.Get(ctx, "CONTRACT_TEMPLATE#"+id, fmt.Sprintf("VERSION#%06d", version))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return TemplateVersion{}, ErrNotFound
		}
		return TemplateVersion{}, fmt.Errorf("opportunity: get template version: %w", err)
	}
	var v TemplateVersion
	if err := fromItem(item, &v); err != nil {
		return TemplateVersion{}, err
	}
	return v, nil
}

// CommitTemplateVersion writes the next version and advances the current
// pointer in one transaction. The version put is conditional on vacancy and
// the pointer update is conditional on the expected prior version, so racing
// commits cannot interleave.
func (r *Repo) CommitTemplateVersion(ctx context.Context, v TemplateVersion) (Template, error) {
	tmpl, err := r.GetTemplate(ctx, v.TemplateID)
	if errors.Is(err, ErrNotFound) {
		tmpl = Template{ID: v.TemplateID, CreatedAt: r.now().UTC()}
		item, err := toItem(tmpl)
		if err != nil {
			return Template{}, err
		}
		item["pk"] = "CONTRACT_TEMPLATE#" + v.TemplateID
		item["sk"] = "PROFILE"
		if err := r.store.Put(ctx, kv.Put{Item: item, IfNotExists: true}); err != nil && !errors.Is(err, kv.ErrConflict) {
			return Template{}, fmt.Errorf("opportunity: init template: %w", err)
		}
		tmpl, err = r.GetTemplate(ctx, v.TemplateID)
		if err != nil {
			return Template{}, err
		}
	} else if err != nil {
		return Template{}, err
	}

	v.Version = tmpl.CurrentVersion + 1
	if v.CreatedAt.IsZero() {
		v.CreatedAt = r.now().UTC()
	}
	versionItem, err := toItem(v)
	if err != nil {
		return Template{}, err
	}
	versionItem["pk"] = "CONTRACT_TEMPLATE#" + v.TemplateID
	versionItem["sk"] = fmt.Sprintf("VERSION#%06d", v.Version)

	err = r.store.Transact(ctx,
		kv.TransactOp{Put: &kv.Put{Item: versionItem, IfNotExists: true}},
		kv.TransactOp{Update: &kv.Update{
			PK: "CONTRACT_TEMPLATE#" + v.TemplateID, SK: "PROFILE",
			Set: map[string]any{
				"currentVersion": v.Version,
				"updatedAt":      r.now().UTC().Format(time.RFC3339Nano),
			},
			IfEquals: map[string]any{"currentVersion": tmpl.CurrentVersion},
			IfExists: true,
		}},
	)
	if err != nil {
		if errors.Is(err, kv.ErrConflict) {
			return Template{}, fmt.Errorf("opportunity: commit template version: %w", kv.ErrConflict)
		}
		return Template{}, fmt.Errorf("opportunity: commit template version: %w", err)
	}
	tmpl.CurrentVersion = v.Version
	return tmpl, nil
}
