package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/bidstack/operator/actions"
	"github.com/bidstack/operator/blob"
	"github.com/bidstack/operator/identity"
	"github.com/bidstack/operator/kv"
	"github.com/bidstack/operator/opportunity"
	"github.com/bidstack/operator/render"
	"github.com/bidstack/operator/toolerrors"
)

const portalRFPKey ctxKey = "portalRFP"

// Preview template read bound.
const maxPreviewTemplateBytes = 10 << 20

// Portal token lifetime once a magic link is claimed.
const portalTokenTTL = 7 * 24 * time.Hour

var rfpMentionPattern = regexp.MustCompile(`\brfp_[a-zA-Z0-9]+\b`)

type portalScope struct {
	sub   string
	rfpID string
}

// portalBinding resolves a portal token to its stored subject and RFP
// binding. Unknown or expired tokens are a 403, not a 404, so callers
// cannot probe for token existence.
func (s *Server) portalBinding(ctx context.Context, token string) (portalScope, error) {
	if s.store == nil {
		return portalScope{}, toolerrors.NewKind(toolerrors.KindNotConfigured, "portal tokens are not configured")
	}
	item, err := s.store.Get(ctx, "PORTALTOKEN#"+actions.HashToken(token), "PROFILE")
	if err != nil {
		return portalScope{}, toolerrors.NewKind(toolerrors.KindNotAllowed, "portal token is not valid")
	}
	scope := portalScope{}
	scope.sub, _ = item["sub"].(string)
	scope.rfpID, _ = item["rfpId"].(string)
	if raw, ok := item["expiresAt"].(string); ok {
		if expires, err := time.Parse(time.RFC3339, raw); err == nil && s.now().After(expires) {
			return portalScope{}, toolerrors.NewKind(toolerrors.KindNotAllowed, "portal token has expired")
		}
	}
	if scope.sub == "" || scope.rfpID == "" {
		return portalScope{}, toolerrors.NewKind(toolerrors.KindNotAllowed, "portal token is not valid")
	}
	return scope, nil
}

// checkPortalScope rejects portal-authenticated requests that reference a
// different RFP than the token is bound to.
func (s *Server) checkPortalScope(ctx context.Context, message string) error {
	bound, _ := ctx.Value(portalRFPKey).(string)
	if bound == "" {
		return nil
	}
	for _, mention := range rfpMentionPattern.FindAllString(message, -1) {
		if mention != bound {
			return toolerrors.NewKind(toolerrors.KindNotAllowed, "portal token is bound to a different RFP")
		}
	}
	return nil
}

// handleCreatePortalLink issues a one-time magic link that can be claimed
// for a durable portal token.
func (s *Server) handleCreatePortalLink(w http.ResponseWriter, r *http.Request) {
	if s.links == nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotConfigured, "magic links are not configured"))
		return
	}
	var req struct {
		RFPID      string `json:"rfpId"`
		TTLSeconds int64  `json:"ttlSeconds,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.RFPID == "" {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindValidation, "rfpId is required"))
		return
	}
	if req.TTLSeconds <= 0 || req.TTLSeconds > 86400 {
		req.TTLSeconds = 3600
	}
	token, err := newToken()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	payload := kv.Item{"sub": userSub(r.Context()), "rfpId": req.RFPID}
	if err := s.links.PutLink(r.Context(), actions.HashToken(token), payload, req.TTLSeconds); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{
		"linkToken": token,
		"expiresIn": req.TTLSeconds,
	})
}

// handleClaimPortalLink consumes a magic link and mints the portal token
// bound to the same subject and RFP. Unauthenticated: the link is the
// credential.
func (s *Server) handleClaimPortalLink(w http.ResponseWriter, r *http.Request) {
	if s.links == nil || s.store == nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotConfigured, "magic links are not configured"))
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	payload, err := s.links.ConsumeLink(r.Context(), actions.HashToken(req.Token))
	if err != nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotAllowed, "link is not valid"))
		return
	}
	portalToken, err := newToken()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	expires := s.now().UTC().Add(portalTokenTTL)
	item := kv.Item{
		"pk":        "PORTALTOKEN#" + actions.HashToken(portalToken),
		"sk":        "PROFILE",
		"sub":       payload["sub"],
		"rfpId":     payload["rfpId"],
		"expiresAt": expires.Format(time.RFC3339),
	}
	if err := s.store.Put(r.Context(), kv.Put{Item: item, IfNotExists: true}); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"portalToken": portalToken,
		"rfpId":       payload["rfpId"],
		"expiresAt":   expires,
	})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotConfigured, "templates are not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	tmpl, err := s.repo.GetTemplate(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body := map[string]any{"template": tmpl}
	if tmpl.CurrentVersion > 0 {
		if version, err := s.repo.GetTemplateVersion(r.Context(), id, tmpl.CurrentVersion); err == nil {
			body["currentVersion"] = version
		}
	}
	s.respond(w, http.StatusOK, body)
}

func (s *Server) handleTemplateUploadURL(w http.ResponseWriter, r *http.Request) {
	if s.objects == nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotConfigured, "object storage is not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	var req struct {
		ContentType string `json:"contentType,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.ContentType == "" {
		req.ContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	}
	key := fmt.Sprintf("contracting/templates/%s/%s.docx", id, ulid.Make().String())
	url, err := s.objects.PresignPut(r.Context(), key, req.ContentType, blob.MaxPresignPut)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"uploadUrl": url, "blobKey": key})
}

func (s *Server) handleTemplateCommit(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil || s.objects == nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotConfigured, "templates are not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	var req struct {
		BlobKey string `json:"blobKey"`
		Notes   string `json:"notes,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.BlobKey == "" {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindValidation, "blobKey is required"))
		return
	}
	// Committing a version that was never uploaded would leave a dangling
	// pointer.
	if _, err := s.objects.Head(r.Context(), req.BlobKey); err != nil {
		s.fail(w, r, err)
		return
	}
	tmpl, err := s.repo.CommitTemplateVersion(r.Context(), opportunity.TemplateVersion{
		TemplateID: id,
		BlobKey:    req.BlobKey,
		Notes:      req.Notes,
		CreatedBy:  userSub(r.Context()),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.notify != nil {
		event := map[string]any{
			"type":       "template_committed",
			"templateId": tmpl.ID,
			"version":    tmpl.CurrentVersion,
			"blobKey":    req.BlobKey,
		}
		if err := s.notify(r.Context(), event); err != nil {
			s.logger.Warn(r.Context(), "contracting queue publish failed", "templateId", tmpl.ID, "err", err)
		}
	}
	s.respond(w, http.StatusOK, map[string]any{"template": tmpl})
}

func (s *Server) handleTemplateDownload(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil || s.objects == nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotConfigured, "templates are not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	tmpl, err := s.repo.GetTemplate(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tmpl.CurrentVersion == 0 {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotFound, "template has no committed version"))
		return
	}
	version, err := s.repo.GetTemplateVersion(r.Context(), id, tmpl.CurrentVersion)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	url, err := s.objects.PresignGet(r.Context(), version.BlobKey, time.Hour)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"downloadUrl": url, "version": version.Version})
}

func (s *Server) handleTemplatePreview(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil || s.objects == nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotConfigured, "templates are not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	var req struct {
		Version      int            `json:"version,omitempty"`
		Case         map[string]any `json:"case,omitempty"`
		KeyTerms     map[string]any `json:"keyTerms,omitempty"`
		Proposal     map[string]any `json:"proposal,omitempty"`
		RFP          map[string]any `json:"rfp,omitempty"`
		Company      map[string]any `json:"company,omitempty"`
		RenderInputs map[string]any `json:"renderInputs,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	version := req.Version
	if version == 0 {
		tmpl, err := s.repo.GetTemplate(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		version = tmpl.CurrentVersion
	}
	if version == 0 {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotFound, "template has no committed version"))
		return
	}
	row, err := s.repo.GetTemplateVersion(r.Context(), id, version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	template, err := s.objects.GetBytes(r.Context(), row.BlobKey, maxPreviewTemplateBytes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rendered, err := render.ContractDOCX(template, render.ContractContext(render.ContractInput{
		Case:         req.Case,
		KeyTerms:     req.KeyTerms,
		Proposal:     req.Proposal,
		RFP:          req.RFP,
		Company:      req.Company,
		RenderInputs: req.RenderInputs,
		Preview:      true,
		GeneratedAt:  s.now(),
	}))
	if err != nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindValidation, err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"-preview.docx"))
	w.WriteHeader(http.StatusOK)
	w.Write(rendered)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotConfigured, "the identity directory is not configured"))
		return
	}
	id, err := s.directory.BySub(r.Context(), userSub(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, id)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotConfigured, "the identity directory is not configured"))
		return
	}
	var req struct {
		Email            string         `json:"email,omitempty"`
		DisplayName      string         `json:"displayName,omitempty"`
		ExternalChatUser string         `json:"externalChatUser,omitempty"`
		Profile          map[string]any `json:"profile,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := identity.Identity{
		Sub:              userSub(r.Context()),
		Email:            req.Email,
		DisplayName:      req.DisplayName,
		ExternalChatUser: req.ExternalChatUser,
		Profile:          req.Profile,
	}
	if err := s.directory.PutProfile(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, id)
}

func (s *Server) handleResumeUploadURL(w http.ResponseWriter, r *http.Request) {
	if s.objects == nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotConfigured, "object storage is not configured"))
		return
	}
	var req struct {
		Filename    string `json:"filename"`
		ContentType string `json:"contentType,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	name := path.Base(strings.TrimSpace(req.Filename))
	if name == "" || name == "." || name == "/" {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindValidation, "filename is required"))
		return
	}
	key := fmt.Sprintf("team/resumes/%s/%s", userSub(r.Context()), name)
	url, err := s.objects.PresignPut(r.Context(), key, req.ContentType, blob.MaxPresignPut)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"uploadUrl": url, "blobKey": key})
}

func newToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("httpapi: token generation: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
