package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bidstack/operator/actions"
	"github.com/bidstack/operator/agent"
	"github.com/bidstack/operator/budget"
	"github.com/bidstack/operator/jobs"
	"github.com/bidstack/operator/model/ai"
	"github.com/bidstack/operator/toolerrors"
)

// Input bounds for the one-shot text operations.
const (
	maxEditChars   = 60000
	maxPromptChars = 20000
)

// upstreamAI marks a provider failure that is not a circuit-open so the
// status mapping can answer 502 instead of 500.
type upstreamAI struct{ err error }

func (e upstreamAI) Error() string { return "ai upstream: " + e.err.Error() }
func (e upstreamAI) Unwrap() error { return e.err }

func (s *Server) handleEditText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text        string `json:"text"`
		Instruction string `json:"instruction"`
		Tone        string `json:"tone,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" || strings.TrimSpace(req.Instruction) == "" {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindValidation, "text and instruction are required"))
		return
	}
	if len(req.Text) > maxEditChars {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindValidation, fmt.Sprintf("text exceeds %d characters", maxEditChars)))
		return
	}
	prompt := "Edit the following text. Instruction: " + req.Instruction
	if req.Tone != "" {
		prompt += "\nTone: " + req.Tone
	}
	prompt += "\n\nText:\n" + req.Text
	edited, err := s.ai.CallText(r.Context(), prompt, ai.CallOptions{Purpose: ai.PurposeWriting})
	if err != nil {
		s.fail(w, r, wrapAI(err))
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"text": edited})
}

// Accepted content types and their purpose prompts.
var contentTypes = map[string]string{
	"summary":           "Write a concise summary.",
	"proposal_section":  "Draft a proposal section in a clear professional voice.",
	"email":             "Draft a professional email.",
	"executive_summary": "Write an executive summary for leadership review.",
}

func (s *Server) handleGenerateContent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt      string `json:"prompt"`
		ContentType string `json:"contentType"`
		Context     string `json:"context,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindValidation, "prompt is required"))
		return
	}
	if len(req.Prompt)+len(req.Context) > maxPromptChars {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindValidation, fmt.Sprintf("prompt exceeds %d characters", maxPromptChars)))
		return
	}
	framing, ok := contentTypes[req.ContentType]
	if !ok {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindValidation, "contentType must be one of: summary, proposal_section, email, executive_summary"))
		return
	}
	prompt := framing + "\n\nRequest:\n" + req.Prompt
	if req.Context != "" {
		prompt += "\n\nContext:\n" + req.Context
	}
	opts := ai.CallOptions{Purpose: ai.PurposeWriting}
	// Long-form content types get the verbose treatment.
	if req.ContentType == "proposal_section" || req.ContentType == "executive_summary" {
		opts.Verbosity = "high"
	}
	content, err := s.ai.CallText(r.Context(), prompt, opts)
	if err != nil {
		s.fail(w, r, wrapAI(err))
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"content": content, "contentType": req.ContentType})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotConfigured, "agent runtime is not configured"))
		return
	}
	var req struct {
		Message   string `json:"message"`
		ChannelID string `json:"channelId,omitempty"`
		ThreadTS  string `json:"threadTs,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindValidation, "message is required"))
		return
	}
	if err := s.checkPortalScope(r.Context(), req.Message); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.agent.Run(r.Context(), agent.Input{
		Message:   req.Message,
		ChannelID: req.ChannelID,
		ThreadTS:  req.ThreadTS,
		UserSub:   userSub(r.Context()),
	}, budget.NewTrackerDefault(s.model))
	if err != nil {
		s.fail(w, r, wrapAI(err))
		return
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	if s.actions == nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotConfigured, "action proposals are not configured"))
		return
	}
	var req struct {
		Tool        string         `json:"tool"`
		Args        map[string]any `json:"args,omitempty"`
		Description string         `json:"description"`
		Risk        string         `json:"risk,omitempty"`
		RFPID       string         `json:"rfpId,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	proposal, token, err := s.actions.Create(r.Context(), actions.CreateInput{
		Tool:        req.Tool,
		Args:        req.Args,
		Description: req.Description,
		Risk:        req.Risk,
		RFPID:       req.RFPID,
		RequestedBy: userSub(r.Context()),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{
		"proposalId":   proposal.ID,
		"status":       proposal.Status,
		"expiresAt":    proposal.ExpiresAt,
		"confirmToken": token,
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if s.actions == nil || s.registry == nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotConfigured, "action confirmation is not configured"))
		return
	}
	var req struct {
		ProposalID string `json:"proposalId"`
		Token      string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	proposal, err := s.actions.Confirm(r.Context(), req.ProposalID, req.Token, userSub(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rawArgs, err := json.Marshal(proposal.Args)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.registry.Dispatch(r.Context(), proposal.Tool, rawArgs, true)
	body := map[string]any{
		"proposalId": proposal.ID,
		"status":     proposal.Status,
		"executed":   err == nil,
	}
	if err != nil {
		body["execution"] = toolerrors.FromError(err).Payload()
	} else {
		body["result"] = result
	}
	s.respond(w, http.StatusOK, body)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.actions == nil {
		s.fail(w, r, toolerrors.NewKind(toolerrors.KindNotConfigured, "action cancellation is not configured"))
		return
	}
	var req struct {
		ProposalID string `json:"proposalId"`
		Token      string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	proposal, err := s.actions.Cancel(r.Context(), req.ProposalID, req.Token, userSub(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"proposalId": proposal.ID, "status": proposal.Status})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"time": s.now().UTC()}
	if s.registry != nil {
		body["tools"] = s.registry.Names()
	}
	if s.actions != nil {
		pending, err := s.actions.ListPending(r.Context(), 25)
		if err == nil {
			body["pendingProposals"] = len(pending)
		}
	}
	if s.jobs != nil {
		for _, status := range []string{jobs.StatusQueued, jobs.StatusRunning} {
			list, err := s.jobs.ListByStatus(r.Context(), status, 100)
			if err == nil {
				body[status+"Jobs"] = len(list)
			}
		}
	}
	s.respond(w, http.StatusOK, body)
}

// wrapAI maps provider failures to 502 while keeping circuit-open at 503.
func wrapAI(err error) error {
	if err == nil {
		return nil
	}
	var te *toolerrors.ToolError
	if errors.Is(err, ai.ErrUnavailable) || errors.As(err, &te) {
		return err
	}
	return upstreamAI{err: err}
}
