// Package httpapi exposes the operator's thin HTTP surface: one-shot AI
// text operations, the conversational agent with its approval-gated action
// flow, contract template versioning, and user profile management. Handlers
// adapt the core packages; no business logic lives here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bidstack/operator/actions"
	"github.com/bidstack/operator/agent"
	"github.com/bidstack/operator/blob"
	"github.com/bidstack/operator/config"
	"github.com/bidstack/operator/identity"
	"github.com/bidstack/operator/jobs"
	"github.com/bidstack/operator/kv"
	"github.com/bidstack/operator/model/ai"
	"github.com/bidstack/operator/opportunity"
	"github.com/bidstack/operator/telemetry"
	"github.com/bidstack/operator/toolerrors"
	"github.com/bidstack/operator/tools"
)

// Request body bound.
const maxBodyBytes = 1 << 20

type (
	// TextAI is the one-shot text surface. Satisfied by *ai.Client.
	TextAI interface {
		CallText(ctx context.Context, prompt string, opts ai.CallOptions) (string, error)
	}

	// Options wires a Server. AI is required; the rest enable their routes.
	Options struct {
		AI        TextAI
		Agent     *agent.Runtime
		Actions   *actions.Store
		Registry  *tools.Registry
		Jobs      *jobs.Store
		Repo      *opportunity.Repo
		Objects   blob.Store
		Links     kv.LinkStore
		Directory *identity.KVDirectory
		Store     kv.Store
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
		Clock     func() time.Time
		// Notify publishes contracting events to the downstream queue.
		// Optional; failures are logged, never surfaced to the caller.
		Notify func(ctx context.Context, event map[string]any) error
		// Model anchors the per-request agent budget tracker.
		Model string
		// Production redacts internal error detail from responses.
		Production bool
	}

	// Server holds the wired handlers.
	Server struct {
		ai         TextAI
		agent      *agent.Runtime
		actions    *actions.Store
		registry   *tools.Registry
		jobs       *jobs.Store
		repo       *opportunity.Repo
		objects    blob.Store
		links      kv.LinkStore
		directory  *identity.KVDirectory
		store      kv.Store
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		now        func() time.Time
		notify     func(ctx context.Context, event map[string]any) error
		model      string
		production bool
	}
)

// New builds a server.
func New(opts Options) (*Server, error) {
	if opts.AI == nil {
		return nil, errors.New("httpapi: AI is required")
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
	return &Server{
		ai:         opts.AI,
		agent:      opts.Agent,
		actions:    opts.Actions,
		registry:   opts.Registry,
		jobs:       opts.Jobs,
		repo:       opts.Repo,
		objects:    opts.Objects,
		links:      opts.Links,
		directory:  opts.Directory,
		store:      opts.Store,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Clock,
		notify:     opts.Notify,
		model:      opts.Model,
		production: opts.Production,
	}, nil
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.respond(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)
		r.Post("/ai/edit-text", s.handleEditText)
		r.Post("/ai/generate-content", s.handleGenerateContent)

		r.Post("/ai-agent/ask", s.handleAsk)
		r.Post("/ai-agent/propose", s.handlePropose)
		r.Post("/ai-agent/confirm", s.handleConfirm)
		r.Post("/ai-agent/cancel", s.handleCancel)
		r.Get("/ai-agent/diagnostics", s.handleDiagnostics)

		r.Get("/contract-templates/{id}", s.handleGetTemplate)
		r.Post("/contract-templates/{id}/upload-url", s.handleTemplateUploadURL)
		r.Post("/contract-templates/{id}/commit", s.handleTemplateCommit)
		r.Get("/contract-templates/{id}/download", s.handleTemplateDownload)
		r.Post("/contract-templates/{id}/preview", s.handleTemplatePreview)

		r.Get("/user-profile", s.handleGetProfile)
		r.Put("/user-profile", s.handlePutProfile)
		r.Post("/user-profile/resume-upload-url", s.handleResumeUploadURL)

		r.Post("/portal-links", s.handleCreatePortalLink)
	})

	r.Post("/portal/claim", s.handleClaimPortalLink)

	return r
}

type ctxKey string

const userSubKey ctxKey = "userSub"

// requireUser authenticates a request: a gateway-asserted subject header,
// or a portal token bound to an RFP. Portal callers carry the binding in
// the context so RFP-scoped handlers can enforce it.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sub := r.Header.Get("X-User-Sub"); sub != "" {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userSubKey, sub)))
			return
		}
		if token := r.Header.Get("X-Portal-Token"); token != "" {
			binding, err := s.portalBinding(r.Context(), token)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), userSubKey, binding.sub)
			ctx = context.WithValue(ctx, portalRFPKey, binding.rfpID)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		s.respond(w, http.StatusUnauthorized, map[string]any{"error": "authentication required"})
	})
}

func userSub(ctx context.Context) string {
	sub, _ := ctx.Value(userSubKey).(string)
	return sub
}

// decode reads a bounded JSON body.
func decode(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return toolerrors.NewKind(toolerrors.KindValidation, "invalid request body: "+err.Error())
	}
	return nil
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn(context.Background(), "response encoding failed", "err", err)
	}
}

// fail maps an error to the HTTP status contract and writes the error body.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if s.production && status >= http.StatusInternalServerError && !errors.Is(err, ai.ErrUnavailable) {
		msg = "internal error"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "status", status, "err", err)
	}
	s.metrics.IncCounter("http_errors", 1, "path", r.URL.Path)
	s.respond(w, status, map[string]any{"error": msg})
}

// statusFor implements the status mapping: 400 invalid input, 401/403
// auth, 404 missing, 409 conflict, 500 unconfigured or internal, 502 AI
// upstream, 503 circuit open.
func statusFor(err error) int {
	var (
		notConfigured *config.NotConfiguredError
		upstream      upstreamAI
	)
	switch {
	case errors.Is(err, ai.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	case errors.As(err, &notConfigured):
		return http.StatusInternalServerError
	case errors.Is(err, actions.ErrBadToken), errors.Is(err, blob.ErrKeyNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, actions.ErrNotPending), errors.Is(err, kv.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, actions.ErrNotFound), errors.Is(err, opportunity.ErrNotFound),
		errors.Is(err, jobs.ErrNotFound), errors.Is(err, identity.ErrNotFound),
		errors.Is(err, blob.ErrNotFound), errors.Is(err, kv.ErrNotFound):
		return http.StatusNotFound
	}
	var te *toolerrors.ToolError
	if errors.As(err, &te) {
		switch te.Kind {
		case toolerrors.KindValidation, toolerrors.KindProtocol, toolerrors.KindPolicy:
			return http.StatusBadRequest
		case toolerrors.KindNotFound:
			return http.StatusNotFound
		case toolerrors.KindNotAllowed:
			return http.StatusForbidden
		case toolerrors.KindConflict:
			return http.StatusConflict
		case toolerrors.KindNotConfigured:
			return http.StatusInternalServerError
		default:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}
