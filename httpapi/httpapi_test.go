package httpapi_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bidstack/operator/actions"
	"github.com/bidstack/operator/agent"
	blobinmem "github.com/bidstack/operator/blob/inmem"
	"github.com/bidstack/operator/httpapi"
	"github.com/bidstack/operator/identity"
	"github.com/bidstack/operator/kv/inmem"
	"github.com/bidstack/operator/model"
	"github.com/bidstack/operator/model/ai"
	"github.com/bidstack/operator/opportunity"
	"github.com/bidstack/operator/tools"
)

// textStub answers the one-shot text surface.
type textStub struct {
	fn func(prompt string) (string, error)
}

func (s textStub) CallText(_ context.Context, prompt string, _ ai.CallOptions) (string, error) {
	if s.fn != nil {
		return s.fn(prompt)
	}
	return "stub reply", nil
}

// chatStub drives the agent runtime with a single text response.
type chatStub struct{ text string }

func (chatStub) CallJSON(context.Context, string, []byte, any, ai.JSONOptions) error {
	return errors.New("no analysis model")
}

func (s chatStub) CompleteChain(context.Context, model.Request, ai.CallOptions, time.Duration) (model.Response, error) {
	return model.Response{Text: s.text}, nil
}

type fixture struct {
	router  http.Handler
	objects *blobinmem.Store
	repo    *opportunity.Repo
	events  []map[string]any
	calls   []string
}

func newFixture(t *testing.T, textAI httpapi.TextAI) *fixture {
	t.Helper()
	f := &fixture{objects: blobinmem.New()}

	store := inmem.New()
	var err error
	f.repo, err = opportunity.NewRepo(opportunity.Options{Store: inmem.New()})
	require.NoError(t, err)

	registry := tools.NewRegistry()
	registry.MustRegister(tools.Tool{
		Name:        "echo_write",
		Description: "records an approved execution",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			f.calls = append(f.calls, "echo_write")
			return args, nil
		},
		Write: true,
	})

	acts, err := actions.New(actions.Options{Store: inmem.New()})
	require.NoError(t, err)
	directory, err := identity.NewKVDirectory(inmem.New())
	require.NoError(t, err)
	rt, err := agent.New(agent.Options{
		Registry:      registry,
		AI:            chatStub{text: "All quiet."},
		Opportunities: f.repo,
	})
	require.NoError(t, err)

	srv, err := httpapi.New(httpapi.Options{
		AI:        textAI,
		Agent:     rt,
		Actions:   acts,
		Registry:  registry,
		Repo:      f.repo,
		Objects:   f.objects,
		Links:     inmem.NewLinkStore(),
		Directory: directory,
		Store:     store,
		Notify: func(_ context.Context, event map[string]any) error {
			f.events = append(f.events, event)
			return nil
		},
	})
	require.NoError(t, err)
	f.router = srv.Router()
	return f
}

func (f *fixture) do(t *testing.T, method, target string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var asUser = map[string]string{"X-User-Sub": "u1"}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t, textStub{})
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthIsRequired(t *testing.T) {
	f := newFixture(t, textStub{})
	rec := f.do(t, http.MethodPost, "/ai/edit-text", nil, map[string]any{"text": "a", "instruction": "b"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEditText(t *testing.T) {
	f := newFixture(t, textStub{fn: func(prompt string) (string, error) {
		require.Contains(t, prompt, "make it shorter")
		return "shorter text", nil
	}})

	rec := f.do(t, http.MethodPost, "/ai/edit-text", asUser, map[string]any{
		"text": "a long draft", "instruction": "make it shorter",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "shorter text", decodeBody(t, rec)["text"])

	rec = f.do(t, http.MethodPost, "/ai/edit-text", asUser, map[string]any{"text": "  "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEditTextMapsProviderFailures(t *testing.T) {
	f := newFixture(t, textStub{fn: func(string) (string, error) {
		return "", errors.New("provider exploded")
	}})
	rec := f.do(t, http.MethodPost, "/ai/edit-text", asUser, map[string]any{"text": "a", "instruction": "b"})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	f = newFixture(t, textStub{fn: func(string) (string, error) {
		return "", ai.ErrUnavailable
	}})
	rec = f.do(t, http.MethodPost, "/ai/edit-text", asUser, map[string]any{"text": "a", "instruction": "b"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGenerateContentValidatesType(t *testing.T) {
	f := newFixture(t, textStub{})

	rec := f.do(t, http.MethodPost, "/ai/generate-content", asUser, map[string]any{
		"prompt": "write something", "contentType": "novel",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/ai/generate-content", asUser, map[string]any{
		"prompt": "cover letter for the fiber bid", "contentType": "email",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "email", decodeBody(t, rec)["contentType"])
}

func TestProposeConfirmExecutes(t *testing.T) {
	f := newFixture(t, textStub{})

	rec := f.do(t, http.MethodPost, "/ai-agent/propose", asUser, map[string]any{
		"tool":        "echo_write",
		"args":        map[string]any{"note": "approved"},
		"description": "write the note",
		"risk":        "low",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	proposalID := created["proposalId"].(string)
	token := created["confirmToken"].(string)
	require.NotEmpty(t, token)

	rec = f.do(t, http.MethodPost, "/ai-agent/confirm", asUser, map[string]any{
		"proposalId": proposalID, "token": "wrong",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, f.calls)

	rec = f.do(t, http.MethodPost, "/ai-agent/confirm", asUser, map[string]any{
		"proposalId": proposalID, "token": token,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	confirmed := decodeBody(t, rec)
	require.Equal(t, true, confirmed["executed"])
	require.Equal(t, []string{"echo_write"}, f.calls)

	// A decided proposal cannot be confirmed again.
	rec = f.do(t, http.MethodPost, "/ai-agent/confirm", asUser, map[string]any{
		"proposalId": proposalID, "token": token,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelProposal(t *testing.T) {
	f := newFixture(t, textStub{})

	rec := f.do(t, http.MethodPost, "/ai-agent/propose", asUser, map[string]any{
		"tool": "echo_write", "description": "risky thing", "risk": "high",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)

	rec = f.do(t, http.MethodPost, "/ai-agent/cancel", asUser, map[string]any{
		"proposalId": created["proposalId"], "token": created["confirmToken"],
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, actions.StatusCancelled, decodeBody(t, rec)["status"])
	require.Empty(t, f.calls)
}

func TestPortalLinkFlowAndScope(t *testing.T) {
	f := newFixture(t, textStub{})

	rec := f.do(t, http.MethodPost, "/portal-links", asUser, map[string]any{"rfpId": "rfp_bound1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	linkToken := decodeBody(t, rec)["linkToken"].(string)

	// Claiming is unauthenticated; the link is the credential.
	rec = f.do(t, http.MethodPost, "/portal/claim", nil, map[string]any{"token": linkToken})
	require.Equal(t, http.StatusOK, rec.Code)
	claimed := decodeBody(t, rec)
	portalToken := claimed["portalToken"].(string)
	require.Equal(t, "rfp_bound1", claimed["rfpId"])

	// Links are one-time.
	rec = f.do(t, http.MethodPost, "/portal/claim", nil, map[string]any{"token": linkToken})
	require.Equal(t, http.StatusForbidden, rec.Code)

	portal := map[string]string{"X-Portal-Token": portalToken}
	rec = f.do(t, http.MethodPost, "/ai-agent/ask", portal, map[string]any{
		"message": "what is the status of rfp_bound1?",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// The token does not reach into other opportunities.
	rec = f.do(t, http.MethodPost, "/ai-agent/ask", portal, map[string]any{
		"message": "what is the status of rfp_other?",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/ai/edit-text", map[string]string{"X-Portal-Token": "bogus"}, map[string]any{
		"text": "a", "instruction": "b",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func docxTemplate(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	doc, err := w.Create("word/document.xml")
	require.NoError(t, err)
	_, err = doc.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestTemplateCommitDownloadPreview(t *testing.T) {
	f := newFixture(t, textStub{})
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/contract-templates/msa/upload-url", asUser, map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	blobKey := decodeBody(t, rec)["blobKey"].(string)
	require.True(t, strings.HasPrefix(blobKey, "contracting/templates/msa/"))

	// Committing before the upload landed is a 404 on the blob.
	rec = f.do(t, http.MethodPost, "/contract-templates/msa/commit", asUser, map[string]any{"blobKey": blobKey})
	require.Equal(t, http.StatusNotFound, rec.Code)

	template := docxTemplate(t, `<w:t>Agreement with {{company.name}}</w:t>`)
	require.NoError(t, f.objects.PutBytes(ctx, blobKey, template,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document"))

	rec = f.do(t, http.MethodPost, "/contract-templates/msa/commit", asUser, map[string]any{
		"blobKey": blobKey, "notes": "initial version",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.events, 1)
	require.Equal(t, "template_committed", f.events[0]["type"])
	require.Equal(t, "msa", f.events[0]["templateId"])

	rec = f.do(t, http.MethodGet, "/contract-templates/msa", asUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tmpl := decodeBody(t, rec)["template"].(map[string]any)
	require.Equal(t, float64(1), tmpl["currentVersion"])

	rec = f.do(t, http.MethodGet, "/contract-templates/msa/download", asUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, decodeBody(t, rec)["downloadUrl"])

	rec = f.do(t, http.MethodPost, "/contract-templates/msa/preview", asUser, map[string]any{
		"company": map[string]any{"name": "Acme"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "wordprocessingml")
	require.NotEmpty(t, rec.Body.Bytes())
}

func TestTemplateRoutesRequireCommittedVersion(t *testing.T) {
	f := newFixture(t, textStub{})

	rec := f.do(t, http.MethodGet, "/contract-templates/missing/download", asUser, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/contract-templates/missing/preview", asUser, map[string]any{})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfileRoundTrip(t *testing.T) {
	f := newFixture(t, textStub{})

	rec := f.do(t, http.MethodGet, "/user-profile", asUser, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/user-profile", asUser, map[string]any{
		"email": "pat@example.com", "displayName": "Pat",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/user-profile", asUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Pat", decodeBody(t, rec)["displayName"])

	rec = f.do(t, http.MethodPost, "/user-profile/resume-upload-url", asUser, map[string]any{
		"filename": "resume.pdf",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "team/resumes/u1/resume.pdf", decodeBody(t, rec)["blobKey"])
}

func TestDiagnostics(t *testing.T) {
	f := newFixture(t, textStub{})
	rec := f.do(t, http.MethodGet, "/ai-agent/diagnostics", asUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Contains(t, body, "tools")
	require.Equal(t, float64(0), body["pendingProposals"])
}
