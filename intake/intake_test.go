package intake_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bidstack/operator/intake"
	"github.com/bidstack/operator/kv/inmem"
	"github.com/bidstack/operator/model/ai"
	"github.com/bidstack/operator/opportunity"
)

// passStub routes each extraction pass by its prompt and decodes the canned
// JSON into the pass's output value. A nil entry fails the pass.
type passStub struct {
	meta  string
	dates string
	lists string
}

func (s passStub) CallJSON(_ context.Context, prompt string, _ []byte, out any, _ ai.JSONOptions) error {
	var raw string
	switch {
	case strings.Contains(prompt, "proposal profile"):
		raw = s.meta
	case strings.Contains(prompt, "dated milestone"):
		raw = s.dates
	case strings.Contains(prompt, "itemized requirements"):
		raw = s.lists
	default:
		return errors.New("unexpected prompt")
	}
	if raw == "" {
		return errors.New("validation: extraction failed")
	}
	return json.Unmarshal([]byte(raw), out)
}

func newPipeline(t *testing.T, stub passStub) (*intake.Pipeline, *opportunity.Repo) {
	t.Helper()
	repo, err := opportunity.NewRepo(opportunity.Options{Store: inmem.New()})
	require.NoError(t, err)
	p, err := intake.New(intake.Options{AI: stub, Repo: repo})
	require.NoError(t, err)
	return p, repo
}

const docText = "Request for Proposal: regional fiber buildout. Submissions due 2026-04-15."

func TestCreateRFPFilesFullRecord(t *testing.T) {
	p, repo := newPipeline(t, passStub{
		meta: `{"title": "Regional Fiber Buildout", "client": "Northwind Utilities",
			"projectType": "infrastructure", "summary": "Fiber network expansion."}`,
		dates: `{"dates": [
			{"label": "Questions close", "date": "2026-03-20"},
			{"label": "Submission deadline", "date": "2026-04-15"}
		]}`,
		lists: `{"requirements": ["Coverage map", "  "], "deliverables": ["Cost model"]}`,
	})
	ctx := context.Background()

	res, err := p.CreateRFP(ctx, intake.Input{FileName: "northwind.pdf", Text: docText, Source: "slack:F123"})
	require.NoError(t, err)
	require.False(t, res.Partial)
	require.Equal(t, "Regional Fiber Buildout", res.RFP.Title)
	require.Equal(t, "Northwind Utilities", res.RFP.Client)
	require.Equal(t, "2026-04-15", res.RFP.DueDate)
	require.Equal(t, "intake", res.RFP.Status)

	// Blank list items are dropped; the rest become open tasks.
	require.Len(t, res.Tasks, 2)
	tasks, err := repo.ListTasks(ctx, res.RFP.ID, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	filed, err := repo.GetRFP(ctx, res.RFP.ID)
	require.NoError(t, err)
	require.Equal(t, res.RFP.Title, filed.Title)

	events, err := repo.ListEvents(ctx, res.RFP.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "rfp_intake", events[0].Type)
}

func TestCreateRFPDegradesOptionalPasses(t *testing.T) {
	p, _ := newPipeline(t, passStub{
		meta: `{"title": "Tight Deadline Bid", "summary": "Short one."}`,
	})

	res, err := p.CreateRFP(context.Background(), intake.Input{FileName: "doc.txt", Text: docText})
	require.NoError(t, err)
	require.True(t, res.Partial)
	require.ElementsMatch(t, []string{"dates", "lists"}, res.Failed)
	require.Equal(t, "Tight Deadline Bid", res.RFP.Title)
	require.Empty(t, res.RFP.DueDate)
	require.Empty(t, res.Tasks)
}

func TestCreateRFPRequiresProfilePass(t *testing.T) {
	p, _ := newPipeline(t, passStub{
		dates: `{"dates": []}`,
		lists: `{}`,
	})

	_, err := p.CreateRFP(context.Background(), intake.Input{FileName: "doc.txt", Text: docText})
	require.Error(t, err)
	require.Contains(t, err.Error(), "profile extraction failed")
}

func TestCreateRFPRejectsEmptyText(t *testing.T) {
	p, _ := newPipeline(t, passStub{})
	_, err := p.CreateRFP(context.Background(), intake.Input{FileName: "doc.txt", Text: "   "})
	require.Error(t, err)
}

func TestCreateRFPFallsBackToFileName(t *testing.T) {
	p, _ := newPipeline(t, passStub{
		meta:  `{"title": "", "summary": "No usable title."}`,
		dates: `{"dates": []}`,
		lists: `{}`,
	})

	res, err := p.CreateRFP(context.Background(), intake.Input{FileName: "northwind-rfp.pdf", Text: docText})
	require.NoError(t, err)
	require.Equal(t, "northwind-rfp", res.RFP.Title)
}

func TestDecodeText(t *testing.T) {
	require.Equal(t, "hello", intake.DecodeText([]byte("hello"), "text/plain"))
	require.Equal(t, "hello", intake.DecodeText([]byte("hello"), ""))

	// Mostly-printable payloads pass through despite a binary content type.
	require.NotEmpty(t, intake.DecodeText([]byte("plain enough text"), "application/octet-stream"))

	binary := make([]byte, 64)
	for i := range binary {
		binary[i] = byte(i % 8)
	}
	require.Empty(t, intake.DecodeText(binary, "application/octet-stream"))
}
