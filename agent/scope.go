package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/bidstack/operator/opportunity"
)

// rfpIDPattern matches explicit RFP references in a message.
var rfpIDPattern = regexp.MustCompile(`\brfp_[a-zA-Z0-9]+\b`)

type (
	// ScopeClassifier decides whether a message needs an RFP scope. The
	// default is keyword-based; the interface permits a trained drop-in.
	ScopeClassifier interface {
		ClassifyScope(ctx context.Context, message string) ScopeDecision
	}

	// ScopeDecision reports the classifier's verdict. RequiresRFP is nil
	// when the classifier cannot tell.
	ScopeDecision struct {
		RequiresRFP *bool
		Confidence  float64
		Indicators  []string
	}

	// KeywordScopeClassifier is the default pattern-match classifier.
	KeywordScopeClassifier struct{}
)

var (
	rfpScopedKeywords = []string{
		"proposal", "rfp", "bid", "submission", "deadline", "due date",
		"client", "commitment", "stage", "journal", "opportunity",
	}
	generalKeywords = []string{
		"weather", "news", "research", "status of the system", "deploy",
		"logs", "queue", "pipeline", "pull request", "check run",
	}
)

// ClassifyScope matches keyword patterns and reports confidence with the
// matched indicators.
func (KeywordScopeClassifier) ClassifyScope(_ context.Context, message string) ScopeDecision {
	lower := strings.ToLower(message)
	var rfpHits, generalHits []string
	for _, kw := range rfpScopedKeywords {
		if strings.Contains(lower, kw) {
			rfpHits = append(rfpHits, kw)
		}
	}
	for _, kw := range generalKeywords {
		if strings.Contains(lower, kw) {
			generalHits = append(generalHits, kw)
		}
	}
	switch {
	case len(rfpHits) > 0 && len(rfpHits) >= len(generalHits):
		yes := true
		return ScopeDecision{
			RequiresRFP: &yes,
			Confidence:  confidence(len(rfpHits)),
			Indicators:  rfpHits,
		}
	case len(generalHits) > 0:
		no := false
		return ScopeDecision{
			RequiresRFP: &no,
			Confidence:  confidence(len(generalHits)),
			Indicators:  generalHits,
		}
	default:
		return ScopeDecision{}
	}
}

func confidence(hits int) float64 {
	c := 0.5 + 0.15*float64(hits)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// extractRFPID pulls an explicit RFP id from the message, if present.
func extractRFPID(message string) string {
	return rfpIDPattern.FindString(message)
}

// handleShortcut processes inline thread commands and returns the reply to
// post, or ok=false when the message is not a shortcut.
func (r *Runtime) handleShortcut(ctx context.Context, in Input) (string, bool) {
	trimmed := strings.TrimSpace(strings.ToLower(in.Message))
	switch {
	case strings.HasPrefix(trimmed, "link "):
		id := extractRFPID(in.Message)
		if id == "" {
			return "I need an RFP id to link, like `link rfp_abc123`.", true
		}
		if _, err := r.opps.GetState(ctx, id); err != nil {
			if _, err := r.opps.EnsureState(ctx, id); err != nil {
				return fmt.Sprintf("I could not link %s: %v", id, err), true
			}
		}
		b := opportunity.Binding{ChannelID: in.ChannelID, ThreadTS: in.ThreadTS, RFPID: id, BoundBy: in.UserSub}
		if err := r.opps.SetBinding(ctx, b); err != nil {
			return fmt.Sprintf("I could not link %s: %v", id, err), true
		}
		return fmt.Sprintf("Linked this thread to %s.", id), true

	case trimmed == "unlink":
		if err := r.opps.DeleteBinding(ctx, in.ChannelID, in.ThreadTS); err != nil {
			return fmt.Sprintf("I could not unlink this thread: %v", err), true
		}
		return "This thread is no longer linked to an RFP.", true

	case trimmed == "where":
		binding, err := r.opps.GetBinding(ctx, in.ChannelID, in.ThreadTS)
		if err != nil {
			return "This thread is not linked to an RFP. Use `link rfp_...` to bind one.", true
		}
		return fmt.Sprintf("This thread is linked to %s.", binding.RFPID), true
	}
	return "", false
}

// resolveScope finds the RFP id for a run: explicit mention first, then
// the thread binding.
func (r *Runtime) resolveScope(ctx context.Context, in Input) string {
	if id := extractRFPID(in.Message); id != "" {
		return id
	}
	if in.ThreadTS != "" {
		if binding, err := r.opps.GetBinding(ctx, in.ChannelID, in.ThreadTS); err == nil {
			return binding.RFPID
		}
	}
	return ""
}
