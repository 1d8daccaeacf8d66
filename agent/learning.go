package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bidstack/operator/memory"
)

var (
	mentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)>`)
	datePattern    = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}|(january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2})\b`)
)

var temporalKeywords = []string{"deadline", "due", "meeting", "call", "review", "submit", "kickoff", "demo"}

// learn writes the post-run memories. All writes are best effort; a failed
// memory write never fails the run.
func (r *Runtime) learn(ctx context.Context, in Input, out Output, trace []toolCallRecord) {
	if r.memories == nil {
		return
	}
	scope := "USER#" + in.UserSub
	if in.UserSub == "" {
		scope = "GLOBAL"
	}

	episodic, err := r.memories.Create(ctx, memory.CreateInput{
		Type:    memory.TypeEpisodic,
		ScopeID: scope,
		Content: episodicContent(in, out),
		Metadata: map[string]any{
			"channelId": in.ChannelID,
			"threadTs":  in.ThreadTS,
			"rfpId":     out.RFPID,
			"toolsUsed": out.ToolsUsed,
			"steps":     out.Steps,
		},
		Provenance: "agent_run",
		Importance: 0.5,
	})
	if err != nil {
		r.logger.Warn(ctx, "episodic memory write failed", "err", err)
		return
	}

	r.learnCollaboration(ctx, in, episodic.ID)
	r.learnTemporal(ctx, in, out, episodic.ID)
	r.learnProcedural(ctx, out, trace, episodic.ID)
}

// learnCollaboration records a collaboration context when the message
// involves at least two distinct people besides the agent.
func (r *Runtime) learnCollaboration(ctx context.Context, in Input, episodicID string) {
	mentions := map[string]struct{}{}
	if in.UserSub != "" {
		mentions[in.UserSub] = struct{}{}
	}
	for _, m := range mentionPattern.FindAllStringSubmatch(in.Message, -1) {
		mentions[m[1]] = struct{}{}
	}
	if len(mentions) < 2 {
		return
	}
	participants := make([]string, 0, len(mentions))
	for p := range mentions {
		participants = append(participants, p)
	}
	collab, err := r.memories.Create(ctx, memory.CreateInput{
		Type:       memory.TypeCollaborationContext,
		ScopeID:    "CHANNEL#" + in.ChannelID,
		Content:    fmt.Sprintf("Collaboration between %d participants: %s", len(participants), strings.Join(participants, ", ")),
		Metadata:   map[string]any{"participants": participants, "threadTs": in.ThreadTS},
		Provenance: "agent_run",
		Importance: 0.4,
	})
	if err != nil {
		r.logger.Warn(ctx, "collaboration memory write failed", "err", err)
		return
	}
	if _, err := r.memories.AddRelationship(ctx, episodicID, collab.ID, memory.RelPartOf, false); err != nil {
		r.logger.Warn(ctx, "memory link failed", "err", err)
	}
}

// learnTemporal extracts dated commitments from the message text.
func (r *Runtime) learnTemporal(ctx context.Context, in Input, out Output, episodicID string) {
	lower := strings.ToLower(in.Message)
	hasKeyword := false
	for _, kw := range temporalKeywords {
		if strings.Contains(lower, kw) {
			hasKeyword = true
			break
		}
	}
	date := datePattern.FindString(lower)
	if !hasKeyword || date == "" {
		return
	}
	eventAt, ok := parseLooseDate(date, r.now())
	if !ok {
		return
	}
	scope := "GLOBAL"
	if out.RFPID != "" {
		scope = "RFP#" + out.RFPID
	}
	temporal, err := r.memories.Create(ctx, memory.CreateInput{
		Type:       memory.TypeTemporalEvent,
		ScopeID:    scope,
		Content:    in.Message,
		EventAt:    eventAt,
		Provenance: "agent_run",
		Importance: 0.6,
	})
	if err != nil {
		r.logger.Warn(ctx, "temporal memory write failed", "err", err)
		return
	}
	if _, err := r.memories.AddRelationship(ctx, temporal.ID, episodicID, memory.RelReferences, false); err != nil {
		r.logger.Warn(ctx, "memory link failed", "err", err)
	}
}

// learnProcedural records which tool sequence satisfied the request.
func (r *Runtime) learnProcedural(ctx context.Context, out Output, trace []toolCallRecord, episodicID string) {
	if len(trace) == 0 {
		return
	}
	succeeded := true
	sequence := make([]string, 0, len(trace))
	for _, rec := range trace {
		sequence = append(sequence, rec.tool)
		if !rec.ok {
			succeeded = false
		}
	}
	procedural, err := r.memories.Create(ctx, memory.CreateInput{
		Type:    memory.TypeProcedural,
		ScopeID: "GLOBAL",
		Content: fmt.Sprintf("Tool sequence %s (succeeded=%t)", strings.Join(sequence, " -> "), succeeded),
		Metadata: map[string]any{
			"toolSequence": sequence,
			"succeeded":    succeeded,
		},
		Provenance: "agent_run",
		Importance: 0.5,
	})
	if err != nil {
		r.logger.Warn(ctx, "procedural memory write failed", "err", err)
		return
	}
	if _, err := r.memories.AddRelationship(ctx, procedural.ID, episodicID, memory.RelCausedBy, false); err != nil {
		r.logger.Warn(ctx, "memory link failed", "err", err)
	}
}

// recordFailure notes a tool failure so later runs avoid the same path.
func (r *Runtime) recordFailure(ctx context.Context, tool string, callErr error, trace []toolCallRecord) {
	if r.memories == nil || callErr == nil {
		return
	}
	preceding := make([]string, 0, len(trace))
	for _, rec := range trace {
		preceding = append(preceding, rec.tool)
	}
	_, err := r.memories.Create(ctx, memory.CreateInput{
		Type:    memory.TypeProcedural,
		ScopeID: "GLOBAL",
		Content: fmt.Sprintf("Tool %s failed: %s", tool, clipErr(callErr)),
		Metadata: map[string]any{
			"tool":          tool,
			"precedingCall": preceding,
		},
		Provenance: "agent_run",
		Importance: 0.6,
	})
	if err != nil {
		r.logger.Warn(ctx, "failure memory write failed", "err", err)
	}
}

func episodicContent(in Input, out Output) string {
	var sb strings.Builder
	sb.WriteString("User: " + clip(in.Message, 600))
	if out.Reply != "" {
		sb.WriteString("\nAgent: " + clip(out.Reply, 600))
	}
	if out.RFPID != "" {
		sb.WriteString("\nRFP: " + out.RFPID)
	}
	return sb.String()
}

// parseLooseDate handles the date shapes the extraction regex matches.
// Month-day forms without a year assume the next occurrence.
func parseLooseDate(s string, now time.Time) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02", "1/2/2006", "1/2/06"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	// The extraction lowercases text; month-name parsing needs the
	// canonical capitalization.
	if len(s) > 0 {
		s = strings.ToUpper(s[:1]) + s[1:]
	}
	if t, err := time.Parse("January 2", s); err == nil {
		t = t.AddDate(now.Year(), 0, 0)
		if t.Before(now) {
			t = t.AddDate(1, 0, 0)
		}
		return t, true
	}
	return time.Time{}, false
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func clipErr(err error) string {
	return clip(err.Error(), 300)
}
