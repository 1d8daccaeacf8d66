// Package contextbuild assembles the layered prompt context for an agent
// turn: identity, thread history, opportunity state, related RFPs, recent
// jobs, cross-thread activity and retrieved memories, under a character
// budget that truncates lowest-priority blocks first.
package contextbuild

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bidstack/operator/identity"
	"github.com/bidstack/operator/memory"
	"github.com/bidstack/operator/opportunity"
	"github.com/bidstack/operator/telemetry"
)

const (
	defaultCharBudget   = 24000
	defaultHistoryDepth = 20
	blockHeaderOverhead = 16
)

type (
	// HistoryProvider supplies recent thread messages, oldest first.
	HistoryProvider interface {
		ThreadHistory(ctx context.Context, channelID, threadTS string, depth int) ([]string, error)
	}

	// JobLister supplies one-line summaries of recent jobs for a scope.
	JobLister interface {
		RecentJobSummaries(ctx context.Context, rfpID string, limit int) ([]string, error)
	}

	// Options configures a Builder. History, Jobs and Memories are
	// optional; absent sources simply produce no block.
	Options struct {
		Opportunities *opportunity.Repo
		Memories      *memory.Store
		History       HistoryProvider
		Jobs          JobLister
		Logger        telemetry.Logger
	}

	// Input describes one turn.
	Input struct {
		Identity     identity.Identity
		ChannelID    string
		ThreadTS     string
		RFPID        string
		Query        string
		CharBudget   int
		HistoryDepth int
	}

	// Builder assembles context blocks.
	Builder struct {
		opps    *opportunity.Repo
		mems    *memory.Store
		history HistoryProvider
		jobs    JobLister
		logger  telemetry.Logger
	}

	block struct {
		name    string
		content string
	}
)

// New builds a Builder.
func New(opts Options) (*Builder, error) {
	if opts.Opportunities == nil {
		return nil, errors.New("contextbuild: Opportunities is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	return &Builder{
		opps:    opts.Opportunities,
		mems:    opts.Memories,
		history: opts.History,
		jobs:    opts.Jobs,
		logger:  opts.Logger,
	}, nil
}

// Build assembles the context string. Blocks are gathered in priority
// order; when the budget overflows, the lowest-priority blocks are
// truncated or dropped first.
func (b *Builder) Build(ctx context.Context, in Input) (string, error) {
	budget := in.CharBudget
	if budget <= 0 {
		budget = defaultCharBudget
	}
	depth := in.HistoryDepth
	if depth <= 0 {
		depth = defaultHistoryDepth
	}

	// Highest priority first.
	blocks := []block{b.identityBlock(in.Identity)}
	if hb := b.historyBlock(ctx, in, depth); hb.content != "" {
		blocks = append(blocks, hb)
	}
	if in.RFPID != "" {
		if sb := b.stateBlock(ctx, in.RFPID); sb.content != "" {
			blocks = append(blocks, sb)
		}
		if rb := b.relatedBlock(ctx, in.RFPID); rb.content != "" {
			blocks = append(blocks, rb)
		}
		if jb := b.jobsBlock(ctx, in.RFPID); jb.content != "" {
			blocks = append(blocks, jb)
		}
		if cb := b.crossThreadBlock(ctx, in); cb.content != "" {
			blocks = append(blocks, cb)
		}
	}
	if mb := b.memoryBlock(ctx, in); mb.content != "" {
		blocks = append(blocks, mb)
	}

	return renderWithBudget(blocks, budget), nil
}

// renderWithBudget keeps high-priority blocks whole and trims from the
// tail. A block that no longer fits is truncated; later ones are dropped.
func renderWithBudget(blocks []block, budget int) string {
	var out strings.Builder
	remaining := budget
	for _, blk := range blocks {
		header := "## " + blk.name + "\n"
		need := len(header) + len(blk.content) + 1
		if remaining <= len(header)+blockHeaderOverhead {
			break
		}
		content := blk.content
		if need > remaining {
			keep := remaining - len(header) - 1
			if keep <= 0 {
				break
			}
			content = content[:keep]
		}
		out.WriteString(header)
		out.WriteString(content)
		out.WriteByte('\n')
		remaining = budget - out.Len()
	}
	return strings.TrimRight(out.String(), "\n")
}

func (b *Builder) identityBlock(id identity.Identity) block {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User: %s", id.DisplayName)
	if id.Email != "" {
		fmt.Fprintf(&sb, " <%s>", id.Email)
	}
	fmt.Fprintf(&sb, " (sub %s)", id.Sub)
	if team, ok := id.Profile["team"].(string); ok && team != "" {
		fmt.Fprintf(&sb, ", team %s", team)
	}
	return block{name: "User", content: sb.String()}
}

func (b *Builder) historyBlock(ctx context.Context, in Input, depth int) block {
	if b.history == nil || in.ChannelID == "" || in.ThreadTS == "" {
		return block{}
	}
	msgs, err := b.history.ThreadHistory(ctx, in.ChannelID, in.ThreadTS, depth)
	if err != nil {
		b.logger.Warn(ctx, "contextbuild: thread history", "err", err)
		return block{}
	}
	return block{name: "Thread history", content: strings.Join(msgs, "\n")}
}

func (b *Builder) stateBlock(ctx context.Context, rfpID string) block {
	state, err := b.opps.GetState(ctx, rfpID)
	if err != nil {
		if !errors.Is(err, opportunity.ErrNotFound) {
			b.logger.Warn(ctx, "contextbuild: rfp state", "rfp_id", rfpID, "err", err)
		}
		return block{}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "RFP %s, stage %s, version %d\n", state.RFPID, state.Stage, state.Version)
	if state.Summary != "" {
		fmt.Fprintf(&sb, "Summary: %s\n", state.Summary)
	}
	for name, due := range state.DueDates {
		fmt.Fprintf(&sb, "Due %s: %s\n", name, due)
	}
	if len(state.ProposalIDs) > 0 {
		fmt.Fprintf(&sb, "Proposals: %s\n", strings.Join(state.ProposalIDs, ", "))
	}
	for _, c := range state.Commitments {
		fmt.Fprintf(&sb, "Commitment: %s (%s)\n", c.Text, c.Provenance.Source)
	}
	if entries, err := b.opps.ListEntries(ctx, rfpID, 5); err == nil {
		for _, e := range entries {
			fmt.Fprintf(&sb, "Journal: %s\n", e.WhatChanged)
		}
	}
	if events, err := b.opps.ListEvents(ctx, rfpID, 5); err == nil {
		for _, e := range events {
			fmt.Fprintf(&sb, "Event: %s %s\n", e.Type, e.Tool)
		}
	}
	return block{name: "Opportunity", content: strings.TrimRight(sb.String(), "\n")}
}

// relatedBlock surfaces other recent RFPs whose summary shares keywords
// with this one.
func (b *Builder) relatedBlock(ctx context.Context, rfpID string) block {
	current, err := b.opps.GetState(ctx, rfpID)
	if err != nil {
		return block{}
	}
	recent, err := b.opps.ListRecentStates(ctx, 25)
	if err != nil {
		b.logger.Warn(ctx, "contextbuild: recent states", "err", err)
		return block{}
	}
	keywords := memory.ExtractKeywords(current.Summary, 8)
	var lines []string
	for _, s := range recent {
		if s.RFPID == rfpID {
			continue
		}
		if overlaps(keywords, memory.ExtractKeywords(s.Summary, 8)) {
			lines = append(lines, fmt.Sprintf("%s (%s): %s", s.RFPID, s.Stage, clip(s.Summary, 120)))
		}
		if len(lines) == 3 {
			break
		}
	}
	return block{name: "Related RFPs", content: strings.Join(lines, "\n")}
}

func (b *Builder) jobsBlock(ctx context.Context, rfpID string) block {
	if b.jobs == nil {
		return block{}
	}
	lines, err := b.jobs.RecentJobSummaries(ctx, rfpID, 5)
	if err != nil {
		b.logger.Warn(ctx, "contextbuild: recent jobs", "err", err)
		return block{}
	}
	return block{name: "Recent jobs", content: strings.Join(lines, "\n")}
}

// crossThreadBlock lists recent events for the same RFP that came from
// other threads.
func (b *Builder) crossThreadBlock(ctx context.Context, in Input) block {
	events, err := b.opps.ListEvents(ctx, in.RFPID, 20)
	if err != nil {
		return block{}
	}
	var lines []string
	for _, e := range events {
		ch, _ := e.Payload["channelId"].(string)
		ts, _ := e.Payload["threadTs"].(string)
		if ch == "" || (ch == in.ChannelID && ts == in.ThreadTS) {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s/%s] %s %s", ch, ts, e.Type, e.Tool))
		if len(lines) == 5 {
			break
		}
	}
	return block{name: "Cross-thread", content: strings.Join(lines, "\n")}
}

func (b *Builder) memoryBlock(ctx context.Context, in Input) block {
	if b.mems == nil {
		return block{}
	}
	ms, err := b.mems.GetForContext(ctx, memory.ContextQuery{
		UserSub:   in.Identity.Sub,
		RFPID:     in.RFPID,
		ChannelID: in.ChannelID,
		ThreadTS:  in.ThreadTS,
		Query:     in.Query,
		Limit:     6,
	})
	if err != nil {
		b.logger.Warn(ctx, "contextbuild: memories", "err", err)
		return block{}
	}
	var lines []string
	for _, m := range ms {
		text := m.Summary
		if text == "" {
			text = m.Content
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", m.Type, clip(text, 240)))
	}
	return block{name: "Memories", content: strings.Join(lines, "\n")}
}

func overlaps(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, k := range a {
		set[k] = struct{}{}
	}
	for _, k := range b {
		if _, ok := set[k]; ok {
			return true
		}
	}
	return false
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
