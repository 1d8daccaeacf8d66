package agent

import (
	"time"

	"github.com/bidstack/operator/toolerrors"
)

// loadFreshness is how recently state must have been loaded for a durable
// write to proceed without re-reading.
const loadFreshness = 30 * time.Second

// Tool sets the protocol gates apply to.
var (
	rfpWriteTools = map[string]struct{}{
		"opportunity_patch": {},
		"journal_append":    {},
		"event_append":      {},
	}
	replyTools = map[string]struct{}{
		"slack_post_summary":             {},
		"slack_ask_clarifying_question": {},
	}
	durableWriteTools = map[string]struct{}{
		"opportunity_patch": {},
		"journal_append":    {},
	}
)

// protocolState tracks the per-run flags the gates check.
type protocolState struct {
	loadedAt      time.Time
	wroteDurable  bool
	correlationID string
	now           func() time.Time
}

// enforce applies the in-run protocol gates and stamps the correlation id.
// A violation returns a synthetic tool error the model sees in place of a
// real call; args are mutated in place for allowed calls.
func (p *protocolState) enforce(tool string, args map[string]any, rfpScoped bool) *toolerrors.ToolError {
	if !rfpScoped {
		p.stamp(tool, args)
		return nil
	}
	if _, isWrite := rfpWriteTools[tool]; isWrite && !p.freshlyLoaded() {
		return toolerrors.NewKind(toolerrors.KindProtocol, "protocol_missing_opportunity_load: load the opportunity state before writing to it")
	}
	if _, isReply := replyTools[tool]; isReply && !p.wroteDurable {
		return toolerrors.NewKind(toolerrors.KindProtocol, "protocol_missing_durable_write: record the change (opportunity_patch or journal_append) before replying")
	}
	p.stamp(tool, args)
	return nil
}

// stamp injects the run correlation id into event and journal arguments.
// Reply tools are correlated through the event log instead.
func (p *protocolState) stamp(tool string, args map[string]any) {
	if p.correlationID == "" {
		return
	}
	switch tool {
	case "event_append":
		if _, set := args["correlationId"]; !set {
			args["correlationId"] = p.correlationID
		}
	case "journal_append":
		meta, _ := args["meta"].(map[string]any)
		if meta == nil {
			meta = map[string]any{}
		}
		if _, set := meta["correlationId"]; !set {
			meta["correlationId"] = p.correlationID
		}
		args["meta"] = meta
	}
}

// observe updates the flags after a successful tool call.
func (p *protocolState) observe(tool string, ok bool) {
	if !ok {
		return
	}
	if tool == "opportunity_load" {
		p.loadedAt = p.now()
	}
	if _, durable := durableWriteTools[tool]; durable {
		p.wroteDurable = true
	}
}

// freshlyLoaded reports whether state was loaded within the freshness
// window.
func (p *protocolState) freshlyLoaded() bool {
	return !p.loadedAt.IsZero() && p.now().Sub(p.loadedAt) <= loadFreshness
}
