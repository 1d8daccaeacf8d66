// Package agent implements the conversational runtime: a tool-using
// reasoning loop with scope detection, step budgets, protocol enforcement
// and memory learning. One Run call owns one message turn; runs execute in
// parallel across request workers, each with its own state.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bidstack/operator/budget"
	"github.com/bidstack/operator/contextbuild"
	"github.com/bidstack/operator/identity"
	"github.com/bidstack/operator/memory"
	"github.com/bidstack/operator/model"
	"github.com/bidstack/operator/model/ai"
	"github.com/bidstack/operator/opportunity"
	"github.com/bidstack/operator/resilience"
	"github.com/bidstack/operator/telemetry"
	"github.com/bidstack/operator/toolerrors"
	"github.com/bidstack/operator/tools"
)

// Per-tool-call retry policy inside a run.
const (
	toolRetries   = 2
	toolBaseDelay = 500 * time.Millisecond
	toolMaxDelay  = 5 * time.Second
)

const chainBackoffBase = 300 * time.Millisecond

type (
	// AI is the model surface the runtime needs. Satisfied by *ai.Client.
	AI interface {
		CallJSON(ctx context.Context, prompt string, schema []byte, out any, opts ai.JSONOptions) error
		CompleteChain(ctx context.Context, req model.Request, opts ai.CallOptions, backoffBase time.Duration) (model.Response, error)
	}

	// Replier posts the loop's final text when no reply tool did.
	Replier interface {
		PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error)
	}

	// Options configures a Runtime.
	Options struct {
		Registry      *tools.Registry
		AI            AI
		Opportunities *opportunity.Repo
		// Memories receives learning rows. Optional.
		Memories *memory.Store
		// Context assembles the layered prompt context. Optional.
		Context *contextbuild.Builder
		// Chat is the post fallback. Optional; without it the reply is
		// only returned to the caller.
		Chat Replier
		// Scope overrides the keyword classifier.
		Scope   ScopeClassifier
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Clock   func() time.Time
	}

	// Runtime is the agent loop.
	Runtime struct {
		registry *tools.Registry
		ai       AI
		opps     *opportunity.Repo
		memories *memory.Store
		builder  *contextbuild.Builder
		chat     Replier
		scope    ScopeClassifier
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// Input is one inbound message.
	Input struct {
		Message   string
		ChannelID string
		ThreadTS  string
		UserSub   string
		// DisplayName is used in learning rows; optional.
		DisplayName string
	}

	// Output summarizes one run.
	Output struct {
		Reply     string   `json:"reply"`
		Posted    bool     `json:"posted"`
		RFPID     string   `json:"rfpId,omitempty"`
		ToolsUsed []string `json:"toolsUsed,omitempty"`
		Steps     int      `json:"steps"`
	}

	// toolCallRecord is one executed call in the run trace.
	toolCallRecord struct {
		tool string
		ok   bool
	}
)

// New builds an agent runtime.
func New(opts Options) (*Runtime, error) {
	if opts.Registry == nil || opts.AI == nil || opts.Opportunities == nil {
		return nil, errors.New("agent: Registry, AI and Opportunities are required")
	}
	if opts.Scope == nil {
		opts.Scope = KeywordScopeClassifier{}
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
	return &Runtime{
		registry: opts.Registry,
		ai:       opts.AI,
		opps:     opts.Opportunities,
		memories: opts.Memories,
		builder:  opts.Context,
		chat:     opts.Chat,
		scope:    opts.Scope,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Clock,
	}, nil
}

// Run processes one message turn.
func (r *Runtime) Run(ctx context.Context, in Input, tracker *budget.Tracker) (Output, error) {
	if reply, handled := r.handleShortcut(ctx, in); handled {
		return r.reply(ctx, in, Output{Reply: reply})
	}

	rfpID := r.resolveScope(ctx, in)
	if rfpID == "" {
		decision := r.scope.ClassifyScope(ctx, in.Message)
		if decision.RequiresRFP != nil && *decision.RequiresRFP {
			return r.reply(ctx, in, Output{
				Reply: "Which RFP is this about? Reply with its id or `link rfp_...` to bind this thread.",
			})
		}
	}

	analysis := r.analyze(ctx, in.Message, tracker)
	maxSteps := stepBudget(analysis)

	proto := &protocolState{correlationID: "run_" + uuid.NewString()[:8], now: r.now}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: r.systemPrompt(ctx, in, rfpID, analysis)},
		{Role: model.RoleUser, Content: in.Message},
	}
	out := Output{RFPID: rfpID}
	var trace []toolCallRecord
	posted := false

	for step := 0; step < maxSteps; step++ {
		out.Steps = step + 1
		resp, err := r.ai.CompleteChain(ctx, model.Request{
			Messages:        messages,
			Tools:           r.toolDefs(rfpID != ""),
			ReasoningEffort: effortFor(analysis, step),
		}, ai.CallOptions{
			Purpose: ai.PurposeGeneral,
			Tracker: tracker,
		}, chainBackoffBase)
		if err != nil {
			return out, fmt.Errorf("agent: model call: %w", err)
		}
		if len(resp.ToolCalls) == 0 {
			out.Reply = resp.Text
			break
		}

		messages = append(messages, model.Message{Role: model.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			payload, ok := r.runToolCall(ctx, call, proto, rfpID, &trace)
			if ok {
				if _, isReply := replyTools[call.Name]; isReply {
					posted = true
				}
			}
			encoded, err := json.Marshal(payload)
			if err != nil {
				encoded = []byte(`{"ok":false,"error":"unencodable tool result"}`)
			}
			messages = append(messages, model.Message{
				Role:       model.RoleTool,
				Content:    string(encoded),
				ToolCallID: call.ID,
			})
		}
	}

	for _, rec := range trace {
		out.ToolsUsed = append(out.ToolsUsed, rec.tool)
	}
	out.Posted = posted

	if !posted && out.Reply != "" {
		var err error
		out, err = r.reply(ctx, in, out)
		if err != nil {
			return out, err
		}
	}
	r.learn(ctx, in, out, trace)
	return out, nil
}

// runToolCall enforces protocol, dispatches with classified retries and
// emits the durable event. Returns the payload fed back to the model.
func (r *Runtime) runToolCall(ctx context.Context, call model.ToolCall, proto *protocolState, rfpID string, trace *[]toolCallRecord) (map[string]any, bool) {
	args := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			terr := toolerrors.NewKind(toolerrors.KindValidation, "tool arguments are not a JSON object")
			*trace = append(*trace, toolCallRecord{tool: call.Name, ok: false})
			return terr.Payload(), false
		}
	}

	if verr := proto.enforce(call.Name, args, rfpID != ""); verr != nil {
		r.metrics.IncCounter("agent_protocol_rejections", 1, "tool", call.Name)
		*trace = append(*trace, toolCallRecord{tool: call.Name, ok: false})
		return verr.Payload(), false
	}

	raw, err := json.Marshal(args)
	if err != nil {
		terr := toolerrors.NewKind(toolerrors.KindValidation, "unencodable tool arguments")
		return terr.Payload(), false
	}
	start := r.now()
	result, err := resilience.Retry(ctx, func(ctx context.Context) (any, error) {
		return r.registry.Dispatch(ctx, call.Name, raw, true)
	}, resilience.RetryOptions{
		MaxRetries: toolRetries + 1,
		BaseDelay:  toolBaseDelay,
		MaxDelay:   toolMaxDelay,
	})
	elapsed := r.now().Sub(start)

	ok := err == nil
	proto.observe(call.Name, ok)
	*trace = append(*trace, toolCallRecord{tool: call.Name, ok: ok})
	r.metrics.RecordTimer("agent_tool_call", elapsed, "tool", call.Name)
	r.logger.Info(ctx, "tool call", "tool", call.Name, "ok", ok, "ms", elapsed.Milliseconds())

	if rfpID != "" {
		r.emitEvent(ctx, rfpID, call.Name, proto.correlationID, ok, err)
	}
	if !ok {
		r.recordFailure(ctx, call.Name, err, *trace)
	}
	return tools.Payload(result, err), ok
}

func (r *Runtime) emitEvent(ctx context.Context, rfpID, tool, correlationID string, ok bool, callErr error) {
	payload := map[string]any{"ok": ok}
	if callErr != nil {
		payload["error"] = callErr.Error()
	}
	e := opportunity.Event{
		RFPID:         rfpID,
		Type:          "tool_call",
		Tool:          tool,
		Payload:       payload,
		CorrelationID: correlationID,
	}
	if err := r.opps.AppendEvent(ctx, e); err != nil {
		r.logger.Warn(ctx, "tool event write failed", "rfpId", rfpID, "tool", tool, "err", err)
	}
}

// reply posts the final text through the chat adapter when configured.
func (r *Runtime) reply(ctx context.Context, in Input, out Output) (Output, error) {
	if r.chat == nil || out.Reply == "" || in.ChannelID == "" {
		return out, nil
	}
	if _, err := r.chat.PostMessage(ctx, in.ChannelID, in.ThreadTS, out.Reply); err != nil {
		return out, fmt.Errorf("agent: post reply: %w", err)
	}
	out.Posted = true
	return out, nil
}

// toolDefs returns the advertised tool set. Without an RFP scope the
// opportunity write tools are withheld.
func (r *Runtime) toolDefs(rfpScoped bool) []model.ToolDefinition {
	defs := r.registry.Definitions(true)
	if rfpScoped {
		return defs
	}
	filtered := defs[:0]
	for _, def := range defs {
		if _, isWrite := rfpWriteTools[def.Name]; isWrite {
			continue
		}
		filtered = append(filtered, def)
	}
	return filtered
}

func (r *Runtime) systemPrompt(ctx context.Context, in Input, rfpID string, analysis Analysis) string {
	prompt := "You are the proposal-operations agent. Use tools to read and change durable state; never fabricate state. Record changes before replying. Ask a clarifying question when required information is missing.\n"
	if analysis.Intent != "" {
		prompt += "\nDetected intent: " + analysis.Intent + " (" + analysis.Complexity + ").\n"
	}
	if r.builder == nil {
		return prompt
	}
	assembled, err := r.builder.Build(ctx, contextbuild.Input{
		Identity:  identity.Identity{Sub: in.UserSub, DisplayName: in.DisplayName},
		ChannelID: in.ChannelID,
		ThreadTS:  in.ThreadTS,
		RFPID:     rfpID,
		Query:     in.Message,
	})
	if err != nil {
		r.logger.Warn(ctx, "context assembly failed", "err", err)
		return prompt
	}
	return prompt + "\n" + assembled
}

// effortFor raises reasoning effort for complex requests and later steps.
func effortFor(a Analysis, step int) string {
	if a.Complexity == complexityComplex || step >= 6 {
		return "high"
	}
	if a.Complexity == complexityModerate || step >= 3 {
		return "medium"
	}
	return "low"
}
