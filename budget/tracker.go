package budget

import (
	"sync"
	"time"
)

// Cost anchor: four hours of background work corresponds to ten dollars of
// output-priced tokens. Minute budgets convert through this anchor.
const (
	anchorMinutes = 240.0
	anchorUSD     = 10.0
)

type (
	// Tracker accumulates token usage against a fixed budget. It is safe for
	// concurrent use; a single orchestrator owns it but checkpoint writers may
	// snapshot concurrently.
	Tracker struct {
		mu           sync.Mutex
		budgetTokens int
		model        string
		inputTokens  int
		outputTokens int
		costUSD      float64
		counter      *Counter
	}

	// CallUsage reports the per-call accounting returned by Record.
	CallUsage struct {
		InputTokens  int     `json:"inputTokens"`
		OutputTokens int     `json:"outputTokens"`
		CostUSD      float64 `json:"costUsd"`
	}

	// RecordInput describes one model call. When token counts are zero the
	// tracker counts the corresponding text itself.
	RecordInput struct {
		// Input is the prompt content (string, messages, or list of strings).
		Input any
		// Output is the completion text.
		Output string
		// InputTokens overrides counting when the provider reported usage.
		InputTokens int
		// OutputTokens overrides counting when the provider reported usage.
		OutputTokens int
	}

	// State is the serialized tracker used in checkpoints. Snapshot then
	// Restore round-trips budget, model and usage exactly.
	State struct {
		BudgetTokens int     `json:"budget_tokens"`
		Model        string  `json:"model"`
		InputTokens  int     `json:"input_tokens"`
		OutputTokens int     `json:"output_tokens"`
		CostUSD      float64 `json:"cost_usd"`
	}
)

// NewTracker builds a tracker with an explicit token budget for a model.
func NewTracker(budgetTokens int, model string) *Tracker {
	return &Tracker{budgetTokens: budgetTokens, model: model, counter: NewCounter(model)}
}

// NewTrackerFromCost converts a USD budget into output-priced tokens.
func NewTrackerFromCost(costUSD float64, model string) *Tracker {
	p, _ := PricingFor(model)
	tokens := int(costUSD / p.OutputPerMillion * 1e6)
	return NewTracker(tokens, model)
}

// NewTrackerFromMinutes converts a time budget through the cost anchor
// (4h corresponds to $10) into output-priced tokens. Conservative: the whole
// budget is priced at the output rate.
func NewTrackerFromMinutes(minutes float64, model string) *Tracker {
	return NewTrackerFromCost(minutes/anchorMinutes*anchorUSD, model)
}

// NewTrackerDefault uses the default 15-minute budget.
func NewTrackerDefault(model string) *Tracker {
	return NewTrackerFromMinutes(15, model)
}

// NewTrackerFromDuration converts a duration budget through the cost anchor.
func NewTrackerFromDuration(d time.Duration, model string) *Tracker {
	return NewTrackerFromMinutes(d.Minutes(), model)
}

// Record accounts one model call, counting any side the provider did not
// report, and returns the per-call usage.
func (t *Tracker) Record(in RecordInput) CallUsage {
	inTok := in.InputTokens
	if inTok == 0 && in.Input != nil {
		inTok = t.counter.Count(in.Input)
	}
	outTok := in.OutputTokens
	if outTok == 0 && in.Output != "" {
		outTok = t.counter.CountText(in.Output)
	}
	cost := CalculateCost(inTok, outTok, t.model)

	t.mu.Lock()
	t.inputTokens += inTok
	t.outputTokens += outTok
	t.costUSD += cost
	t.mu.Unlock()

	return CallUsage{InputTokens: inTok, OutputTokens: outTok, CostUSD: cost}
}

// Remaining returns the unspent token budget, never negative.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	rem := t.budgetTokens - t.inputTokens - t.outputTokens
	if rem < 0 {
		return 0
	}
	return rem
}

// RemainingPercent returns the unspent budget as a percentage in [0,100].
func (t *Tracker) RemainingPercent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.budgetTokens <= 0 {
		return 0
	}
	rem := float64(t.budgetTokens-t.inputTokens-t.outputTokens) / float64(t.budgetTokens) * 100
	if rem < 0 {
		return 0
	}
	return rem
}

// Exhausted reports whether the budget is spent. A zero budget is exhausted
// from the start. The tracker never blocks calls; orchestrators consult it to
// stop scheduling new steps.
func (t *Tracker) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTokens+t.outputTokens >= t.budgetTokens
}

// CanAfford reports whether n more tokens fit in the budget.
func (t *Tracker) CanAfford(n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTokens+t.outputTokens+n <= t.budgetTokens
}

// Model returns the model this tracker prices against.
func (t *Tracker) Model() string {
	return t.model
}

// CostUSD returns the accumulated cost.
func (t *Tracker) CostUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.costUSD
}

// Snapshot serializes the tracker for a checkpoint.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		BudgetTokens: t.budgetTokens,
		Model:        t.model,
		InputTokens:  t.inputTokens,
		OutputTokens: t.outputTokens,
		CostUSD:      t.costUSD,
	}
}

// Restore rebuilds a tracker from a checkpointed state.
func Restore(s State) *Tracker {
	t := NewTracker(s.BudgetTokens, s.Model)
	t.inputTokens = s.InputTokens
	t.outputTokens = s.OutputTokens
	t.costUSD = s.CostUSD
	return t
}
