package resilience

import "fmt"

type (
	// StepResult is the shape combined by CombinePartial.
	StepResult struct {
		// OK reports whether the step succeeded.
		OK bool
		// Name identifies the step for error reporting.
		Name string
		// Value carries the step output when OK.
		Value any
		// Err carries the step failure when !OK.
		Err error
	}

	// PartialOutcome summarizes a batch of step results.
	PartialOutcome struct {
		// OK is true when the success threshold was met.
		OK bool
		// Partial is true when some but not all steps succeeded.
		Partial bool
		// Succeeded and Failed list step names by outcome.
		Succeeded []string
		Failed    []string
		// Values maps step name to output for successful steps.
		Values map[string]any
		// Err summarizes the failed set when the threshold was not met.
		Err error
	}

	// ReducedEffort is a downgraded parameter set suggested after repeated
	// failures: lower reasoning, fewer steps, smaller completions.
	ReducedEffort struct {
		ReasoningEffort string
		MaxSteps        int
		MaxTokens       int
	}
)

// CombinePartial merges step results into one outcome. The batch succeeds when
// at least minSuccess steps succeeded; with continueOnPartial, a partial batch
// is reported as OK with Partial set.
func CombinePartial(results []StepResult, minSuccess int, continueOnPartial bool) PartialOutcome {
	out := PartialOutcome{Values: make(map[string]any)}
	for _, r := range results {
		if r.OK {
			out.Succeeded = append(out.Succeeded, r.Name)
			out.Values[r.Name] = r.Value
		} else {
			out.Failed = append(out.Failed, r.Name)
		}
	}
	out.Partial = len(out.Succeeded) > 0 && len(out.Failed) > 0
	switch {
	case len(out.Failed) == 0:
		out.OK = true
	case len(out.Succeeded) >= minSuccess && continueOnPartial:
		out.OK = true
	default:
		out.Err = fmt.Errorf("resilience: %d of %d steps failed: %v", len(out.Failed), len(results), out.Failed)
	}
	return out
}

// ReducedEffortFor returns a downgraded parameter set when the error suggests
// a cheaper attempt may succeed, or nil when downgrading will not help.
// adjustment counts prior downgrades; past maxAdjustments it returns nil.
func ReducedEffortFor(err error, adjustment, maxAdjustments int) *ReducedEffort {
	if adjustment >= maxAdjustments {
		return nil
	}
	class := Classify(err)
	switch class.Category {
	case CategoryTimeout, CategoryResource, CategoryRateLimit:
		efforts := []ReducedEffort{
			{ReasoningEffort: "medium", MaxSteps: 10, MaxTokens: 4096},
			{ReasoningEffort: "low", MaxSteps: 5, MaxTokens: 2048},
			{ReasoningEffort: "low", MaxSteps: 3, MaxTokens: 1024},
		}
		if adjustment >= len(efforts) {
			return nil
		}
		e := efforts[adjustment]
		return &e
	default:
		return nil
	}
}
