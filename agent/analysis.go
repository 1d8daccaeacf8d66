package agent

import (
	"context"
	"strings"

	"github.com/bidstack/operator/budget"
	"github.com/bidstack/operator/model/ai"
)

// Complexity buckets and their step budget ranges.
const (
	complexitySimple   = "simple"
	complexityModerate = "moderate"
	complexityComplex  = "complex"
)

// Analysis is the structured intent read of one user message.
type Analysis struct {
	Intent        string   `json:"intent"`
	Complexity    string   `json:"complexity"`
	RequiredTools []string `json:"required_tools,omitempty"`
	LikelySteps   int      `json:"likely_steps"`
	MissingInfo   []string `json:"missing_info,omitempty"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning,omitempty"`
}

var analysisSchema = []byte(`{
	"type": "object",
	"properties": {
		"intent": {"type": "string"},
		"complexity": {"type": "string", "enum": ["simple", "moderate", "complex"]},
		"required_tools": {"type": "array", "items": {"type": "string"}},
		"likely_steps": {"type": "integer", "minimum": 1},
		"missing_info": {"type": "array", "items": {"type": "string"}},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"}
	},
	"required": ["intent", "complexity", "likely_steps", "confidence"]
}`)

// analysisTemplates matches common requests instantly without a model
// call.
var analysisTemplates = []struct {
	keywords []string
	analysis Analysis
}{
	{
		keywords: []string{"status", "where are we", "summary"},
		analysis: Analysis{Intent: "status_summary", Complexity: complexitySimple, LikelySteps: 2, Confidence: 0.9},
	},
	{
		keywords: []string{"deadline", "due date", "when is"},
		analysis: Analysis{Intent: "deadline_lookup", Complexity: complexitySimple, LikelySteps: 2, Confidence: 0.9},
	},
	{
		keywords: []string{"draft", "write", "compose"},
		analysis: Analysis{Intent: "content_drafting", Complexity: complexityModerate, LikelySteps: 5, Confidence: 0.85},
	},
	{
		keywords: []string{"analyze", "review", "compare"},
		analysis: Analysis{Intent: "analysis", Complexity: complexityModerate, LikelySteps: 6, Confidence: 0.8},
	},
}

// analyze reads the message intent: template match first, then a model
// call, then keyword heuristics when the model is unavailable.
func (r *Runtime) analyze(ctx context.Context, message string, tracker *budget.Tracker) Analysis {
	lower := strings.ToLower(message)
	for _, tpl := range analysisTemplates {
		for _, kw := range tpl.keywords {
			if strings.Contains(lower, kw) {
				return tpl.analysis
			}
		}
	}

	var a Analysis
	err := r.ai.CallJSON(ctx, analysisPrompt(message), analysisSchema, &a, ai.JSONOptions{
		CallOptions: ai.CallOptions{Purpose: ai.PurposeAnalysis, Tracker: tracker},
	})
	if err != nil {
		r.logger.Warn(ctx, "metaprompt analysis failed, using heuristics", "err", err)
		return heuristicAnalysis(message)
	}
	if a.Complexity == "" {
		a.Complexity = complexityModerate
	}
	return a
}

func analysisPrompt(message string) string {
	return "Analyze this request to a proposal-operations assistant. Classify intent, complexity (simple/moderate/complex), the tools likely needed, a step count estimate, missing information, and your confidence.\n\nRequest:\n" + message
}

// heuristicAnalysis is the degraded path when the model is unreachable.
func heuristicAnalysis(message string) Analysis {
	words := len(strings.Fields(message))
	a := Analysis{Intent: "general", Confidence: 0.4}
	switch {
	case words <= 12:
		a.Complexity = complexitySimple
		a.LikelySteps = 3
	case words <= 40:
		a.Complexity = complexityModerate
		a.LikelySteps = 6
	default:
		a.Complexity = complexityComplex
		a.LikelySteps = 10
	}
	return a
}

// stepBudget derives the loop bound from complexity: simple 3-5, moderate
// 6-10, complex 12-20, capped at twice the bucket max and never below
// likely steps plus two.
func stepBudget(a Analysis) int {
	var low, high int
	switch a.Complexity {
	case complexitySimple:
		low, high = 3, 5
	case complexityComplex:
		low, high = 12, 20
	default:
		low, high = 6, 10
	}
	steps := a.LikelySteps
	if steps < low {
		steps = low
	}
	if steps > high {
		steps = high
	}
	if min := a.LikelySteps + 2; steps < min {
		steps = min
	}
	if upper := 2 * high; steps > upper {
		steps = upper
	}
	return steps
}
