package budget

import "strings"

// Pricing holds $/1M token rates for a model.
type Pricing struct {
	// InputPerMillion is the input token rate in USD per million tokens.
	InputPerMillion float64
	// OutputPerMillion is the output token rate in USD per million tokens.
	OutputPerMillion float64
}

// pricingTable maps model identifier prefixes to rates. Longest prefix wins.
var pricingTable = map[string]Pricing{
	"gpt-5":             {InputPerMillion: 1.25, OutputPerMillion: 10.00},
	"gpt-5-mini":        {InputPerMillion: 0.25, OutputPerMillion: 2.00},
	"gpt-5-nano":        {InputPerMillion: 0.05, OutputPerMillion: 0.40},
	"gpt-4.1":           {InputPerMillion: 2.00, OutputPerMillion: 8.00},
	"gpt-4.1-mini":      {InputPerMillion: 0.40, OutputPerMillion: 1.60},
	"gpt-4o":            {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"claude-opus-4":     {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-haiku-4":    {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"claude-3-5-haiku":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"claude-3-5-sonnet": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
}

// defaultPricing is applied to unknown models.
var defaultPricing = Pricing{InputPerMillion: 3.00, OutputPerMillion: 15.00}

// PricingFor resolves pricing for a model identifier. Unknown models return
// the default table entry and known=false so callers can log a warning.
func PricingFor(model string) (p Pricing, known bool) {
	best := ""
	for prefix, entry := range pricingTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, p = prefix, entry
		}
	}
	if best == "" {
		return defaultPricing, false
	}
	return p, true
}

// CalculateCost returns the USD cost for a call against a model.
func CalculateCost(inputTokens, outputTokens int, model string) float64 {
	p, _ := PricingFor(model)
	return float64(inputTokens)*p.InputPerMillion/1e6 + float64(outputTokens)*p.OutputPerMillion/1e6
}
