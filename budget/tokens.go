// Package budget provides model-aware token counting, cost accounting and the
// TokenBudgetTracker that bounds agent runs and background jobs. Budgets are
// expressed in output-priced tokens so they stay proportional across models.
package budget

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Per-message overhead approximates the chat framing tokens providers charge
// in addition to message content.
const perMessageOverhead = 4

// Counter counts tokens using the encoding that matches a model family.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter selects a tokenizer for the given model. Model families map to
// distinct encodings; unknown models fall back to cl100k_base, which
// overcounts slightly and is therefore conservative.
func NewCounter(model string) *Counter {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return &Counter{enc: enc}
	}
	name := "cl100k_base"
	switch {
	case strings.HasPrefix(model, "gpt-5"), strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "o"):
		name = "o200k_base"
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		// cl100k_base ships with the library; reaching here means the encoding
		// registry itself is broken, so fall back to byte-length estimation.
		return &Counter{}
	}
	return &Counter{enc: enc}
}

// CountText counts tokens in a plain string.
func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Count counts tokens for any supported input shape: a string, a list of
// role/content maps (content tokens plus a fixed per-message overhead), or a
// list of strings. Unknown content is coerced to a string and counted.
func (c *Counter) Count(input any) int {
	switch v := input.(type) {
	case nil:
		return 0
	case string:
		return c.CountText(v)
	case []string:
		total := 0
		for _, s := range v {
			total += c.CountText(s)
		}
		return total
	case []map[string]any:
		total := 0
		for _, m := range v {
			total += c.countMessage(m)
		}
		return total
	case []any:
		total := 0
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				total += c.countMessage(m)
				continue
			}
			total += c.Count(item)
		}
		return total
	case map[string]any:
		return c.countMessage(v)
	default:
		return c.CountText(fmt.Sprintf("%v", v))
	}
}

func (c *Counter) countMessage(m map[string]any) int {
	content, _ := m["content"].(string)
	if content == "" {
		content = fmt.Sprintf("%v", m["content"])
	}
	return c.CountText(content) + perMessageOverhead
}
