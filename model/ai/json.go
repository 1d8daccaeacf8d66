package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bidstack/operator/model"
)

// Output-shape ladder for structured calls. Schema-strict first, then
// generic JSON-object mode, then freeform with first-brace extraction.
const (
	modeSchema = iota
	modeObject
	modeFreeform
)

var effortLadder = []string{"low", "medium", "high"}

// JSONOptions tunes one structured call.
type JSONOptions struct {
	CallOptions
	// Validate rejects a parsed value beyond what the schema can express.
	Validate func(v any) error
	// Fallback produces a degraded value when all attempts fail. When nil
	// the last error is returned.
	Fallback func() (any, error)
}

// CallJSON sends a prompt and decodes the completion into out, which must
// be a pointer. The schema is enforced provider-side when supported and
// validated locally on every attempt. Parse and validation failures feed
// an error description back to the model and escalate reasoning effort.
func (c *Client) CallJSON(ctx context.Context, prompt string, schema []byte, out any, opts JSONOptions) error {
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("ai: bad schema: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var feedback []model.Message
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		mode := attempt
		if mode > modeFreeform {
			mode = modeFreeform
		}
		req := model.Request{
			Messages:        c.buildMessages(opts.System, prompt, feedback, opts.ClipChars),
			MaxTokens:       opts.MaxTokens,
			Temperature:     opts.Temperature,
			ReasoningEffort: escalate(opts.Effort, attempt),
		}
		switch mode {
		case modeSchema:
			req.ResponseFormat = &model.ResponseFormat{JSONSchema: schema, Name: "response"}
		case modeObject:
			req.ResponseFormat = &model.ResponseFormat{JSONObject: true}
		}

		callOpts := opts.CallOptions
		callOpts.MaxAttempts = 1
		resp, err := c.CompleteChain(ctx, req, callOpts, jsonBackoffBase)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return err
			}
			lastErr = err
			continue
		}

		raw, parseErr := parseJSON(resp.Text)
		if parseErr == nil && compiled != nil {
			// The validator wants instances decoded with the library's own
			// number handling.
			if doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw)); err != nil {
				parseErr = err
			} else {
				parseErr = compiled.Validate(doc)
			}
		}
		var value any
		if parseErr == nil {
			parseErr = json.Unmarshal([]byte(raw), &value)
		}
		if parseErr == nil && opts.Validate != nil {
			parseErr = opts.Validate(value)
		}
		if parseErr == nil {
			if err := json.Unmarshal([]byte(raw), out); err != nil {
				return fmt.Errorf("ai: decode into target: %w", err)
			}
			return nil
		}
		lastErr = parseErr
		feedback = append(feedback,
			model.Message{Role: model.RoleAssistant, Content: preview(resp.Text, 300)},
			model.Message{Role: model.RoleUser, Content: fmt.Sprintf(
				"Your previous response was not valid: %v. Return only a valid JSON object matching the requested shape, with no prose.", parseErr)},
		)
		c.logger.Debug(ctx, "ai: json attempt failed", "attempt", attempt+1, "err", parseErr)
	}

	if opts.Fallback != nil {
		value, err := opts.Fallback()
		if err != nil {
			return fmt.Errorf("ai: json fallback: %w", err)
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("ai: encode fallback value: %w", err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("ai: decode into target: %w", err)
		}
		return nil
	}
	return fmt.Errorf("ai: json call failed: %w", lastErr)
}

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("inline.json")
}

// parseJSON returns the JSON object text, falling back to extracting the
// first balanced {...} region.
func parseJSON(text string) (string, error) {
	candidate := strings.TrimSpace(text)
	if candidate == "" {
		return "", errors.New("empty response")
	}
	if json.Valid([]byte(candidate)) {
		return candidate, nil
	}
	extracted, ok := extractObject(candidate)
	if !ok {
		return "", errors.New("no JSON object found in response")
	}
	if !json.Valid([]byte(extracted)) {
		return "", errors.New("extracted JSON object does not parse")
	}
	return extracted, nil
}

// extractObject returns the first balanced top-level JSON object in s,
// respecting string literals and escapes.
func extractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func escalate(start string, attempt int) string {
	idx := 0
	for i, e := range effortLadder {
		if e == start {
			idx = i
			break
		}
	}
	idx += attempt
	if idx >= len(effortLadder) {
		idx = len(effortLadder) - 1
	}
	return effortLadder[idx]
}

func preview(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
