package opportunity

import (
	"fmt"
	"strings"
)

// SanitizePatch filters a durable-write patch before application. Commitments
// lacking non-empty text or a provenance source are dropped, each producing a
// policy-check record. The input map is not modified.
func SanitizePatch(patch map[string]any) (map[string]any, []PolicyCheck) {
	if patch == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(patch))
	var checks []PolicyCheck
	for k, v := range patch {
		if k == "commitments_append" || k == "commitments" {
			kept, dropped := filterCommitments(v)
			if dropped > 0 {
				checks = append(checks, PolicyCheck{
					Check:  "commitment_provenance",
					Detail: fmt.Sprintf("dropped %d commitment(s) lacking text or provenance.source", dropped),
				})
			}
			// Bare "commitments" would overwrite the add-only list; rewrite it
			// as an append so the invariant holds.
			if len(kept) > 0 {
				out["commitments_append"] = kept
			}
			if k == "commitments" {
				checks = append(checks, PolicyCheck{
					Check:  "commitments_add_only",
					Detail: "commitments is add-only; patch rewritten as append",
				})
			}
			continue
		}
		out[k] = v
	}
	return out, checks
}

func filterCommitments(v any) (kept []any, dropped int) {
	list, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]map[string]any); ok {
			for _, m := range typed {
				list = append(list, m)
			}
		} else if v != nil {
			return nil, 1
		}
	}
	for _, elem := range list {
		m, ok := elem.(map[string]any)
		if !ok {
			dropped++
			continue
		}
		text, _ := m["text"].(string)
		if strings.TrimSpace(text) == "" {
			dropped++
			continue
		}
		prov, _ := m["provenance"].(map[string]any)
		source, _ := prov["source"].(string)
		if strings.TrimSpace(source) == "" {
			dropped++
			continue
		}
		kept = append(kept, m)
	}
	return kept, dropped
}
