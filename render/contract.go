package render

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
)

// maxTemplateBytes bounds the DOCX template accepted for rendering.
const maxTemplateBytes = 10 << 20

// ContractInput carries the pieces assembled into the template context.
type ContractInput struct {
	Case         map[string]any
	KeyTerms     map[string]any
	Proposal     map[string]any
	RFP          map[string]any
	Company      map[string]any
	RenderInputs map[string]any
	Preview      bool
	GeneratedAt  time.Time
}

// ContractContext flattens the input into the map a template consumes.
// Nested maps flatten with dotted keys so `{{case.title}}` resolves.
func ContractContext(in ContractInput) map[string]string {
	generatedAt := in.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}
	ctx := map[string]string{
		"generatedAt": generatedAt.UTC().Format("2006-01-02"),
		"preview":     fmt.Sprintf("%t", in.Preview),
	}
	flattenInto(ctx, "case", in.Case)
	flattenInto(ctx, "keyTerms", in.KeyTerms)
	flattenInto(ctx, "proposal", in.Proposal)
	flattenInto(ctx, "rfp", in.RFP)
	flattenInto(ctx, "company", in.Company)
	flattenInto(ctx, "renderInputs", in.RenderInputs)
	return ctx
}

func flattenInto(out map[string]string, prefix string, m map[string]any) {
	for k, v := range m {
		key := prefix + "." + k
		switch t := v.(type) {
		case map[string]any:
			flattenInto(out, key, t)
		case string:
			out[key] = t
		case nil:
		default:
			out[key] = fmt.Sprintf("%v", t)
		}
	}
}

// ContractDOCX substitutes `{{key}}` placeholders in a DOCX template. A
// DOCX file is a zip archive; only the word/ XML parts are rewritten, the
// rest is copied through byte for byte. Unresolved placeholders are left in
// place so a reviewer can spot them.
func ContractDOCX(template []byte, ctx map[string]string) ([]byte, error) {
	if len(template) == 0 {
		return nil, fmt.Errorf("render: empty template")
	}
	if len(template) > maxTemplateBytes {
		return nil, fmt.Errorf("render: template exceeds %d bytes", maxTemplateBytes)
	}
	reader, err := zip.NewReader(bytes.NewReader(template), int64(len(template)))
	if err != nil {
		return nil, fmt.Errorf("render: template is not a DOCX archive: %w", err)
	}

	var out bytes.Buffer
	writer := zip.NewWriter(&out)
	for _, entry := range reader.File {
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("render: template entry %s: %w", entry.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("render: template entry %s: %w", entry.Name, err)
		}
		if strings.HasPrefix(entry.Name, "word/") && strings.HasSuffix(entry.Name, ".xml") {
			content = []byte(substitute(string(content), ctx))
		}
		header := entry.FileHeader
		w, err := writer.CreateHeader(&header)
		if err != nil {
			return nil, fmt.Errorf("render: rewrite %s: %w", entry.Name, err)
		}
		if _, err := w.Write(content); err != nil {
			return nil, fmt.Errorf("render: rewrite %s: %w", entry.Name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("render: finalize: %w", err)
	}
	return out.Bytes(), nil
}

func substitute(content string, ctx map[string]string) string {
	pairs := make([]string, 0, len(ctx)*2)
	for k, v := range ctx {
		pairs = append(pairs, "{{"+k+"}}", xmlEscape(v))
	}
	return strings.NewReplacer(pairs...).Replace(content)
}

func xmlEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}
