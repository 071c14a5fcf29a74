package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// Normalizer turns extracted page text into a typed record. It is a pure
// function of its inputs: identical extractions and label always yield an
// identical record.
type Normalizer struct {
	reg *Registry
}

func New(reg *Registry) *Normalizer {
	return &Normalizer{reg: reg}
}

// Normalize resolves the label's schema and populates each field from the
// page texts. A required field with no match is recorded as an explicit
// absence, never as an empty value.
func (n *Normalizer) Normalize(extractions []document.ExtractionResult, label document.Type) (*document.NormalizedRecord, error) {
	schema, err := n.reg.Schema(label)
	if err != nil {
		return nil, err
	}

	rec := &document.NormalizedRecord{
		Type:          label,
		SchemaVersion: schema.version,
	}
	for _, cf := range schema.fields {
		field, ok := findField(cf, extractions)
		if ok {
			rec.Fields = append(rec.Fields, field)
			continue
		}
		if cf.required {
			rec.Absent = append(rec.Absent, cf.name)
		}
	}
	return rec, nil
}

// findField tries the field's patterns in priority order, scanning pages in
// page order within each pattern. The first non-empty canonical value wins.
func findField(cf compiledField, extractions []document.ExtractionResult) (document.Field, bool) {
	for pi, re := range cf.patterns {
		for _, ex := range extractions {
			m := re.FindStringSubmatch(ex.Text)
			if m == nil {
				continue
			}
			raw := m[0]
			if len(m) > 1 && m[1] != "" {
				raw = m[1]
			}
			val := canonicalize(cf.name, raw)
			if val == "" {
				continue
			}
			return document.Field{
				Name:       cf.name,
				Value:      val,
				Confidence: document.Clamp01(ex.Confidence * cf.weight),
				Provenance: document.Provenance{
					Extractor: ex.Extractor,
					Page:      ex.Page,
					Rule:      fmt.Sprintf("%s/%d", cf.name, pi),
				},
			}, true
		}
	}
	return document.Field{}, false
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"1-2-2006",
	"01/02/06",
}

// canonicalize rewrites a raw capture into its canonical form: ISO dates
// for *_date fields, plain decimals for *_amount fields, collapsed
// whitespace otherwise. Unparseable dates pass through untouched; the
// quality gate flags them downstream.
func canonicalize(name, raw string) string {
	v := strings.TrimSpace(raw)
	switch {
	case strings.HasSuffix(name, "_date"):
		return canonDate(v)
	case strings.HasSuffix(name, "_amount") || name == "patient_responsibility":
		return canonAmount(v)
	}
	return strings.Join(strings.Fields(v), " ")
}

func canonDate(v string) string {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return v
}

func canonAmount(v string) string {
	v = strings.TrimPrefix(v, "$")
	v = strings.ReplaceAll(v, ",", "")
	v = strings.TrimSpace(v)
	if v == "" || v == "." {
		return ""
	}
	if !strings.Contains(v, ".") {
		v += ".00"
	}
	return v
}
