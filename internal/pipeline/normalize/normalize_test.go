package normalize

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/docgate/docgate/internal/pipeline/document"
)

const priorAuthText = `Prior Authorization Request
Member ID: MBR-88421
Patient Name: Jane Doe
Insurance ID: INS-553201
Auth Number: PA-2024-00917
Diagnosis Code: E11.9
Medication: Adalimumab 40mg
Approval Date: 03/01/2024
Expiration Date: 2024-09-30
NPI: 1234567890
Urgency: standard`

func paExtraction(text string) []document.ExtractionResult {
	return []document.ExtractionResult{{
		Page:       1,
		Text:       text,
		Confidence: 0.90,
		Extractor:  "pdftext",
	}}
}

func TestNormalize_PriorAuthorizationComplete(t *testing.T) {
	n := New(DefaultRegistry())
	rec, err := n.Normalize(paExtraction(priorAuthText), document.TypePriorAuthorization)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Type != document.TypePriorAuthorization {
		t.Errorf("expected type prior_authorization, got %s", rec.Type)
	}
	if rec.SchemaVersion != DefaultSchemaVersion {
		t.Errorf("expected schema version %q, got %q", DefaultSchemaVersion, rec.SchemaVersion)
	}
	if len(rec.Absent) != 0 {
		t.Errorf("expected no absences, got %v", rec.Absent)
	}

	checks := map[string]string{
		"member_id":      "MBR-88421",
		"patient_name":   "Jane Doe",
		"insurance_id":   "INS-553201",
		"auth_number":    "PA-2024-00917",
		"diagnosis_code": "E11.9",
		"medication":     "Adalimumab 40mg",
		"approval_date":  "2024-03-01",
		"expiry_date":    "2024-09-30",
	}
	for name, want := range checks {
		f, ok := rec.Field(name)
		if !ok {
			t.Errorf("expected field %s present", name)
			continue
		}
		if f.Value != want {
			t.Errorf("field %s: expected %q, got %q", name, want, f.Value)
		}
		if f.Confidence <= 0 {
			t.Errorf("field %s: expected positive confidence, got %v", name, f.Confidence)
		}
		if f.Provenance.Extractor != "pdftext" || f.Provenance.Page != 1 {
			t.Errorf("field %s: unexpected provenance %+v", name, f.Provenance)
		}
		if f.Provenance.Rule == "" {
			t.Errorf("field %s: expected rule recorded in provenance", name)
		}
	}
}

func TestNormalize_MissingRequiredFieldIsExplicitAbsence(t *testing.T) {
	// Same document with the member line removed.
	text := `Prior Authorization Request
Patient Name: Jane Doe
Auth Number: PA-2024-00917
Diagnosis Code: E11.9
Medication: Adalimumab 40mg
Approval Date: 2024-03-01
Expiration Date: 2024-09-30`

	n := New(DefaultRegistry())
	rec, err := n.Normalize(paExtraction(text), document.TypePriorAuthorization)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, name := range rec.Absent {
		if name == "member_id" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected member_id in absences, got %v", rec.Absent)
	}
	for _, f := range rec.Fields {
		if f.Value == "" {
			t.Errorf("field %s has empty value; absences must not be materialized", f.Name)
		}
	}
	if _, ok := rec.Field("member_id"); ok {
		t.Error("member_id must not appear in fields when absent")
	}
}

func TestNormalize_UnknownUsesGenericSchema(t *testing.T) {
	n := New(DefaultRegistry())
	rec, err := n.Normalize(paExtraction("an unstructured page of prose with no identifiers"), document.TypeUnknown)
	if err != nil {
		t.Fatalf("unexpected error for unknown type: %v", err)
	}
	if len(rec.Absent) != 0 {
		t.Errorf("generic schema has no required fields, got absences %v", rec.Absent)
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	n := New(DefaultRegistry())
	first, err := n.Normalize(paExtraction(priorAuthText), document.TypePriorAuthorization)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := n.Normalize(paExtraction(priorAuthText), document.TypePriorAuthorization)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("normalization not deterministic:\nfirst: %+v\nagain: %+v", first, again)
		}
	}
}

func TestNormalize_ProvenanceTracksPage(t *testing.T) {
	pages := []document.ExtractionResult{
		{Page: 1, Text: "cover sheet", Confidence: 0.8, Extractor: "pdftext"},
		{Page: 2, Text: "Member ID: MBR-77100", Confidence: 0.7, Extractor: "httpocr"},
	}
	n := New(DefaultRegistry())
	rec, err := n.Normalize(pages, document.TypeUnknown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, ok := rec.Field("member_id")
	if !ok {
		t.Fatal("expected member_id captured from page 2")
	}
	if f.Provenance.Page != 2 {
		t.Errorf("expected provenance page 2, got %d", f.Provenance.Page)
	}
	if f.Provenance.Extractor != "httpocr" {
		t.Errorf("expected provenance extractor httpocr, got %q", f.Provenance.Extractor)
	}
	if f.Confidence != 0.7 {
		t.Errorf("expected field confidence from page extraction, got %v", f.Confidence)
	}
}

func TestNormalize_AmountCanonicalized(t *testing.T) {
	text := `Claim Number: CLM-88
Member ID: MBR-1000
Date of Service: 2024-02-10
Diagnosis Codes: E11.9, I10
Procedure Codes: 99213, 80053
Billed Amount: $1,250.00`

	n := New(DefaultRegistry())
	rec, err := n.Normalize(paExtraction(text), document.TypeClaim)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Value("billed_amount"); got != "1250.00" {
		t.Errorf("expected billed_amount '1250.00', got %q", got)
	}
	if got := rec.Value("diagnosis_codes"); got != "E11.9, I10" {
		t.Errorf("expected diagnosis codes preserved, got %q", got)
	}
}

func TestRegistry_SchemaNotRegistered(t *testing.T) {
	reg, err := compile("test", map[document.Type]SchemaSpec{
		document.TypeUnknown: {Fields: []FieldSpec{{Name: "member_id", Patterns: []string{`(X)`}}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := reg.Schema(document.TypeClaim); !errors.Is(err, ErrSchemaNotRegistered) {
		t.Errorf("expected ErrSchemaNotRegistered, got %v", err)
	}
	if err := reg.Validate(); !errors.Is(err, ErrSchemaNotRegistered) {
		t.Errorf("expected Validate to fail on partial registry, got %v", err)
	}
}

func TestRegistry_DefaultCoversLabelSet(t *testing.T) {
	if err := DefaultRegistry().Validate(); err != nil {
		t.Fatalf("default registry must cover every type: %v", err)
	}
}

func TestRegistry_RequiredFields(t *testing.T) {
	reg := DefaultRegistry()
	want := []string{"member_id", "patient_name", "insurance_id", "auth_number", "diagnosis_code", "medication", "approval_date", "expiry_date"}
	got := reg.RequiredFields(document.TypePriorAuthorization)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected required fields:\nwant %v\ngot  %v", want, got)
	}
	if fields := reg.RequiredFields(document.TypeUnknown); len(fields) != 0 {
		t.Errorf("unknown type must require nothing, got %v", fields)
	}
}

func TestLoadRegistry_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schemas.yaml")
	yaml := `version: "v2-test"
schemas:
  prior_authorization:
    fields:
      - name: member_id
        required: true
        patterns:
          - '(?i:\bmember\s*id)[\s:#]+([A-Z0-9-]{4,})'
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Version() != "v2-test" {
		t.Errorf("expected version v2-test, got %q", reg.Version())
	}
	got := reg.RequiredFields(document.TypePriorAuthorization)
	if len(got) != 1 || got[0] != "member_id" {
		t.Errorf("expected override to replace the prior_authorization schema, got %v", got)
	}
	// Types absent from the file keep their defaults.
	if fields := reg.RequiredFields(document.TypeClaim); len(fields) == 0 {
		t.Error("expected claim schema to fall back to defaults")
	}
}

func TestLoadRegistry_RejectsBadPattern(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schemas.yaml")
	yaml := `schemas:
  claim:
    fields:
      - name: member_id
        patterns: ['([unclosed']
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := LoadRegistry(path); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
