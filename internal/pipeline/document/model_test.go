package document

import "testing"

func TestTypeValid(t *testing.T) {
	for _, typ := range Types() {
		if !typ.Valid() {
			t.Errorf("expected %s to be valid", typ)
		}
	}
	if Type("referral").Valid() {
		t.Error("expected unlisted label to be invalid")
	}
}

func TestTypesOrder(t *testing.T) {
	// One-hot feature encoding indexes into this slice; the order is fixed.
	want := []Type{
		TypePriorAuthorization,
		TypeEligibilityVerification,
		TypeExplanationOfBenefits,
		TypeClaim,
		TypeUnknown,
	}
	got := Types()
	if len(got) != len(want) {
		t.Fatalf("expected %d types, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestFormatValid(t *testing.T) {
	for _, f := range []Format{FormatPDF, FormatImage, FormatHTML, FormatText} {
		if !f.Valid() {
			t.Errorf("expected %s to be valid", f)
		}
	}
	if Format("docx").Valid() {
		t.Error("expected docx to be invalid")
	}
}

func TestNormalizedRecordField(t *testing.T) {
	rec := &NormalizedRecord{
		Type: TypeClaim,
		Fields: []Field{
			{Name: "member_id", Value: "MBR-12345", Confidence: 0.9},
			{Name: "claim_number", Value: "CLM-001", Confidence: 0.8},
		},
		Absent: []string{"service_date"},
	}

	f, ok := rec.Field("member_id")
	if !ok {
		t.Fatal("expected member_id to be present")
	}
	if f.Value != "MBR-12345" {
		t.Errorf("unexpected value: %s", f.Value)
	}

	if _, ok := rec.Field("service_date"); ok {
		t.Error("expected service_date to be absent")
	}
	if v := rec.Value("service_date"); v != "" {
		t.Errorf("expected empty value for absent field, got %q", v)
	}
}

func TestClamp01(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.42, 0.42},
		{1, 1},
		{1.7, 1},
	}
	for _, c := range cases {
		if got := Clamp01(c.in); got != c.want {
			t.Errorf("Clamp01(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
