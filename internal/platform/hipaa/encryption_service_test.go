package hipaa

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/pipeline/document"
)

func testHexKey() string {
	return strings.Repeat("ab", 32)
}

func paRecord() *document.NormalizedRecord {
	return &document.NormalizedRecord{
		Type:          document.TypePriorAuthorization,
		SchemaVersion: "2024.1",
		Fields: []document.Field{
			{Name: "member_id", Value: "MBR-88421", Confidence: 0.95},
			{Name: "patient_name", Value: "Jane Doe", Confidence: 0.90},
			{Name: "diagnosis_code", Value: "E11.9", Confidence: 0.98},
		},
		Absent: []string{"insurance_id"},
	}
}

func TestNewService_KeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid key", testHexKey(), false},
		{"empty key disables", "", false},
		{"not hex", "zz", true},
		{"wrong length", strings.Repeat("ab", 16), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewService(tt.key, zerolog.Nop())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if want := tt.key != ""; svc.Enabled() != want {
				t.Errorf("expected enabled=%t", want)
			}
		})
	}
}

func TestService_DisabledPassesThrough(t *testing.T) {
	svc, err := NewService("", zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := svc.EncryptField("MBR-88421")
	if err != nil || got != "MBR-88421" {
		t.Errorf("disabled encrypt must pass through, got %q (%v)", got, err)
	}

	rec, err := svc.EncryptRecord(paRecord())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f, _ := rec.Field("member_id"); f.Value != "MBR-88421" {
		t.Errorf("disabled record encrypt must pass through, got %q", f.Value)
	}
}

func TestService_RecordRoundTrip(t *testing.T) {
	svc, err := NewService(testHexKey(), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	original := paRecord()
	enc, err := svc.EncryptRecord(original)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The input record is untouched.
	if f, _ := original.Field("member_id"); f.Value != "MBR-88421" {
		t.Fatalf("input record was mutated: %q", f.Value)
	}

	member, _ := enc.Field("member_id")
	name, _ := enc.Field("patient_name")
	diag, _ := enc.Field("diagnosis_code")
	if member.Value == "MBR-88421" || name.Value == "Jane Doe" {
		t.Error("PHI fields must be encrypted")
	}
	if diag.Value != "E11.9" {
		t.Errorf("non-PHI fields must pass through, got %q", diag.Value)
	}
	if member.Confidence != 0.95 {
		t.Errorf("field metadata must survive encryption, got %v", member.Confidence)
	}
	if len(enc.Absent) != 1 || enc.Absent[0] != "insurance_id" {
		t.Errorf("absence list must pass through, got %v", enc.Absent)
	}

	dec, err := svc.DecryptRecord(enc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range original.Fields {
		got, ok := dec.Field(want.Name)
		if !ok || got.Value != want.Value {
			t.Errorf("field %s: expected %q back, got %q", want.Name, want.Value, got.Value)
		}
	}
}

func TestService_DecryptWithWrongKeyFails(t *testing.T) {
	svc, _ := NewService(testHexKey(), zerolog.Nop())
	other, _ := NewService(strings.Repeat("cd", 32), zerolog.Nop())

	enc, err := svc.EncryptRecord(paRecord())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := other.DecryptRecord(enc); err == nil {
		t.Fatal("expected decryption with the wrong key to fail")
	}
}

func TestService_NilRecord(t *testing.T) {
	svc, _ := NewService(testHexKey(), zerolog.Nop())
	rec, err := svc.EncryptRecord(nil)
	if err != nil || rec != nil {
		t.Fatalf("expected nil passthrough, got %+v (%v)", rec, err)
	}
}
