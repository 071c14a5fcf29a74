package quality

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/docgate/docgate/internal/pipeline/document"
)

func TestBuildVector_Layout(t *testing.T) {
	doc := document.Document{ReceivedAt: time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)}
	ext := []document.ExtractionResult{
		{Page: 1, Text: strings.Repeat("a", 2500), Confidence: 0.8},
		{Page: 2, Text: strings.Repeat("b", 2500), Confidence: 0.6},
	}
	cls := document.Classification{Label: document.TypeClaim, Confidence: 0.9}
	rec := &document.NormalizedRecord{
		Type: document.TypeClaim,
		Fields: []document.Field{
			{Name: "member_id", Value: "MBR-1"},
			{Name: "claim_number", Value: "CLM-1"},
			{Name: "service_date", Value: "2024-03-10"},
			{Name: "billed_amount", Value: "100.00"},
		},
	}

	v := BuildVector(doc, ext, cls, rec)
	if len(v) != FeatureDim {
		t.Fatalf("expected %d dims, got %d", FeatureDim, len(v))
	}
	if diff := v[featExtractionConfidence] - 0.7; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("expected mean extraction confidence 0.7, got %v", v[featExtractionConfidence])
	}
	if v[featCompleteness] != 1.0 {
		t.Errorf("expected completeness 1.0 with no absences, got %v", v[featCompleteness])
	}
	if v[featTextLength] != 1.0 {
		t.Errorf("expected text length saturated at 1.0, got %v", v[featTextLength])
	}
	if v[featFieldCount] != 4.0/20.0 {
		t.Errorf("expected field count 0.2, got %v", v[featFieldCount])
	}
	wantRecency := 10.0 / 365.0
	if diff := v[featRecency] - wantRecency; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("expected recency %v, got %v", wantRecency, v[featRecency])
	}
}

func TestBuildVector_OneHotFollowsTypeOrder(t *testing.T) {
	doc := document.Document{ReceivedAt: time.Now().UTC()}
	for i, typ := range document.Types() {
		cls := document.Classification{Label: typ}
		v := BuildVector(doc, nil, cls, &document.NormalizedRecord{Type: typ})
		for j := range document.Types() {
			want := 0.0
			if j == i {
				want = 1.0
			}
			if v[featTypeOneHotBase+j] != want {
				t.Errorf("type %s: one-hot dim %d = %v, want %v", typ, j, v[featTypeOneHotBase+j], want)
			}
		}
	}
}

func TestBuildVector_CompletenessRatio(t *testing.T) {
	doc := document.Document{ReceivedAt: time.Now().UTC()}
	rec := &document.NormalizedRecord{
		Type: document.TypePriorAuthorization,
		Fields: []document.Field{
			{Name: "member_id", Value: "MBR-1"},
			{Name: "patient_name", Value: "Jane Doe"},
			{Name: "auth_number", Value: "PA-100"},
		},
		Absent: []string{"diagnosis_code", "medication"},
	}
	v := BuildVector(doc, nil, document.Classification{Label: document.TypePriorAuthorization}, rec)
	if v[featCompleteness] != 3.0/5.0 {
		t.Errorf("expected completeness 0.6, got %v", v[featCompleteness])
	}
}

func TestBuildVector_NoDatesIsMaximallyStale(t *testing.T) {
	doc := document.Document{ReceivedAt: time.Now().UTC()}
	rec := &document.NormalizedRecord{
		Type:   document.TypeUnknown,
		Fields: []document.Field{{Name: "member_id", Value: "MBR-1"}},
	}
	v := BuildVector(doc, nil, document.Classification{Label: document.TypeUnknown}, rec)
	if v[featRecency] != 1.0 {
		t.Errorf("expected recency 1.0 without dates, got %v", v[featRecency])
	}
}

func TestBuildVector_Deterministic(t *testing.T) {
	doc := document.Document{ReceivedAt: time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)}
	ext := []document.ExtractionResult{{Page: 1, Text: "Member ID: MBR-1", Confidence: 0.9}}
	cls := document.Classification{Label: document.TypeClaim}
	rec := &document.NormalizedRecord{
		Type:   document.TypeClaim,
		Fields: []document.Field{{Name: "service_date", Value: "2024-03-01"}},
	}
	first := BuildVector(doc, ext, cls, rec)
	for i := 0; i < 3; i++ {
		if again := BuildVector(doc, ext, cls, rec); !reflect.DeepEqual(first, again) {
			t.Fatalf("vector not deterministic: %v vs %v", first, again)
		}
	}
}

func TestScaler_Apply(t *testing.T) {
	s := Scaler{Mean: []float64{1, 0}, Std: []float64{2, 0}}
	got := s.Apply([]float64{5, 3})
	if got[0] != 2 {
		t.Errorf("expected (5-1)/2 = 2, got %v", got[0])
	}
	// Zero-variance dimensions pass through unscaled.
	if got[1] != 3 {
		t.Errorf("expected passthrough for zero std, got %v", got[1])
	}
}
