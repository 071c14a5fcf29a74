package document

import (
	"time"

	"github.com/google/uuid"
)

// Format identifies the payload format of an ingested document.
type Format string

const (
	FormatPDF   Format = "pdf"
	FormatImage Format = "image"
	FormatHTML  Format = "html"
	FormatText  Format = "text"
)

var validFormats = map[Format]bool{
	FormatPDF: true, FormatImage: true, FormatHTML: true, FormatText: true,
}

func (f Format) Valid() bool { return validFormats[f] }

// LabelSetVersion identifies the closed document-type enumeration in use.
// Classifier adapters must produce labels from this set; anything else is
// coerced to TypeUnknown by the orchestrator.
const LabelSetVersion = "2024.1"

// Type is the document-type label. The set is closed and versioned; unknown
// is an explicit member, not an error state.
type Type string

const (
	TypePriorAuthorization      Type = "prior_authorization"
	TypeEligibilityVerification Type = "eligibility_verification"
	TypeExplanationOfBenefits   Type = "explanation_of_benefits"
	TypeClaim                   Type = "claim"
	TypeUnknown                 Type = "unknown"
)

// Types lists every member of the label set in fixed order. The order is
// load-bearing: feature vectors one-hot encode the label by this index.
func Types() []Type {
	return []Type{
		TypePriorAuthorization,
		TypeEligibilityVerification,
		TypeExplanationOfBenefits,
		TypeClaim,
		TypeUnknown,
	}
}

func (t Type) Valid() bool {
	switch t {
	case TypePriorAuthorization, TypeEligibilityVerification,
		TypeExplanationOfBenefits, TypeClaim, TypeUnknown:
		return true
	}
	return false
}

// Document is the immutable record of one ingested document. The raw payload
// lives in the blob store under BlobKey; everything here is metadata fixed at
// ingestion time.
type Document struct {
	ID            uuid.UUID `db:"id" json:"id"`
	CorrelationID string    `db:"correlation_id" json:"correlation_id"`
	Format        Format    `db:"format" json:"format"`
	PageCount     int       `db:"page_count" json:"page_count"`
	BlobKey       string    `db:"blob_key" json:"blob_key"`
	ContentSHA256 string    `db:"content_sha256" json:"content_sha256"`
	Source        string    `db:"source" json:"source,omitempty"`
	ReceivedAt    time.Time `db:"received_at" json:"received_at"`
}

// Region is a bounding box in page coordinates, normalized to [0,1].
type Region struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// ExtractionResult holds text and layout for a single page. Exactly one
// extractor is authoritative per page; Extractor records which one, and the
// quality gate uses it for scorer calibration.
type ExtractionResult struct {
	Page          int               `json:"page"`
	Text          string            `json:"text"`
	Layout        map[string]Region `json:"layout,omitempty"`
	Confidence    float64           `json:"confidence"`
	Extractor     string            `json:"extractor"`
	LowConfidence bool              `json:"low_confidence,omitempty"`
}

// Classification is the document-type call from the classifier adapter.
type Classification struct {
	Label        Type    `json:"label"`
	Confidence   float64 `json:"confidence"`
	ClassifierID string  `json:"classifier_id"`
	LabelSet     string  `json:"label_set"`
}

// Provenance records which extractor, page, and normalization rule produced
// a field value.
type Provenance struct {
	Extractor string `json:"extractor"`
	Page      int    `json:"page"`
	Rule      string `json:"rule"`
}

// Field is one normalized field value with its own rule-level confidence,
// independent of the page-level extraction confidence.
type Field struct {
	Name       string     `json:"name"`
	Value      string     `json:"value"`
	Confidence float64    `json:"confidence"`
	Provenance Provenance `json:"provenance"`
}

// NormalizedRecord is the typed field record for one document. Fields are
// ordered by the schema's field order. Schema fields that produced no value
// are listed in Absent; they are never materialized as empty strings.
type NormalizedRecord struct {
	Type          Type    `json:"type"`
	SchemaVersion string  `json:"schema_version"`
	Fields        []Field `json:"fields"`
	Absent        []string `json:"absent,omitempty"`
}

// Field returns the named field and whether it is present.
func (r *NormalizedRecord) Field(name string) (Field, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Value returns the named field's value, or "" when absent.
func (r *NormalizedRecord) Value(name string) string {
	f, ok := r.Field(name)
	if !ok {
		return ""
	}
	return f.Value
}

// Clamp01 clamps v into [0,1]. All confidence values in the pipeline are
// normalized through this.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
