package quality

import (
	"strings"
	"time"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// FeatureVersion identifies the feature layout this build computes.
// Artifact bundles carry the version they were trained against; a mismatch
// is fatal at startup, never silently rescored.
const FeatureVersion = "v1"

// FeatureDim is the length of a v1 feature vector.
const FeatureDim = 10

// Feature layout v1. One-hot type dims follow document.Types() order.
const (
	featExtractionConfidence = 0
	featCompleteness         = 1
	featTextLength           = 2
	featFieldCount           = 3
	featRecency              = 4
	featTypeOneHotBase       = 5
)

const (
	textLengthScale = 5000.0
	fieldCountScale = 20.0
	recencyScaleDay = 365.0
)

// BuildVector derives the deterministic feature vector for one document.
// Everything is computed from pipeline outputs and the document's own
// received timestamp, so replaying a document yields the identical vector.
func BuildVector(doc document.Document, extractions []document.ExtractionResult, cls document.Classification, rec *document.NormalizedRecord) []float64 {
	v := make([]float64, FeatureDim)

	if len(extractions) > 0 {
		sum := 0.0
		for _, ex := range extractions {
			sum += ex.Confidence
		}
		v[featExtractionConfidence] = document.Clamp01(sum / float64(len(extractions)))
	}

	v[featCompleteness] = completeness(rec)

	textLen := 0
	for _, ex := range extractions {
		textLen += len(ex.Text)
	}
	v[featTextLength] = document.Clamp01(float64(textLen) / textLengthScale)

	if rec != nil {
		v[featFieldCount] = document.Clamp01(float64(len(rec.Fields)) / fieldCountScale)
	}

	v[featRecency] = recency(doc.ReceivedAt, rec)

	for i, t := range document.Types() {
		if cls.Label == t {
			v[featTypeOneHotBase+i] = 1.0
		}
	}
	return v
}

// completeness is the share of schema fields that were found. A record
// with no absences scores 1.
func completeness(rec *document.NormalizedRecord) float64 {
	if rec == nil {
		return 0
	}
	absent := len(rec.Absent)
	if absent == 0 {
		return 1.0
	}
	total := len(rec.Fields) + absent
	return document.Clamp01(float64(len(rec.Fields)) / float64(total))
}

// recency measures staleness of the newest date field relative to the
// document's received timestamp, normalized to a year. No parseable date
// scores maximal staleness.
func recency(receivedAt time.Time, rec *document.NormalizedRecord) float64 {
	if rec == nil {
		return 1.0
	}
	var newest time.Time
	for _, f := range rec.Fields {
		if !strings.HasSuffix(f.Name, "_date") {
			continue
		}
		t, err := time.Parse("2006-01-02", f.Value)
		if err != nil {
			continue
		}
		if t.After(newest) {
			newest = t
		}
	}
	if newest.IsZero() {
		return 1.0
	}
	days := receivedAt.Sub(newest).Hours() / 24
	if days < 0 {
		days = 0
	}
	return document.Clamp01(days / recencyScaleDay)
}
