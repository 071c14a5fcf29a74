package classify

import (
	"context"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// Classifier assigns a document type label from the closed label set. A
// returned error is a classification failure; callers record the unknown
// fallback and continue, it never fails the document.
type Classifier interface {
	ID() string
	Classify(ctx context.Context, text string) (document.Classification, error)
}

// Unknown is the fallback classification recorded when a classifier fails
// or times out: label unknown, confidence zero.
func Unknown(classifierID string) document.Classification {
	return document.Classification{
		Label:        document.TypeUnknown,
		Confidence:   0,
		ClassifierID: classifierID,
		LabelSet:     document.LabelSetVersion,
	}
}
