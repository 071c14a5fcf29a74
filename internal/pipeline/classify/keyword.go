package classify

import (
	"context"
	"strings"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// family is the keyword evidence for one document type. Phrases are strong
// signals that rarely appear outside their type; terms are supporting
// vocabulary that co-occurs with it.
type family struct {
	phrases []string
	terms   []string
}

var families = map[document.Type]family{
	document.TypePriorAuthorization: {
		phrases: []string{
			"prior authorization",
			"pre-authorization",
			"precertification",
			"authorization request",
		},
		terms: []string{
			"auth number",
			"authorization number",
			"medication",
			"prescriber",
			"urgency",
			"approval",
			"expiration",
		},
	},
	document.TypeEligibilityVerification: {
		phrases: []string{
			"eligibility verification",
			"verification of benefits",
			"coverage verification",
			"eligibility response",
		},
		terms: []string{
			"coverage status",
			"effective date",
			"plan type",
			"copay",
			"deductible",
			"eligible",
		},
	},
	document.TypeExplanationOfBenefits: {
		phrases: []string{
			"explanation of benefits",
			"this is not a bill",
			"eob",
		},
		terms: []string{
			"allowed amount",
			"billed amount",
			"patient responsibility",
			"payment",
			"adjustment",
			"remark code",
		},
	},
	document.TypeClaim: {
		phrases: []string{
			"claim form",
			"health insurance claim",
			"cms-1500",
			"ub-04",
			"claim submission",
		},
		terms: []string{
			"claim number",
			"procedure code",
			"diagnosis code",
			"billed",
			"provider npi",
			"service date",
		},
	},
}

const (
	phraseWeight = 0.25
	termWeight   = 0.08
	baseScore    = 0.30
	maxPhrases   = 2
	maxTerms     = 5
	capScore     = 0.97

	// unknownConfidence is reported when no family matches at all. It is
	// well under any sane routing threshold, so unscorable documents land
	// in review.
	unknownConfidence = 0.20

	// ambiguityPenalty is subtracted when the runner-up family scores
	// nearly as high as the winner.
	ambiguityPenalty = 0.10
	ambiguityMargin  = 0.10
)

// Keyword classifies by counting type-specific vocabulary. It is the
// deterministic tier: no model call, stable output for identical text.
type Keyword struct{}

func NewKeyword() *Keyword { return &Keyword{} }

func (k *Keyword) ID() string { return "keyword" }

func (k *Keyword) Classify(ctx context.Context, text string) (document.Classification, error) {
	if err := ctx.Err(); err != nil {
		return document.Classification{}, err
	}

	lower := strings.ToLower(text)

	best := document.TypeUnknown
	bestPoints, secondPoints := 0.0, 0.0
	for _, t := range document.Types() {
		fam, ok := families[t]
		if !ok {
			continue
		}
		points := familyPoints(lower, fam)
		if points > bestPoints {
			secondPoints = bestPoints
			bestPoints = points
			best = t
		} else if points > secondPoints {
			secondPoints = points
		}
	}

	if bestPoints == 0 {
		return document.Classification{
			Label:        document.TypeUnknown,
			Confidence:   unknownConfidence,
			ClassifierID: k.ID(),
			LabelSet:     document.LabelSetVersion,
		}, nil
	}

	conf := baseScore + bestPoints
	if secondPoints > 0 && bestPoints-secondPoints < ambiguityMargin {
		conf -= ambiguityPenalty
	}
	if conf > capScore {
		conf = capScore
	}

	return document.Classification{
		Label:        best,
		Confidence:   document.Clamp01(conf),
		ClassifierID: k.ID(),
		LabelSet:     document.LabelSetVersion,
	}, nil
}

func familyPoints(lower string, fam family) float64 {
	phrases := 0
	for _, p := range fam.phrases {
		if strings.Contains(lower, p) {
			phrases++
		}
	}
	if phrases > maxPhrases {
		phrases = maxPhrases
	}

	terms := 0
	for _, t := range fam.terms {
		if strings.Contains(lower, t) {
			terms++
		}
	}
	if terms > maxTerms {
		terms = maxTerms
	}

	return float64(phrases)*phraseWeight + float64(terms)*termWeight
}
