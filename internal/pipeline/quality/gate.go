package quality

import (
	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// Gate is the quality stage: an ensemble of anomaly scorers over the
// versioned feature vector, overridden by the rule validator. All
// parameters are loaded once from the artifact bundle and never mutated,
// so a single Gate serves every worker without locking.
type Gate struct {
	scaler  Scaler
	scorers []Scorer
	logger  zerolog.Logger
}

type GateOption func(*Gate)

func WithGateLogger(logger zerolog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

func NewGate(b *Bundle, opts ...GateOption) *Gate {
	g := &Gate{
		scaler:  b.Scaler,
		scorers: b.Scorers(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate produces the quality verdict for one document. The ensemble
// anomaly decision is a majority vote over the scorers and does not depend
// on their order; any rule violation forces the anomaly verdict. The
// aggregate confidence is the mean raw score, recorded for diagnostics
// only, never for the verdict.
func (g *Gate) Evaluate(doc document.Document, extractions []document.ExtractionResult, cls document.Classification, rec *document.NormalizedRecord) document.QualityVerdict {
	vector := BuildVector(doc, extractions, cls, rec)
	scaled := g.scaler.Apply(vector)

	results := make([]document.ScorerResult, 0, len(g.scorers))
	votes := 0
	sum := 0.0
	for _, s := range g.scorers {
		label, raw := s.Score(scaled)
		results = append(results, document.ScorerResult{ScorerID: s.ID(), Label: label, Score: raw})
		if label == document.ScorerAnomaly {
			votes++
		}
		sum += raw
	}

	ensembleAnomaly := votes >= (len(g.scorers)+1)/2
	violations := ValidateRules(doc, rec)

	aggregate := 0.0
	if len(g.scorers) > 0 {
		aggregate = sum / float64(len(g.scorers))
	}

	verdict := document.QualityVerdict{
		IsAnomaly:           ensembleAnomaly || len(violations) > 0,
		AggregateConfidence: aggregate,
		Scorers:             results,
		RuleViolations:      violations,
		FeatureVersion:      FeatureVersion,
	}

	g.logger.Debug().
		Str("document_id", doc.ID.String()).
		Bool("is_anomaly", verdict.IsAnomaly).
		Int("anomaly_votes", votes).
		Int("rule_violations", len(violations)).
		Float64("aggregate_confidence", aggregate).
		Msg("quality verdict")

	return verdict
}
