package route

import (
	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// DefaultClassificationThreshold is the review cut for classification
// confidence. Values at or above it pass; only values strictly below it
// send a document to review.
const DefaultClassificationThreshold = 0.75

// AutoPublishReason is recorded on every auto-published document.
const AutoPublishReason = "confidence and quality checks passed"

// Router applies the routing policy to a classified, quality-checked
// document. It holds no per-document state.
type Router struct {
	threshold float64
	logger    zerolog.Logger
}

type Option func(*Router)

// WithThreshold overrides the classification confidence threshold.
func WithThreshold(t float64) Option {
	return func(r *Router) { r.threshold = t }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func New(opts ...Option) *Router {
	r := &Router{
		threshold: DefaultClassificationThreshold,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Threshold reports the active classification confidence cut.
func (r *Router) Threshold() float64 { return r.threshold }

// Decide routes one document. Every condition that holds is recorded, so a
// document that is both weakly classified and anomalous carries both
// reasons. Confidence exactly at the threshold passes.
func (r *Router) Decide(cls document.Classification, verdict document.QualityVerdict) document.RoutingDecision {
	if cls.Confidence >= r.threshold && !verdict.IsAnomaly {
		return document.RoutingDecision{
			Destination: document.DestAutoPublish,
			Reason:      AutoPublishReason,
		}
	}

	var reasons []string
	if cls.Confidence < r.threshold {
		reasons = append(reasons, document.ReasonLowClassificationConfidence)
	}
	if verdict.MajorityAnomaly() {
		reasons = append(reasons, document.ReasonEnsembleAnomaly)
	}
	if len(verdict.RuleViolations) > 0 {
		reasons = append(reasons, document.ReasonRuleViolations)
	}
	if len(reasons) == 0 {
		// Verdict flagged anomaly without recording how; keep the review
		// decision attributable.
		reasons = append(reasons, document.ReasonEnsembleAnomaly)
	}

	r.logger.Debug().
		Str("label", string(cls.Label)).
		Float64("confidence", cls.Confidence).
		Strs("reasons", reasons).
		Msg("routing to review")

	return document.RoutingDecision{
		Destination: document.DestReviewQueue,
		Reason:      reasons[0],
		Reasons:     reasons,
	}
}
