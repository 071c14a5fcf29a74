package document

import (
	"time"

	"github.com/google/uuid"
)

// ScorerLabel is the discrete output of one anomaly scorer.
type ScorerLabel string

const (
	ScorerNormal  ScorerLabel = "normal"
	ScorerAnomaly ScorerLabel = "anomaly"
)

// ScorerResult is one scorer's vote. Score is a normality score in [0,1];
// higher means more normal.
type ScorerResult struct {
	ScorerID string      `json:"scorer_id"`
	Label    ScorerLabel `json:"label"`
	Score    float64     `json:"score"`
}

// QualityVerdict is the quality gate's decision for one record. IsAnomaly is
// the discrete vote/rule combination; AggregateConfidence is the mean of the
// per-scorer scores and is diagnostic only.
type QualityVerdict struct {
	IsAnomaly           bool           `json:"is_anomaly"`
	AggregateConfidence float64        `json:"aggregate_confidence"`
	Scorers             []ScorerResult `json:"per_scorer_results"`
	RuleViolations      []string       `json:"rule_violations,omitempty"`
	FeatureVersion      string         `json:"feature_version"`
}

// MajorityAnomaly reports whether the scorer ensemble itself voted anomaly,
// independent of any rule override.
func (v QualityVerdict) MajorityAnomaly() bool {
	if len(v.Scorers) == 0 {
		return false
	}
	votes := 0
	for _, s := range v.Scorers {
		if s.Label == ScorerAnomaly {
			votes++
		}
	}
	return votes >= (len(v.Scorers)+1)/2
}

// Destination is the terminal routing of one document.
type Destination string

const (
	DestAutoPublish Destination = "auto_publish"
	DestReviewQueue Destination = "review_queue"
	DestFailed      Destination = "failed"
)

// Routing reason codes. A review decision records every condition that
// triggered it, not just the first.
const (
	ReasonLowClassificationConfidence = "low_classification_confidence"
	ReasonEnsembleAnomaly             = "ensemble_anomaly"
	ReasonRuleViolations              = "rule_violations"
)

// RoutingDecision pairs the destination with a human-readable reason and the
// enumerated reason codes behind it.
type RoutingDecision struct {
	Destination Destination `json:"destination"`
	Reason      string      `json:"reason"`
	Reasons     []string    `json:"reasons,omitempty"`
}

// Stage names in pipeline order.
type Stage string

const (
	StageIngest      Stage = "ingest"
	StageExtract     Stage = "extract"
	StageClassify    Stage = "classify"
	StageNormalize   Stage = "normalize"
	StageQualityGate Stage = "quality_gate"
	StageRoute       Stage = "route"
	StagePublish     Stage = "publish"
)

// StageStatus is the outcome of one stage within a run.
type StageStatus string

const (
	StageOK      StageStatus = "ok"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// StageOutcome is one entry in a run's diagnostic trail.
type StageOutcome struct {
	Stage    Stage         `json:"stage"`
	Status   StageStatus   `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// PublishState tracks delivery of the terminal result to the event sink.
type PublishState string

const (
	PublishDone    PublishState = "published"
	PublishPending PublishState = "publish_pending"
	PublishNone    PublishState = "none"
)

// PipelineResult is the single terminal record for one document run. Exactly
// one is produced per ingested document; it is never mutated after creation.
type PipelineResult struct {
	ID             uuid.UUID         `json:"id"`
	DocumentID     uuid.UUID         `json:"document_id"`
	CorrelationID  string            `json:"correlation_id"`
	Extractions    []ExtractionResult `json:"extractions,omitempty"`
	Classification *Classification   `json:"classification,omitempty"`
	Record         *NormalizedRecord `json:"record,omitempty"`
	Verdict        *QualityVerdict   `json:"verdict,omitempty"`
	Decision       RoutingDecision   `json:"decision"`
	Trail          []StageOutcome    `json:"trail"`
	Publish        PublishState      `json:"publish_state"`
	CompletedAt    time.Time         `json:"completed_at"`
}

// Failed reports whether the run terminated on the failure path.
func (p *PipelineResult) Failed() bool { return p.Decision.Destination == DestFailed }
