// Package engine orchestrates the document pipeline: each run moves one
// document through ingest, extract, classify, normalize, quality gate,
// route and publish, strictly in order. Concurrency lives in the pool,
// across documents, never inside a run.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/pipeline/classify"
	"github.com/docgate/docgate/internal/pipeline/document"
	"github.com/docgate/docgate/internal/pipeline/extract"
	"github.com/docgate/docgate/internal/pipeline/normalize"
	"github.com/docgate/docgate/internal/pipeline/quality"
	"github.com/docgate/docgate/internal/pipeline/route"
)

// DefaultClassifyTimeout bounds a single classifier call. Extraction
// attempts carry their own timeout inside the chain.
const DefaultClassifyTimeout = 15 * time.Second

// Failure reasons recorded on the routing decision of failed runs.
const (
	FailReasonMalformed = "malformed document"
	FailReasonExhausted = "extraction exhausted"
	FailReasonSchema    = "schema not registered"
	FailReasonCanceled  = "canceled"
	FailReasonInternal  = "internal error"
)

var stageOrder = []document.Stage{
	document.StageIngest,
	document.StageExtract,
	document.StageClassify,
	document.StageNormalize,
	document.StageQualityGate,
	document.StageRoute,
	document.StagePublish,
}

// Engine runs documents through the pipeline. It holds no per-document
// state and is safe for concurrent use.
type Engine struct {
	chain           *extract.Chain
	classifier      classify.Classifier
	normalizer      *normalize.Normalizer
	gate            *quality.Gate
	router          *route.Router
	publisher       *Publisher
	classifyTimeout time.Duration
	logger          zerolog.Logger
}

type Option func(*Engine)

// WithClassifyTimeout overrides the classifier call timeout.
func WithClassifyTimeout(d time.Duration) Option {
	return func(e *Engine) { e.classifyTimeout = d }
}

func WithEngineLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New wires the stage collaborators into an engine.
func New(chain *extract.Chain, classifier classify.Classifier, normalizer *normalize.Normalizer, gate *quality.Gate, router *route.Router, publisher *Publisher, opts ...Option) *Engine {
	e := &Engine{
		chain:           chain,
		classifier:      classifier,
		normalizer:      normalizer,
		gate:            gate,
		router:          router,
		publisher:       publisher,
		classifyTimeout: DefaultClassifyTimeout,
		logger:          zerolog.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// mark appends one stage outcome to the run trail.
func mark(res *document.PipelineResult, stage document.Stage, status document.StageStatus, detail string, began time.Time) {
	out := document.StageOutcome{Stage: stage, Status: status, Detail: detail}
	if !began.IsZero() {
		out.Duration = time.Since(began)
	}
	res.Trail = append(res.Trail, out)
}

// stagesAfter lists the pipeline stages that follow s.
func stagesAfter(s document.Stage) []document.Stage {
	for i, st := range stageOrder {
		if st == s {
			return stageOrder[i+1:]
		}
	}
	return nil
}

// Process runs one document end to end and always returns a terminal
// PipelineResult, including on cancellation and panics. The caller owns
// persistence of the result.
func (e *Engine) Process(ctx context.Context, doc document.Document, payload []byte) (res document.PipelineResult) {
	res = document.PipelineResult{
		ID:            uuid.New(),
		DocumentID:    doc.ID,
		CorrelationID: doc.CorrelationID,
		Publish:       document.PublishNone,
	}
	logger := e.logger.With().
		Stringer("doc_id", doc.ID).
		Str("correlation_id", doc.CorrelationID).
		Logger()

	current := document.StageIngest
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("stage", string(current)).Interface("panic", r).Msg("pipeline run panicked")
			mark(&res, current, document.StageFailed, fmt.Sprintf("panic: %v", r), time.Time{})
			for _, s := range stagesAfter(current) {
				mark(&res, s, document.StageSkipped, "upstream failure", time.Time{})
			}
			res.Decision = document.RoutingDecision{Destination: document.DestFailed, Reason: FailReasonInternal}
			res.Publish = document.PublishNone
			res.CompletedAt = time.Now().UTC()
		}
	}()

	// Ingest re-checks the invariants the rest of the run relies on.
	began := time.Now()
	if !doc.Format.Valid() {
		mark(&res, document.StageIngest, document.StageFailed, fmt.Sprintf("unsupported format %q", doc.Format), began)
		return e.fatal(ctx, logger, doc, &res, document.StageIngest, FailReasonMalformed)
	}
	if len(payload) == 0 {
		mark(&res, document.StageIngest, document.StageFailed, "empty payload", began)
		return e.fatal(ctx, logger, doc, &res, document.StageIngest, FailReasonMalformed)
	}
	mark(&res, document.StageIngest, document.StageOK, "", began)

	if ctx.Err() != nil {
		return e.canceled(logger, &res, document.StageIngest)
	}

	current = document.StageExtract
	began = time.Now()
	extractions, err := e.chain.ExtractDocument(ctx, doc.Format, payload)
	if err != nil {
		mark(&res, document.StageExtract, document.StageFailed, err.Error(), began)
		if ctx.Err() != nil {
			return e.canceled(logger, &res, document.StageExtract)
		}
		return e.fatal(ctx, logger, doc, &res, document.StageExtract, FailReasonExhausted)
	}
	res.Extractions = extractions
	mark(&res, document.StageExtract, document.StageOK, extractDetail(extractions), began)

	if ctx.Err() != nil {
		return e.canceled(logger, &res, document.StageExtract)
	}

	current = document.StageClassify
	began = time.Now()
	cctx, cancel := context.WithTimeout(ctx, e.classifyTimeout)
	defer cancel()
	cls, cerr := e.classifier.Classify(cctx, joinText(extractions))
	if cerr != nil {
		if ctx.Err() != nil {
			mark(&res, document.StageClassify, document.StageFailed, cerr.Error(), began)
			return e.canceled(logger, &res, document.StageClassify)
		}
		// Classification failure is non-fatal: the run continues as unknown.
		cls = classify.Unknown(e.classifier.ID())
		mark(&res, document.StageClassify, document.StageFailed, fmt.Sprintf("defaulted to unknown: %v", cerr), began)
		logger.Warn().Err(cerr).Msg("classifier failed, continuing as unknown")
	} else {
		mark(&res, document.StageClassify, document.StageOK, fmt.Sprintf("%s@%.2f", cls.Label, cls.Confidence), began)
	}
	res.Classification = &cls

	if ctx.Err() != nil {
		return e.canceled(logger, &res, document.StageClassify)
	}

	current = document.StageNormalize
	began = time.Now()
	rec, nerr := e.normalizer.Normalize(extractions, cls.Label)
	if nerr != nil {
		mark(&res, document.StageNormalize, document.StageFailed, nerr.Error(), began)
		return e.fatal(ctx, logger, doc, &res, document.StageNormalize, FailReasonSchema)
	}
	res.Record = rec
	mark(&res, document.StageNormalize, document.StageOK, fmt.Sprintf("%d fields, %d absent", len(rec.Fields), len(rec.Absent)), began)

	if ctx.Err() != nil {
		return e.canceled(logger, &res, document.StageNormalize)
	}

	current = document.StageQualityGate
	began = time.Now()
	verdict := e.gate.Evaluate(doc, extractions, cls, rec)
	res.Verdict = &verdict
	mark(&res, document.StageQualityGate, document.StageOK, gateDetail(verdict), began)

	if ctx.Err() != nil {
		return e.canceled(logger, &res, document.StageQualityGate)
	}

	current = document.StageRoute
	began = time.Now()
	res.Decision = e.router.Decide(cls, verdict)
	mark(&res, document.StageRoute, document.StageOK, string(res.Decision.Destination), began)

	if ctx.Err() != nil {
		return e.canceled(logger, &res, document.StageRoute)
	}

	current = document.StagePublish
	began = time.Now()
	state, perr := e.publisher.Deliver(ctx, doc, &res)
	res.Publish = state
	switch {
	case perr != nil:
		mark(&res, document.StagePublish, document.StageFailed, perr.Error(), began)
	case state == document.PublishPending:
		mark(&res, document.StagePublish, document.StageFailed, "delivery failed; queued publish_pending", began)
	default:
		mark(&res, document.StagePublish, document.StageOK, string(state), began)
	}

	res.CompletedAt = time.Now().UTC()
	logger.Info().
		Str("destination", string(res.Decision.Destination)).
		Str("reason", res.Decision.Reason).
		Str("publish_state", string(res.Publish)).
		Msg("pipeline run complete")
	return res
}

// fatal finalizes a run on the failure path. The router is never consulted;
// every remaining pipeline stage is skipped except publish, which emits the
// failure event.
func (e *Engine) fatal(ctx context.Context, logger zerolog.Logger, doc document.Document, res *document.PipelineResult, at document.Stage, reason string) document.PipelineResult {
	res.Decision = document.RoutingDecision{Destination: document.DestFailed, Reason: reason}
	for _, s := range stagesAfter(at) {
		if s == document.StagePublish {
			continue
		}
		mark(res, s, document.StageSkipped, "upstream failure", time.Time{})
	}

	began := time.Now()
	state, err := e.publisher.Deliver(ctx, doc, res)
	res.Publish = state
	if err != nil {
		mark(res, document.StagePublish, document.StageFailed, err.Error(), began)
	} else {
		mark(res, document.StagePublish, document.StageOK, string(state), began)
	}

	res.CompletedAt = time.Now().UTC()
	logger.Warn().
		Str("stage", string(at)).
		Str("reason", reason).
		Msg("pipeline run failed")
	return *res
}

// canceled finalizes a run cut short by context cancellation. Remaining
// stages, publish included, are skipped; recovery happens on re-submission.
func (e *Engine) canceled(logger zerolog.Logger, res *document.PipelineResult, at document.Stage) document.PipelineResult {
	res.Decision = document.RoutingDecision{Destination: document.DestFailed, Reason: FailReasonCanceled}
	for _, s := range stagesAfter(at) {
		mark(res, s, document.StageSkipped, "canceled", time.Time{})
	}
	res.Publish = document.PublishNone
	res.CompletedAt = time.Now().UTC()
	logger.Warn().Str("stage", string(at)).Msg("pipeline run canceled")
	return *res
}

// joinText concatenates page texts in page order for classification.
func joinText(extractions []document.ExtractionResult) string {
	var b strings.Builder
	for i, ex := range extractions {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(ex.Text)
	}
	return b.String()
}

func extractDetail(extractions []document.ExtractionResult) string {
	flagged := 0
	for _, ex := range extractions {
		if ex.LowConfidence {
			flagged++
		}
	}
	if flagged > 0 {
		return fmt.Sprintf("%d pages, %d low confidence", len(extractions), flagged)
	}
	return fmt.Sprintf("%d pages", len(extractions))
}

func gateDetail(v document.QualityVerdict) string {
	anomalies := 0
	for _, s := range v.Scorers {
		if s.Label == document.ScorerAnomaly {
			anomalies++
		}
	}
	return fmt.Sprintf("anomaly=%t votes=%d/%d violations=%d", v.IsAnomaly, anomalies, len(v.Scorers), len(v.RuleViolations))
}
