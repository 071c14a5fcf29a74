package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/pipeline/classify"
	"github.com/docgate/docgate/internal/pipeline/document"
	"github.com/docgate/docgate/internal/pipeline/extract"
	"github.com/docgate/docgate/internal/pipeline/normalize"
	"github.com/docgate/docgate/internal/pipeline/quality"
	"github.com/docgate/docgate/internal/pipeline/route"
	"github.com/docgate/docgate/internal/platform/events"
)

// ===================== Fixtures =====================

const paText = `Prior Authorization Request
Member ID: MBR-88421
Patient Name: Jane Doe
Insurance ID: INS-553201
Auth Number: PA-2024-00917
Diagnosis Code: E11.9
Medication: Adalimumab 40mg
Approval Date: 03/01/2024
Expiration Date: 2024-09-30
NPI: 1234567890
Urgency: standard`

func testDoc() document.Document {
	return document.Document{
		ID:            uuid.New(),
		CorrelationID: "corr-e2e",
		Format:        document.FormatText,
		PageCount:     1,
		Source:        "fax-gateway",
		ReceivedAt:    time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC),
	}
}

func paCls() document.Classification {
	return document.Classification{
		Label:        document.TypePriorAuthorization,
		Confidence:   0.85,
		ClassifierID: "stub-model",
		LabelSet:     document.LabelSetVersion,
	}
}

type stubAdapter struct {
	id    string
	text  string
	conf  float64
	err   error
	delay time.Duration
}

func (a *stubAdapter) ID() string                    { return a.id }
func (a *stubAdapter) Supports(document.Format) bool { return true }
func (a *stubAdapter) Attempt(ctx context.Context, page extract.Page) (document.ExtractionResult, error) {
	if a.delay > 0 {
		select {
		case <-ctx.Done():
			return document.ExtractionResult{}, ctx.Err()
		case <-time.After(a.delay):
		}
	}
	if a.err != nil {
		return document.ExtractionResult{}, a.err
	}
	return document.ExtractionResult{Page: page.Index, Text: a.text, Confidence: a.conf}, nil
}

type stubClassifier struct {
	id       string
	cls      document.Classification
	err      error
	delay    time.Duration
	panicMsg string
}

func (s *stubClassifier) ID() string { return s.id }

func (s *stubClassifier) Classify(ctx context.Context, _ string) (document.Classification, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return document.Classification{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return document.Classification{}, s.err
	}
	return s.cls, nil
}

type captureReview struct {
	docs    []document.Document
	reasons [][]string
	err     error
}

func (c *captureReview) Enqueue(_ context.Context, doc document.Document, res *document.PipelineResult) error {
	if c.err != nil {
		return c.err
	}
	c.docs = append(c.docs, doc)
	c.reasons = append(c.reasons, append([]string(nil), res.Decision.Reasons...))
	return nil
}

// permissiveBundle yields three deterministic normal votes for any vector.
func permissiveBundle() *quality.Bundle {
	dim := quality.FeatureDim
	std := make([]float64, dim)
	for i := range std {
		std[i] = 1
	}
	comp := make([]float64, dim)
	comp[0] = 1
	return &quality.Bundle{
		FeatureVersion: quality.FeatureVersion,
		Scaler:         quality.Scaler{Mean: make([]float64, dim), Std: std},
		Density: quality.DensityParams{
			Centroids: [][]float64{make([]float64, dim)},
			Bandwidth: 1000,
			Threshold: 0,
		},
		Boundary: quality.BoundaryParams{
			Center:    make([]float64, dim),
			Radius:    1e6,
			Threshold: 0.5,
		},
		Reconstruction: quality.ReconstructionParams{
			Components: [][]float64{comp},
			MaxError:   1e6,
			Threshold:  0,
		},
	}
}

// strictBundle yields three deterministic anomaly votes for any nonzero
// vector.
func strictBundle() *quality.Bundle {
	b := permissiveBundle()
	b.Density.Bandwidth = 0.5
	b.Density.Threshold = 1
	b.Boundary.Radius = 0.001
	b.Boundary.Threshold = 1
	b.Reconstruction.MaxError = 1e-9
	b.Reconstruction.Threshold = 1
	return b
}

type harness struct {
	engine     *Engine
	sink       *events.MemorySink
	dispatcher *events.Dispatcher
	outbox     *MemoryOutbox
	review     *captureReview
}

func newHarness(t *testing.T, adapters []extract.Adapter, cls classify.Classifier, bundle *quality.Bundle, threshold float64, chainOpts []extract.ChainOption, engOpts ...Option) *harness {
	t.Helper()
	sink := events.NewMemorySink("test")
	dispatcher := events.NewDispatcher(zerolog.Nop())
	dispatcher.Register(sink)
	outbox := NewMemoryOutbox()
	review := &captureReview{}
	pub := NewPublisher(dispatcher, outbox, WithReviewEnqueuer(review))

	eng := New(
		extract.NewChain(adapters, chainOpts...),
		cls,
		normalize.New(normalize.DefaultRegistry()),
		quality.NewGate(bundle),
		route.New(route.WithThreshold(threshold)),
		pub,
		engOpts...,
	)
	return &harness{engine: eng, sink: sink, dispatcher: dispatcher, outbox: outbox, review: review}
}

func checkTrail(t *testing.T, trail []document.StageOutcome, want []document.StageStatus) {
	t.Helper()
	if len(trail) != len(stageOrder) {
		t.Fatalf("expected %d trail entries, got %d: %+v", len(stageOrder), len(trail), trail)
	}
	for i, out := range trail {
		if out.Stage != stageOrder[i] {
			t.Errorf("trail[%d]: expected stage %s, got %s", i, stageOrder[i], out.Stage)
		}
		if out.Status != want[i] {
			t.Errorf("trail[%d] (%s): expected status %s, got %s (%s)", i, out.Stage, want[i], out.Status, out.Detail)
		}
	}
}

// ===================== End-to-end scenarios =====================

func TestEngine_CleanDocumentAutoPublishes(t *testing.T) {
	slow := &stubAdapter{id: "alpha", text: "never returned", conf: 0.99, delay: 200 * time.Millisecond}
	good := &stubAdapter{id: "beta", text: paText, conf: 0.92}
	h := newHarness(t,
		[]extract.Adapter{slow, good},
		&stubClassifier{id: "stub-model", cls: paCls()},
		permissiveBundle(), 0.80,
		[]extract.ChainOption{extract.WithAttemptTimeout(20 * time.Millisecond)})

	doc := testDoc()
	res := h.engine.Process(context.Background(), doc, []byte(paText))

	if res.DocumentID != doc.ID {
		t.Errorf("expected document id %s, got %s", doc.ID, res.DocumentID)
	}
	if res.Decision.Destination != document.DestAutoPublish {
		t.Fatalf("expected auto_publish, got %s (reasons %v)", res.Decision.Destination, res.Decision.Reasons)
	}
	if res.Decision.Reason != route.AutoPublishReason {
		t.Errorf("expected reason %q, got %q", route.AutoPublishReason, res.Decision.Reason)
	}
	if res.Publish != document.PublishDone {
		t.Errorf("expected publish state published, got %s", res.Publish)
	}

	if len(res.Extractions) != 1 {
		t.Fatalf("expected 1 extraction, got %d", len(res.Extractions))
	}
	if res.Extractions[0].Extractor != "beta" {
		t.Errorf("expected fallback extractor beta, got %s", res.Extractions[0].Extractor)
	}
	if res.Extractions[0].Confidence != 0.92 {
		t.Errorf("expected confidence 0.92, got %v", res.Extractions[0].Confidence)
	}

	if res.Verdict == nil || res.Verdict.IsAnomaly {
		t.Fatalf("expected clean verdict, got %+v", res.Verdict)
	}
	if len(res.Verdict.Scorers) != 3 {
		t.Errorf("expected 3 scorer results, got %d", len(res.Verdict.Scorers))
	}
	for _, s := range res.Verdict.Scorers {
		if s.Label != document.ScorerNormal {
			t.Errorf("scorer %s: expected normal vote, got %s", s.ScorerID, s.Label)
		}
	}
	if len(res.Verdict.RuleViolations) != 0 {
		t.Errorf("expected no rule violations, got %v", res.Verdict.RuleViolations)
	}
	if res.Record == nil || len(res.Record.Absent) != 0 {
		t.Errorf("expected complete record, got %+v", res.Record)
	}

	checkTrail(t, res.Trail, []document.StageStatus{
		document.StageOK, document.StageOK, document.StageOK, document.StageOK,
		document.StageOK, document.StageOK, document.StageOK,
	})

	published := h.sink.EventsOfType(events.TopicDocumentPublished)
	if len(published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(published))
	}
	if published[0].DocumentID != doc.ID.String() {
		t.Errorf("expected event document id %s, got %s", doc.ID, published[0].DocumentID)
	}
	if res.CompletedAt.IsZero() {
		t.Error("expected completed_at to be set")
	}
}

func TestEngine_MissingRequiredFieldForcesReview(t *testing.T) {
	text := strings.Replace(paText, "Member ID: MBR-88421\n", "", 1)
	good := &stubAdapter{id: "beta", text: text, conf: 0.92}
	h := newHarness(t,
		[]extract.Adapter{good},
		&stubClassifier{id: "stub-model", cls: paCls()},
		permissiveBundle(), 0.80, nil)

	doc := testDoc()
	res := h.engine.Process(context.Background(), doc, []byte(text))

	if res.Decision.Destination != document.DestReviewQueue {
		t.Fatalf("expected review_queue, got %s", res.Decision.Destination)
	}
	if len(res.Decision.Reasons) != 1 || res.Decision.Reasons[0] != document.ReasonRuleViolations {
		t.Fatalf("expected reasons [rule_violations], got %v", res.Decision.Reasons)
	}

	if res.Verdict == nil || !res.Verdict.IsAnomaly {
		t.Fatal("rule violation must force the anomaly verdict")
	}
	if res.Verdict.MajorityAnomaly() {
		t.Error("scorer ensemble should not have voted anomaly")
	}
	want := "missing required field: member_id"
	if len(res.Verdict.RuleViolations) != 1 || res.Verdict.RuleViolations[0] != want {
		t.Fatalf("expected violations [%q], got %v", want, res.Verdict.RuleViolations)
	}

	if len(h.review.docs) != 1 || h.review.docs[0].ID != doc.ID {
		t.Fatalf("expected 1 review enqueue for %s, got %+v", doc.ID, h.review.docs)
	}
	if len(h.sink.EventsOfType(events.TopicDocumentReview)) != 1 {
		t.Error("expected a document.review event")
	}
	if res.Publish != document.PublishNone {
		t.Errorf("review routing should not publish, got %s", res.Publish)
	}

	checkTrail(t, res.Trail, []document.StageStatus{
		document.StageOK, document.StageOK, document.StageOK, document.StageOK,
		document.StageOK, document.StageOK, document.StageOK,
	})
}

// ===================== Failure paths =====================

func TestEngine_ExhaustedExtractionFailsDocument(t *testing.T) {
	down := &stubAdapter{id: "alpha", err: extract.NewFailure(extract.FailUnavailable, "alpha", errors.New("ocr down"))}
	h := newHarness(t,
		[]extract.Adapter{down},
		&stubClassifier{id: "stub-model", cls: paCls()},
		permissiveBundle(), 0.80, nil)

	doc := testDoc()
	res := h.engine.Process(context.Background(), doc, []byte("payload"))

	if res.Decision.Destination != document.DestFailed {
		t.Fatalf("expected failed, got %s", res.Decision.Destination)
	}
	if res.Decision.Reason != FailReasonExhausted {
		t.Errorf("expected reason %q, got %q", FailReasonExhausted, res.Decision.Reason)
	}
	if res.Classification != nil || res.Verdict != nil || res.Record != nil {
		t.Error("downstream stages must not have produced output")
	}

	checkTrail(t, res.Trail, []document.StageStatus{
		document.StageOK, document.StageFailed, document.StageSkipped, document.StageSkipped,
		document.StageSkipped, document.StageSkipped, document.StageOK,
	})

	if len(h.sink.EventsOfType(events.TopicDocumentFailed)) != 1 {
		t.Error("expected a document.failed event")
	}
	if len(h.sink.EventsOfType(events.TopicDocumentPublished)) != 0 {
		t.Error("failed document must never publish")
	}
}

func TestEngine_ClassifierFailureContinuesAsUnknown(t *testing.T) {
	good := &stubAdapter{id: "beta", text: paText, conf: 0.92}
	h := newHarness(t,
		[]extract.Adapter{good},
		&stubClassifier{id: "stub-model", err: errors.New("model unavailable")},
		permissiveBundle(), 0.80, nil)

	res := h.engine.Process(context.Background(), testDoc(), []byte(paText))

	if res.Classification == nil || res.Classification.Label != document.TypeUnknown {
		t.Fatalf("expected unknown classification, got %+v", res.Classification)
	}
	if res.Classification.Confidence != 0 {
		t.Errorf("expected confidence 0, got %v", res.Classification.Confidence)
	}

	// The run continues: unknown uses the generic schema and routes on low
	// confidence rather than failing.
	if res.Decision.Destination != document.DestReviewQueue {
		t.Fatalf("expected review_queue, got %s", res.Decision.Destination)
	}
	if len(res.Decision.Reasons) != 1 || res.Decision.Reasons[0] != document.ReasonLowClassificationConfidence {
		t.Fatalf("expected reasons [low_classification_confidence], got %v", res.Decision.Reasons)
	}
	if res.Verdict == nil || res.Verdict.IsAnomaly {
		t.Errorf("generic schema has no required fields; verdict should be clean: %+v", res.Verdict)
	}

	checkTrail(t, res.Trail, []document.StageStatus{
		document.StageOK, document.StageOK, document.StageFailed, document.StageOK,
		document.StageOK, document.StageOK, document.StageOK,
	})
}

func TestEngine_ClassifierTimeoutBecomesUnknown(t *testing.T) {
	good := &stubAdapter{id: "beta", text: paText, conf: 0.92}
	h := newHarness(t,
		[]extract.Adapter{good},
		&stubClassifier{id: "stub-model", cls: paCls(), delay: 200 * time.Millisecond},
		permissiveBundle(), 0.80, nil,
		WithClassifyTimeout(10*time.Millisecond))

	res := h.engine.Process(context.Background(), testDoc(), []byte(paText))

	if res.Classification == nil || res.Classification.Label != document.TypeUnknown {
		t.Fatalf("classifier timeout must classify as unknown, got %+v", res.Classification)
	}
	if res.Decision.Destination != document.DestReviewQueue {
		t.Errorf("expected review_queue, got %s", res.Decision.Destination)
	}
}

func TestEngine_UnregisteredLabelIsFatal(t *testing.T) {
	good := &stubAdapter{id: "beta", text: paText, conf: 0.92}
	rogue := document.Classification{
		Label:        document.Type("invoice"),
		Confidence:   0.90,
		ClassifierID: "stub-model",
		LabelSet:     document.LabelSetVersion,
	}
	h := newHarness(t,
		[]extract.Adapter{good},
		&stubClassifier{id: "stub-model", cls: rogue},
		permissiveBundle(), 0.80, nil)

	res := h.engine.Process(context.Background(), testDoc(), []byte(paText))

	if res.Decision.Destination != document.DestFailed {
		t.Fatalf("expected failed, got %s", res.Decision.Destination)
	}
	if res.Decision.Reason != FailReasonSchema {
		t.Errorf("expected reason %q, got %q", FailReasonSchema, res.Decision.Reason)
	}

	checkTrail(t, res.Trail, []document.StageStatus{
		document.StageOK, document.StageOK, document.StageOK, document.StageFailed,
		document.StageSkipped, document.StageSkipped, document.StageOK,
	})

	if len(h.sink.EventsOfType(events.TopicDocumentFailed)) != 1 {
		t.Error("expected a document.failed event")
	}
}

func TestEngine_EnsembleAnomalyRoutesToReview(t *testing.T) {
	good := &stubAdapter{id: "beta", text: paText, conf: 0.92}
	h := newHarness(t,
		[]extract.Adapter{good},
		&stubClassifier{id: "stub-model", cls: paCls()},
		strictBundle(), 0.80, nil)

	res := h.engine.Process(context.Background(), testDoc(), []byte(paText))

	if res.Decision.Destination != document.DestReviewQueue {
		t.Fatalf("expected review_queue, got %s", res.Decision.Destination)
	}
	if len(res.Decision.Reasons) != 1 || res.Decision.Reasons[0] != document.ReasonEnsembleAnomaly {
		t.Fatalf("expected reasons [ensemble_anomaly], got %v", res.Decision.Reasons)
	}
	if !res.Verdict.MajorityAnomaly() {
		t.Error("expected the ensemble vote to carry")
	}
	if len(res.Verdict.RuleViolations) != 0 {
		t.Errorf("expected no rule violations, got %v", res.Verdict.RuleViolations)
	}
}

// ===================== Publish handling =====================

func TestEngine_PublishFailureParksPending(t *testing.T) {
	good := &stubAdapter{id: "beta", text: paText, conf: 0.92}
	h := newHarness(t,
		[]extract.Adapter{good},
		&stubClassifier{id: "stub-model", cls: paCls()},
		permissiveBundle(), 0.80, nil)
	h.sink.SetError(errors.New("sink down"))

	doc := testDoc()
	res := h.engine.Process(context.Background(), doc, []byte(paText))

	if res.Decision.Destination != document.DestAutoPublish {
		t.Fatalf("routing must not change on publish failure, got %s", res.Decision.Destination)
	}
	if res.Publish != document.PublishPending {
		t.Fatalf("expected publish_pending, got %s", res.Publish)
	}

	pending, err := h.outbox.ListPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 parked publish, got %d", len(pending))
	}
	if pending[0].DocumentID != doc.ID {
		t.Errorf("expected parked document %s, got %s", doc.ID, pending[0].DocumentID)
	}
	if pending[0].EventType != events.TopicDocumentPublished {
		t.Errorf("expected parked event type document.published, got %s", pending[0].EventType)
	}
	if !strings.Contains(pending[0].LastError, "sink down") {
		t.Errorf("expected cause recorded, got %q", pending[0].LastError)
	}

	last := res.Trail[len(res.Trail)-1]
	if last.Stage != document.StagePublish || last.Status != document.StageFailed {
		t.Errorf("expected failed publish trail entry, got %+v", last)
	}
}

func TestEngine_ReviewEnqueueFailureMarksPublishFailed(t *testing.T) {
	text := strings.Replace(paText, "Member ID: MBR-88421\n", "", 1)
	good := &stubAdapter{id: "beta", text: text, conf: 0.92}
	h := newHarness(t,
		[]extract.Adapter{good},
		&stubClassifier{id: "stub-model", cls: paCls()},
		permissiveBundle(), 0.80, nil)
	h.review.err = errors.New("review store down")

	res := h.engine.Process(context.Background(), testDoc(), []byte(text))

	if res.Decision.Destination != document.DestReviewQueue {
		t.Fatalf("expected review_queue, got %s", res.Decision.Destination)
	}
	last := res.Trail[len(res.Trail)-1]
	if last.Stage != document.StagePublish || last.Status != document.StageFailed {
		t.Errorf("expected failed publish trail entry, got %+v", last)
	}
	if res.Publish != document.PublishNone {
		t.Errorf("expected publish state none, got %s", res.Publish)
	}
}

// ===================== Cancellation and panics =====================

func TestEngine_CanceledContextShortCircuits(t *testing.T) {
	good := &stubAdapter{id: "beta", text: paText, conf: 0.92}
	h := newHarness(t,
		[]extract.Adapter{good},
		&stubClassifier{id: "stub-model", cls: paCls()},
		permissiveBundle(), 0.80, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := h.engine.Process(ctx, testDoc(), []byte(paText))

	if res.Decision.Destination != document.DestFailed {
		t.Fatalf("expected failed, got %s", res.Decision.Destination)
	}
	if res.Decision.Reason != FailReasonCanceled {
		t.Errorf("expected reason %q, got %q", FailReasonCanceled, res.Decision.Reason)
	}
	if res.Publish != document.PublishNone {
		t.Errorf("canceled run must not publish, got %s", res.Publish)
	}
	if len(h.sink.Events()) != 0 {
		t.Errorf("canceled run must not emit events, got %d", len(h.sink.Events()))
	}

	checkTrail(t, res.Trail, []document.StageStatus{
		document.StageOK, document.StageSkipped, document.StageSkipped, document.StageSkipped,
		document.StageSkipped, document.StageSkipped, document.StageSkipped,
	})
}

func TestEngine_PanicProducesFailedResult(t *testing.T) {
	good := &stubAdapter{id: "beta", text: paText, conf: 0.92}
	h := newHarness(t,
		[]extract.Adapter{good},
		&stubClassifier{id: "stub-model", panicMsg: "classifier blew up"},
		permissiveBundle(), 0.80, nil)

	doc := testDoc()
	res := h.engine.Process(context.Background(), doc, []byte(paText))

	if res.Decision.Destination != document.DestFailed {
		t.Fatalf("expected failed, got %s", res.Decision.Destination)
	}
	if res.Decision.Reason != FailReasonInternal {
		t.Errorf("expected reason %q, got %q", FailReasonInternal, res.Decision.Reason)
	}
	if res.DocumentID != doc.ID {
		t.Errorf("result must still identify the document")
	}

	checkTrail(t, res.Trail, []document.StageStatus{
		document.StageOK, document.StageOK, document.StageFailed, document.StageSkipped,
		document.StageSkipped, document.StageSkipped, document.StageSkipped,
	})
	if !strings.Contains(res.Trail[2].Detail, "panic") {
		t.Errorf("expected panic detail on classify entry, got %q", res.Trail[2].Detail)
	}
	if res.CompletedAt.IsZero() {
		t.Error("expected completed_at to be set")
	}
}

// ===================== Malformed input =====================

func TestEngine_EmptyPayloadFails(t *testing.T) {
	good := &stubAdapter{id: "beta", text: paText, conf: 0.92}
	h := newHarness(t,
		[]extract.Adapter{good},
		&stubClassifier{id: "stub-model", cls: paCls()},
		permissiveBundle(), 0.80, nil)

	res := h.engine.Process(context.Background(), testDoc(), nil)

	if res.Decision.Destination != document.DestFailed {
		t.Fatalf("expected failed, got %s", res.Decision.Destination)
	}
	if res.Decision.Reason != FailReasonMalformed {
		t.Errorf("expected reason %q, got %q", FailReasonMalformed, res.Decision.Reason)
	}
	if len(h.sink.EventsOfType(events.TopicDocumentFailed)) != 1 {
		t.Error("expected a document.failed event")
	}
}

func TestEngine_UnsupportedFormatFails(t *testing.T) {
	good := &stubAdapter{id: "beta", text: paText, conf: 0.92}
	h := newHarness(t,
		[]extract.Adapter{good},
		&stubClassifier{id: "stub-model", cls: paCls()},
		permissiveBundle(), 0.80, nil)

	doc := testDoc()
	doc.Format = document.Format("docx")
	res := h.engine.Process(context.Background(), doc, []byte(paText))

	if res.Decision.Destination != document.DestFailed {
		t.Fatalf("expected failed, got %s", res.Decision.Destination)
	}
	if res.Trail[0].Status != document.StageFailed {
		t.Errorf("expected ingest failure, got %+v", res.Trail[0])
	}
}
