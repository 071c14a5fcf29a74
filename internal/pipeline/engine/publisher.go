package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/pipeline/document"
	"github.com/docgate/docgate/internal/platform/events"
)

// ReviewEnqueuer accepts documents routed to the review queue.
type ReviewEnqueuer interface {
	Enqueue(ctx context.Context, doc document.Document, res *document.PipelineResult) error
}

// FHIRMapper renders a published result as FHIR resources attached to the
// publish event payload.
type FHIRMapper func(doc document.Document, res *document.PipelineResult) (map[string]any, error)

// Publisher delivers terminal pipeline outcomes downstream. Publishes that
// exhaust the sink's retries are parked in the outbox as publish_pending and
// recovered out of band; they are never dropped.
type Publisher struct {
	dispatcher *events.Dispatcher
	outbox     OutboxStore
	review     ReviewEnqueuer
	mapFHIR    FHIRMapper
	logger     zerolog.Logger
}

type PublisherOption func(*Publisher)

// WithReviewEnqueuer wires the review queue for review_queue routings.
func WithReviewEnqueuer(r ReviewEnqueuer) PublisherOption {
	return func(p *Publisher) { p.review = r }
}

// WithFHIRMapper attaches FHIR rendering to published events.
func WithFHIRMapper(m FHIRMapper) PublisherOption {
	return func(p *Publisher) { p.mapFHIR = m }
}

func WithPublisherLogger(logger zerolog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = logger }
}

// NewPublisher builds a publisher over the event dispatcher and outbox.
func NewPublisher(dispatcher *events.Dispatcher, outbox OutboxStore, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		dispatcher: dispatcher,
		outbox:     outbox,
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// publishedPayload is the body of document.published events.
type publishedPayload struct {
	Label      document.Type              `json:"label"`
	Confidence float64                    `json:"confidence"`
	Record     *document.NormalizedRecord `json:"record,omitempty"`
	Verdict    *document.QualityVerdict   `json:"verdict,omitempty"`
	Decision   document.RoutingDecision   `json:"decision"`
	FHIR       map[string]any             `json:"fhir,omitempty"`
}

// reviewPayload is the body of document.review events.
type reviewPayload struct {
	Label      document.Type `json:"label"`
	Confidence float64       `json:"confidence"`
	Reasons    []string      `json:"reasons"`
	Violations []string      `json:"violations,omitempty"`
}

// failedPayload is the body of document.failed events.
type failedPayload struct {
	Reason string `json:"reason"`
}

// Deliver emits the terminal event for res according to its destination and
// reports the resulting publish state. The document id rides as the
// idempotency key, so a re-run of the same document never double-publishes
// downstream.
func (p *Publisher) Deliver(ctx context.Context, doc document.Document, res *document.PipelineResult) (document.PublishState, error) {
	switch res.Decision.Destination {
	case document.DestAutoPublish:
		return p.deliverPublish(ctx, doc, res)
	case document.DestReviewQueue:
		return document.PublishNone, p.deliverReview(ctx, doc, res)
	case document.DestFailed:
		return document.PublishNone, p.deliverFailed(ctx, doc, res)
	default:
		return document.PublishNone, fmt.Errorf("unroutable destination %q", res.Decision.Destination)
	}
}

func (p *Publisher) deliverPublish(ctx context.Context, doc document.Document, res *document.PipelineResult) (document.PublishState, error) {
	body := publishedPayload{Decision: res.Decision}
	if res.Classification != nil {
		body.Label = res.Classification.Label
		body.Confidence = res.Classification.Confidence
	}
	body.Record = res.Record
	body.Verdict = res.Verdict
	if p.mapFHIR != nil {
		fhir, err := p.mapFHIR(doc, res)
		if err != nil {
			// Mapping is an enrichment; its failure never blocks publication.
			p.logger.Error().Err(err).Stringer("doc_id", doc.ID).Msg("fhir mapping failed")
		} else {
			body.FHIR = fhir
		}
	}

	ev, err := events.NewEvent(events.TopicDocumentPublished, doc.ID.String(), doc.CorrelationID, body)
	if err != nil {
		return document.PublishNone, err
	}
	if err := p.dispatcher.Dispatch(ctx, ev); err == nil {
		return document.PublishDone, nil
	} else if ctx.Err() != nil {
		return document.PublishNone, ctx.Err()
	} else {
		return p.park(ctx, doc, ev, err)
	}
}

// park persists an undeliverable publish event to the outbox.
func (p *Publisher) park(ctx context.Context, doc document.Document, ev events.Event, cause error) (document.PublishState, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return document.PublishNone, fmt.Errorf("marshal outbox event: %w", err)
	}
	entry := &OutboxEntry{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		EventType:  ev.Type,
		Payload:    raw,
		Attempts:   1,
		Status:     OutboxPending,
		LastError:  cause.Error(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.outbox.Add(ctx, entry); err != nil {
		return document.PublishNone, fmt.Errorf("publish failed and outbox unavailable: %w", err)
	}
	p.logger.Warn().
		Stringer("doc_id", doc.ID).
		Str("event_id", ev.ID).
		Str("cause", cause.Error()).
		Msg("publish parked as publish_pending")

	// Advisory only; the outbox row is the durable record.
	if pending, err := events.NewEvent(events.TopicDocumentPublishPending, doc.ID.String(), ev.CorrelationID, failedPayload{Reason: cause.Error()}); err == nil {
		if derr := p.dispatcher.Dispatch(ctx, pending); derr != nil {
			p.logger.Debug().Err(derr).Msg("publish_pending notice not delivered")
		}
	}
	return document.PublishPending, nil
}

func (p *Publisher) deliverReview(ctx context.Context, doc document.Document, res *document.PipelineResult) error {
	if p.review != nil {
		if err := p.review.Enqueue(ctx, doc, res); err != nil {
			return fmt.Errorf("enqueue review item: %w", err)
		}
	}

	body := reviewPayload{Reasons: res.Decision.Reasons}
	if res.Classification != nil {
		body.Label = res.Classification.Label
		body.Confidence = res.Classification.Confidence
	}
	if res.Verdict != nil {
		body.Violations = res.Verdict.RuleViolations
	}
	ev, err := events.NewEvent(events.TopicDocumentReview, doc.ID.String(), doc.CorrelationID, body)
	if err != nil {
		return err
	}
	if err := p.dispatcher.Dispatch(ctx, ev); err != nil {
		// The review item row is the durable record; the event is advisory.
		p.logger.Error().Err(err).Stringer("doc_id", doc.ID).Msg("review event not delivered")
	}
	return nil
}

func (p *Publisher) deliverFailed(ctx context.Context, doc document.Document, res *document.PipelineResult) error {
	ev, err := events.NewEvent(events.TopicDocumentFailed, doc.ID.String(), doc.CorrelationID, failedPayload{Reason: res.Decision.Reason})
	if err != nil {
		return err
	}
	if err := p.dispatcher.Dispatch(ctx, ev); err != nil {
		p.logger.Error().Err(err).Stringer("doc_id", doc.ID).Msg("failure event not delivered")
	}
	return nil
}
