package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/pipeline/document"
	"github.com/docgate/docgate/internal/platform/events"
)

var (
	ErrNotOpen           = errors.New("review item is not open")
	ErrNotClaimed        = errors.New("review item is not claimed")
	ErrInvalidResolution = errors.New("invalid resolution")
)

var validResolutions = map[string]bool{
	ResolutionApproved: true,
	ResolutionRejected: true,
}

// Deliverer republishes an approved result. Satisfied by engine.Publisher.
type Deliverer interface {
	Deliver(ctx context.Context, doc document.Document, res *document.PipelineResult) (document.PublishState, error)
}

// ResultSource loads the persisted pipeline result for a document.
type ResultSource interface {
	GetByDocument(ctx context.Context, docID uuid.UUID) (*document.PipelineResult, error)
}

// Service runs the review workflow. It implements engine.ReviewEnqueuer so
// the publisher can park review_queue routings here.
type Service struct {
	repo       Repository
	results    ResultSource
	publisher  Deliverer
	dispatcher *events.Dispatcher
	logger     zerolog.Logger
}

func NewService(repo Repository, results ResultSource, publisher Deliverer, dispatcher *events.Dispatcher, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		results:    results,
		publisher:  publisher,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "review").Logger(),
	}
}

// Enqueue records a review item for a document routed to the review queue.
// A second enqueue for the same document is a no-op; the first item stands.
func (s *Service) Enqueue(ctx context.Context, doc document.Document, res *document.PipelineResult) error {
	if _, err := s.repo.GetByDocument(ctx, doc.ID); err == nil {
		s.logger.Debug().Stringer("doc_id", doc.ID).Msg("review item already enqueued")
		return nil
	} else if !errors.Is(err, ErrItemNotFound) {
		return err
	}

	item := &ReviewItem{
		DocumentID:    doc.ID,
		CorrelationID: doc.CorrelationID,
		Label:         document.TypeUnknown,
		Reasons:       append([]string(nil), res.Decision.Reasons...),
		Document:      doc,
		Status:        StatusOpen,
	}
	if res.Classification != nil {
		item.Label = res.Classification.Label
		item.Confidence = res.Classification.Confidence
	}
	if res.Verdict != nil {
		item.Violations = append([]string(nil), res.Verdict.RuleViolations...)
	}
	if err := s.repo.Create(ctx, item); err != nil {
		return fmt.Errorf("create review item: %w", err)
	}
	s.logger.Info().
		Stringer("doc_id", doc.ID).
		Str("label", string(item.Label)).
		Strs("reasons", item.Reasons).
		Msg("document enqueued for review")
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*ReviewItem, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*ReviewItem, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// Claim assigns an open item to a reviewer.
func (s *Service) Claim(ctx context.Context, id uuid.UUID, reviewer string) (*ReviewItem, error) {
	if reviewer == "" {
		return nil, fmt.Errorf("reviewer is required")
	}
	item, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusOpen {
		return nil, ErrNotOpen
	}
	now := time.Now().UTC()
	item.Status = StatusClaimed
	item.ClaimedBy = reviewer
	item.ClaimedAt = &now
	if err := s.repo.Update(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Release returns a claimed item to the open queue.
func (s *Service) Release(ctx context.Context, id uuid.UUID) (*ReviewItem, error) {
	item, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusClaimed {
		return nil, ErrNotClaimed
	}
	item.Status = StatusOpen
	item.ClaimedBy = ""
	item.ClaimedAt = nil
	if err := s.repo.Update(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Resolve closes a claimed item. Approval reloads the stored result, rewrites
// its routing to auto_publish, and hands it back to the publisher, so the
// document flows out through the same publish path and outbox guarantees as
// any other. Rejection records the decision and stops there.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, reviewer, resolution, note string) (*ReviewItem, error) {
	if reviewer == "" {
		return nil, fmt.Errorf("reviewer is required")
	}
	if !validResolutions[resolution] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResolution, resolution)
	}
	item, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusClaimed {
		return nil, ErrNotClaimed
	}

	if resolution == ResolutionApproved {
		if err := s.republish(ctx, item); err != nil {
			// The item stays claimed so the reviewer can retry the approval.
			return nil, err
		}
	}

	now := time.Now().UTC()
	item.Status = StatusResolved
	item.Resolution = resolution
	item.ResolvedBy = reviewer
	item.Note = note
	item.ResolvedAt = &now
	if err := s.repo.Update(ctx, item); err != nil {
		return nil, err
	}

	s.announceResolved(ctx, item)
	s.logger.Info().
		Stringer("doc_id", item.DocumentID).
		Str("resolution", resolution).
		Str("reviewer", reviewer).
		Msg("review item resolved")
	return item, nil
}

func (s *Service) republish(ctx context.Context, item *ReviewItem) error {
	res, err := s.results.GetByDocument(ctx, item.DocumentID)
	if err != nil {
		return fmt.Errorf("load result for document %s: %w", item.DocumentID, err)
	}
	res.Decision = document.RoutingDecision{
		Destination: document.DestAutoPublish,
		Reason:      ApprovedReason,
		Reasons:     []string{ApprovedReason},
	}
	state, err := s.publisher.Deliver(ctx, item.Document, res)
	if err != nil {
		return fmt.Errorf("republish document %s: %w", item.DocumentID, err)
	}
	s.logger.Info().
		Stringer("doc_id", item.DocumentID).
		Str("publish_state", string(state)).
		Msg("approved result republished")
	return nil
}

type resolvedPayload struct {
	Resolution string        `json:"resolution"`
	ResolvedBy string        `json:"resolved_by"`
	Label      document.Type `json:"label"`
	Note       string        `json:"note,omitempty"`
}

func (s *Service) announceResolved(ctx context.Context, item *ReviewItem) {
	ev, err := events.NewEvent(events.TopicReviewResolved, item.DocumentID.String(), item.CorrelationID, resolvedPayload{
		Resolution: item.Resolution,
		ResolvedBy: item.ResolvedBy,
		Label:      item.Label,
		Note:       item.Note,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("build resolved event")
		return
	}
	// Advisory only. Resolution is already persisted; a sink outage must not
	// undo it.
	if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Stringer("doc_id", item.DocumentID).Msg("resolved event not delivered")
	}
}

// Overdue lists open items created more than age ago, oldest first.
func (s *Service) Overdue(ctx context.Context, age time.Duration) ([]*ReviewItem, error) {
	return s.repo.OpenOlderThan(ctx, time.Now().UTC().Add(-age))
}
