package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/pipeline/document"
	"github.com/docgate/docgate/internal/pipeline/engine"
	"github.com/docgate/docgate/internal/pipeline/extract"
	"github.com/docgate/docgate/internal/platform/blobstore"
	"github.com/docgate/docgate/internal/platform/events"
	"github.com/docgate/docgate/internal/platform/hipaa"
)

// Submitter accepts pipeline jobs. *engine.Pool satisfies it.
type Submitter interface {
	Submit(job engine.Job) error
}

type Service struct {
	docs       DocumentRepository
	results    ResultRepository
	blobs      blobstore.Store
	pool       Submitter
	dispatcher *events.Dispatcher
	phi        *hipaa.Service
	logger     zerolog.Logger
}

func NewService(docs DocumentRepository, results ResultRepository, blobs blobstore.Store,
	pool Submitter, dispatcher *events.Dispatcher, phi *hipaa.Service, logger zerolog.Logger) *Service {
	return &Service{
		docs: docs, results: results, blobs: blobs,
		pool: pool, dispatcher: dispatcher, phi: phi,
		logger: logger.With().Str("component", "intake").Logger(),
	}
}

// receivedPayload is the body of document.received events.
type receivedPayload struct {
	Format    document.Format `json:"format"`
	Source    string          `json:"source,omitempty"`
	PageCount int             `json:"page_count"`
	SHA256    string          `json:"sha256"`
}

// Ingest stores one payload, creates its document row, and queues the
// pipeline run. A full queue sheds the submission: the row is removed and
// engine.ErrQueueFull returned so the caller can signal retry.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*StoredDocument, error) {
	if len(req.Payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if len(req.Payload) > blobstore.MaxPayloadSize {
		return nil, fmt.Errorf("payload exceeds %d bytes", blobstore.MaxPayloadSize)
	}
	format, err := detectFormat(req)
	if err != nil {
		return nil, err
	}
	pages, err := extract.PageCount(format, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("unreadable %s payload: %w", format, err)
	}

	sha := blobstore.Key(req.Payload)
	key, err := s.blobs.Put(ctx, req.Payload, req.ContentType)
	if err != nil {
		return nil, fmt.Errorf("store payload: %w", err)
	}

	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	doc := document.Document{
		ID:            uuid.New(),
		CorrelationID: req.CorrelationID,
		Format:        format,
		PageCount:     pages,
		BlobKey:       key,
		ContentSHA256: sha,
		Source:        req.Source,
		ReceivedAt:    receivedAt,
	}
	stored := &StoredDocument{Document: doc, Status: StatusReceived}
	if err := s.docs.Create(ctx, stored); err != nil {
		return nil, fmt.Errorf("persist document: %w", err)
	}

	if err := s.pool.Submit(engine.Job{Doc: doc, Payload: req.Payload}); err != nil {
		if derr := s.docs.Delete(ctx, doc.ID); derr != nil {
			s.logger.Error().Err(derr).Stringer("doc_id", doc.ID).Msg("shed document row not removed")
		}
		return nil, err
	}

	s.announce(ctx, doc)
	s.logger.Info().
		Stringer("doc_id", doc.ID).
		Str("format", string(format)).
		Int("pages", pages).
		Str("source", req.Source).
		Msg("document accepted")
	return stored, nil
}

// announce emits the advisory document.received event. Delivery failure is
// logged, not surfaced: the document row is the durable record.
func (s *Service) announce(ctx context.Context, doc document.Document) {
	ev, err := events.NewEvent(events.TopicDocumentReceived, doc.ID.String(), doc.CorrelationID, receivedPayload{
		Format:    doc.Format,
		Source:    doc.Source,
		PageCount: doc.PageCount,
		SHA256:    doc.ContentSHA256,
	})
	if err == nil {
		err = s.dispatcher.Dispatch(ctx, ev)
	}
	if err != nil {
		s.logger.Warn().Err(err).Stringer("doc_id", doc.ID).Msg("received event not delivered")
	}
}

func (s *Service) GetDocument(ctx context.Context, id uuid.UUID) (*StoredDocument, error) {
	return s.docs.GetByID(ctx, id)
}

// Status returns the document with its stage trail once a result exists.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*DocumentStatus, error) {
	stored, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &DocumentStatus{StoredDocument: *stored}
	res, err := s.results.GetByDocument(ctx, id)
	if errors.Is(err, ErrResultNotReady) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	st.Trail = res.Trail
	return st, nil
}

// GetResult returns the terminal pipeline result with PHI fields decrypted.
func (s *Service) GetResult(ctx context.Context, docID uuid.UUID) (*document.PipelineResult, error) {
	res, err := s.results.GetByDocument(ctx, docID)
	if errors.Is(err, ErrResultNotReady) {
		if _, derr := s.docs.GetByID(ctx, docID); derr != nil {
			return nil, derr
		}
		return nil, ErrResultNotReady
	}
	if err != nil {
		return nil, err
	}
	if s.phi != nil && res.Record != nil {
		dec, err := s.phi.DecryptRecord(res.Record)
		if err != nil {
			return nil, fmt.Errorf("decrypt record: %w", err)
		}
		res.Record = dec
	}
	return res, nil
}

func (s *Service) ListDocuments(ctx context.Context, f DocumentFilter, limit, offset int) ([]*StoredDocument, int, error) {
	return s.docs.List(ctx, f, limit, offset)
}

// SaveResult implements engine.ResultStore. PHI fields are encrypted before
// the record reaches the results table; the document status follows the
// routing destination.
func (s *Service) SaveResult(ctx context.Context, res document.PipelineResult) error {
	if s.phi != nil && res.Record != nil {
		enc, err := s.phi.EncryptRecord(res.Record)
		if err != nil {
			return fmt.Errorf("encrypt record: %w", err)
		}
		res.Record = enc
	}
	if err := s.results.Save(ctx, res); err != nil {
		return err
	}
	if err := s.docs.SetStatus(ctx, res.DocumentID, string(res.Decision.Destination)); err != nil {
		s.logger.Error().Err(err).Stringer("doc_id", res.DocumentID).Msg("document status not updated")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Format detection
// ---------------------------------------------------------------------------

func detectFormat(req IngestRequest) (document.Format, error) {
	if req.Format != "" {
		f := document.Format(strings.ToLower(req.Format))
		if !f.Valid() {
			return "", fmt.Errorf("unsupported format %q", req.Format)
		}
		return f, nil
	}
	if f, ok := formatFromContentType(req.ContentType); ok {
		return f, nil
	}
	if f, ok := formatFromFilename(req.Filename); ok {
		return f, nil
	}
	if f, ok := sniffFormat(req.Payload); ok {
		return f, nil
	}
	return "", errors.New("cannot determine document format, pass format explicitly")
}

func formatFromContentType(ct string) (document.Format, bool) {
	ct, _, _ = strings.Cut(ct, ";")
	ct = strings.TrimSpace(strings.ToLower(ct))
	switch ct {
	case "application/pdf":
		return document.FormatPDF, true
	case "text/html":
		return document.FormatHTML, true
	case "text/plain":
		return document.FormatText, true
	}
	if strings.HasPrefix(ct, "image/") {
		return document.FormatImage, true
	}
	return "", false
}

func formatFromFilename(name string) (document.Format, bool) {
	name = strings.ToLower(name)
	switch {
	case strings.HasSuffix(name, ".pdf"):
		return document.FormatPDF, true
	case strings.HasSuffix(name, ".html"), strings.HasSuffix(name, ".htm"):
		return document.FormatHTML, true
	case strings.HasSuffix(name, ".txt"):
		return document.FormatText, true
	case strings.HasSuffix(name, ".png"), strings.HasSuffix(name, ".jpg"),
		strings.HasSuffix(name, ".jpeg"), strings.HasSuffix(name, ".tif"),
		strings.HasSuffix(name, ".tiff"):
		return document.FormatImage, true
	}
	return "", false
}

func sniffFormat(payload []byte) (document.Format, bool) {
	if bytes.HasPrefix(payload, []byte("%PDF-")) {
		return document.FormatPDF, true
	}
	head := strings.ToLower(string(bytes.TrimSpace(payload[:min(len(payload), 256)])))
	if strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html") {
		return document.FormatHTML, true
	}
	return "", false
}
