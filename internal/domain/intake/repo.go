package intake

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/docgate/docgate/internal/pipeline/document"
)

var (
	// ErrDocumentNotFound reports an unknown document id.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrResultNotReady reports that a document exists but its pipeline run
	// has not produced a terminal result yet.
	ErrResultNotReady = errors.New("pipeline result not ready")
)

type DocumentRepository interface {
	Create(ctx context.Context, d *StoredDocument) error
	GetByID(ctx context.Context, id uuid.UUID) (*StoredDocument, error)
	List(ctx context.Context, f DocumentFilter, limit, offset int) ([]*StoredDocument, int, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type ResultRepository interface {
	Save(ctx context.Context, res document.PipelineResult) error
	GetByDocument(ctx context.Context, docID uuid.UUID) (*document.PipelineResult, error)
}
