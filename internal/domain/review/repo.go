package review

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrItemNotFound = errors.New("review item not found")

// Repository persists review items. State transitions are enforced by the
// service; the repository stores whatever it is handed.
type Repository interface {
	Create(ctx context.Context, item *ReviewItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*ReviewItem, error)
	GetByDocument(ctx context.Context, docID uuid.UUID) (*ReviewItem, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*ReviewItem, int, error)
	Update(ctx context.Context, item *ReviewItem) error
	OpenOlderThan(ctx context.Context, cutoff time.Time) ([]*ReviewItem, error)
}
