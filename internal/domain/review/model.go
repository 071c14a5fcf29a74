// Package review holds documents the router declined to auto-publish until a
// human disposes of them. Items are created open, claimed by a reviewer, and
// resolved as approved or rejected; approval republishes the result through
// the regular publish path.
package review

import (
	"time"

	"github.com/google/uuid"

	"github.com/docgate/docgate/internal/pipeline/document"
)

const (
	StatusOpen     = "open"
	StatusClaimed  = "claimed"
	StatusResolved = "resolved"
)

const (
	ResolutionApproved = "approved"
	ResolutionRejected = "rejected"
)

// ApprovedReason replaces the routing reason when an approved item is
// republished.
const ApprovedReason = "approved after review"

// ReviewItem is one document parked for human review, with the routing
// reasons and rule violations that sent it there. The originating document
// is snapshotted so resolution does not depend on the intake store.
type ReviewItem struct {
	ID            uuid.UUID         `db:"id" json:"id"`
	DocumentID    uuid.UUID         `db:"document_id" json:"document_id"`
	CorrelationID string            `db:"correlation_id" json:"correlation_id,omitempty"`
	Label         document.Type     `db:"label" json:"label"`
	Confidence    float64           `db:"confidence" json:"confidence"`
	Reasons       []string          `db:"reasons" json:"reasons"`
	Violations    []string          `db:"violations" json:"violations,omitempty"`
	Document      document.Document `db:"document" json:"document"`
	Status        string            `db:"status" json:"status"`
	ClaimedBy     string            `db:"claimed_by" json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time        `db:"claimed_at" json:"claimed_at,omitempty"`
	Resolution    string            `db:"resolution" json:"resolution,omitempty"`
	ResolvedBy    string            `db:"resolved_by" json:"resolved_by,omitempty"`
	Note          string            `db:"note" json:"note,omitempty"`
	ResolvedAt    *time.Time        `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at" json:"updated_at"`
}

// Filter narrows review listings.
type Filter struct {
	Status string
	Label  string
	Reason string
}
