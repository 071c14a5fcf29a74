// Package intake is the ingestion surface: it accepts inbound document
// payloads, persists them, and hands them to the pipeline pool. It also owns
// the persisted view of documents and their terminal results.
package intake

import (
	"time"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// Document statuses surfaced by the intake API. A document stays received
// until its pipeline run lands a terminal result; terminal statuses mirror
// the routing destination.
const (
	StatusReceived    = "received"
	StatusAutoPublish = string(document.DestAutoPublish)
	StatusReviewQueue = string(document.DestReviewQueue)
	StatusFailed      = string(document.DestFailed)
)

// StoredDocument is one documents row: the immutable intake envelope plus
// mutable processing status.
type StoredDocument struct {
	document.Document
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DocumentStatus is the status view returned by GET /documents/:id: the
// stored document plus the stage trail once a result exists.
type DocumentStatus struct {
	StoredDocument
	Trail []document.StageOutcome `json:"trail,omitempty"`
}

// DocumentFilter narrows document listings.
type DocumentFilter struct {
	Status string
	Format string
	Source string
}

// IngestRequest carries one inbound payload and its submission metadata.
// Format, when set, overrides detection; ReceivedAt overrides the intake
// clock for replayed documents.
type IngestRequest struct {
	Payload       []byte
	Filename      string
	ContentType   string
	Source        string
	Format        string
	CorrelationID string
	ReceivedAt    time.Time
}
