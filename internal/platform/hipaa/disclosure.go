package hipaa

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Disclosure records PHI leaving the gateway for a third party: a document
// export handed to an auditor, a record produced for a workers-comp carrier,
// a subpoena response. HIPAA Section 164.528 requires an accounting of these
// disclosures covering the prior 6 years. Routine publishes to the payer's
// own adjudication systems are treatment/payment/operations use and are not
// recorded here.
type Disclosure struct {
	ID              uuid.UUID `json:"id"`
	MemberID        string    `json:"member_id"`
	DisclosedTo     string    `json:"disclosed_to"`      // recipient name/org
	DisclosedToType string    `json:"disclosed_to_type"` // organization, individual, system
	Purpose         string    `json:"purpose"`           // public-health, research, law-enforcement, etc.
	DocumentTypes   []string  `json:"document_types"`    // what was disclosed
	DocumentIDs     []string  `json:"document_ids,omitempty"`
	DateDisclosed   time.Time `json:"date_disclosed"`
	DisclosedBy     string    `json:"disclosed_by"` // user who initiated
	Method          string    `json:"method"`       // api, export, fax, mail, portal
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
}

// prepare validates required fields and stamps ID, DateDisclosed, and
// CreatedAt when unset. Every store implementation runs it before writing
// so the accounting carries the same shape regardless of backend.
func (d *Disclosure) prepare() error {
	if d.MemberID == "" {
		return fmt.Errorf("disclosure: member_id is required")
	}
	if d.DisclosedTo == "" {
		return fmt.Errorf("disclosure: disclosed_to is required")
	}
	if d.Purpose == "" {
		return fmt.Errorf("disclosure: purpose is required")
	}

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.DateDisclosed.IsZero() {
		d.DateDisclosed = time.Now().UTC()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	return nil
}

// DisclosurePurpose constants define valid HIPAA disclosure purposes.
// These represent scenarios where PHI may be disclosed to third parties
// outside of treatment, payment, or healthcare operations (TPO).
const (
	PurposePublicHealth    = "public-health"
	PurposeResearch        = "research"
	PurposeLawEnforcement  = "law-enforcement"
	PurposeJudicial        = "judicial"
	PurposeWorkerComp      = "workers-comp"
	PurposeDecedent        = "decedent"
	PurposeOrganDonation   = "organ-donation"
	PurposeHealthOversight = "health-oversight"
	PurposeOther           = "other"
)

// ValidDisclosurePurposes returns the set of valid disclosure purpose values.
func ValidDisclosurePurposes() []string {
	return []string{
		PurposePublicHealth,
		PurposeResearch,
		PurposeLawEnforcement,
		PurposeJudicial,
		PurposeWorkerComp,
		PurposeDecedent,
		PurposeOrganDonation,
		PurposeHealthOversight,
		PurposeOther,
	}
}

// IsValidDisclosurePurpose checks whether a purpose string is a recognized value.
func IsValidDisclosurePurpose(purpose string) bool {
	for _, p := range ValidDisclosurePurposes() {
		if p == purpose {
			return true
		}
	}
	return false
}

// DisclosureStore is the accounting ledger. Disclosure records share the
// six-year retention obligation of the access trail and are never purged,
// so the server runs the Postgres-backed implementation; the in-memory one
// serves tests.
type DisclosureStore interface {
	// Record appends a disclosure, assigning ID and timestamps when unset.
	Record(ctx context.Context, d *Disclosure) error
	// ListByMember returns a member's disclosures within [from, to],
	// most recent first. Zero times leave that bound open.
	ListByMember(ctx context.Context, memberID string, from, to time.Time) ([]*Disclosure, error)
	// ListAll returns one page of the full accounting, newest first,
	// together with the total count.
	ListAll(ctx context.Context, limit, offset int) ([]*Disclosure, int, error)
	// GetByID returns a single disclosure, or nil when the ID is unknown.
	GetByID(ctx context.Context, id uuid.UUID) (*Disclosure, error)
}

// MemoryDisclosureStore keeps the accounting in process memory.
type MemoryDisclosureStore struct {
	mu          sync.RWMutex
	disclosures []*Disclosure
}

// NewMemoryDisclosureStore creates an empty in-memory store.
func NewMemoryDisclosureStore() *MemoryDisclosureStore {
	return &MemoryDisclosureStore{
		disclosures: make([]*Disclosure, 0),
	}
}

func (s *MemoryDisclosureStore) Record(_ context.Context, d *Disclosure) error {
	if err := d.prepare(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.disclosures = append(s.disclosures, d)
	return nil
}

func (s *MemoryDisclosureStore) ListByMember(_ context.Context, memberID string, from, to time.Time) ([]*Disclosure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Disclosure
	for _, d := range s.disclosures {
		if d.MemberID != memberID {
			continue
		}
		if !from.IsZero() && d.DateDisclosed.Before(from) {
			continue
		}
		if !to.IsZero() && d.DateDisclosed.After(to) {
			continue
		}
		result = append(result, d)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DateDisclosed.After(result[j].DateDisclosed)
	})

	return result, nil
}

func (s *MemoryDisclosureStore) ListAll(_ context.Context, limit, offset int) ([]*Disclosure, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.disclosures)

	sorted := make([]*Disclosure, total)
	copy(sorted, s.disclosures)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	if offset >= total {
		return []*Disclosure{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return sorted[offset:end], total, nil
}

func (s *MemoryDisclosureStore) GetByID(_ context.Context, id uuid.UUID) (*Disclosure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.disclosures {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, nil
}
