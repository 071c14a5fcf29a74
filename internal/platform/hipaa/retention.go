package hipaa

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetentionPolicy defines how long records of one class are retained.
type RetentionPolicy struct {
	RecordClass   string `json:"record_class"`
	RetentionDays int    `json:"retention_days"`
	ArchiveAfter  int    `json:"archive_after_days,omitempty"` // days before archival
	PurgeAfter    int    `json:"purge_after_days,omitempty"`   // days before purge (0 = never)
	Description   string `json:"description"`
}

// RetentionStatus represents the lifecycle state of a record.
type RetentionStatus struct {
	State      string    `json:"state"`      // "active", "archive_eligible", "purge_eligible"
	ExpiresAt  time.Time `json:"expires_at"` // when current state expires
	PolicyName string    `json:"policy_name"`
}

// Retention state constants.
const (
	RetentionStateActive          = "active"
	RetentionStateArchiveEligible = "archive_eligible"
	RetentionStatePurgeEligible   = "purge_eligible"
)

// Record classes the gateway persists.
const (
	ClassSourceDocument     = "source_document"
	ClassPipelineResult     = "pipeline_result"
	ClassReviewItem         = "review_item"
	ClassAuditLog           = "audit_log"
	ClassPHIAccessLog       = "phi_access_log"
	ClassDisclosureRecord   = "disclosure_record"
	ClassOutboxEntry        = "outbox_entry"
	ClassExtractionArtifact = "extraction_artifact"
)

// DefaultRetentionPolicies returns the retention schedule for the data the
// gateway stores.
//
// Claims documentation follows the 7-year CMS/IRS horizon; the HIPAA
// administrative records (audit trails, access logs, disclosure accounting)
// follow the 6-year minimum under the Administrative Simplification rules.
// Operational staging data is kept only long enough to reprocess a bad batch.
func DefaultRetentionPolicies() []RetentionPolicy {
	return []RetentionPolicy{
		{
			RecordClass:   ClassSourceDocument,
			RetentionDays: 2555, // 7 years
			ArchiveAfter:  730,  // 2 years
			PurgeAfter:    0,    // never purge source documents
			Description:   "Source documents (faxed prior auths, claims, EOBs): 7 years from date of service per CMS claims documentation requirements; blobs move to archive storage after 2 years",
		},
		{
			RecordClass:   ClassPipelineResult,
			RetentionDays: 2555, // 7 years
			ArchiveAfter:  1825, // 5 years
			PurgeAfter:    2920, // 8 years
			Description:   "Processing results and normalized records: retained alongside the claims decisions they feed, 7 years",
		},
		{
			RecordClass:   ClassReviewItem,
			RetentionDays: 2555, // 7 years
			ArchiveAfter:  1825, // 5 years
			PurgeAfter:    2920, // 8 years
			Description:   "Review queue dispositions: evidence for how flagged documents were resolved, retained with the claim record",
		},
		{
			RecordClass:   ClassAuditLog,
			RetentionDays: 2190, // 6 years
			ArchiveAfter:  1095, // 3 years
			PurgeAfter:    2555, // 7 years
			Description:   "Audit logs: HIPAA requires minimum 6-year retention for policies and procedures, including audit trails",
		},
		{
			RecordClass:   ClassPHIAccessLog,
			RetentionDays: 2190, // 6 years
			ArchiveAfter:  1095, // 3 years
			PurgeAfter:    2555, // 7 years
			Description:   "PHI access logs: 6 years per HIPAA Administrative Simplification regulation",
		},
		{
			RecordClass:   ClassDisclosureRecord,
			RetentionDays: 2190, // 6 years
			ArchiveAfter:  0,
			PurgeAfter:    0, // never purge disclosure accounting
			Description:   "Accounting of disclosures: 6-year lookback per 45 CFR 164.528, never purged automatically",
		},
		{
			RecordClass:   ClassOutboxEntry,
			RetentionDays: 90,
			ArchiveAfter:  0,   // no archival for delivery bookkeeping
			PurgeAfter:    180, // purge after 180 days
			Description:   "Publish outbox entries: delivery bookkeeping for downstream handoff, operational data only",
		},
		{
			RecordClass:   ClassExtractionArtifact,
			RetentionDays: 90,
			ArchiveAfter:  0,
			PurgeAfter:    90, // purge after 90 days
			Description:   "Raw extractor text staged for reprocessing: 90 days maximum retention",
		},
	}
}

// RetentionService manages data lifecycle based on configured retention policies.
type RetentionService struct {
	mu       sync.RWMutex
	policies map[string]RetentionPolicy
	logger   zerolog.Logger
}

// NewRetentionService creates a new RetentionService with the given policies.
func NewRetentionService(policies []RetentionPolicy, logger zerolog.Logger) *RetentionService {
	policyMap := make(map[string]RetentionPolicy, len(policies))
	for _, p := range policies {
		policyMap[p.RecordClass] = p
	}
	return &RetentionService{
		policies: policyMap,
		logger:   logger.With().Str("component", "retention-service").Logger(),
	}
}

// GetPolicy returns the retention policy for a record class, or nil if not found.
func (s *RetentionService) GetPolicy(class string) *RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[class]
	if !ok {
		return nil
	}
	return &p
}

// GetAllPolicies returns all configured retention policies sorted by class.
func (s *RetentionService) GetAllPolicies() []RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]RetentionPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RecordClass < result[j].RecordClass })
	return result
}

// CheckRetention checks if a record has exceeded its retention period.
// Returns a RetentionStatus indicating whether the record is active,
// eligible for archival, or eligible for purging.
func (s *RetentionService) CheckRetention(class string, createdAt time.Time) RetentionStatus {
	s.mu.RLock()
	policy, ok := s.policies[class]
	s.mu.RUnlock()

	if !ok {
		// Unknown record class: treat as active with no expiration
		return RetentionStatus{
			State:      RetentionStateActive,
			ExpiresAt:  time.Time{},
			PolicyName: "unknown",
		}
	}

	now := time.Now().UTC()
	age := now.Sub(createdAt)
	ageDays := int(age.Hours() / 24)

	// Check purge eligibility first (most expired state)
	if policy.PurgeAfter > 0 && ageDays >= policy.PurgeAfter {
		return RetentionStatus{
			State:      RetentionStatePurgeEligible,
			ExpiresAt:  createdAt.AddDate(0, 0, policy.PurgeAfter),
			PolicyName: policy.RecordClass,
		}
	}

	// Check archive eligibility
	if policy.ArchiveAfter > 0 && ageDays >= policy.ArchiveAfter {
		expiresAt := createdAt.AddDate(0, 0, policy.RetentionDays)
		if policy.PurgeAfter > 0 {
			expiresAt = createdAt.AddDate(0, 0, policy.PurgeAfter)
		}
		return RetentionStatus{
			State:      RetentionStateArchiveEligible,
			ExpiresAt:  expiresAt,
			PolicyName: policy.RecordClass,
		}
	}

	// Record is still active
	expiresAt := createdAt.AddDate(0, 0, policy.RetentionDays)
	if policy.ArchiveAfter > 0 {
		expiresAt = createdAt.AddDate(0, 0, policy.ArchiveAfter)
	}
	return RetentionStatus{
		State:      RetentionStateActive,
		ExpiresAt:  expiresAt,
		PolicyName: policy.RecordClass,
	}
}

// RetentionWindow reports the cutoff instants for one record class as of a
// reference time. Records created before ArchiveBefore are archive eligible;
// records created before PurgeBefore are purge eligible. A nil cutoff means
// the class never reaches that state.
type RetentionWindow struct {
	RecordClass   string     `json:"record_class"`
	RetentionDays int        `json:"retention_days"`
	ArchiveBefore *time.Time `json:"archive_before,omitempty"`
	PurgeBefore   *time.Time `json:"purge_before,omitempty"`
}

// Windows computes the retention cutoffs for every configured class as of
// now. Cleanup jobs feed these cutoffs directly into their delete criteria.
func (s *RetentionService) Windows(now time.Time) []RetentionWindow {
	policies := s.GetAllPolicies()
	windows := make([]RetentionWindow, 0, len(policies))
	for _, p := range policies {
		w := RetentionWindow{
			RecordClass:   p.RecordClass,
			RetentionDays: p.RetentionDays,
		}
		if p.ArchiveAfter > 0 {
			t := now.AddDate(0, 0, -p.ArchiveAfter)
			w.ArchiveBefore = &t
		}
		if p.PurgeAfter > 0 {
			t := now.AddDate(0, 0, -p.PurgeAfter)
			w.PurgeBefore = &t
		}
		windows = append(windows, w)
	}
	return windows
}
