package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/platform/events"
)

// Outbox entry statuses.
const (
	OutboxPending   = "pending"
	OutboxDelivered = "delivered"
)

// OutboxEntry is one parked publish event. Payload holds the full signed
// envelope so a recovered delivery reuses the original event id.
type OutboxEntry struct {
	ID          uuid.UUID       `json:"id"`
	DocumentID  uuid.UUID       `json:"document_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	Status      string          `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}

// OutboxStore persists parked publish events.
type OutboxStore interface {
	Add(ctx context.Context, entry *OutboxEntry) error
	ListPending(ctx context.Context, limit int) ([]*OutboxEntry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	RecordFailure(ctx context.Context, id uuid.UUID, lastError string) error

	// TrimDelivered removes delivered entries whose delivery predates the
	// cutoff. Pending entries are never trimmed, whatever their age.
	TrimDelivered(ctx context.Context, before time.Time) (int, error)
}

// ---------------------------------------------------------------------------
// MemoryOutbox
// ---------------------------------------------------------------------------

// MemoryOutbox is a thread-safe in-memory OutboxStore for tests and
// single-process runs.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*OutboxEntry
	order   []uuid.UUID
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{entries: make(map[uuid.UUID]*OutboxEntry)}
}

func (m *MemoryOutbox) Add(_ context.Context, entry *OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries[entry.ID] = &cp
	m.order = append(m.order, entry.ID)
	return nil
}

func (m *MemoryOutbox) ListPending(_ context.Context, limit int) ([]*OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*OutboxEntry
	for _, id := range m.order {
		e := m.entries[id]
		if e == nil || e.Status != OutboxPending {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryOutbox) MarkDelivered(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("outbox entry %s not found", id)
	}
	now := time.Now().UTC()
	e.Status = OutboxDelivered
	e.DeliveredAt = &now
	return nil
}

func (m *MemoryOutbox) RecordFailure(_ context.Context, id uuid.UUID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("outbox entry %s not found", id)
	}
	e.Attempts++
	e.LastError = lastError
	return nil
}

func (m *MemoryOutbox) TrimDelivered(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []uuid.UUID
	trimmed := 0
	for _, id := range m.order {
		e := m.entries[id]
		if e != nil && e.Status == OutboxDelivered && e.DeliveredAt != nil && e.DeliveredAt.Before(before) {
			delete(m.entries, id)
			trimmed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return trimmed, nil
}

// Entry returns a copy of one entry for inspection.
func (m *MemoryOutbox) Entry(id uuid.UUID) (*OutboxEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// ---------------------------------------------------------------------------
// Retrier
// ---------------------------------------------------------------------------

// DefaultRetryBatch bounds how many pending entries one recovery pass takes.
const DefaultRetryBatch = 50

// Retrier re-delivers parked publish events. It backs both the background
// recovery loop and the outbox retry command.
type Retrier struct {
	outbox     OutboxStore
	dispatcher *events.Dispatcher
	batch      int
	logger     zerolog.Logger
}

type RetrierOption func(*Retrier)

// WithRetryBatch overrides the per-pass batch size.
func WithRetryBatch(n int) RetrierOption {
	return func(r *Retrier) { r.batch = n }
}

func WithRetrierLogger(logger zerolog.Logger) RetrierOption {
	return func(r *Retrier) { r.logger = logger }
}

func NewRetrier(outbox OutboxStore, dispatcher *events.Dispatcher, opts ...RetrierOption) *Retrier {
	r := &Retrier{
		outbox:     outbox,
		dispatcher: dispatcher,
		batch:      DefaultRetryBatch,
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RunOnce takes one batch of pending entries and attempts re-delivery.
// Entries that deliver are resolved; the rest stay pending with the failure
// recorded. Pending entries survive any number of passes.
func (r *Retrier) RunOnce(ctx context.Context) (delivered, failed int, err error) {
	pending, err := r.outbox.ListPending(ctx, r.batch)
	if err != nil {
		return 0, 0, fmt.Errorf("list pending outbox entries: %w", err)
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return delivered, failed, ctx.Err()
		}

		var ev events.Event
		if uerr := json.Unmarshal(entry.Payload, &ev); uerr != nil {
			failed++
			r.outbox.RecordFailure(ctx, entry.ID, fmt.Sprintf("corrupt payload: %v", uerr))
			r.logger.Error().Err(uerr).Stringer("entry_id", entry.ID).Msg("outbox entry payload corrupt")
			continue
		}

		if derr := r.dispatcher.Dispatch(ctx, ev); derr != nil {
			failed++
			r.outbox.RecordFailure(ctx, entry.ID, derr.Error())
			continue
		}
		if merr := r.outbox.MarkDelivered(ctx, entry.ID); merr != nil {
			r.logger.Error().Err(merr).Stringer("entry_id", entry.ID).Msg("outbox entry delivered but not resolved")
		}
		delivered++
		r.logger.Info().
			Stringer("entry_id", entry.ID).
			Stringer("doc_id", entry.DocumentID).
			Int("attempts", entry.Attempts+1).
			Msg("parked publish recovered")
	}
	return delivered, failed, nil
}

// Run drives RunOnce on the given interval until ctx is canceled.
func (r *Retrier) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("outbox recovery pass failed")
			}
		}
	}
}
