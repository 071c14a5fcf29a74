package review

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/pipeline/document"
	"github.com/docgate/docgate/internal/platform/events"
	"github.com/docgate/docgate/internal/platform/notification"
)

// ===================== In-memory fakes =====================

type memRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*ReviewItem
}

func newMemRepo() *memRepo { return &memRepo{items: map[uuid.UUID]*ReviewItem{}} }

func (m *memRepo) Create(_ context.Context, item *ReviewItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = StatusOpen
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (m *memRepo) GetByDocument(_ context.Context, docID uuid.UUID) (*ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.DocumentID == docID {
			cp := *it
			return &cp, nil
		}
	}
	return nil, ErrItemNotFound
}

func (m *memRepo) List(_ context.Context, f Filter, limit, offset int) ([]*ReviewItem, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*ReviewItem
	for _, it := range m.items {
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		if f.Label != "" && string(it.Label) != f.Label {
			continue
		}
		if f.Reason != "" && !containsReason(it.Reasons, f.Reason) {
			continue
		}
		cp := *it
		all = append(all, &cp)
	}
	total := len(all)
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func containsReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}

func (m *memRepo) Update(_ context.Context, item *ReviewItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; !ok {
		return ErrItemNotFound
	}
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *memRepo) OpenOlderThan(_ context.Context, cutoff time.Time) ([]*ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ReviewItem
	for _, it := range m.items {
		if it.Status == StatusOpen && it.CreatedAt.Before(cutoff) {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memRepo) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type deliverCall struct {
	doc document.Document
	res *document.PipelineResult
}

type fakeDeliverer struct {
	mu    sync.Mutex
	calls []deliverCall
	state document.PublishState
	err   error
}

func (f *fakeDeliverer) Deliver(_ context.Context, doc document.Document, res *document.PipelineResult) (document.PublishState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deliverCall{doc: doc, res: res})
	if f.err != nil {
		return document.PublishNone, f.err
	}
	return f.state, nil
}

func (f *fakeDeliverer) delivered() []deliverCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deliverCall(nil), f.calls...)
}

type fakeResults struct {
	res *document.PipelineResult
	err error
}

func (f *fakeResults) GetByDocument(_ context.Context, _ uuid.UUID) (*document.PipelineResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.res
	return &cp, nil
}

type templateCall struct {
	templateID string
	data       map[string]string
	recipient  string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []templateCall
}

func (f *fakeNotifier) SendFromTemplate(_ context.Context, templateID string, data map[string]string, recipient string) (*notification.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, templateCall{templateID: templateID, data: data, recipient: recipient})
	return &notification.Notification{}, nil
}

func (f *fakeNotifier) sent() []templateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]templateCall(nil), f.calls...)
}

// ===================== Fixtures =====================

type fixture struct {
	svc       *Service
	repo      *memRepo
	deliverer *fakeDeliverer
	results   *fakeResults
	sink      *events.MemorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemRepo()
	deliverer := &fakeDeliverer{state: document.PublishDone}
	results := &fakeResults{}
	sink := events.NewMemorySink("test")
	dispatcher := events.NewDispatcher(zerolog.Nop())
	dispatcher.Register(sink)
	svc := NewService(repo, results, deliverer, dispatcher, zerolog.Nop())
	return &fixture{svc: svc, repo: repo, deliverer: deliverer, results: results, sink: sink}
}

func reviewDoc() document.Document {
	return document.Document{
		ID:            uuid.New(),
		CorrelationID: "corr-review",
		Format:        document.FormatText,
		PageCount:     1,
		Source:        "fax-gateway",
		ReceivedAt:    time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC),
	}
}

func reviewResult(docID uuid.UUID) *document.PipelineResult {
	return &document.PipelineResult{
		ID:         uuid.New(),
		DocumentID: docID,
		Classification: &document.Classification{
			Label:        document.TypePriorAuthorization,
			Confidence:   0.55,
			ClassifierID: "ensemble-v2",
			LabelSet:     document.LabelSetVersion,
		},
		Record: &document.NormalizedRecord{
			Type:          document.TypePriorAuthorization,
			SchemaVersion: "v1",
			Fields: []document.Field{
				{Name: "auth_number", Value: "PA-2026-0042", Confidence: 0.9},
			},
			Absent: []string{"member_id"},
		},
		Verdict: &document.QualityVerdict{
			IsAnomaly:      true,
			RuleViolations: []string{"missing required field: member_id"},
		},
		Decision: document.RoutingDecision{
			Destination: document.DestReviewQueue,
			Reason:      document.ReasonLowClassificationConfidence,
			Reasons: []string{
				document.ReasonLowClassificationConfidence,
				document.ReasonRuleViolations,
			},
		},
	}
}

func enqueued(t *testing.T, f *fixture) (document.Document, *ReviewItem) {
	t.Helper()
	doc := reviewDoc()
	res := reviewResult(doc.ID)
	f.results.res = res
	if err := f.svc.Enqueue(context.Background(), doc, res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	item, err := f.repo.GetByDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return doc, item
}

// ===================== Tests =====================

func TestService_Enqueue_CreatesItem(t *testing.T) {
	f := newFixture(t)
	doc, item := enqueued(t, f)

	if item.Status != StatusOpen {
		t.Errorf("expected open, got %s", item.Status)
	}
	if item.Label != document.TypePriorAuthorization {
		t.Errorf("expected prior_authorization, got %s", item.Label)
	}
	if item.Confidence != 0.55 {
		t.Errorf("expected confidence 0.55, got %v", item.Confidence)
	}
	if len(item.Reasons) != 2 || item.Reasons[0] != document.ReasonLowClassificationConfidence {
		t.Errorf("unexpected reasons: %v", item.Reasons)
	}
	if len(item.Violations) != 1 || item.Violations[0] != "missing required field: member_id" {
		t.Errorf("unexpected violations: %v", item.Violations)
	}
	if item.CorrelationID != "corr-review" {
		t.Errorf("expected correlation corr-review, got %s", item.CorrelationID)
	}
	if item.Document.ID != doc.ID {
		t.Errorf("expected document snapshot id %s, got %s", doc.ID, item.Document.ID)
	}
}

func TestService_Enqueue_SecondIsNoOp(t *testing.T) {
	f := newFixture(t)
	doc := reviewDoc()
	res := reviewResult(doc.ID)
	for i := 0; i < 2; i++ {
		if err := f.svc.Enqueue(context.Background(), doc, res); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if f.repo.len() != 1 {
		t.Errorf("expected 1 item, got %d", f.repo.len())
	}
}

func TestService_Claim(t *testing.T) {
	f := newFixture(t)
	_, item := enqueued(t, f)

	claimed, err := f.svc.Claim(context.Background(), item.ID, "rev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed.Status != StatusClaimed {
		t.Errorf("expected claimed, got %s", claimed.Status)
	}
	if claimed.ClaimedBy != "rev-1" || claimed.ClaimedAt == nil {
		t.Errorf("claim not recorded: %+v", claimed)
	}

	if _, err := f.svc.Claim(context.Background(), item.ID, "rev-2"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
}

func TestService_Release(t *testing.T) {
	f := newFixture(t)
	_, item := enqueued(t, f)

	if _, err := f.svc.Release(context.Background(), item.ID); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("expected ErrNotClaimed, got %v", err)
	}
	if _, err := f.svc.Claim(context.Background(), item.ID, "rev-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	released, err := f.svc.Release(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if released.Status != StatusOpen || released.ClaimedBy != "" || released.ClaimedAt != nil {
		t.Errorf("release not recorded: %+v", released)
	}
}

func TestService_Resolve_ApproveRepublishes(t *testing.T) {
	f := newFixture(t)
	doc, item := enqueued(t, f)
	if _, err := f.svc.Claim(context.Background(), item.ID, "rev-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resolved, err := f.svc.Resolve(context.Background(), item.ID, "rev-1", ResolutionApproved, "fields verified by phone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.Resolution != ResolutionApproved {
		t.Errorf("resolution not recorded: %+v", resolved)
	}
	if resolved.ResolvedBy != "rev-1" || resolved.ResolvedAt == nil {
		t.Errorf("resolver not recorded: %+v", resolved)
	}

	calls := f.deliverer.delivered()
	if len(calls) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(calls))
	}
	if calls[0].doc.ID != doc.ID {
		t.Errorf("expected document %s republished, got %s", doc.ID, calls[0].doc.ID)
	}
	if calls[0].res.Decision.Destination != document.DestAutoPublish {
		t.Errorf("expected auto_publish routing, got %s", calls[0].res.Decision.Destination)
	}
	if calls[0].res.Decision.Reason != ApprovedReason {
		t.Errorf("expected approval reason, got %q", calls[0].res.Decision.Reason)
	}

	resolvedEvents := f.sink.EventsOfType(events.TopicReviewResolved)
	if len(resolvedEvents) != 1 {
		t.Fatalf("expected 1 resolved event, got %d", len(resolvedEvents))
	}
	if resolvedEvents[0].DocumentID != doc.ID.String() {
		t.Errorf("expected event for %s, got %s", doc.ID, resolvedEvents[0].DocumentID)
	}
}

func TestService_Resolve_RejectSkipsPublisher(t *testing.T) {
	f := newFixture(t)
	_, item := enqueued(t, f)
	if _, err := f.svc.Claim(context.Background(), item.ID, "rev-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resolved, err := f.svc.Resolve(context.Background(), item.ID, "rev-1", ResolutionRejected, "not a valid request")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Resolution != ResolutionRejected {
		t.Errorf("expected rejected, got %s", resolved.Resolution)
	}
	if len(f.deliverer.delivered()) != 0 {
		t.Errorf("expected no publish on rejection")
	}
	if got := len(f.sink.EventsOfType(events.TopicReviewResolved)); got != 1 {
		t.Errorf("expected 1 resolved event, got %d", got)
	}
}

func TestService_Resolve_RequiresClaim(t *testing.T) {
	f := newFixture(t)
	_, item := enqueued(t, f)

	if _, err := f.svc.Resolve(context.Background(), item.ID, "rev-1", ResolutionApproved, ""); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("expected ErrNotClaimed, got %v", err)
	}
}

func TestService_Resolve_InvalidResolution(t *testing.T) {
	f := newFixture(t)
	_, item := enqueued(t, f)
	if _, err := f.svc.Claim(context.Background(), item.ID, "rev-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := f.svc.Resolve(context.Background(), item.ID, "rev-1", "maybe", ""); !errors.Is(err, ErrInvalidResolution) {
		t.Errorf("expected ErrInvalidResolution, got %v", err)
	}
}

func TestService_Resolve_RepublishFailureKeepsClaimed(t *testing.T) {
	f := newFixture(t)
	_, item := enqueued(t, f)
	if _, err := f.svc.Claim(context.Background(), item.ID, "rev-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.deliverer.err = errors.New("sink unreachable")

	if _, err := f.svc.Resolve(context.Background(), item.ID, "rev-1", ResolutionApproved, ""); err == nil {
		t.Fatal("expected republish error")
	}
	after, err := f.repo.GetByID(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after.Status != StatusClaimed {
		t.Errorf("expected item to stay claimed, got %s", after.Status)
	}
	if got := len(f.sink.EventsOfType(events.TopicReviewResolved)); got != 0 {
		t.Errorf("expected no resolved event, got %d", got)
	}
}

func TestService_Overdue(t *testing.T) {
	f := newFixture(t)
	old := &ReviewItem{DocumentID: uuid.New(), Status: StatusOpen, CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := &ReviewItem{DocumentID: uuid.New(), Status: StatusOpen, CreatedAt: time.Now().UTC()}
	for _, it := range []*ReviewItem{old, fresh} {
		if err := f.repo.Create(context.Background(), it); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	overdue, err := f.svc.Overdue(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != old.ID {
		t.Errorf("expected only the old item, got %d items", len(overdue))
	}
}

func TestSLAWatcher_RunOnce(t *testing.T) {
	f := newFixture(t)
	notifier := &fakeNotifier{}
	watcher := NewSLAWatcher(f.svc, notifier, "review-team@docgate.example", WithSLAMaxAge(24*time.Hour))

	n, err := watcher.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 || len(notifier.sent()) != 0 {
		t.Fatalf("expected quiet pass, got n=%d calls=%d", n, len(notifier.sent()))
	}

	old := &ReviewItem{DocumentID: uuid.New(), Status: StatusOpen, CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	if err := f.repo.Create(context.Background(), old); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err = watcher.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 overdue item, got %d", n)
	}
	sent := notifier.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(sent))
	}
	if sent[0].templateID != "review-sla-breach" {
		t.Errorf("expected sla template, got %s", sent[0].templateID)
	}
	if sent[0].recipient != "review-team@docgate.example" {
		t.Errorf("unexpected recipient %s", sent[0].recipient)
	}
	if sent[0].data["count"] != "1" || sent[0].data["hours"] != "24" {
		t.Errorf("unexpected template data: %v", sent[0].data)
	}
	if sent[0].data["oldest_id"] != old.ID.String() {
		t.Errorf("expected oldest id %s, got %s", old.ID, sent[0].data["oldest_id"])
	}
}
