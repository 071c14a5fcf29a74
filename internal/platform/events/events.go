// Package events delivers pipeline lifecycle events to configured sinks.
// Payloads are signed with HMAC-SHA256, every delivery is recorded as an
// attempt, and failed deliveries are retried on a bounded schedule, giving
// downstream consumers at-least-once semantics. Sinks are wired from
// configuration at startup; there is no runtime registration surface.
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Topics
// ---------------------------------------------------------------------------

// Pipeline lifecycle topics. Every event carries exactly one of these.
const (
	TopicDocumentReceived       = "document.received"
	TopicDocumentPublished      = "document.published"
	TopicDocumentReview         = "document.review"
	TopicDocumentFailed         = "document.failed"
	TopicDocumentPublishPending = "document.publish_pending"
	TopicReviewResolved         = "document.review.resolved"
)

// Topics lists every topic the pipeline emits.
func Topics() []string {
	return []string{
		TopicDocumentReceived,
		TopicDocumentPublished,
		TopicDocumentReview,
		TopicDocumentFailed,
		TopicDocumentPublishPending,
		TopicReviewResolved,
	}
}

// ValidTopic reports whether t is a known pipeline topic.
func ValidTopic(t string) bool {
	for _, known := range Topics() {
		if t == known {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Event envelope
// ---------------------------------------------------------------------------

// Event is the envelope delivered to sinks.
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"event_type"`
	DocumentID    string          `json:"document_id"`
	CorrelationID string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an envelope for the given topic, marshalling payload as the
// event body. The document id doubles as the idempotency key on delivery.
func NewEvent(eventType, documentID, correlationID string, payload any) (Event, error) {
	if !ValidTopic(eventType) {
		return Event{}, fmt.Errorf("unknown event topic %q", eventType)
	}
	var body json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal event payload: %w", err)
		}
		body = b
	}
	return Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		DocumentID:    documentID,
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		Payload:       body,
	}, nil
}

// DeliveryAttempt records a single delivery attempt against a sink.
type DeliveryAttempt struct {
	ID           string        `json:"id"`
	SinkID       string        `json:"sink_id"`
	EventID      string        `json:"event_id"`
	EventType    string        `json:"event_type"`
	Signature    string        `json:"signature"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Attempt      int           `json:"attempt"`
	Status       string        `json:"status"` // "success" or "failed"
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the HMAC-SHA256 of
// payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ---------------------------------------------------------------------------
// Sink
// ---------------------------------------------------------------------------

// Sink consumes pipeline events. Emit returns nil only after the event is
// accepted; implementations own their retry policy.
type Sink interface {
	ID() string
	Emit(ctx context.Context, ev Event) error
}

// ---------------------------------------------------------------------------
// HTTPSink
// ---------------------------------------------------------------------------

// SinkOption configures an HTTPSink.
type SinkOption func(*HTTPSink)

// WithSinkHTTPClient overrides the HTTP client used for deliveries.
func WithSinkHTTPClient(c *http.Client) SinkOption {
	return func(s *HTTPSink) { s.client = c }
}

// WithRetryDelays replaces the backoff schedule. One delay per retry; the
// schedule length bounds the retries.
func WithRetryDelays(delays ...time.Duration) SinkOption {
	return func(s *HTTPSink) { s.retryDelays = delays }
}

// WithSinkLogger attaches a logger for delivery outcomes.
func WithSinkLogger(logger zerolog.Logger) SinkOption {
	return func(s *HTTPSink) { s.logger = logger }
}

// HTTPSink POSTs signed event envelopes to a single configured URL.
type HTTPSink struct {
	id          string
	url         string
	secret      string
	client      *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger

	mu       sync.Mutex
	attempts []DeliveryAttempt
}

// maxAttemptLog bounds the in-memory delivery log.
const maxAttemptLog = 256

// NewHTTPSink builds a sink for the given URL. The default schedule retries
// twice, 1s then 30s after the initial attempt; a third retry at 5m applies
// when the schedule is extended.
func NewHTTPSink(id, rawURL, secret string, opts ...SinkOption) (*HTTPSink, error) {
	if err := validateSinkURL(rawURL); err != nil {
		return nil, err
	}
	s := &HTTPSink{
		id:          id,
		url:         rawURL,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{1 * time.Second, 30 * time.Second, 5 * time.Minute},
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func validateSinkURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("sink url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid sink url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("sink url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func (s *HTTPSink) ID() string { return s.id }

// URL reports the delivery target.
func (s *HTTPSink) URL() string { return s.url }

// Emit delivers the event, retrying on the configured schedule. It returns
// nil on the first accepted delivery and the last attempt's error once the
// schedule is exhausted or the context is canceled.
func (s *HTTPSink) Emit(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	var lastErr error
	for attempt := 1; attempt <= len(s.retryDelays)+1; attempt++ {
		rec := s.deliverOnce(ctx, ev, payload, attempt)
		s.record(rec)
		if rec.Status == "success" {
			return nil
		}
		lastErr = fmt.Errorf("deliver event %s to sink %s: %s", ev.ID, s.id, rec.Error)
		s.logger.Warn().
			Str("sink", s.id).
			Str("event_id", ev.ID).
			Str("event_type", ev.Type).
			Int("attempt", attempt).
			Str("error", rec.Error).
			Msg("event delivery failed")

		if attempt > len(s.retryDelays) {
			break
		}
		if err := sleepCtx(ctx, s.retryDelays[attempt-1]); err != nil {
			return err
		}
	}
	return lastErr
}

// deliverOnce performs one signed POST and records the outcome.
func (s *HTTPSink) deliverOnce(ctx context.Context, ev Event, payload []byte, attempt int) DeliveryAttempt {
	sig := SignPayload(payload, s.secret)
	rec := DeliveryAttempt{
		ID:        uuid.New().String(),
		SinkID:    s.id,
		EventID:   ev.ID,
		EventType: ev.Type,
		Signature: sig,
		Attempt:   attempt,
		Status:    "failed",
		CreatedAt: time.Now().UTC(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	req.Header.Set("X-Event-ID", ev.ID)
	req.Header.Set("X-Event-Type", ev.Type)
	req.Header.Set("X-Idempotency-Key", ev.DocumentID)
	req.Header.Set("X-Event-Timestamp", rec.CreatedAt.Format(time.RFC3339))

	start := time.Now()
	resp, err := s.client.Do(req)
	rec.Duration = time.Since(start)
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	defer resp.Body.Close()

	rec.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	rec.ResponseBody = string(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		rec.Status = "success"
		rec.Error = ""
		return rec
	}
	rec.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	return rec
}

func (s *HTTPSink) record(rec DeliveryAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, rec)
	if len(s.attempts) > maxAttemptLog {
		s.attempts = s.attempts[len(s.attempts)-maxAttemptLog:]
	}
}

// RecentAttempts returns a copy of the retained delivery log, oldest first.
func (s *HTTPSink) RecentAttempts() []DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeliveryAttempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

// sleepCtx waits d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ---------------------------------------------------------------------------
// MemorySink
// ---------------------------------------------------------------------------

// MemorySink retains emitted events in memory. It backs tests and local runs
// without an external consumer.
type MemorySink struct {
	id string

	mu     sync.Mutex
	events []Event
	err    error
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink(id string) *MemorySink {
	return &MemorySink{id: id}
}

func (s *MemorySink) ID() string { return s.id }

func (s *MemorySink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

// SetError forces subsequent Emit calls to fail with err; nil restores
// normal operation.
func (s *MemorySink) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Events returns a copy of everything emitted so far, oldest first.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsOfType filters retained events by topic.
func (s *MemorySink) EventsOfType(eventType string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// subscription binds a sink to the topic patterns it consumes.
type subscription struct {
	sink     Sink
	patterns []string
}

// Dispatcher fans events out to every sink whose subscription matches the
// topic. Registration happens at startup; Dispatch is safe for concurrent
// use afterwards.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   []subscription
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher with no subscriptions.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// Register subscribes the sink to the given topic patterns. Patterns are
// exact topics, "document.*" prefixes, or "*.failed" suffixes; no patterns
// subscribes to everything.
func (d *Dispatcher) Register(sink Sink, patterns ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, subscription{sink: sink, patterns: patterns})
}

// Dispatch delivers the event to every matching sink. It returns the first
// delivery error after attempting all sinks, so a failed sink never starves
// the others.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	d.mu.RLock()
	subs := make([]subscription, len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	var firstErr error
	for _, sub := range subs {
		if !subscriptionMatches(sub.patterns, ev.Type) {
			continue
		}
		if err := sub.sink.Emit(ctx, ev); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			d.logger.Error().
				Err(err).
				Str("sink", sub.sink.ID()).
				Str("event_id", ev.ID).
				Str("event_type", ev.Type).
				Msg("event dispatch failed")
		}
	}
	return firstErr
}

func subscriptionMatches(patterns []string, eventType string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pat := range patterns {
		if topicMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// topicMatches supports exact topics and single-sided wildcards:
// "document.*" matches by prefix, "*.failed" by suffix.
func topicMatches(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(eventType, pattern[1:])
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}
