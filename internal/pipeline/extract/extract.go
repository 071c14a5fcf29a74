package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// FailureKind classifies why an extraction attempt failed.
type FailureKind string

const (
	FailTimeout       FailureKind = "timeout"
	FailMalformed     FailureKind = "malformed_input"
	FailUnavailable   FailureKind = "unavailable"
	FailLowConfidence FailureKind = "low_confidence"
	FailExhausted     FailureKind = "exhausted"
)

// Failure is a tagged extraction failure. Adapters return it from Attempt;
// the chain returns it with kind exhausted once every adapter has failed.
type Failure struct {
	Kind      FailureKind
	Extractor string
	Page      int
	Err       error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("extraction failure (%s)", f.Kind)
	if f.Extractor != "" {
		msg += fmt.Sprintf(" extractor=%s", f.Extractor)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure builds a tagged failure for the given adapter.
func NewFailure(kind FailureKind, extractor string, err error) *Failure {
	return &Failure{Kind: kind, Extractor: extractor, Err: err}
}

// IsExhausted reports whether err is an exhausted-chain failure, the fatal
// terminal state for a document.
func IsExhausted(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == FailExhausted
}

// Page is one page's payload handed to the chain.
type Page struct {
	Index  int
	Format document.Format
	Data   []byte
}

// Adapter is one extractor in the chain. Supports is the capability check;
// Attempt produces a result or a tagged failure. Adapters do not retry
// internally unless that is invisible to the chain.
type Adapter interface {
	ID() string
	Supports(f document.Format) bool
	Attempt(ctx context.Context, page Page) (document.ExtractionResult, error)
}

// Chain tries adapters in priority order and stops at the first success.
type Chain struct {
	adapters []Adapter
	floor    float64
	timeout  time.Duration
	logger   zerolog.Logger
}

type ChainOption func(*Chain)

// WithConfidenceFloor sets the confidence below which a success is treated
// as a failure for fallback purposes.
func WithConfidenceFloor(floor float64) ChainOption {
	return func(c *Chain) { c.floor = floor }
}

// WithAttemptTimeout bounds each adapter attempt.
func WithAttemptTimeout(d time.Duration) ChainOption {
	return func(c *Chain) { c.timeout = d }
}

func WithLogger(logger zerolog.Logger) ChainOption {
	return func(c *Chain) { c.logger = logger }
}

// DefaultConfidenceFloor is the default low-confidence cutoff. Below it an
// extractor's success still forces trial of the next extractor.
const DefaultConfidenceFloor = 0.60

func NewChain(adapters []Adapter, opts ...ChainOption) *Chain {
	c := &Chain{
		adapters: adapters,
		floor:    DefaultConfidenceFloor,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExtractPage runs the chain for one page. It returns the first adequate
// result, tagged with the producing adapter's identifier. A low-confidence
// result is kept aside and returned flagged only when no later adapter
// produces an adequate one. When no adapter produces any result the page
// fails with kind exhausted.
func (c *Chain) ExtractPage(ctx context.Context, page Page) (document.ExtractionResult, error) {
	var lastLow *document.ExtractionResult
	attempted := 0

	for _, a := range c.adapters {
		if !a.Supports(page.Format) {
			continue
		}
		attempted++

		res, err := c.attempt(ctx, a, page)
		if err != nil {
			c.logger.Debug().
				Str("extractor", a.ID()).
				Int("page", page.Index).
				Err(err).
				Msg("extractor attempt failed")
			if ctx.Err() != nil {
				// Run-level cancellation, not an adapter fault.
				return document.ExtractionResult{}, ctx.Err()
			}
			continue
		}

		res.Page = page.Index
		res.Extractor = a.ID()
		res.Confidence = document.Clamp01(res.Confidence)

		if res.Confidence < c.floor {
			c.logger.Debug().
				Str("extractor", a.ID()).
				Int("page", page.Index).
				Float64("confidence", res.Confidence).
				Float64("floor", c.floor).
				Msg("extraction below confidence floor, falling back")
			low := res
			lastLow = &low
			continue
		}
		return res, nil
	}

	if lastLow != nil {
		lastLow.LowConfidence = true
		return *lastLow, nil
	}

	f := &Failure{Kind: FailExhausted, Page: page.Index}
	if attempted == 0 {
		f.Err = fmt.Errorf("no extractor supports format %q", page.Format)
	} else {
		f.Err = fmt.Errorf("all %d extractors failed", attempted)
	}
	return document.ExtractionResult{}, f
}

// attempt runs one adapter under the chain's timeout. The adapter receives
// the deadline through its context; if it overruns anyway the chain abandons
// the call and records a timeout failure.
func (c *Chain) attempt(ctx context.Context, a Adapter, page Page) (document.ExtractionResult, error) {
	if c.timeout <= 0 {
		return a.Attempt(ctx, page)
	}

	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		res document.ExtractionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := a.Attempt(actx, page)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return document.ExtractionResult{}, NewFailure(FailTimeout, a.ID(), out.err)
		}
		return out.res, out.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return document.ExtractionResult{}, ctx.Err()
		}
		return document.ExtractionResult{}, NewFailure(FailTimeout, a.ID(), actx.Err())
	}
}

// ExtractDocument paginates the payload and runs the chain page by page.
// Cancellation is checked between pages, never mid-attempt. Any page
// exhausting the chain fails the document.
func (c *Chain) ExtractDocument(ctx context.Context, format document.Format, payload []byte) ([]document.ExtractionResult, error) {
	pages, err := Paginate(format, payload)
	if err != nil {
		return nil, NewFailure(FailMalformed, "", err)
	}

	results := make([]document.ExtractionResult, 0, len(pages))
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := c.ExtractPage(ctx, page)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}
