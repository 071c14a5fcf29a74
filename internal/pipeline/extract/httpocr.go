package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// HTTPOCR sends page images to an external OCR inference service. It is the
// fallback for scanned PDFs that carry no text layer and the only adapter
// that supports image formats.
type HTTPOCR struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// HTTPOCROption configures an HTTPOCR adapter.
type HTTPOCROption func(*HTTPOCR)

// WithOCRHTTPClient overrides the default HTTP client, mainly for tests.
func WithOCRHTTPClient(c *http.Client) HTTPOCROption {
	return func(o *HTTPOCR) {
		o.client = c
	}
}

// WithOCRAPIKey sets a bearer token sent with every inference request.
func WithOCRAPIKey(key string) HTTPOCROption {
	return func(o *HTTPOCR) {
		o.apiKey = key
	}
}

func NewHTTPOCR(endpoint string, opts ...HTTPOCROption) *HTTPOCR {
	o := &HTTPOCR{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *HTTPOCR) ID() string { return "httpocr" }

func (o *HTTPOCR) Supports(f document.Format) bool {
	return f == document.FormatPDF || f == document.FormatImage
}

type ocrRequest struct {
	Page    int    `json:"page"`
	Format  string `json:"format"`
	Content []byte `json:"content"`
}

type ocrResponse struct {
	Text       string                     `json:"text"`
	Layout     map[string]document.Region `json:"layout,omitempty"`
	Confidence float64                    `json:"confidence"`
}

func (o *HTTPOCR) Attempt(ctx context.Context, page Page) (document.ExtractionResult, error) {
	body, err := json.Marshal(ocrRequest{
		Page:    page.Index,
		Format:  string(page.Format),
		Content: page.Data,
	})
	if err != nil {
		return document.ExtractionResult{}, NewFailure(FailMalformed, o.ID(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return document.ExtractionResult{}, NewFailure(FailUnavailable, o.ID(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return document.ExtractionResult{}, ctx.Err()
		}
		return document.ExtractionResult{}, NewFailure(FailUnavailable, o.ID(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read at most 1KB of the error body for diagnostics.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("ocr service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return document.ExtractionResult{}, NewFailure(FailMalformed, o.ID(), err)
		}
		return document.ExtractionResult{}, NewFailure(FailUnavailable, o.ID(), err)
	}

	var out ocrResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&out); err != nil {
		return document.ExtractionResult{}, NewFailure(FailUnavailable, o.ID(), fmt.Errorf("decoding ocr response: %w", err))
	}

	if strings.TrimSpace(out.Text) == "" {
		return document.ExtractionResult{}, NewFailure(FailMalformed, o.ID(), errNoOCRText)
	}

	return document.ExtractionResult{
		Text:       out.Text,
		Layout:     out.Layout,
		Confidence: document.Clamp01(out.Confidence),
	}, nil
}

var errNoOCRText = &ocrTextError{}

type ocrTextError struct{}

func (*ocrTextError) Error() string { return "ocr service recognized no text" }
