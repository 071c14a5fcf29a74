package classify

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

// HTTPClassify calls an external model service. The service must answer
// from the same versioned label set this build compiles against; any
// other label or set version is a classification failure, never a
// silently accepted foreign label.
type HTTPClassify struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type HTTPClassifyOption func(*HTTPClassify)

func WithClassifyHTTPClient(c *http.Client) HTTPClassifyOption {
	return func(h *HTTPClassify) { h.client = c }
}

func WithClassifyAPIKey(key string) HTTPClassifyOption {
	return func(h *HTTPClassify) { h.apiKey = key }
}

func NewHTTPClassify(endpoint string, opts ...HTTPClassifyOption) *HTTPClassify {
	h := &HTTPClassify{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPClassify) ID() string { return "httpclassify" }

type classifyRequest struct {
	Text     string `json:"text"`
	LabelSet string `json:"label_set"`
}

type classifyResponse struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	LabelSet   string  `json:"label_set"`
	Model      string  `json:"model,omitempty"`
}

func (h *HTTPClassify) Classify(ctx context.Context, text string) (document.Classification, error) {
	body, err := json.Marshal(classifyRequest{Text: text, LabelSet: document.LabelSetVersion})
	if err != nil {
		return document.Classification{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return document.Classification{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return document.Classification{}, ctx.Err()
		}
		return document.Classification{}, fmt.Errorf("classifier service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return document.Classification{}, fmt.Errorf("classifier service returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out classifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return document.Classification{}, fmt.Errorf("decoding classifier response: %w", err)
	}

	if out.LabelSet != document.LabelSetVersion {
		return document.Classification{}, fmt.Errorf("classifier label set %q does not match %q",
			out.LabelSet, document.LabelSetVersion)
	}
	label := document.Type(out.Label)
	if !label.Valid() {
		return document.Classification{}, fmt.Errorf("classifier returned label %q outside the label set", out.Label)
	}

	return document.Classification{
		Label:        label,
		Confidence:   document.Clamp01(out.Confidence),
		ClassifierID: h.ID(),
		LabelSet:     out.LabelSet,
	}, nil
}
