package extract

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// PlainText handles documents that arrive as raw text, typically SFTP drops
// from clearinghouses. There is nothing to decode, so the attempt succeeds
// whenever the payload is valid UTF-8 with visible content.
type PlainText struct{}

func NewPlainText() *PlainText { return &PlainText{} }

func (p *PlainText) ID() string { return "plaintext" }

func (p *PlainText) Supports(f document.Format) bool { return f == document.FormatText }

func (p *PlainText) Attempt(ctx context.Context, page Page) (document.ExtractionResult, error) {
	if err := ctx.Err(); err != nil {
		return document.ExtractionResult{}, err
	}

	if !utf8.Valid(page.Data) {
		return document.ExtractionResult{}, NewFailure(FailMalformed, p.ID(), errNotUTF8)
	}

	text := strings.TrimSpace(string(page.Data))
	if text == "" {
		return document.ExtractionResult{}, NewFailure(FailMalformed, p.ID(), errEmptyText)
	}

	return document.ExtractionResult{
		Text:       text,
		Confidence: heuristicConfidence(text),
	}, nil
}

var (
	errNotUTF8   = &plainTextError{"payload is not valid utf-8"}
	errEmptyText = &plainTextError{"payload contains no visible text"}
)

type plainTextError struct{ msg string }

func (e *plainTextError) Error() string { return e.msg }
