package extract

import (
	"context"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// HTMLText handles HTML-sourced documents: payer portal pages and email
// gateway submissions. Markup is sanitized before conversion so script and
// style content never reaches the text output.
type HTMLText struct {
	policy *bluemonday.Policy
	conv   *converter.Converter
}

func NewHTMLText() *HTMLText {
	return &HTMLText{
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

func (h *HTMLText) ID() string { return "htmltext" }

func (h *HTMLText) Supports(f document.Format) bool { return f == document.FormatHTML }

func (h *HTMLText) Attempt(ctx context.Context, page Page) (document.ExtractionResult, error) {
	if err := ctx.Err(); err != nil {
		return document.ExtractionResult{}, err
	}

	clean := h.policy.Sanitize(string(page.Data))
	text, err := h.conv.ConvertString(clean)
	if err != nil {
		return document.ExtractionResult{}, NewFailure(FailMalformed, h.ID(), err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return document.ExtractionResult{}, NewFailure(FailMalformed, h.ID(), errEmptyHTML)
	}

	return document.ExtractionResult{
		Text:       text,
		Confidence: heuristicConfidence(text),
	}, nil
}

var errEmptyHTML = &emptyHTMLError{}

type emptyHTMLError struct{}

func (*emptyHTMLError) Error() string { return "html document contains no text content" }
