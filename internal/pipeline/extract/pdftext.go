package extract

import (
	"bytes"
	"context"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// PDFText extracts the native text layer of born-digital PDFs. It is the
// cheapest tier in the chain: no inference call, deterministic output, but
// useless for scanned pages, which it reports as malformed input so the
// chain falls through to OCR.
type PDFText struct{}

func NewPDFText() *PDFText { return &PDFText{} }

func (p *PDFText) ID() string { return "pdftext" }

func (p *PDFText) Supports(f document.Format) bool { return f == document.FormatPDF }

func (p *PDFText) Attempt(ctx context.Context, page Page) (document.ExtractionResult, error) {
	if err := ctx.Err(); err != nil {
		return document.ExtractionResult{}, err
	}

	reader, err := pdf.NewReader(bytes.NewReader(page.Data), int64(len(page.Data)))
	if err != nil {
		return document.ExtractionResult{}, NewFailure(FailMalformed, p.ID(), err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		pg := reader.Page(i)
		if pg.V.IsNull() {
			continue
		}
		text, err := pg.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		// No text layer: scanned or image-only page.
		return document.ExtractionResult{}, NewFailure(FailMalformed, p.ID(),
			errNoTextLayer)
	}

	return document.ExtractionResult{
		Text:       text,
		Confidence: heuristicConfidence(text),
	}, nil
}

var errNoTextLayer = &noTextLayerError{}

type noTextLayerError struct{}

func (*noTextLayerError) Error() string { return "pdf has no extractable text layer" }
