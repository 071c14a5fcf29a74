package extract

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// Paginate splits a document payload into per-page payloads. PDFs are split
// into single-page PDFs so each page gets exactly one authoritative
// extraction; every other format is a single page.
func Paginate(format document.Format, payload []byte) ([]Page, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if format != document.FormatPDF {
		return []Page{{Index: 1, Format: format, Data: payload}}, nil
	}
	return splitPDF(payload)
}

// PageCount reports the page count of a payload without splitting it.
func PageCount(format document.Format, payload []byte) (int, error) {
	if format != document.FormatPDF {
		return 1, nil
	}
	conf := model.NewDefaultConfiguration()
	n, err := api.PageCount(bytes.NewReader(payload), conf)
	if err != nil {
		return 0, fmt.Errorf("pdf page count: %w", err)
	}
	return n, nil
}

func splitPDF(payload []byte) ([]Page, error) {
	conf := model.NewDefaultConfiguration()

	n, err := api.PageCount(bytes.NewReader(payload), conf)
	if err != nil {
		return nil, fmt.Errorf("pdf page count: %w", err)
	}
	if n < 1 {
		return nil, fmt.Errorf("pdf has no pages")
	}
	if n == 1 {
		return []Page{{Index: 1, Format: document.FormatPDF, Data: payload}}, nil
	}

	pages := make([]Page, 0, n)
	for i := 1; i <= n; i++ {
		var buf bytes.Buffer
		sel := []string{strconv.Itoa(i)}
		if err := api.Trim(bytes.NewReader(payload), &buf, sel, conf); err != nil {
			return nil, fmt.Errorf("split pdf page %d: %w", i, err)
		}
		pages = append(pages, Page{Index: i, Format: document.FormatPDF, Data: buf.Bytes()})
	}
	return pages, nil
}
