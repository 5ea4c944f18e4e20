// Package pdf turns downloaded PDF documents into text the extraction
// pipeline can treat like an HTML page.
package pdf

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

// Extractor reads plain text from PDF bytes.
type Extractor struct {
	maxPages int
	log      *logrus.Entry
}

// NewExtractor creates an Extractor. maxPages <= 0 reads every page.
func NewExtractor(maxPages int, log *logrus.Entry) *Extractor {
	return &Extractor{maxPages: maxPages, log: log.WithField("component", "pdf")}
}

// Text returns the concatenated page text. Unreadable pages are skipped;
// a document with no text at all yields ErrNoExtractableText.
func (e *Extractor) Text(data []byte) (text string, err error) {
	// The reader panics on some malformed documents.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: PDF reader panic: %v", utils.ErrParsing, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open PDF: %w", utils.ErrParsing, err)
	}

	pages := reader.NumPage()
	if e.maxPages > 0 && pages > e.maxPages {
		e.log.Debugf("PDF has %d pages, reading first %d", pages, e.maxPages)
		pages = e.maxPages
	}

	var b strings.Builder
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			e.log.Debugf("Skipping PDF page %d: %v", i, err)
			continue
		}
		b.WriteString(pageText)
		b.WriteString("\n\n")
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", utils.ErrNoExtractableText
	}
	return out, nil
}

// WrapAsHTML renders extracted text as a minimal HTML document so the same
// extractors can run over it. Blank lines separate paragraphs.
func WrapAsHTML(title, text string) string {
	var b strings.Builder
	b.WriteString("<html><head><title>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</title></head><body><article>")
	if title != "" {
		b.WriteString("<h1>")
		b.WriteString(html.EscapeString(title))
		b.WriteString("</h1>")
	}
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	b.WriteString("</article></body></html>")
	return b.String()
}
