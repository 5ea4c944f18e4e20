package detect

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

// ReadabilityExtractor isolates a page's main article with Mozilla's Readability
// algorithm. Used when a page has no recognizable content container.
type ReadabilityExtractor struct{}

// NewReadabilityExtractor creates a new readability-based content extractor
func NewReadabilityExtractor() *ReadabilityExtractor {
	return &ReadabilityExtractor{}
}

// Extract returns the main content as a selection plus the article title.
func (r *ReadabilityExtractor) Extract(rawHTML string, pageURL *url.URL) (*goquery.Selection, string, error) {
	article, err := readability.FromReader(strings.NewReader(rawHTML), pageURL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: readability HTML: %w", utils.ErrParsing, err)
	}
	if strings.TrimSpace(article.Content) == "" {
		return nil, "", fmt.Errorf("%w: readability found no article", utils.ErrNoExtractableText)
	}

	contentDoc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if err != nil {
		return nil, "", fmt.Errorf("%w: readability output HTML: %w", utils.ErrParsing, err)
	}
	content := contentDoc.Find("body").Children()
	if content.Length() == 0 {
		content = contentDoc.Find("body")
	}
	return content, strings.TrimSpace(article.Title), nil
}

// ExtractText returns the article's plain text and title.
func (r *ReadabilityExtractor) ExtractText(rawHTML string, pageURL *url.URL) (string, string, error) {
	article, err := readability.FromReader(strings.NewReader(rawHTML), pageURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: readability HTML: %w", utils.ErrParsing, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return "", "", utils.ErrNoExtractableText
	}
	return text, strings.TrimSpace(article.Title), nil
}
