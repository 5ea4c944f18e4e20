package process

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/detect"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

// contentSelectors are tried in order to find a page's own content.
var contentSelectors = []string{
	"main",
	"[role=main]",
	"article",
	"#content",
	"#main-content",
	".main-content",
	".content",
}

// noiseSelectors are stripped before conversion.
var noiseSelectors = []string{
	"script", "style", "noscript", "iframe", "svg", "form",
	"header", "nav", "footer", "aside",
	"[class*=cookie]", "[id*=cookie]", "[class*=breadcrumb]", "[aria-hidden=true]",
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// Document is a fetched page prepared for extraction.
type Document struct {
	URL      *url.URL
	Title    string
	Doc      *goquery.Document  // full page, unmodified
	Main     *goquery.Selection // cleaned main content
	Markdown string
	Text     string
}

// ContentProcessor turns raw HTML into a Document: main content isolated,
// sanitized and converted to Markdown.
type ContentProcessor struct {
	policy      *bluemonday.Policy
	converter   *md.Converter
	readability *detect.ReadabilityExtractor
	log         *logrus.Entry
}

// NewContentProcessor creates a ContentProcessor
func NewContentProcessor(log *logrus.Entry) *ContentProcessor {
	return &ContentProcessor{
		policy:      bluemonday.UGCPolicy(),
		converter:   md.NewConverter("", true, nil),
		readability: detect.NewReadabilityExtractor(),
		log:         log.WithField("component", "content"),
	}
}

// Parse parses rawHTML without cleaning it.
func Parse(rawHTML string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("%w: HTML: %w", utils.ErrParsing, err)
	}
	return doc, nil
}

// Prepare builds a Document from rawHTML fetched at pageURL.
func (cp *ContentProcessor) Prepare(rawHTML string, pageURL *url.URL) (*Document, error) {
	doc, err := Parse(rawHTML)
	if err != nil {
		return nil, err
	}
	title := pageTitle(doc)

	main := cp.mainContent(doc, rawHTML, pageURL)
	cleanupHTML(main)

	markdown, err := cp.ToMarkdown(main)
	if err != nil {
		return nil, err
	}
	text := BlockText(main)

	if text == "" && markdown == "" {
		return nil, fmt.Errorf("%w: %s", utils.ErrNoExtractableText, pageURL)
	}
	return &Document{URL: pageURL, Title: title, Doc: doc, Main: main, Markdown: markdown, Text: text}, nil
}

// mainContent returns a detached clone of the page's content area, falling
// back to readability and finally to the body.
func (cp *ContentProcessor) mainContent(doc *goquery.Document, rawHTML string, pageURL *url.URL) *goquery.Selection {
	for _, sel := range contentSelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 && strings.TrimSpace(found.Text()) != "" {
			return found.Clone()
		}
	}
	if content, _, err := cp.readability.Extract(rawHTML, pageURL); err == nil {
		cp.log.WithField("url", pageURL.String()).Debug("Using readability content")
		return content
	}
	return doc.Find("body").First().Clone()
}

// ToMarkdown sanitizes sel and converts it to Markdown.
func (cp *ContentProcessor) ToMarkdown(sel *goquery.Selection) (string, error) {
	var b strings.Builder
	for i := range sel.Nodes {
		part, err := goquery.OuterHtml(sel.Eq(i))
		if err != nil {
			return "", fmt.Errorf("%w: HTML serialization: %w", utils.ErrParsing, err)
		}
		b.WriteString(part)
	}
	markdown, err := cp.converter.ConvertString(cp.policy.Sanitize(b.String()))
	if err != nil {
		return "", fmt.Errorf("%w: HTML to markdown: %w", utils.ErrParsing, err)
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(markdown, "\n\n")), nil
}

// cleanupHTML removes chrome and empty anchors before conversion.
func cleanupHTML(content *goquery.Selection) {
	for _, sel := range noiseSelectors {
		content.Find(sel).Remove()
	}
	content.Find("a").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		href, _ := s.Attr("href")
		if text == "" && (href == "" || strings.HasPrefix(href, "#")) {
			s.Remove()
		}
	})
}

func pageTitle(doc *goquery.Document) string {
	if h1 := CollapseSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(og) != "" {
		return CollapseSpace(og)
	}
	title := CollapseSpace(doc.Find("title").First().Text())
	// "Program | Institution" -> "Program"
	if i := strings.IndexAny(title, "|–"); i > 0 {
		title = strings.TrimSpace(title[:i])
	}
	return title
}

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true, "li": true,
	"ul": true, "ol": true, "table": true, "tr": true, "td": true, "th": true,
	"dl": true, "dt": true, "dd": true, "br": true, "blockquote": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// BlockText returns the visible text of sel with one line per block element
// and whitespace collapsed within lines.
func BlockText(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" || n.Data == "noscript" {
				return
			}
		}
		block := n.Type == html.ElementNode && blockElements[n.Data]
		if block {
			b.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			b.WriteByte('\n')
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = CollapseSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// CollapseSpace trims s and folds whitespace runs into single spaces.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
