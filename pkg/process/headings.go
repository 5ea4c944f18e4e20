package process

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Section is a heading together with the text that follows it up to the
// next heading of any level. Text before the first heading forms a section
// with an empty Heading and Level 0.
type Section struct {
	Heading string
	Level   int
	Text    string
}

// Sections splits markdown into heading-delimited sections in document order.
// Block elements inside a section are separated by newlines so list items
// stay on their own lines.
func Sections(markdown string) []Section {
	src := []byte(markdown)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var sections []Section
	current := Section{}
	var body strings.Builder
	flush := func() {
		current.Text = strings.TrimSpace(body.String())
		if current.Heading != "" || current.Text != "" {
			sections = append(sections, current)
		}
		body.Reset()
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			flush()
			current = Section{Heading: strings.TrimSpace(nodeText(h, src)), Level: h.Level}
			continue
		}
		if t := strings.TrimSpace(nodeText(n, src)); t != "" {
			body.WriteString(t)
			body.WriteByte('\n')
		}
	}
	flush()
	return sections
}

// ExtractHeadings returns all heading texts in document order.
func ExtractHeadings(markdown string) []string {
	var headings []string
	for _, s := range Sections(markdown) {
		if s.Heading != "" {
			headings = append(headings, s.Heading)
		}
	}
	return headings
}

func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	writeNodeText(&b, n, src)
	return b.String()
}

func writeNodeText(b *strings.Builder, n ast.Node, src []byte) {
	switch v := n.(type) {
	case *ast.Text:
		b.Write(v.Segment.Value(src))
		if v.SoftLineBreak() || v.HardLineBreak() {
			b.WriteByte(' ')
		}
		return
	case *ast.String:
		b.Write(v.Value)
		return
	case *ast.CodeBlock, *ast.FencedCodeBlock:
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(src))
		}
		return
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		writeNodeText(b, c, src)
		if c.Type() == ast.TypeBlock {
			b.WriteByte('\n')
		}
	}
}
