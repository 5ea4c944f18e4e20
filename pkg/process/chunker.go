package process

import (
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// Chunk is one piece of a page's Markdown, sized for an LLM prompt.
type Chunk struct {
	Content          string   // Includes the parent heading context
	HeadingHierarchy []string // Headings found in the chunk, outermost first
	TokenCount       int
}

// ChunkerConfig holds configuration for the chunker.
type ChunkerConfig struct {
	MaxChunkSize int // Tokens; oversized header sections are split recursively
	ChunkOverlap int // Tokens shared between consecutive recursive splits
}

// DefaultChunkerConfig returns the sizes used for LLM extraction input.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		MaxChunkSize: 1000,
		ChunkOverlap: 100,
	}
}

var headingRegex = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)

// ChunkMarkdown splits markdown by headers, keeping the heading hierarchy on
// each chunk, and falls back to recursive character splitting for sections
// larger than MaxChunkSize tokens.
func ChunkMarkdown(markdown string, cfg ChunkerConfig) ([]Chunk, error) {
	if strings.TrimSpace(markdown) == "" {
		return nil, nil
	}
	if cfg.MaxChunkSize <= 0 {
		cfg = DefaultChunkerConfig()
	}
	if cfg.ChunkOverlap >= cfg.MaxChunkSize {
		cfg.ChunkOverlap = cfg.MaxChunkSize / 10
	}

	recursiveSplitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.MaxChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
		textsplitter.WithLenFunc(CountTokens),
	)
	splitter := textsplitter.NewMarkdownTextSplitter(
		textsplitter.WithHeadingHierarchy(true),
		textsplitter.WithChunkSize(cfg.MaxChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
		textsplitter.WithSecondSplitter(recursiveSplitter),
		textsplitter.WithLenFunc(CountTokens),
	)

	parts, err := splitter.SplitText(markdown)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Content:          part,
			HeadingHierarchy: extractHeadingHierarchy(part),
			TokenCount:       CountTokens(part),
		})
	}
	return chunks, nil
}

// Budget concatenates chunks in order until adding the next one would exceed
// maxTokens. The first chunk is always included so a single oversized
// section still yields input. Returns the text and the number of chunks used.
func Budget(chunks []Chunk, maxTokens int) (string, int) {
	var b strings.Builder
	used, total := 0, 0
	for _, c := range chunks {
		if used > 0 && maxTokens > 0 && total+c.TokenCount > maxTokens {
			break
		}
		if used > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(c.Content)
		total += c.TokenCount
		used++
	}
	return b.String(), used
}

func extractHeadingHierarchy(content string) []string {
	matches := headingRegex.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	hierarchy := make([]string, 0, len(matches))
	for _, match := range matches {
		if heading := strings.TrimSpace(match[2]); heading != "" {
			hierarchy = append(hierarchy, heading)
		}
	}
	return hierarchy
}
