package models

import (
	"regexp"
	"time"
)

// PatternType distinguishes include from exclude URL patterns.
type PatternType string

const (
	PatternInclude PatternType = "include"
	PatternExclude PatternType = "exclude"
)

// Pattern origins.
const (
	PatternSourceLearned = "learned"
	PatternSourceManual  = "manual"
)

// URLPattern is a per-host path regex learned from crawl outcomes.
type URLPattern struct {
	Host            string      `json:"host"`
	Type            PatternType `json:"type"`
	Pattern         string      `json:"pattern"`
	Confidence      float64     `json:"confidence"`
	UsageCount      int         `json:"usage_count"`
	LearnedFromURL  string      `json:"learned_from_url"`
	Source          string      `json:"source,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	LastRecheckedAt time.Time   `json:"last_rechecked_at,omitempty"`
}

// Key identifies the pattern within its host.
func (p URLPattern) Key() string {
	return p.Host + "|" + string(p.Type) + "|" + p.Pattern
}

// Compile returns the pattern as a regexp over URL paths.
func (p URLPattern) Compile() (*regexp.Regexp, error) {
	return regexp.Compile(p.Pattern)
}

// ClampConfidence bounds c to [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
