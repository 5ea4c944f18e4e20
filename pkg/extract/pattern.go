package extract

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/process"
)

const (
	maxItemsPerCategory = 5
	minSentenceLen      = 25
	maxSentenceLen      = 400
	minSectionLen       = 20
	maxSectionLen       = 1500
)

var (
	deadlineContext = regexp.MustCompile(`(?i)frist|deadline|einreich|bewerbungsschluss|einsendeschluss|stichtag|spätestens|closing date|submission|antragstellung bis`)
	phoneContext    = regexp.MustCompile(`(?i)\b(?:tel|telefon|phone|fon|hotline|mobil)\b`)
	leadingFiller   = regexp.MustCompile(`(?i)^(?:sind|soll|muss|müssen|darf|dürfen|ist|werden|kann)[\s,]+`)

	fundingTypeTerms = map[string]*regexp.Regexp{
		"grant":     regexp.MustCompile(`(?i)zuschuss|zuschüsse|nicht rückzahlbar|\bgrants?\b|subsid`),
		"loan":      regexp.MustCompile(`(?i)darlehen|kredit\b|\bloans?\b`),
		"guarantee": regexp.MustCompile(`(?i)garantie|haftung|bürgschaft|guarantee`),
		"equity":    regexp.MustCompile(`(?i)beteiligungskapital|eigenkapitalfinanzierung|\bequity\b|venture capital`),
		"advisory":  regexp.MustCompile(`(?i)beratungsförderung|coaching|mentoring`),
	}
	focusTerms = map[string]*regexp.Regexp{
		"digitalization":       regexp.MustCompile(`(?i)digitalisierung|digitali[sz]ation|\bki\b|künstliche intelligenz|artificial intelligence`),
		"innovation":           regexp.MustCompile(`(?i)innovation`),
		"sustainability":       regexp.MustCompile(`(?i)nachhaltig|klima|sustainab|green|umwelt`),
		"research":             regexp.MustCompile(`(?i)forschung|research|f&e|r&d`),
		"internationalization": regexp.MustCompile(`(?i)export|internationalisierung|internationali[sz]ation`),
		"startup":              regexp.MustCompile(`(?i)gründung|start-?up|gründer`),
		"tourism":              regexp.MustCompile(`(?i)tourismus|tourism`),
		"creative_industries":  regexp.MustCompile(`(?i)kreativwirtschaft|creative industr`),
	}
)

// PatternExtractor mines requirements with category heuristics: headed
// sections, label/value tables and keyword sentences.
type PatternExtractor struct {
	content *process.ContentProcessor
	log     *logrus.Entry
}

// NewPatternExtractor creates a PatternExtractor
func NewPatternExtractor(content *process.ContentProcessor, log *logrus.Entry) *PatternExtractor {
	return &PatternExtractor{content: content, log: log.WithField("component", "pattern_extractor")}
}

// Extract implements Extractor.
func (p *PatternExtractor) Extract(_ context.Context, rawHTML string, pageURL *url.URL, inst *models.Institution) (*Result, error) {
	doc, err := p.content.Prepare(rawHTML, pageURL)
	if err != nil {
		return nil, err
	}
	res := p.FromDocument(doc, inst)
	res.Strategy = config.StrategyPattern
	return res, nil
}

// FromDocument runs pattern extraction over an already prepared document.
func (p *PatternExtractor) FromDocument(doc *process.Document, inst *models.Institution) *Result {
	acc := newAccumulator(models.SourcePattern)

	for _, s := range process.Sections(doc.Markdown) {
		if s.Heading == "" {
			continue
		}
		n := utf8.RuneCountInString(s.Text)
		if n < minSectionLen || n > maxSectionLen {
			continue
		}
		value := sectionValue(s.Text)
		for _, r := range rulesFor(s.Heading) {
			acc.add(r.category, r.itemType, value)
		}
	}

	labelValues(doc.Main, func(label, value string) {
		if utf8.RuneCountInString(value) < 20 {
			value = label + ": " + value
		}
		for _, r := range rulesFor(label) {
			acc.add(r.category, r.itemType, value)
		}
	})

	sentences := splitSentences(doc.Text)
	for _, s := range sentences {
		n := utf8.RuneCountInString(s)
		if n < minSentenceLen || n > maxSentenceLen {
			continue
		}
		for _, r := range categoryRules {
			if r.terms != nil && r.terms.MatchString(s) {
				acc.add(r.category, r.itemType, s)
			}
		}
	}

	region := ""
	var instTypes []string
	if inst != nil {
		region = inst.Region
		instTypes = inst.FundingTypes
	}
	raw := p.rawMetadata(doc, sentences, instTypes)
	meta := NormalizeMetadata(raw, region)

	return &Result{
		URL:          doc.URL.String(),
		Title:        doc.Title,
		Description:  description(doc),
		Metadata:     meta,
		Requirements: acc.reqs,
		Structured:   structured(doc.Doc),
		Document:     doc,
	}
}

func (p *PatternExtractor) rawMetadata(doc *process.Document, sentences []string, instTypes []string) RawMetadata {
	raw := RawMetadata{Text: doc.Text, FundingTypes: append([]string(nil), instTypes...)}

	raw.AmountTexts = sentences
	labelValues(doc.Main, func(label, value string) {
		for _, r := range rulesFor(label) {
			if r.category == models.CategoryFinancial {
				raw.AmountTexts = append(raw.AmountTexts, label+": "+value)
			}
		}
	})

	doc.Doc.Find(`[class*=deadline], [class*=frist], [id*=deadline], [id*=frist]`).Each(func(_ int, s *goquery.Selection) {
		raw.DeadlineTexts = append(raw.DeadlineTexts, process.CollapseSpace(s.Text()))
	})
	for _, s := range sentences {
		if deadlineContext.MatchString(s) {
			raw.DeadlineTexts = append(raw.DeadlineTexts, s)
		}
	}

	doc.Doc.Find(`a[href^="mailto:"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		raw.Emails = append(raw.Emails, href)
	})
	doc.Doc.Find(`a[href^="tel:"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		raw.Phones = append(raw.Phones, href)
	})
	raw.Emails = append(raw.Emails, emailRe.FindAllString(doc.Text, -1)...)
	for _, s := range sentences {
		if phoneContext.MatchString(s) {
			raw.Phones = append(raw.Phones, s)
		}
	}

	for _, name := range sortedKeys(fundingTypeTerms) {
		if fundingTypeTerms[name].MatchString(doc.Text) {
			raw.FundingTypes = append(raw.FundingTypes, name)
		}
	}
	for _, name := range sortedKeys(focusTerms) {
		if focusTerms[name].MatchString(doc.Text) {
			raw.ProgramFocus = append(raw.ProgramFocus, name)
		}
	}
	return raw
}

// accumulator collects items per category, dropping duplicates and capping
// each category.
type accumulator struct {
	source models.RequirementSource
	reqs   models.Requirements
	seen   map[models.Category]map[string]struct{}
}

func newAccumulator(source models.RequirementSource) *accumulator {
	return &accumulator{
		source: source,
		reqs:   models.Requirements{},
		seen:   make(map[models.Category]map[string]struct{}),
	}
}

func (a *accumulator) add(cat models.Category, itemType, value string) bool {
	value = cleanValue(value)
	if value == "" || len(a.reqs[cat]) >= maxItemsPerCategory {
		return false
	}
	key := strings.ToLower(value)
	if a.seen[cat] == nil {
		a.seen[cat] = make(map[string]struct{})
	}
	if _, dup := a.seen[cat][key]; dup {
		return false
	}
	a.seen[cat][key] = struct{}{}
	a.reqs[cat] = append(a.reqs[cat], models.RequirementItem{
		Category:            cat,
		Type:                itemType,
		Value:               value,
		Required:            isRequired(value),
		Source:              a.source,
		MeaningfulnessScore: Meaningfulness(value),
	})
	return true
}

func cleanValue(v string) string {
	v = process.CollapseSpace(v)
	v = strings.TrimSpace(leadingFiller.ReplaceAllString(v, ""))
	return strings.Trim(v, " ;,:-")
}

// sectionValue prefers the first list items of a section, then its first
// sentence, then its opening paragraph.
func sectionValue(text string) string {
	lines := strings.Split(text, "\n")
	var items []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if n := utf8.RuneCountInString(l); n > 5 && n < 200 {
			items = append(items, l)
		}
	}
	if len(items) > 1 {
		if len(items) > 5 {
			items = items[:5]
		}
		if v := strings.Join(items, "; "); utf8.RuneCountInString(v) >= 20 {
			return truncate(v, 500)
		}
	}
	if first := splitSentences(text); len(first) > 0 && utf8.RuneCountInString(first[0]) > 25 {
		return truncate(first[0], 500)
	}
	return truncate(strings.Join(strings.Fields(text), " "), 350)
}

// labelValues visits two-column table rows and definition list entries.
func labelValues(sel *goquery.Selection, fn func(label, value string)) {
	if sel == nil {
		return
	}
	sel.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th")
		if cells.Length() < 2 {
			return
		}
		label := process.CollapseSpace(cells.Eq(0).Text())
		value := process.CollapseSpace(cells.Eq(1).Text())
		if label != "" && value != "" {
			fn(label, value)
		}
	})
	sel.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		label := process.CollapseSpace(dt.Text())
		value := process.CollapseSpace(dt.NextFiltered("dd").Text())
		if label != "" && value != "" {
			fn(label, value)
		}
	})
}

// splitSentences splits block text into sentences. Lines are hard breaks;
// within a line a sentence ends at . ! or ? followed by a space and an
// upper-case letter, unless the period closes a day ordinal ("31. Dezember").
func splitSentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		runes := []rune(strings.TrimSpace(line))
		start := 0
		for i := 0; i < len(runes)-2; i++ {
			r := runes[i]
			if r != '.' && r != '!' && r != '?' {
				continue
			}
			if runes[i+1] != ' ' || !unicode.IsUpper(runes[i+2]) {
				continue
			}
			if r == '.' && isOrdinal(runes[start:i]) {
				continue
			}
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				out = append(out, s)
			}
			start = i + 2
		}
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// isOrdinal reports whether the text before a period ends in a one or two
// digit number standing alone.
func isOrdinal(before []rune) bool {
	digits := 0
	for i := len(before) - 1; i >= 0; i-- {
		if unicode.IsDigit(before[i]) {
			digits++
			continue
		}
		return digits > 0 && digits <= 2 && unicode.IsSpace(before[i])
	}
	return digits > 0 && digits <= 2
}

func description(doc *process.Document) string {
	for _, sel := range []string{`meta[name="description"]`, `meta[property="og:description"]`} {
		if v, ok := doc.Doc.Find(sel).Attr("content"); ok && strings.TrimSpace(v) != "" {
			return process.CollapseSpace(v)
		}
	}
	for _, line := range strings.Split(doc.Text, "\n") {
		if utf8.RuneCountInString(line) >= 40 {
			return truncate(line, 300)
		}
	}
	return ""
}

// structured collects OpenGraph properties, the JSON-LD @type and the page
// language.
func structured(doc *goquery.Document) map[string]string {
	out := make(map[string]string)
	doc.Find(`meta[property^="og:"]`).Each(func(_ int, m *goquery.Selection) {
		prop, _ := m.Attr("property")
		if content, ok := m.Attr("content"); ok && content != "" {
			out[prop] = content
		}
	})
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var ld struct {
			Type any `json:"@type"`
		}
		if json.Unmarshal([]byte(s.Text()), &ld) != nil || ld.Type == nil {
			return true
		}
		switch t := ld.Type.(type) {
		case string:
			out["jsonld_type"] = t
		case []any:
			if len(t) > 0 {
				if s, ok := t[0].(string); ok {
					out["jsonld_type"] = s
				}
			}
		}
		return false
	})
	if lang, ok := doc.Find("html").Attr("lang"); ok && lang != "" {
		out["lang"] = lang
	}
	return out
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max]))
}

func sortedKeys(m map[string]*regexp.Regexp) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
