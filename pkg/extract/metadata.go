package extract

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RawMetadata is loosely typed metadata as found on a page or returned by
// the LLM, before coercion.
type RawMetadata struct {
	AmountTexts   []string // free-text amount mentions ("bis zu 50.000 EUR")
	AmountMin     *float64 // already numeric bounds, e.g. from the LLM
	AmountMax     *float64
	Currency      string
	DeadlineTexts []string // free-text or ISO dates, first parsable wins
	OpenDeadline  bool
	Text          string // scanned for rolling-deadline wording
	Emails        []string
	Phones        []string
	FundingTypes  []string
	ProgramFocus  []string
}

// Metadata is the typed result of NormalizeMetadata.
type Metadata struct {
	AmountMin    *float64
	AmountMax    *float64
	Currency     string
	Deadline     string // YYYY-MM-DD
	OpenDeadline bool
	ContactEmail string
	ContactPhone string
	Region       string
	FundingTypes []string
	ProgramFocus []string
}

// HasAmount reports whether either amount bound is known.
func (m Metadata) HasAmount() bool { return m.AmountMin != nil || m.AmountMax != nil }

var (
	amountRe = regexp.MustCompile(`(?i)(€|\beur\b|\beuro\b|\bchf\b|\bsfr\.?|£|\bgbp\b|\$|\busd\b)?\s*` +
		`(\d{1,3}(?:[.,' ]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?)` +
		`\s*(mrd\.?|milliarden?|billions?|mio\.?|millionen|millions?|tsd\.?|tausend|k\b)?` +
		`\s*(€|\beur\b|\beuro\b|\bchf\b|£|\bgbp\b|\busd\b)?`)
	percentAfterRe = regexp.MustCompile(`^\s*(?:%|prozent|percent)`)
	amountContext  = regexp.MustCompile(`(?i)bis zu|maximal|max\.|höchstens|mindestens|förder|betrag|höhe|summe|volumen|zuschuss|darlehen|kredit|amount|up to|funding|grant|loan|von\s*$|zwischen`)

	openDeadlineRe = regexp.MustCompile(`(?i)\b(?:laufend|rolling|ongoing|bis auf weiteres|continuously|keine frist|permanent|dauerhaft|open-ended|kontinuierlich)\b`)

	isoDateRe     = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	numericDateRe = regexp.MustCompile(`\b(\d{1,2})\s?[./]\s?(\d{1,2})\s?[./]\s?(\d{4}|\d{2})\b`)
	dayMonthRe    = regexp.MustCompile(`(?i)\b(\d{1,2})\.?\s+(` + monthAlternation + `)\.?,?\s+(\d{4})\b`)
	monthDayRe    = regexp.MustCompile(`(?i)\b(` + monthAlternation + `)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)

	emailRe   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRe   = regexp.MustCompile(`(?:\+|00)\d[\d\s/().\-]{6,}\d|\b0\d[\d\s/().\-]{5,}\d`)
	nonDigits = regexp.MustCompile(`\D`)
)

const monthAlternation = `januar|jänner|jaenner|january|jan|februar|february|feb|märz|maerz|march|mar|april|apr|mai|may|juni|june|jun|juli|july|jul|august|aug|september|sept|sep|oktober|october|okt|oct|november|nov|dezember|december|dez|dec`

var monthNumbers = map[string]time.Month{
	"januar": 1, "jänner": 1, "jaenner": 1, "january": 1, "jan": 1,
	"februar": 2, "february": 2, "feb": 2,
	"märz": 3, "maerz": 3, "march": 3, "mar": 3,
	"april": 4, "apr": 4,
	"mai": 5, "may": 5,
	"juni": 6, "june": 6, "jun": 6,
	"juli": 7, "july": 7, "jul": 7,
	"august": 8, "aug": 8,
	"september": 9, "sept": 9, "sep": 9,
	"oktober": 10, "october": 10, "okt": 10, "oct": 10,
	"november": 11, "nov": 11,
	"dezember": 12, "december": 12, "dez": 12, "dec": 12,
}

var fundingTypeSynonyms = map[string]string{
	"zuschuss": "grant", "zuschüsse": "grant", "grant": "grant", "grants": "grant", "subsidy": "grant", "förderung": "grant",
	"darlehen": "loan", "kredit": "loan", "loan": "loan", "loans": "loan",
	"garantie": "guarantee", "haftung": "guarantee", "bürgschaft": "guarantee", "guarantee": "guarantee",
	"beteiligung": "equity", "equity": "equity", "eigenkapital": "equity",
	"beratung": "advisory", "coaching": "advisory", "advisory": "advisory",
}

// NormalizeMetadata coerces raw metadata into typed fields. Currency falls
// back to the region's currency when an amount exists but none was stated.
func NormalizeMetadata(raw RawMetadata, region string) Metadata {
	m := Metadata{Region: strings.TrimSpace(region)}

	var amounts []float64
	detected := ""
	for _, text := range raw.AmountTexts {
		for _, a := range ParseAmounts(text) {
			if !slices.Contains(amounts, a.Value) {
				amounts = append(amounts, a.Value)
			}
			if detected == "" {
				detected = a.Currency
			}
		}
	}
	switch {
	case raw.AmountMin != nil || raw.AmountMax != nil:
		m.AmountMin, m.AmountMax = positive(raw.AmountMin), positive(raw.AmountMax)
		if m.AmountMin != nil && m.AmountMax != nil && *m.AmountMin > *m.AmountMax {
			m.AmountMin, m.AmountMax = m.AmountMax, m.AmountMin
		}
	case len(amounts) == 1:
		// "bis zu 50.000 EUR" states a ceiling only.
		m.AmountMax = &amounts[0]
	case len(amounts) > 1:
		sort.Float64s(amounts)
		lo, hi := amounts[0], amounts[len(amounts)-1]
		m.AmountMin, m.AmountMax = &lo, &hi
	}

	m.Currency = normalizeCurrency(raw.Currency)
	if m.Currency == "" {
		m.Currency = detected
	}
	if m.Currency == "" && m.HasAmount() {
		m.Currency = RegionCurrency(region)
	}

	for _, text := range raw.DeadlineTexts {
		if iso, ok := ParseDate(text); ok {
			m.Deadline = iso
			break
		}
	}
	m.OpenDeadline = raw.OpenDeadline || IsOpenDeadline(raw.Text)
	for _, text := range raw.DeadlineTexts {
		if IsOpenDeadline(text) {
			m.OpenDeadline = true
		}
	}

	m.ContactEmail = firstEmail(raw.Emails)
	m.ContactPhone = firstPhone(raw.Phones)
	m.FundingTypes = normalizeFundingTypes(raw.FundingTypes)
	m.ProgramFocus = dedupeFold(raw.ProgramFocus)
	return m
}

// Amount is one parsed money mention.
type Amount struct {
	Value    float64
	Currency string // "" when not stated
}

// ParseAmounts finds money amounts in text. Bare numbers count only when a
// funding word precedes them; years, percentages and small unqualified
// numbers are ignored.
func ParseAmounts(text string) []Amount {
	var out []Amount
	for _, idx := range amountRe.FindAllStringSubmatchIndex(text, -1) {
		if percentAfterRe.MatchString(text[idx[1]:]) {
			continue
		}
		group := func(i int) string {
			if idx[2*i] < 0 {
				return ""
			}
			return text[idx[2*i]:idx[2*i+1]]
		}
		currency := normalizeCurrency(group(1))
		if currency == "" {
			currency = normalizeCurrency(group(4))
		}
		multiplier := multiplierFor(group(3))

		value, ok := parseNumber(group(2))
		if !ok {
			continue
		}
		value *= multiplier

		if currency == "" && multiplier == 1 {
			start := idx[0] - 40
			if start < 0 {
				start = 0
			}
			if !amountContext.MatchString(text[start:idx[0]]) {
				continue
			}
			if value < 1000 || (value >= 1900 && value <= 2100) {
				continue
			}
		}
		if value < 1 || value > 1e12 {
			continue
		}
		out = append(out, Amount{Value: value, Currency: currency})
	}
	return out
}

// parseNumber reads German and English digit grouping: "50.000", "50,000",
// "1,5", "1.234.567,89", "50 000".
func parseNumber(s string) (float64, bool) {
	s = strings.NewReplacer(" ", "", "'", "").Replace(s)
	dots, commas := strings.Count(s, "."), strings.Count(s, ",")
	switch {
	case dots > 0 && commas > 0:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case dots+commas > 1:
		s = strings.NewReplacer(".", "", ",", "").Replace(s)
	case dots+commas == 1:
		sep := "."
		if commas == 1 {
			sep = ","
		}
		if len(s)-strings.Index(s, sep)-1 == 3 {
			s = strings.Replace(s, sep, "", 1)
		} else {
			s = strings.Replace(s, sep, ".", 1)
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func multiplierFor(word string) float64 {
	w := strings.ToLower(strings.TrimSuffix(word, "."))
	switch {
	case w == "":
		return 1
	case strings.HasPrefix(w, "mrd"), strings.HasPrefix(w, "milliard"), strings.HasPrefix(w, "billion"):
		return 1e9
	case strings.HasPrefix(w, "mio"), strings.HasPrefix(w, "million"):
		return 1e6
	case strings.HasPrefix(w, "tsd"), w == "tausend", w == "k":
		return 1e3
	}
	return 1
}

func normalizeCurrency(s string) string {
	switch strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), ".")) {
	case "€", "eur", "euro":
		return "EUR"
	case "chf", "sfr":
		return "CHF"
	case "£", "gbp":
		return "GBP"
	case "$", "usd":
		return "USD"
	}
	return ""
}

// RegionCurrency returns the currency funding in region is assumed to be
// stated in: CHF for Switzerland, GBP for the UK, EUR otherwise.
func RegionCurrency(region string) string {
	r := strings.ToLower(strings.TrimSpace(region))
	switch {
	case r == "ch" || strings.Contains(r, "switzerland") || strings.Contains(r, "schweiz"):
		return "CHF"
	case r == "uk" || r == "gb" || strings.Contains(r, "united kingdom"):
		return "GBP"
	}
	return "EUR"
}

// ParseDate finds the first date in text and returns it as YYYY-MM-DD.
// Accepts ISO, DD.MM.YYYY, DD/MM/YY, "31. Dezember 2025" and
// "December 31, 2025".
func ParseDate(text string) (string, bool) {
	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		if iso, ok := isoDate(atoi(m[1]), atoi(m[2]), atoi(m[3])); ok {
			return iso, true
		}
	}
	if m := numericDateRe.FindStringSubmatch(text); m != nil {
		year := atoi(m[3])
		if year < 100 {
			year += 2000
		}
		if iso, ok := isoDate(year, atoi(m[2]), atoi(m[1])); ok {
			return iso, true
		}
	}
	if m := dayMonthRe.FindStringSubmatch(text); m != nil {
		if iso, ok := isoDate(atoi(m[3]), int(monthNumbers[strings.ToLower(m[2])]), atoi(m[1])); ok {
			return iso, true
		}
	}
	if m := monthDayRe.FindStringSubmatch(text); m != nil {
		if iso, ok := isoDate(atoi(m[3]), int(monthNumbers[strings.ToLower(m[1])]), atoi(m[2])); ok {
			return iso, true
		}
	}
	return "", false
}

func isoDate(year, month, day int) (string, bool) {
	if year < 2000 || year > 2100 || month < 1 || month > 12 || day < 1 {
		return "", false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day), true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// IsOpenDeadline reports rolling-deadline wording ("laufend", "rolling", ...).
func IsOpenDeadline(text string) bool {
	return openDeadlineRe.MatchString(text)
}

func firstEmail(candidates []string) string {
	for _, c := range candidates {
		c = strings.TrimPrefix(strings.TrimSpace(c), "mailto:")
		if i := strings.IndexByte(c, '?'); i >= 0 {
			c = c[:i]
		}
		e := strings.ToLower(strings.TrimRight(emailRe.FindString(c), "."))
		if e == "" {
			continue
		}
		if strings.HasSuffix(e, ".png") || strings.HasSuffix(e, ".jpg") || strings.HasSuffix(e, ".svg") ||
			strings.HasPrefix(e, "noreply@") || strings.HasPrefix(e, "no-reply@") {
			continue
		}
		return e
	}
	return ""
}

func firstPhone(candidates []string) string {
	for _, c := range candidates {
		c = strings.TrimPrefix(strings.TrimSpace(c), "tel:")
		p := phoneRe.FindString(c)
		if p == "" {
			continue
		}
		if d := len(nonDigits.ReplaceAllString(p, "")); d < 7 || d > 15 {
			continue
		}
		return strings.Join(strings.Fields(p), " ")
	}
	return ""
}

func normalizeFundingTypes(types []string) []string {
	mapped := make([]string, 0, len(types))
	for _, t := range types {
		key := strings.ToLower(strings.TrimSpace(t))
		if key == "unknown" || key == "none" {
			continue
		}
		if canon, ok := fundingTypeSynonyms[key]; ok {
			key = canon
		}
		mapped = append(mapped, key)
	}
	return dedupeFold(mapped)
}

// dedupeFold lowercases, trims and de-duplicates while keeping order.
func dedupeFold(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func positive(v *float64) *float64 {
	if v == nil || *v <= 0 {
		return nil
	}
	x := *v
	return &x
}
