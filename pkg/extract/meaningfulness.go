package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
)

var (
	genericWords = []string{"specified", "available", "required", "see below", "see above", "siehe unten", "contact", "n/a", "tbd"}

	noiseInstitution = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:ffg|aws|mbh|gmbh|inc\.|ltd\.|corporation|austrian\s*(?:research|science|business))(?:\b|$)`),
		regexp.MustCompile(`(?i)^(?:the|die|der|das)\s+(?:program|programm|funding|förderung|institution)`),
	}

	digitsRe      = regexp.MustCompile(`\d`)
	precisionRe   = regexp.MustCompile(`\d+\s?%|\d+,\d+|\d+\.\d+`)
	actionWords   = regexp.MustCompile(`(?i)\b(?:must|required|need|should|min|max|between|from|to|muss|müssen|mindestens|maximal|zwischen|bis)\b`)
	currencyRe    = regexp.MustCompile(`(?i)\b(?:eur|usd|gbp|chf)\b|[€$£]`)
	timeUnitRe    = regexp.MustCompile(`(?i)\b(?:years?|months?|days?|weeks?|jahre?n?|monate?n?|tage?n?|wochen?)\b`)
	regionRe      = regexp.MustCompile(`(?i)\b(?:austria|österreich|vienna|wien|germany|deutschland|france|spain|italy|netherlands|eu|european|europäisch\w*)\b`)
	singleTokenRe = regexp.MustCompile(`^\S+$`)
)

// Meaningfulness scores how substantive an extracted value is, 0..100.
// Short values, placeholders and bare institution names score low; numbers,
// percentages, obligations, currencies, durations and places score high.
func Meaningfulness(value string) int {
	v := strings.TrimSpace(value)
	lower := strings.ToLower(v)
	n := utf8.RuneCountInString(v)

	if n < 10 {
		return 10
	}
	if n < 50 {
		for _, w := range genericWords {
			if strings.Contains(lower, w) {
				return 20
			}
		}
	}
	if n < 100 {
		for _, re := range noiseInstitution {
			if re.MatchString(v) {
				return 15
			}
		}
	}

	score := 50
	if n >= 20 {
		score += 10
	}
	if n >= 50 {
		score += 10
	}
	if n >= 100 {
		score += 5
	}
	if digitsRe.MatchString(v) {
		score += 15
	}
	if precisionRe.MatchString(v) {
		score += 10
	}
	if actionWords.MatchString(v) {
		score += 10
	}
	if currencyRe.MatchString(v) {
		score += 5
	}
	if timeUnitRe.MatchString(v) {
		score += 5
	}
	if regionRe.MatchString(v) {
		score += 5
	}
	if lower == "required" || lower == "yes" || lower == "no" {
		score = 20
	}
	if score > 100 {
		score = 100
	}
	return score
}

// llmMeaningfulness scores LLM values: a single bare token ("SME", "grant",
// "yes") carries no requirement and scores 0.
func llmMeaningfulness(value string) int {
	v := strings.TrimSpace(value)
	if v == "" || singleTokenRe.MatchString(v) {
		return 0
	}
	return Meaningfulness(v)
}

// FilterMeaningful drops items scoring below min and returns the kept
// requirements with the number of dropped items. Empty categories are removed.
func FilterMeaningful(reqs models.Requirements, min int) (models.Requirements, int) {
	out := make(models.Requirements, len(reqs))
	dropped := 0
	for cat, items := range reqs {
		var kept []models.RequirementItem
		for _, it := range items {
			if it.MeaningfulnessScore < min {
				dropped++
				continue
			}
			kept = append(kept, it)
		}
		if len(kept) > 0 {
			out[cat] = kept
		}
	}
	return out, dropped
}
