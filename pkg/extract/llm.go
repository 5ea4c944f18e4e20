package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/process"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

const (
	llmTemperature = 0.3
	llmMaxTokens   = 4000
)

// negativeValue matches placeholder answers models give for absent data.
var negativeValue = regexp.MustCompile(`(?i)^(?:no\s+specific.*|none(?:\s+mentioned)?|not\s+specified|no\s+restrictions?|no\s+requirements?|no\s+.*mentioned|n/?a|unknown|-)$`)

// typeCategory moves items the model files under a generic category into the
// specific one their type names.
var typeCategory = map[string]models.Category{
	"application_process":   models.CategoryApplication,
	"evaluation_criteria":   models.CategoryEvaluation,
	"use_of_funds":          models.CategoryUseOfFunds,
	"capex_opex":            models.CategoryCapexOpex,
	"revenue_model":         models.CategoryRevenueModel,
	"market_size":           models.CategoryMarketSize,
	"co_financing":          models.CategoryCoFinancing,
	"intellectual_property": models.CategoryIPRights,
	"consortium":            models.CategoryConsortium,
	"diversity":             models.CategoryDiversity,
	"trl_level":             models.CategoryTRLLevel,
}

// metadataTypes never become requirement items.
var metadataTypes = map[string]bool{
	"currency": true, "funding_amount_min": true, "funding_amount_max": true, "funding_amount_status": true,
}

const systemPrompt = `You extract structured data from funding program web pages and answer with one JSON object only.

Requirement categories (use these keys exactly): %s

Output format:
{
  "metadata": {
    "funding_amount_min": number | null,
    "funding_amount_max": number | null,
    "currency": "EUR" | "CHF" | "GBP" | "USD" | null,
    "deadline": "YYYY-MM-DD" | null,
    "open_deadline": boolean,
    "contact_email": string | null,
    "contact_phone": string | null,
    "funding_types": ["grant" | "loan" | "guarantee" | "equity" | "advisory"],
    "program_focus": [string],
    "region": string | null
  },
  "requirements": {
    "<category>": [{"type": string, "value": string, "required": boolean}]
  }
}

Rules:
- Only use the categories listed above. Omit categories without information.
- Values are full descriptions ("Small and medium-sized enterprises with less than 250 employees"), never single words.
- Skip negative information such as "none mentioned" or "not specified".
- Amounts are plain numbers without currency symbols and go into metadata only.
- Dates use ISO format.`

// llmClient asks a chat model for requirements and metadata of one page.
type llmClient struct {
	model   llms.Model
	cfg     config.LLMConfig
	chunker process.ChunkerConfig
	log     *logrus.Entry
}

func newLLMClient(model llms.Model, cfg config.LLMConfig, log *logrus.Entry) *llmClient {
	chunker := process.DefaultChunkerConfig()
	if cfg.ChunkTokens > 0 {
		chunker.MaxChunkSize = cfg.ChunkTokens
		chunker.ChunkOverlap = cfg.ChunkTokens / 10
	}
	return &llmClient{
		model:   model,
		cfg:     cfg,
		chunker: chunker,
		log:     log.WithField("component", "llm_client"),
	}
}

// llmOutput is the validated model answer.
type llmOutput struct {
	Requirements models.Requirements
	Metadata     Metadata
}

// extract runs one model call restricted to categories. The page markdown is
// chunked and cut to the configured input token budget.
func (c *llmClient) extract(ctx context.Context, doc *process.Document, inst *models.Institution, categories []models.Category) (*llmOutput, error) {
	if len(categories) == 0 {
		return &llmOutput{Requirements: models.Requirements{}}, nil
	}
	chunks, err := process.ChunkMarkdown(doc.Markdown, c.chunker)
	if err != nil {
		return nil, fmt.Errorf("%w: chunking %s: %w", utils.ErrLLM, doc.URL, err)
	}
	content, used := process.Budget(chunks, c.cfg.MaxInputTokens)
	if used < len(chunks) {
		content += "\n\n[content truncated]"
	}

	names := make([]string, len(categories))
	for i, cat := range categories {
		names[i] = string(cat)
	}
	user := fmt.Sprintf("URL: %s\nTitle: %s\nInstitution: %s\n\nContent:\n%s",
		doc.URL, doc.Title, institutionName(inst), content)

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, fmt.Sprintf(systemPrompt, strings.Join(names, ", "))),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}, llms.WithTemperature(llmTemperature), llms.WithMaxTokens(llmMaxTokens), llms.WithJSONMode())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrLLM, doc.URL, err)
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return nil, fmt.Errorf("%w: %s: empty response", utils.ErrLLM, doc.URL)
	}

	out, err := parseLLMResponse(resp.Choices[0].Content, categories, regionOf(inst))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrLLM, doc.URL, err)
	}
	c.log.WithFields(logrus.Fields{
		"url":        doc.URL.String(),
		"chunks":     used,
		"categories": out.Requirements.Count(),
		"duration":   time.Since(start),
	}).Debug("LLM extraction complete")
	return out, nil
}

type llmResponse struct {
	Metadata struct {
		FundingAmountMin flexNumber      `json:"funding_amount_min"`
		FundingAmountMax flexNumber      `json:"funding_amount_max"`
		Currency         string          `json:"currency"`
		Deadline         string          `json:"deadline"`
		OpenDeadline     json.RawMessage `json:"open_deadline"`
		ContactEmail     string          `json:"contact_email"`
		ContactPhone     string          `json:"contact_phone"`
		FundingTypes     []string        `json:"funding_types"`
		ProgramFocus     []string        `json:"program_focus"`
		Region           string          `json:"region"`
	} `json:"metadata"`
	Requirements map[string][]struct {
		Type     string          `json:"type"`
		Value    json.RawMessage `json:"value"`
		Required *bool           `json:"required"`
	} `json:"requirements"`
}

// parseLLMResponse decodes the model text, tolerating code fences and
// surrounding prose, and keeps only items in the allowed categories.
func parseLLMResponse(text string, allowed []models.Category, region string) (*llmOutput, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in LLM response", utils.ErrParsing)
	}
	var resp llmResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &resp); err != nil {
		return nil, fmt.Errorf("%w: LLM response: %w", utils.ErrParsing, err)
	}

	allowedSet := make(map[models.Category]bool, len(allowed))
	for _, c := range allowed {
		allowedSet[c] = true
	}
	acc := newAccumulator(models.SourceLLM)
	for name, items := range resp.Requirements {
		cat, ok := models.ParseCategory(name)
		for _, it := range items {
			itemType := strings.ToLower(strings.TrimSpace(it.Type))
			if metadataTypes[itemType] {
				continue
			}
			target, known := cat, ok
			if mapped, found := typeCategory[itemType]; found {
				target, known = mapped, true
			}
			if !known || !allowedSet[target] {
				continue
			}
			value := stringify(it.Value)
			if value == "" || negativeValue.MatchString(value) {
				continue
			}
			if itemType == "" {
				itemType = string(target)
			}
			if acc.add(target, itemType, value) {
				added := &acc.reqs[target][len(acc.reqs[target])-1]
				added.MeaningfulnessScore = llmMeaningfulness(added.Value)
				if it.Required != nil {
					added.Required = *it.Required
				}
			}
		}
	}

	m := resp.Metadata
	if r := strings.TrimSpace(m.Region); r != "" && !negativeValue.MatchString(r) {
		region = r
	}
	raw := RawMetadata{
		AmountMin:     m.FundingAmountMin.ptr(),
		AmountMax:     m.FundingAmountMax.ptr(),
		Currency:      m.Currency,
		DeadlineTexts: []string{m.Deadline},
		OpenDeadline:  flexBool(m.OpenDeadline),
		Emails:        []string{m.ContactEmail},
		Phones:        []string{m.ContactPhone},
		FundingTypes:  m.FundingTypes,
		ProgramFocus:  m.ProgramFocus,
	}
	return &llmOutput{Requirements: acc.reqs, Metadata: NormalizeMetadata(raw, region)}, nil
}

// flexNumber accepts a JSON number, a numeric string ("50.000 EUR") or null.
type flexNumber struct {
	value float64
	set   bool
}

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			f.value, f.set = v, true
			return nil
		}
		if amounts := ParseAmounts(s); len(amounts) > 0 {
			f.value, f.set = amounts[0].Value, true
		} else if v, ok := parseNumber(s); ok {
			f.value, f.set = v, true
		}
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	f.value, f.set = v, true
	return nil
}

func (f flexNumber) ptr() *float64 {
	if !f.set {
		return nil
	}
	v := f.value
	return &v
}

func flexBool(raw json.RawMessage) bool {
	s := strings.Trim(strings.ToLower(strings.TrimSpace(string(raw))), `"`)
	return s == "true" || s == "yes" || s == "1"
}

// stringify renders a JSON value as item text. Arrays are joined with "; ".
func stringify(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var list []any
	if json.Unmarshal(raw, &list) == nil {
		parts := make([]string, 0, len(list))
		for _, v := range list {
			if p := strings.TrimSpace(fmt.Sprint(v)); p != "" {
				parts = append(parts, p)
			}
		}
		return strings.Join(parts, "; ")
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" || strings.HasPrefix(trimmed, "{") {
		return ""
	}
	return trimmed
}

func institutionName(inst *models.Institution) string {
	if inst == nil {
		return "unknown"
	}
	return inst.Name
}

func regionOf(inst *models.Institution) string {
	if inst == nil {
		return ""
	}
	return inst.Region
}

// LLMExtractor asks the model for every category and lets pattern output fill
// what the model left empty. Without a model, or when the call fails, it
// returns the pattern result with LLMError set.
type LLMExtractor struct {
	pattern *PatternExtractor
	client  *llmClient
	log     *logrus.Entry
}

// NewLLMExtractor creates an LLMExtractor. client may be nil.
func NewLLMExtractor(pattern *PatternExtractor, client *llmClient, log *logrus.Entry) *LLMExtractor {
	return &LLMExtractor{pattern: pattern, client: client, log: log.WithField("component", "llm_extractor")}
}

// Extract implements Extractor.
func (e *LLMExtractor) Extract(ctx context.Context, rawHTML string, pageURL *url.URL, inst *models.Institution) (*Result, error) {
	doc, err := e.pattern.content.Prepare(rawHTML, pageURL)
	if err != nil {
		return nil, err
	}
	res := e.pattern.FromDocument(doc, inst)
	res.Strategy = config.StrategyLLM
	if e.client == nil {
		res.LLMError = fmt.Errorf("%w: no model configured", utils.ErrLLM)
		return res, nil
	}

	out, err := e.client.extract(ctx, doc, inst, models.AllCategories)
	if err != nil {
		e.log.WithError(err).WithField("url", pageURL.String()).Warn("LLM extraction failed, using pattern output")
		res.LLMError = err
		return res, nil
	}

	merged := out.Requirements
	for cat, patternItems := range res.Requirements {
		llmItems, ok := merged[cat]
		if !ok || len(llmItems) == 0 {
			merged[cat] = patternItems
			continue
		}
		for i := range llmItems {
			if agrees(llmItems[i].Value, patternItems) {
				llmItems[i].Source = models.SourceHybrid
			}
		}
	}
	res.Requirements = merged
	res.Metadata = mergeMetadata(out.Metadata, res.Metadata)
	res.LLMUsed = true
	return res, nil
}

// agrees reports whether value overlaps any of items by case-insensitive
// containment.
func agrees(value string, items []models.RequirementItem) bool {
	v := strings.ToLower(value)
	for _, it := range items {
		o := strings.ToLower(it.Value)
		if strings.Contains(v, o) || strings.Contains(o, v) {
			return true
		}
	}
	return false
}

// mergeMetadata keeps every field of primary that is set and takes the rest
// from secondary.
func mergeMetadata(primary, secondary Metadata) Metadata {
	m := primary
	if !m.HasAmount() {
		m.AmountMin, m.AmountMax = secondary.AmountMin, secondary.AmountMax
		if secondary.HasAmount() {
			m.Currency = secondary.Currency
		}
	}
	if m.Currency == "" {
		m.Currency = secondary.Currency
	}
	if m.Deadline == "" {
		m.Deadline = secondary.Deadline
	}
	m.OpenDeadline = m.OpenDeadline || secondary.OpenDeadline
	if m.ContactEmail == "" {
		m.ContactEmail = secondary.ContactEmail
	}
	if m.ContactPhone == "" {
		m.ContactPhone = secondary.ContactPhone
	}
	if m.Region == "" {
		m.Region = secondary.Region
	}
	if len(m.FundingTypes) == 0 {
		m.FundingTypes = secondary.FundingTypes
	}
	if len(m.ProgramFocus) == 0 {
		m.ProgramFocus = secondary.ProgramFocus
	}
	return m
}

// NewOpenAIModel builds the chat model used for extraction. Any
// OpenAI-compatible endpoint works through cfg.BaseURL.
func NewOpenAIModel(cfg config.LLMConfig) (llms.Model, error) {
	key := cfg.APIKey()
	if key == "" {
		return nil, fmt.Errorf("%w: no API key in $%s", utils.ErrLLM, cfg.APIKeyEnv)
	}
	opts := []openai.Option{openai.WithModel(cfg.Model), openai.WithToken(key)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating client: %w", utils.ErrLLM, err)
	}
	return model, nil
}
