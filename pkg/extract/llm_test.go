package extract

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/log"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

// fakeModel answers every call with a canned response.
type fakeModel struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
	prompts  []string
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var b strings.Builder
	for _, m := range messages {
		for _, p := range m.Parts {
			if text, ok := p.(llms.TextContent); ok {
				b.WriteString(text.Text)
				b.WriteByte('\n')
			}
		}
	}
	f.prompts = append(f.prompts, b.String())
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.response}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

const llmAnswer = "```json\n" + `{
  "metadata": {
    "funding_amount_min": null,
    "funding_amount_max": "50.000 EUR",
    "currency": "EUR",
    "deadline": "2025-12-31",
    "open_deadline": "false",
    "contact_email": "startklar@example.at",
    "contact_phone": null,
    "funding_types": ["grants"],
    "program_focus": ["startup"],
    "region": "Austria"
  },
  "requirements": {
    "eligibility": [
      {"type": "company_type", "value": "Kleine und mittlere Unternehmen mit Sitz in Wien", "required": true}
    ],
    "team": [
      {"type": "team_size", "value": "Mindestens zwei Gründerinnen oder Gründer", "required": true},
      {"type": "team_size", "value": "None mentioned"}
    ],
    "impact": [
      {"type": "social_impact", "value": "SME"}
    ],
    "other": [
      {"type": "application_process", "value": ["Online-Antrag im Fördermanager", "Pitch vor der Jury"]}
    ],
    "financial": [
      {"type": "funding_amount_max", "value": "50000"},
      {"type": "co_financing", "value": "Eigenanteil von mindestens 20 % der Projektkosten"}
    ],
    "astrology": [
      {"type": "sign", "value": "Projects born under a lucky star"}
    ]
  }
}` + "\n```"

func newTestConfig(t *testing.T, strategy string) *config.AppConfig {
	t.Helper()
	cfg := &config.AppConfig{}
	cfg.Extraction.Strategy = strategy
	_, err := cfg.Validate()
	require.NoError(t, err)
	return cfg
}

func TestParseLLMResponse(t *testing.T) {
	out, err := parseLLMResponse(llmAnswer, models.AllCategories, "AT")
	require.NoError(t, err)

	reqs := out.Requirements
	require.Len(t, reqs[models.CategoryEligibility], 1)
	assert.Equal(t, models.SourceLLM, reqs[models.CategoryEligibility][0].Source)
	assert.True(t, reqs[models.CategoryEligibility][0].Required)

	require.Len(t, reqs[models.CategoryTeam], 1, "placeholder answers are dropped")

	require.Len(t, reqs[models.CategoryImpact], 1)
	assert.Zero(t, reqs[models.CategoryImpact][0].MeaningfulnessScore, "single tokens score zero")

	require.Len(t, reqs[models.CategoryApplication], 1, "items are moved by type")
	assert.Equal(t, "Online-Antrag im Fördermanager; Pitch vor der Jury", reqs[models.CategoryApplication][0].Value)

	assert.Empty(t, reqs[models.CategoryFinancial], "amount types belong to metadata")
	require.Len(t, reqs[models.CategoryCoFinancing], 1)

	for cat := range reqs {
		_, ok := models.ParseCategory(string(cat))
		assert.True(t, ok, "unknown category %q leaked", cat)
	}

	m := out.Metadata
	assert.Nil(t, m.AmountMin)
	require.NotNil(t, m.AmountMax)
	assert.Equal(t, 50000.0, *m.AmountMax)
	assert.Equal(t, "EUR", m.Currency)
	assert.Equal(t, "2025-12-31", m.Deadline)
	assert.False(t, m.OpenDeadline)
	assert.Equal(t, "startklar@example.at", m.ContactEmail)
	assert.Equal(t, "Austria", m.Region)
	assert.Equal(t, []string{"grant"}, m.FundingTypes)
}

func TestParseLLMResponse_RestrictsCategories(t *testing.T) {
	out, err := parseLLMResponse(llmAnswer, []models.Category{models.CategoryTeam}, "AT")
	require.NoError(t, err)
	assert.Len(t, out.Requirements, 1)
	assert.Len(t, out.Requirements[models.CategoryTeam], 1)
}

func TestParseLLMResponse_Malformed(t *testing.T) {
	for _, text := range []string{"", "I cannot help with that.", `{"requirements": [}`, `{"metadata": {"funding_types": "grant"}}`} {
		_, err := parseLLMResponse(text, models.AllCategories, "AT")
		require.Error(t, err, text)
		assert.True(t, errors.Is(err, utils.ErrParsing), text)
	}
}

func TestFlexNumber(t *testing.T) {
	tests := []struct {
		raw  string
		want *float64
	}{
		{`null`, nil},
		{`12500`, ptr(12500)},
		{`"12500"`, ptr(12500)},
		{`"bis zu 1,5 Mio. EUR"`, ptr(1500000)},
		{`"n/a"`, nil},
	}
	for _, tt := range tests {
		var f flexNumber
		require.NoError(t, f.UnmarshalJSON([]byte(tt.raw)), tt.raw)
		if tt.want == nil {
			assert.Nil(t, f.ptr(), tt.raw)
			continue
		}
		require.NotNil(t, f.ptr(), tt.raw)
		assert.InDelta(t, *tt.want, *f.ptr(), 0.001, tt.raw)
	}
}

func ptr(v float64) *float64 { return &v }

func TestHybridExtractor_FillsOnlyEmptyCategories(t *testing.T) {
	model := &fakeModel{response: llmAnswer}
	ext, err := New(newTestConfig(t, config.StrategyHybrid), model, log.Discard())
	require.NoError(t, err)

	res, err := ext.Extract(context.Background(), startklarPage, mustURL(t, "https://example.at/foerderung/startklar"), testInstitution)
	require.NoError(t, err)
	assert.Equal(t, config.StrategyHybrid, res.Strategy)
	assert.True(t, res.LLMUsed)
	assert.NoError(t, res.LLMError)
	assert.Equal(t, 1, model.calls)

	for _, it := range res.Requirements[models.CategoryEligibility] {
		assert.Equal(t, models.SourcePattern, it.Source, "populated pattern categories are never overwritten")
	}
	require.NotEmpty(t, res.Requirements[models.CategoryTeam])
	assert.Equal(t, models.SourceLLM, res.Requirements[models.CategoryTeam][0].Source)

	// financial is on the default allowlist and eligibility was found by pattern.
	prompt := model.prompts[0]
	assert.NotContains(t, prompt, "financial,")
	assert.NotContains(t, prompt, "eligibility,")
	assert.Contains(t, prompt, "team")
	assert.Contains(t, prompt, "Förderhöhe: 50.000 EUR")

	// Pattern metadata wins; the LLM only adds what was missing.
	assert.Equal(t, "2025-12-31", res.Metadata.Deadline)
	assert.Equal(t, "AT", res.Metadata.Region)
	assert.Contains(t, res.Metadata.ProgramFocus, "startup")
}

func TestHybridExtractor_DegradesOnFailure(t *testing.T) {
	tests := []struct {
		name  string
		model llms.Model
	}{
		{"CallError", &fakeModel{err: errors.New("rate limited")}},
		{"MalformedJSON", &fakeModel{response: "{not json"}},
		{"NoModel", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := New(newTestConfig(t, config.StrategyHybrid), tt.model, log.Discard())
			require.NoError(t, err)

			res, err := ext.Extract(context.Background(), startklarPage, mustURL(t, "https://example.at/foerderung/startklar"), testInstitution)
			require.NoError(t, err, "extraction never fails because of the LLM")
			assert.False(t, res.LLMUsed)
			require.Error(t, res.LLMError)
			assert.True(t, errors.Is(res.LLMError, utils.ErrLLM))
			assert.NotEmpty(t, res.Requirements[models.CategoryFinancial])
			for _, items := range res.Requirements {
				for _, it := range items {
					assert.Equal(t, models.SourcePattern, it.Source)
				}
			}

			page := res.Page(testInstitution, time.Now())
			assert.NotEmpty(t, page.Metadata["llm_error"])
		})
	}
}

func TestLLMExtractor_MergesAndTagsAgreement(t *testing.T) {
	model := &fakeModel{response: llmAnswer}
	ext, err := New(newTestConfig(t, config.StrategyLLM), model, log.Discard())
	require.NoError(t, err)

	res, err := ext.Extract(context.Background(), startklarPage, mustURL(t, "https://example.at/foerderung/startklar"), testInstitution)
	require.NoError(t, err)
	assert.True(t, res.LLMUsed)
	assert.Equal(t, 1, model.calls)

	// Both found the SME wording for eligibility.
	require.NotEmpty(t, res.Requirements[models.CategoryEligibility])
	assert.Equal(t, models.SourceHybrid, res.Requirements[models.CategoryEligibility][0].Source)

	// The LLM returned nothing for financial, so the pattern item fills it.
	require.NotEmpty(t, res.Requirements[models.CategoryFinancial])
	assert.Equal(t, models.SourcePattern, res.Requirements[models.CategoryFinancial][0].Source)

	// LLM metadata is primary here.
	assert.Equal(t, "Austria", res.Metadata.Region)
	require.NotNil(t, res.Metadata.AmountMax)
	assert.Equal(t, 50000.0, *res.Metadata.AmountMax)
}

func TestPatternStrategy_NeverCallsModel(t *testing.T) {
	model := &fakeModel{response: llmAnswer}
	ext, err := New(newTestConfig(t, config.StrategyPattern), model, log.Discard())
	require.NoError(t, err)

	_, err = ext.Extract(context.Background(), startklarPage, mustURL(t, "https://example.at/foerderung/startklar"), testInstitution)
	require.NoError(t, err)
	assert.Zero(t, model.calls)
}

func TestNew_UnknownStrategy(t *testing.T) {
	cfg := newTestConfig(t, config.StrategyPattern)
	cfg.Extraction.Strategy = "magic"
	_, err := New(cfg, nil, log.Discard())
	assert.True(t, errors.Is(err, utils.ErrConfigValidation))
}

func TestNewOpenAIModel_RequiresKey(t *testing.T) {
	t.Setenv("FUNDSCRAPER_TEST_KEY", "")
	_, err := NewOpenAIModel(config.LLMConfig{Model: "gpt-4o-mini", APIKeyEnv: "FUNDSCRAPER_TEST_KEY"})
	assert.True(t, errors.Is(err, utils.ErrLLM))
}
