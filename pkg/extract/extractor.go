package extract

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/process"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

// Extractor turns a fetched page into metadata and categorized requirements.
// Implementations never fail because the LLM is unavailable; they degrade to
// pattern output and report it on Result.LLMError.
type Extractor interface {
	Extract(ctx context.Context, rawHTML string, pageURL *url.URL, inst *models.Institution) (*Result, error)
}

// Result is the output of one extraction.
type Result struct {
	URL          string
	Title        string
	Description  string
	Metadata     Metadata
	Requirements models.Requirements
	Structured   map[string]string // og:*, JSON-LD type, language
	Document     *process.Document
	Strategy     string
	LLMUsed      bool
	LLMError     error
}

// Page builds the record persisted for this result. Tier is left for Assess.
func (r *Result) Page(inst *models.Institution, now time.Time) *models.Page {
	p := &models.Page{
		URL:                     r.URL,
		Title:                   r.Title,
		Description:             r.Description,
		FundingAmountMin:        r.Metadata.AmountMin,
		FundingAmountMax:        r.Metadata.AmountMax,
		Currency:                r.Metadata.Currency,
		Deadline:                r.Metadata.Deadline,
		OpenDeadline:            r.Metadata.OpenDeadline,
		ContactEmail:            r.Metadata.ContactEmail,
		ContactPhone:            r.Metadata.ContactPhone,
		Region:                  r.Metadata.Region,
		FundingTypes:            r.Metadata.FundingTypes,
		ProgramFocus:            r.Metadata.ProgramFocus,
		CategorizedRequirements: r.Requirements,
		Metadata:                map[string]string{"strategy": r.Strategy},
		FetchedAt:               now,
	}
	for k, v := range r.Structured {
		p.Metadata[k] = v
	}
	if r.LLMError != nil {
		p.Metadata["llm_error"] = utils.CategorizeError(r.LLMError)
	}
	if inst != nil {
		p.InstitutionID = inst.ID
	}
	if r.Document != nil {
		p.ContentHash = utils.ContentFingerprint(r.Document.Text)
	}
	return p
}

// New builds the extractor selected by cfg.Extraction.Strategy. model may be
// nil, in which case the llm and hybrid strategies run pattern-only.
func New(cfg *config.AppConfig, model llms.Model, log *logrus.Entry) (Extractor, error) {
	content := process.NewContentProcessor(log)
	pattern := NewPatternExtractor(content, log)

	var client *llmClient
	if model != nil {
		client = newLLMClient(model, cfg.LLM, log)
	} else if cfg.Extraction.Strategy != config.StrategyPattern {
		log.WithField("strategy", cfg.Extraction.Strategy).Warn("No LLM configured, extraction runs pattern-only")
	}

	switch cfg.Extraction.Strategy {
	case config.StrategyPattern:
		return pattern, nil
	case config.StrategyLLM:
		return NewLLMExtractor(pattern, client, log), nil
	case config.StrategyHybrid, "":
		return NewHybridExtractor(pattern, client, cfg.Extraction.LLMAllowlist, log), nil
	}
	return nil, fmt.Errorf("%w: unknown extraction strategy %q", utils.ErrConfigValidation, cfg.Extraction.Strategy)
}
