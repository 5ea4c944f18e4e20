package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

// Extraction strategies.
const (
	StrategyPattern = "pattern"
	StrategyLLM     = "llm"
	StrategyHybrid  = "hybrid"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.DefaultUserAgent == "" {
		c.DefaultUserAgent = "FundScraper/1.0 (+funding-program discovery)"
	}

	if c.DefaultDelayPerHost <= 0 {
		c.DefaultDelayPerHost = 1 * time.Second
	}

	// MaxRequests
	if c.MaxRequests <= 0 {
		warnings = append(warnings, "max_requests should be > 0, defaulting to 8")
		c.MaxRequests = 8
	}

	// MaxRequestsPerHost
	if c.MaxRequestsPerHost <= 0 {
		warnings = append(warnings, "max_requests_per_host should be > 0, defaulting to 1")
		c.MaxRequestsPerHost = 1
	}

	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './scraper_state'")
		c.StateDir = "./scraper_state"
	}

	// MaxRetries
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 2
	}

	// Retry delays (only if retries enabled)
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}

	// InitialRetryDelay > MaxRetryDelay check
	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}

	if c.GlobalCrawlTimeout < 0 {
		warnings = append(warnings, "global_crawl_timeout cannot be negative, disabling timeout")
		c.GlobalCrawlTimeout = 0
	}

	if c.PerPageTimeout < 0 {
		warnings = append(warnings, "per_page_timeout cannot be negative, using 2m")
		c.PerPageTimeout = 0
	}
	if c.PerPageTimeout == 0 {
		c.PerPageTimeout = 2 * time.Minute
	}

	c.validateHTTPClientSettings()
	warnings = append(warnings, c.validateCrawl()...)

	w, err := c.validateExtraction()
	warnings = append(warnings, w...)
	if err != nil {
		return warnings, err
	}

	c.validateLLM()
	warnings = append(warnings, c.validateLearning()...)
	warnings = append(warnings, c.validateRecheck()...)

	if c.Session.TTL <= 0 {
		c.Session.TTL = 60 * time.Minute
	}

	c.validateWatch()

	if c.RegistryFile == "" && len(c.Institutions) == 0 {
		warnings = append(warnings, "no registry_file and no inline institutions: nothing to crawl")
	}

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 30 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

func (c *AppConfig) validateCrawl() (warnings []string) {
	cr := &c.Crawl
	if cr.MaxDepth < 0 {
		warnings = append(warnings, "crawl.max_depth cannot be negative, setting to 0 (seeds only)")
		cr.MaxDepth = 0
	}
	if cr.MaxDepth == 0 {
		cr.MaxDepth = 2
	}
	if cr.MaxPages <= 0 {
		warnings = append(warnings, "crawl.max_pages should be > 0, defaulting to 500")
		cr.MaxPages = 500
	}
	if cr.BatchSize <= 0 {
		cr.BatchSize = 100
	}
	if cr.MaxAttempts <= 0 {
		cr.MaxAttempts = models.DefaultMaxAttempts
	}
	if cr.MaxAttempts > models.DefaultMaxAttempts {
		warnings = append(warnings, fmt.Sprintf("crawl.max_attempts capped at %d", models.DefaultMaxAttempts))
		cr.MaxAttempts = models.DefaultMaxAttempts
	}
	if cr.MaxConcurrentHosts <= 0 {
		cr.MaxConcurrentHosts = 4
	}
	if cr.OverviewRecheckAfter <= 0 {
		cr.OverviewRecheckAfter = 7 * 24 * time.Hour
	}
	if cr.MaxPDFBytes <= 0 {
		cr.MaxPDFBytes = 20 << 20
	}
	if _, err := utils.CompileRegexPatterns(cr.ExtraDenylist); err != nil {
		warnings = append(warnings, fmt.Sprintf("crawl.extra_denylist ignored: %v", err))
		cr.ExtraDenylist = nil
	}
	return warnings
}

func (c *AppConfig) validateExtraction() (warnings []string, err error) {
	e := &c.Extraction
	e.Strategy = strings.ToLower(strings.TrimSpace(e.Strategy))
	switch e.Strategy {
	case "":
		e.Strategy = StrategyHybrid
	case StrategyPattern, StrategyLLM, StrategyHybrid:
	default:
		return warnings, fmt.Errorf("%w: unknown extraction.strategy %q", utils.ErrConfigValidation, e.Strategy)
	}

	if e.MinMeaningfulness < 0 || e.MinMeaningfulness > 100 {
		warnings = append(warnings, "extraction.min_meaningfulness must be within [0,100], defaulting to 30")
		e.MinMeaningfulness = 30
	}
	if e.MinMeaningfulness == 0 {
		e.MinMeaningfulness = 30
	}

	if e.LLMAllowlist == nil {
		e.LLMAllowlist = []string{string(models.CategoryFinancial)}
	}
	kept := e.LLMAllowlist[:0]
	for _, name := range e.LLMAllowlist {
		if cat, ok := models.ParseCategory(name); ok {
			kept = append(kept, string(cat))
		} else {
			warnings = append(warnings, fmt.Sprintf("extraction.llm_allowlist: unknown category %q dropped", name))
		}
	}
	e.LLMAllowlist = kept

	t := &e.Tiers
	if t.ExcellentCritical <= 0 {
		t.ExcellentCritical = 5
	}
	if t.GoodCritical <= 0 {
		t.GoodCritical = 1
	}
	if t.FairCritical <= 0 {
		t.FairCritical = 1
	}
	if t.FairMinCategories <= 0 {
		t.FairMinCategories = 5
	}
	if t.PersistMinTier == "" {
		t.PersistMinTier = models.TierFair.String()
	} else if _, perr := models.ParseTier(t.PersistMinTier); perr != nil {
		warnings = append(warnings, fmt.Sprintf("extraction.tiers.persist_min_tier %q invalid, using FAIR", t.PersistMinTier))
		t.PersistMinTier = models.TierFair.String()
	}
	if t.GoodCritical > t.ExcellentCritical {
		warnings = append(warnings, "extraction.tiers.good_critical exceeds excellent_critical")
	}
	return warnings, nil
}

func (c *AppConfig) validateLLM() {
	l := &c.LLM
	if l.Model == "" {
		l.Model = "gpt-4o-mini"
	}
	if l.APIKeyEnv == "" {
		l.APIKeyEnv = "OPENAI_API_KEY"
	}
	if l.MaxInputTokens <= 0 {
		l.MaxInputTokens = 6000
	}
	if l.ChunkTokens <= 0 {
		l.ChunkTokens = 1000
	}
	if l.Timeout <= 0 {
		l.Timeout = 60 * time.Second
	}
	if l.TokenEncoding == "" {
		l.TokenEncoding = "cl100k_base"
	}
}

func (c *AppConfig) validateLearning() (warnings []string) {
	l := &c.Learning
	if l.ActivationConfidence <= 0 || l.ActivationConfidence > 1 {
		if l.ActivationConfidence != 0 {
			warnings = append(warnings, "learning.activation_confidence must be within (0,1], defaulting to 0.6")
		}
		l.ActivationConfidence = 0.6
	}
	if l.NotFoundConfidence <= 0 || l.NotFoundConfidence > 1 {
		l.NotFoundConfidence = 0.9
	}
	if l.OtherFailureConfidence <= 0 || l.OtherFailureConfidence > 1 {
		l.OtherFailureConfidence = 0.7
	}
	return warnings
}

func (c *AppConfig) validateRecheck() (warnings []string) {
	r := &c.Recheck
	if r.MaxSamples <= 0 {
		r.MaxSamples = 10
	}
	if r.MinConfidence <= 0 {
		r.MinConfidence = 0.5
	}
	if r.MaxConfidence <= 0 {
		r.MaxConfidence = 0.8
	}
	if r.MinConfidence >= r.MaxConfidence {
		warnings = append(warnings, fmt.Sprintf(
			"recheck.min_confidence (%.2f) >= max_confidence (%.2f), using 0.5/0.8",
			r.MinConfidence, r.MaxConfidence))
		r.MinConfidence, r.MaxConfidence = 0.5, 0.8
	}
	if r.ConfirmStep <= 0 {
		r.ConfirmStep = 0.1
	}
	if r.ReverseItems <= 0 {
		r.ReverseItems = 5
	}
	if r.ParkedConfidence <= 0 {
		r.ParkedConfidence = r.MinConfidence
	}
	return warnings
}

func (c *AppConfig) validateWatch() {
	w := &c.Watch
	if w.StateFile == "" {
		w.StateFile = "watch_state.json"
	}
	if w.CycleInterval <= 0 {
		w.CycleInterval = 7 * 24 * time.Hour
	}
	if w.RecheckInterval <= 0 {
		w.RecheckInterval = 7 * 24 * time.Hour
	}
	if w.CheckEvery <= 0 {
		w.CheckEvery = time.Minute
	}
}
