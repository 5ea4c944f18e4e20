package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func containsWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestAppConfig_Validate_Defaults(t *testing.T) {
	cfg := AppConfig{}
	warnings, err := cfg.Validate()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MaxRequests)
	assert.Equal(t, 1, cfg.MaxRequestsPerHost)
	assert.Equal(t, "./scraper_state", cfg.StateDir)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 1*time.Second, cfg.InitialRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, 2*time.Minute, cfg.PerPageTimeout)

	assert.Equal(t, 30*time.Second, cfg.HTTPClientSettings.Timeout)
	assert.Equal(t, 100, cfg.HTTPClientSettings.MaxIdleConns)

	assert.Equal(t, 2, cfg.Crawl.MaxDepth)
	assert.Equal(t, 500, cfg.Crawl.MaxPages)
	assert.Equal(t, 100, cfg.Crawl.BatchSize)
	assert.Equal(t, models.DefaultMaxAttempts, cfg.Crawl.MaxAttempts)
	assert.Equal(t, 7*24*time.Hour, cfg.Crawl.OverviewRecheckAfter)

	assert.Equal(t, StrategyHybrid, cfg.Extraction.Strategy)
	assert.Equal(t, 30, cfg.Extraction.MinMeaningfulness)
	assert.Equal(t, []string{"financial"}, cfg.Extraction.LLMAllowlist)
	assert.Equal(t, 5, cfg.Extraction.Tiers.ExcellentCritical)
	assert.Equal(t, 1, cfg.Extraction.Tiers.FairCritical)
	assert.Equal(t, 5, cfg.Extraction.Tiers.FairMinCategories)
	assert.Equal(t, models.TierFair, cfg.Extraction.Tiers.MinTier())

	assert.Equal(t, "OPENAI_API_KEY", cfg.LLM.APIKeyEnv)
	assert.Equal(t, 0.6, cfg.Learning.ActivationConfidence)
	assert.Equal(t, 0.9, cfg.Learning.NotFoundConfidence)
	assert.Equal(t, 0.7, cfg.Learning.OtherFailureConfidence)

	assert.Equal(t, 0.5, cfg.Recheck.MinConfidence)
	assert.Equal(t, 0.8, cfg.Recheck.MaxConfidence)
	assert.Equal(t, 0.1, cfg.Recheck.ConfirmStep)
	assert.Equal(t, 5, cfg.Recheck.ReverseItems)
	assert.Equal(t, 0.5, cfg.Recheck.ParkedConfidence)

	assert.Equal(t, 60*time.Minute, cfg.Session.TTL)
	assert.Equal(t, "watch_state.json", cfg.Watch.StateFile)

	assert.True(t, containsWarning(warnings, "max_requests should be > 0"))
	assert.True(t, containsWarning(warnings, "state_dir is empty"))
	assert.True(t, containsWarning(warnings, "nothing to crawl"))
}

func TestAppConfig_Validate_UnknownStrategy(t *testing.T) {
	cfg := AppConfig{Extraction: ExtractionConfig{Strategy: "magic"}}
	_, err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrConfigValidation))
}

func TestAppConfig_Validate_AttemptsCapped(t *testing.T) {
	cfg := AppConfig{Crawl: CrawlConfig{MaxAttempts: 10}}
	warnings, err := cfg.Validate()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Crawl.MaxAttempts)
	assert.True(t, containsWarning(warnings, "max_attempts capped"))
}

func TestAppConfig_Validate_InvertedRecheckWindow(t *testing.T) {
	cfg := AppConfig{Recheck: RecheckConfig{MinConfidence: 0.9, MaxConfidence: 0.6}}
	warnings, err := cfg.Validate()
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Recheck.MinConfidence)
	assert.Equal(t, 0.8, cfg.Recheck.MaxConfidence)
	assert.True(t, containsWarning(warnings, "recheck.min_confidence"))
}

func TestAppConfig_Validate_AllowlistAndTier(t *testing.T) {
	cfg := AppConfig{Extraction: ExtractionConfig{
		LLMAllowlist: []string{"Financial", "astrology"},
		Tiers:        TierThresholds{PersistMinTier: "nonsense"},
	}}
	warnings, err := cfg.Validate()
	require.NoError(t, err)
	assert.Equal(t, []string{"financial"}, cfg.Extraction.LLMAllowlist)
	assert.Equal(t, "FAIR", cfg.Extraction.Tiers.PersistMinTier)
	assert.True(t, containsWarning(warnings, "astrology"))
}

func TestAppConfig_Validate_BadDenylistDropped(t *testing.T) {
	cfg := AppConfig{Crawl: CrawlConfig{ExtraDenylist: []string{"[broken"}}}
	warnings, err := cfg.Validate()
	require.NoError(t, err)
	assert.Nil(t, cfg.Crawl.ExtraDenylist)
	assert.True(t, containsWarning(warnings, "extra_denylist"))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
state_dir: /tmp/state
crawl:
  max_depth: 3
  max_pages: 50
  respect_robots: false
extraction:
  strategy: pattern
  tiers:
    persist_min_tier: GOOD
institutions:
  - id: aws
    name: Austria Wirtschaftsservice
    base_url: https://www.aws.at
    seed_urls: ["https://www.aws.at/foerderungen/"]
    region: AT
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Crawl.MaxDepth)
	assert.Equal(t, StrategyPattern, cfg.Extraction.Strategy)
	assert.Equal(t, models.TierGood, cfg.Extraction.Tiers.MinTier())
	assert.False(t, GetEffectiveRespectRobots(cfg.Crawl))
	assert.True(t, GetEffectiveEnablePDF(cfg.Crawl))
	require.Len(t, cfg.Institutions, 1)
	assert.Equal(t, "aws", cfg.Institutions[0].ID)
}

func TestLoad_Errors(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, utils.ErrFilesystem))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crawl: [unterminated"), 0o644))
	_, _, err = Load(path)
	assert.True(t, errors.Is(err, utils.ErrConfigValidation))
}
