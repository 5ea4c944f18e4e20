package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	DefaultUserAgent        string               `yaml:"default_user_agent"`
	DefaultDelayPerHost     time.Duration        `yaml:"default_delay_per_host"`
	MaxRequests             int                  `yaml:"max_requests"`
	MaxRequestsPerHost      int                  `yaml:"max_requests_per_host"`
	StateDir                string               `yaml:"state_dir"`
	MaxRetries              int                  `yaml:"max_retries,omitempty"`
	InitialRetryDelay       time.Duration        `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay           time.Duration        `yaml:"max_retry_delay,omitempty"`
	SemaphoreAcquireTimeout time.Duration        `yaml:"semaphore_acquire_timeout,omitempty"`
	GlobalCrawlTimeout      time.Duration        `yaml:"global_crawl_timeout,omitempty"`
	PerPageTimeout          time.Duration        `yaml:"per_page_timeout,omitempty"` // Bound on one job, also used when draining after cancel
	HTTPClientSettings      HTTPClientConfig     `yaml:"http_client_settings,omitempty"`
	RegistryFile            string               `yaml:"registry_file,omitempty"`
	Institutions            []models.Institution `yaml:"institutions,omitempty"` // Inline registry, merged with registry_file
	Crawl                   CrawlConfig          `yaml:"crawl"`
	Extraction              ExtractionConfig     `yaml:"extraction"`
	LLM                     LLMConfig            `yaml:"llm"`
	Learning                LearningConfig       `yaml:"learning"`
	Recheck                 RecheckConfig        `yaml:"recheck"`
	Session                 SessionConfig        `yaml:"session"`
	Watch                   WatchConfig          `yaml:"watch"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// CrawlConfig bounds BFS discovery.
type CrawlConfig struct {
	MaxDepth             int           `yaml:"max_depth"`
	MaxPages             int           `yaml:"max_pages"` // Global fetch budget per cycle
	BatchSize            int           `yaml:"batch_size"`
	MaxAttempts          int           `yaml:"max_attempts"`
	MaxConcurrentHosts   int           `yaml:"max_concurrent_hosts"`
	OverviewRecheckAfter time.Duration `yaml:"overview_recheck_after"`
	UseSitemaps          bool          `yaml:"use_sitemaps,omitempty"`
	RespectRobots        *bool         `yaml:"respect_robots,omitempty"`
	EnablePDF            *bool         `yaml:"enable_pdf,omitempty"`
	MaxPDFBytes          int64         `yaml:"max_pdf_bytes,omitempty"`
	ExtraDenylist        []string      `yaml:"extra_denylist,omitempty"` // Regexes over URL paths
}

// ExtractionConfig selects the extractor strategy and tiering.
type ExtractionConfig struct {
	Strategy          string         `yaml:"strategy"` // pattern | llm | hybrid
	MinMeaningfulness int            `yaml:"min_meaningfulness"`
	LLMAllowlist      []string       `yaml:"llm_allowlist,omitempty"` // Categories never delegated to the LLM
	Tiers             TierThresholds `yaml:"tiers"`
}

// TierThresholds parameterize quality tiering. A page with FairMinCategories
// or more categories reaches FAIR without any critical category or amount.
type TierThresholds struct {
	ExcellentCritical int    `yaml:"excellent_critical"`
	GoodCritical      int    `yaml:"good_critical"`
	FairCritical      int    `yaml:"fair_critical"`
	FairMinCategories int    `yaml:"fair_min_categories,omitempty"`
	PersistMinTier    string `yaml:"persist_min_tier"`
}

// MinTier returns the parsed persistence threshold, FAIR if unparsable.
func (t TierThresholds) MinTier() models.Tier {
	tier, err := models.ParseTier(t.PersistMinTier)
	if err != nil {
		return models.TierFair
	}
	return tier
}

// LLMConfig configures the LLM collaborator. An empty API key disables it.
type LLMConfig struct {
	Model          string        `yaml:"model"`
	APIKeyEnv      string        `yaml:"api_key_env"`
	BaseURL        string        `yaml:"base_url,omitempty"`
	MaxInputTokens int           `yaml:"max_input_tokens"`
	ChunkTokens    int           `yaml:"chunk_tokens"`
	Timeout        time.Duration `yaml:"timeout"`
	TokenEncoding  string        `yaml:"token_encoding"`
}

// APIKey resolves the key from the environment.
func (l LLMConfig) APIKey() string {
	if l.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(l.APIKeyEnv)
}

// LearningConfig tunes the pattern learner and classifier activation.
type LearningConfig struct {
	ActivationConfidence   float64 `yaml:"activation_confidence"`
	NotFoundConfidence     float64 `yaml:"not_found_confidence"`
	OtherFailureConfidence float64 `yaml:"other_failure_confidence"`
}

// RecheckConfig tunes the blacklist recheck loop.
type RecheckConfig struct {
	MaxSamples       int     `yaml:"max_samples"`
	MinConfidence    float64 `yaml:"min_confidence"`
	MaxConfidence    float64 `yaml:"max_confidence"`
	ConfirmStep      float64 `yaml:"confirm_step"`
	ReverseItems     int     `yaml:"reverse_items"`
	ParkedConfidence float64 `yaml:"parked_confidence"`
}

// SessionConfig tunes the login session cache.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// WatchConfig configures the periodic scheduler.
type WatchConfig struct {
	StateFile       string        `yaml:"state_file"`
	CycleInterval   time.Duration `yaml:"cycle_interval"`
	RecheckInterval time.Duration `yaml:"recheck_interval"`
	CheckEvery      time.Duration `yaml:"check_every"`
}

// GetEffectiveRespectRobots defaults to true when unset.
func GetEffectiveRespectRobots(c CrawlConfig) bool {
	if c.RespectRobots != nil {
		return *c.RespectRobots
	}
	return true
}

// GetEffectiveEnablePDF defaults to true when unset.
func GetEffectiveEnablePDF(c CrawlConfig) bool {
	if c.EnablePDF != nil {
		return *c.EnablePDF
	}
	return true
}

// Load reads, parses and validates a YAML config file.
func Load(path string) (*AppConfig, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read config '%s': %w", utils.ErrFilesystem, path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("%w: parse config '%s': %w", utils.ErrConfigValidation, path, err)
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, warnings, err
	}
	return &cfg, warnings, nil
}
