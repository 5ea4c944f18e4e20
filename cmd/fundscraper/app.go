package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/crawler"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/extract"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/fetch"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/learn"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/orchestrate"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/pdf"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/process"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/recheck"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/registry"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/sitemap"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/storage"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

const (
	storeName      = "fundscraper"
	gcInterval     = 10 * time.Minute
	maxPDFPages    = 50
	maxSitemapURLs = 5000
)

// appOptions are the command line choices that shape the wiring.
type appOptions struct {
	Fresh          bool     // wipe the state database first
	InstitutionIDs []string // limit cycles to these institutions
}

// app holds every wired component of one process.
type app struct {
	cfg        *config.AppConfig
	registry   *registry.Static
	store      *storage.BadgerStore
	index      *learn.Index
	classifier *parse.Classifier
	orch       *orchestrate.Orchestrator
	rechecker  *recheck.Rechecker
	sessions   *fetch.BigCacheSessionCache
	log        *logrus.Entry

	cancelBackground context.CancelFunc
}

// buildApp opens the store and wires the fetch, extraction, crawl, learning
// and recheck layers in dependency order.
func buildApp(ctx context.Context, cfg *config.AppConfig, opts appOptions, logger *logrus.Logger) (*app, error) {
	log := logger.WithField("component", "app")

	reg, err := registry.LoadFile(cfg.RegistryFile, cfg.Institutions)
	if err != nil {
		return nil, err
	}
	log.Infof("Registry loaded: %d institutions", reg.Len())

	extraDeny, err := utils.CompileRegexPatterns(cfg.Crawl.ExtraDenylist)
	if err != nil {
		return nil, fmt.Errorf("%w: extra_denylist: %w", utils.ErrConfigValidation, err)
	}

	bgCtx, cancel := context.WithCancel(ctx)
	storeLog := logger.WithField("component", "storage")
	store, err := storage.NewBadgerStore(bgCtx, cfg.StateDir, storeName, !opts.Fresh, storeLog)
	if err != nil {
		cancel()
		return nil, err
	}
	go store.RunGC(bgCtx, gcInterval)
	abort := func(err error) (*app, error) {
		cancel()
		store.Close()
		return nil, err
	}

	// --- Fetching ---
	httpClient := fetch.NewClient(cfg.HTTPClientSettings, logger.WithField("component", "http"))
	policy := fetch.RetryPolicy{MaxRetries: cfg.MaxRetries, InitialDelay: cfg.InitialRetryDelay, MaxDelay: cfg.MaxRetryDelay}
	fetcher := fetch.NewFetcher(httpClient, policy, logger.WithField("component", "fetcher"))
	rateLimiter := fetch.NewRateLimiter(cfg.DefaultDelayPerHost, logger.WithField("component", "rate_limiter"))
	hostPool := fetch.NewHostSemaphorePool(cfg.MaxRequestsPerHost, logger.WithField("component", "host_pool"))

	sessions, err := fetch.NewBigCacheSessionCache(bgCtx, cfg.Session.TTL, time.Now, logger.WithField("component", "sessions"))
	if err != nil {
		return abort(fmt.Errorf("session cache: %w", err))
	}
	authFetcher := fetch.NewAuthFetcher(fetch.AuthFetcherOptions{
		Fetcher:          fetcher,
		Authenticator:    fetch.NewAuthenticator(httpClient, cfg.DefaultUserAgent, cfg.Session.TTL, time.Now, logger.WithField("component", "login")),
		Sessions:         sessions,
		RateLimiter:      rateLimiter,
		HostPool:         hostPool,
		UserAgent:        cfg.DefaultUserAgent,
		SemaphoreTimeout: cfg.SemaphoreAcquireTimeout,
		MaxBodyBytes:     cfg.Crawl.MaxPDFBytes,
	}, logger.WithField("component", "fetch"))

	var robots *fetch.RobotsHandler
	if config.GetEffectiveRespectRobots(cfg.Crawl) {
		robots = fetch.NewRobotsHandler(fetcher, rateLimiter, hostPool, cfg, logger.WithField("component", "robots"))
	}
	var sitemaps *sitemap.Reader
	if cfg.Crawl.UseSitemaps {
		sitemaps = sitemap.NewReader(fetcher, rateLimiter, cfg, maxSitemapURLs, logger.WithField("component", "sitemap"))
	}

	// --- Extraction ---
	if err := process.InitTokenizer(cfg.LLM.TokenEncoding); err != nil {
		log.Warnf("Failed to initialize tokenizer with encoding '%s': %v. LLM input budget will use estimates.", cfg.LLM.TokenEncoding, err)
	} else {
		log.Debugf("Tokenizer ready (encoding %s)", cfg.LLM.TokenEncoding)
	}
	var model llms.Model
	if cfg.LLM.APIKey() != "" {
		model, err = extract.NewOpenAIModel(cfg.LLM)
		if err != nil {
			return abort(err)
		}
		log.Infof("LLM extraction enabled (model %s)", cfg.LLM.Model)
	}
	extractor, err := extract.New(cfg, model, logger.WithField("component", "extract"))
	if err != nil {
		return abort(err)
	}
	var pdfExtractor *pdf.Extractor
	if config.GetEffectiveEnablePDF(cfg.Crawl) {
		pdfExtractor = pdf.NewExtractor(maxPDFPages, logger.WithField("component", "pdf"))
	}
	scraper := crawler.NewScraper(authFetcher, extractor, pdfExtractor, cfg, logger.WithField("component", "scrape"))

	// --- Learning and crawl ---
	learnLog := logger.WithField("component", "learn")
	index := learn.NewIndex(store, cfg.Learning.ActivationConfidence, learnLog)
	learner := learn.NewLearner(store, cfg.Learning, index, learnLog)
	classifier := parse.NewClassifier(index, reg, parse.NewDenylist(extraDeny))

	crawlLog := logger.WithField("component", "crawl")
	c, err := crawler.New(crawler.Options{
		Config:       cfg,
		Store:        store,
		Classifier:   classifier,
		Institutions: reg,
		Scraper:      scraper,
		Robots:       robots,
		Sitemaps:     sitemaps,
		Learner:      learner,
	}, crawlLog)
	if err != nil {
		return abort(err)
	}

	orch, err := orchestrate.NewOrchestrator(orchestrate.Options{
		Config:         cfg,
		Registry:       reg,
		Crawler:        c,
		Learner:        learner,
		Store:          store,
		InstitutionIDs: opts.InstitutionIDs,
	}, logger.WithField("component", "cycle"))
	if err != nil {
		return abort(err)
	}

	return &app{
		cfg:              cfg,
		registry:         reg,
		store:            store,
		index:            index,
		classifier:       classifier,
		orch:             orch,
		rechecker:        recheck.New(store, scraper, reg, index, cfg, logger.WithField("component", "blacklist")),
		sessions:         sessions,
		log:              log,
		cancelBackground: cancel,
	}, nil
}

// Close stops background goroutines and closes the store.
func (a *app) Close() {
	a.cancelBackground()
	if err := a.sessions.Close(); err != nil {
		a.log.Warnf("Closing session cache: %v", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Errorf("Closing state database: %v", err)
	}
}
