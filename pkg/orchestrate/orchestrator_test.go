package orchestrate

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/crawler"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/extract"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/fetch"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/learn"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/log"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/registry"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/storage"
)

var pages = map[string]string{
	"/foerderung": `<html><body><main><h1>Förderungen</h1><ul>
<li><a href="/foerderung/startklar">Startklar</a></li>
<li><a href="/foerderung/impressum">Impressum</a></li>
</ul></main></body></html>`,
	"/foerderung/startklar": `<html lang="de"><head><title>Startklar</title></head><body><main>
<h1>Startklar</h1>
<p>Startklar unterstützt junge Unternehmen in der Gründungsphase mit einem nicht rückzahlbaren Zuschuss.</p>
<h2>Förderhöhe</h2><p>Förderhöhe: 50.000 EUR</p>
<h2>Frist</h2><p>Frist: 31.12.2025</p>
<h2>Wer wird gefördert?</h2>
<ul><li>Kleine und mittlere Unternehmen mit Sitz in Wien</li></ul>
</main></body></html>`,
	"/foerderung/impressum": `<html><head><title>Impressum</title></head><body><main>
<h1>Impressum</h1><p>Medieninhaber und Herausgeber: Example Förderbank GmbH, Musterstraße 1, 1010 Wien</p>
</main></body></html>`,
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[strings.TrimSuffix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

// twoHosts registers the same test server under two host names.
func twoHosts(t *testing.T, server *httptest.Server) *registry.Static {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	alias := "http://localhost:" + u.Port()
	reg, err := registry.New([]models.Institution{
		{ID: "alpha", Name: "Alpha", BaseURL: server.URL, SeedURLs: []string{server.URL + "/foerderung"}},
		{ID: "beta", Name: "Beta", BaseURL: alias, SeedURLs: []string{alias + "/foerderung"}},
	}, nil)
	require.NoError(t, err)
	return reg
}

type testEnv struct {
	cfg     *config.AppConfig
	store   *storage.BadgerStore
	reg     *registry.Static
	crawler *crawler.Crawler
	learner *learn.Learner
}

func newTestEnv(t *testing.T, reg *registry.Static, mutate func(*config.AppConfig)) *testEnv {
	t.Helper()
	logger := log.Discard()
	cfg := &config.AppConfig{Extraction: config.ExtractionConfig{Strategy: config.StrategyPattern}}
	if mutate != nil {
		mutate(cfg)
	}
	_, err := cfg.Validate()
	require.NoError(t, err)
	respectRobots := false
	cfg.Crawl.RespectRobots = &respectRobots

	store, err := storage.NewBadgerStore(context.Background(), t.TempDir(), "cycle", false, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	index := learn.NewIndex(store, cfg.Learning.ActivationConfidence, logger)
	learner := learn.NewLearner(store, cfg.Learning, index, logger)
	fetcher := fetch.NewAuthFetcher(fetch.AuthFetcherOptions{
		Fetcher:     fetch.NewFetcher(&http.Client{Timeout: 5 * time.Second}, fetch.RetryPolicy{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, logger),
		RateLimiter: fetch.NewRateLimiter(0, logger),
		UserAgent:   "fundscraper-test",
	}, logger)
	extractor, err := extract.New(cfg, nil, logger)
	require.NoError(t, err)

	c, err := crawler.New(crawler.Options{
		Config:       cfg,
		Store:        store,
		Classifier:   parse.NewClassifier(index, reg, parse.NewDenylist(nil)),
		Institutions: reg,
		Scraper:      crawler.NewScraper(fetcher, extractor, nil, cfg, logger),
		Learner:      learner,
	}, logger)
	require.NoError(t, err)
	return &testEnv{cfg: cfg, store: store, reg: reg, crawler: c, learner: learner}
}

func (e *testEnv) orchestrator(t *testing.T, ids ...string) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(Options{
		Config:         e.cfg,
		Registry:       e.reg,
		Crawler:        e.crawler,
		Learner:        e.learner,
		Store:          e.store,
		InstitutionIDs: ids,
	}, log.Discard())
	require.NoError(t, err)
	return o
}

func TestRunCycle_AllHostsInParallel(t *testing.T) {
	server := newTestServer(t)
	env := newTestEnv(t, twoHosts(t, server), nil)
	o := env.orchestrator(t)

	result, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	require.Len(t, result.Hosts, 2)
	assert.Equal(t, "127.0.0.1", result.Hosts[0].Host)
	assert.Equal(t, []string{"alpha"}, result.Hosts[0].Institutions)
	assert.Equal(t, "localhost", result.Hosts[1].Host)
	for _, h := range result.Hosts {
		assert.True(t, h.Success, "host %s: %s", h.Host, h.Error)
		require.NotNil(t, h.Summary)
		assert.Equal(t, 1, h.Summary.Persisted)
		assert.Greater(t, h.Learned, 0, "impressum outcome yields an exclusion")
	}
	assert.Equal(t, 2, result.Summary.Persisted)
	assert.Equal(t, result.Hosts[0].Learned+result.Hosts[1].Learned, result.Learned)
	assert.False(t, result.Interrupted)

	p := o.Progress()
	assert.Equal(t, result.RunID, p.RunID)
	assert.Equal(t, 2, p.HostsTotal)
	assert.Equal(t, 2, p.HostsDone)
	assert.False(t, p.Running)

	excludes, err := env.store.QueryURLPatterns("localhost", models.PatternExclude, 0, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, excludes, "learning is per host")
}

func TestRunCycle_InstitutionFilter(t *testing.T) {
	server := newTestServer(t)
	env := newTestEnv(t, twoHosts(t, server), nil)

	result, err := env.orchestrator(t, "beta").RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Hosts, 1)
	assert.Equal(t, "localhost", result.Hosts[0].Host)
}

func TestRunCycle_BudgetSharedAcrossHosts(t *testing.T) {
	server := newTestServer(t)
	env := newTestEnv(t, twoHosts(t, server), func(cfg *config.AppConfig) { cfg.Crawl.MaxPages = 3 })

	result, err := env.orchestrator(t).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Summary.Fetched)
	assert.True(t, result.Summary.BudgetExhausted)
}

func TestRunCycle_Cancelled(t *testing.T) {
	server := newTestServer(t)
	env := newTestEnv(t, twoHosts(t, server), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := env.orchestrator(t).RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.True(t, result.Interrupted)
	assert.Zero(t, result.Summary.Fetched)
}

func TestValidateInstitutionIDs(t *testing.T) {
	reg, err := registry.New([]models.Institution{
		{ID: "ffg", BaseURL: "https://www.ffg.at"},
		{ID: "aws", BaseURL: "https://www.aws.at"},
	}, nil)
	require.NoError(t, err)

	t.Run("all valid", func(t *testing.T) {
		assert.NoError(t, ValidateInstitutionIDs(reg, []string{"ffg", "aws"}))
	})

	t.Run("one invalid", func(t *testing.T) {
		err := ValidateInstitutionIDs(reg, []string{"ffg", "missing"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
	})

	t.Run("empty ids no error", func(t *testing.T) {
		assert.NoError(t, ValidateInstitutionIDs(reg, nil))
	})
}

func TestNewOrchestrator_RejectsUnknownInstitution(t *testing.T) {
	server := newTestServer(t)
	env := newTestEnv(t, twoHosts(t, server), nil)
	_, err := NewOrchestrator(Options{Config: env.cfg, Registry: env.reg, Crawler: env.crawler, InstitutionIDs: []string{"gamma"}}, log.Discard())
	assert.Error(t, err)
}
