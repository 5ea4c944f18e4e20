package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/extract"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/fetch"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/learn"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/log"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/pdf"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/registry"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/storage"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

const startklarHTML = `<!DOCTYPE html>
<html lang="de">
<head><title>Startklar | Example Förderbank</title></head>
<body>
  <main>
    <h1>Startklar</h1>
    <p>Startklar unterstützt junge Unternehmen in der Gründungsphase mit einem nicht rückzahlbaren Zuschuss.</p>
    <h2>Förderhöhe</h2>
    <p>Förderhöhe: 50.000 EUR</p>
    <h2>Frist</h2>
    <p>Frist: 31.12.2025</p>
    <h2>Wer wird gefördert?</h2>
    <ul>
      <li>Kleine und mittlere Unternehmen mit Sitz in Wien</li>
      <li>Gründung vor weniger als 5 Jahren</li>
    </ul>
  </main>
</body>
</html>`

const impressumHTML = `<!DOCTYPE html>
<html lang="de">
<head><title>Impressum | Example Förderbank</title></head>
<body>
  <main>
    <h1>Impressum</h1>
    <p>Medieninhaber und Herausgeber: Example Förderbank GmbH</p>
    <p>Musterstraße 1, 1010 Wien</p>
  </main>
</body>
</html>`

// leitfadenHTML names no critical category and no amount but covers legal,
// reporting, documents, evaluation, ip_rights, project and technical.
const leitfadenHTML = `<!DOCTYPE html>
<html lang="de">
<head><title>Leitfaden | Example Förderbank</title></head>
<body>
  <main>
    <h1>Leitfaden</h1>
    <p>Die Richtlinie folgt der De-minimis-Verordnung der Europäischen Union.</p>
    <p>Ein Endbericht ist nach Abschluss des Vorhabens vorzulegen.</p>
    <p>Ein Businessplan und ein Kostenplan sind als Unterlagen beizulegen.</p>
    <p>Anträge werden durch eine Jury nach Bewertungskriterien begutachtet.</p>
    <p>Schutzrechte und Patente verbleiben beim Fördernehmer.</p>
    <p>Das Vorhaben muss einen Prototyp im Labor demonstrieren.</p>
  </main>
</body>
</html>`

func overviewHTML(paths ...string) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>Förderungen</title></head><body><main><h1>Förderungen</h1><ul>`)
	for _, p := range paths {
		fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, p, p)
	}
	b.WriteString(`</ul></main></body></html>`)
	return b.String()
}

// site serves fixed pages by path and counts requests per path.
type site struct {
	mu     sync.Mutex
	pages  map[string]string
	status map[string]int
	hits   map[string]int
}

func newSite() *site {
	return &site{pages: make(map[string]string), status: make(map[string]int), hits: make(map[string]int)}
}

func (s *site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	path := strings.TrimSuffix(r.URL.Path, "/")
	s.hits[path]++
	body, ok := s.pages[path]
	status := s.status[path]
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, body)
}

func (s *site) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

type testEnv struct {
	site    *site
	server  *httptest.Server
	cfg     *config.AppConfig
	store   *storage.BadgerStore
	index   *learn.Index
	learner *learn.Learner
	reg     *registry.Static
	scraper *Scraper
	seeds   []registry.Seed
}

func newTestEnv(t *testing.T, s *site) *testEnv {
	t.Helper()
	logger := log.Discard()
	server := httptest.NewServer(s)
	t.Cleanup(server.Close)

	cfg := &config.AppConfig{Extraction: config.ExtractionConfig{Strategy: config.StrategyPattern}}
	_, err := cfg.Validate()
	require.NoError(t, err)
	respectRobots := false
	cfg.Crawl.RespectRobots = &respectRobots
	cfg.PerPageTimeout = 10 * time.Second

	store, err := storage.NewBadgerStore(context.Background(), t.TempDir(), "crawl", false, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	index := learn.NewIndex(store, cfg.Learning.ActivationConfidence, logger)
	learner := learn.NewLearner(store, cfg.Learning, index, logger)
	reg, err := registry.New([]models.Institution{{
		ID:           "example",
		Name:         "Example Förderbank",
		BaseURL:      server.URL,
		SeedURLs:     []string{server.URL + "/foerderung/"},
		FundingTypes: []string{"grant"},
		Region:       "AT",
	}}, nil)
	require.NoError(t, err)

	fetcher := fetch.NewAuthFetcher(fetch.AuthFetcherOptions{
		Fetcher:     fetch.NewFetcher(&http.Client{Timeout: 5 * time.Second}, fetch.RetryPolicy{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, logger),
		RateLimiter: fetch.NewRateLimiter(0, logger),
		UserAgent:   "fundscraper-test",
	}, logger)
	extractor, err := extract.New(cfg, nil, logger)
	require.NoError(t, err)

	return &testEnv{
		site:    s,
		server:  server,
		cfg:     cfg,
		store:   store,
		index:   index,
		learner: learner,
		reg:     reg,
		scraper: NewScraper(fetcher, extractor, pdf.NewExtractor(10, logger), cfg, logger),
		seeds:   reg.GetAllSeedURLs(),
	}
}

func (e *testEnv) crawler(t *testing.T, budget *Budget) *Crawler {
	t.Helper()
	c, err := New(Options{
		Config:       e.cfg,
		Store:        e.store,
		Classifier:   parse.NewClassifier(e.index, e.reg, parse.NewDenylist(nil)),
		Institutions: e.reg,
		Scraper:      e.scraper,
		Learner:      e.learner,
		Budget:       budget,
	}, log.Discard())
	require.NoError(t, err)
	return c
}

func (e *testEnv) url(path string) string { return e.server.URL + path }

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func (e *testEnv) job(t *testing.T, path string) *models.CrawlJob {
	t.Helper()
	canonical, _, err := parse.ParseAndNormalize(e.url(path))
	require.NoError(t, err)
	job, found, err := e.store.GetJob(canonical)
	require.NoError(t, err)
	require.True(t, found, "no job for %s", path)
	return job
}

func programSite() *site {
	s := newSite()
	s.pages["/foerderung"] = overviewHTML(
		"/foerderung/startklar",
		"/foerderung/impressum",
		"/datenschutz",
		"/foerderung/?page=2",
		"/files/antrag.docx",
		"/foerdermanager/start",
	)
	s.pages["/foerderung/startklar"] = startklarHTML
	s.pages["/foerderung/impressum"] = impressumHTML
	return s
}

func TestCrawler_DiscoversAndExtracts(t *testing.T) {
	env := newTestEnv(t, programSite())
	summary, outcomes, err := env.crawler(t, nil).Run(context.Background(), env.seeds)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Done, "overview, startklar and impressum")
	assert.Equal(t, 1, summary.Overview)
	assert.Equal(t, 1, summary.Persisted)
	assert.Equal(t, 1, summary.Discarded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 4, summary.Skipped)
	assert.Equal(t, map[string]int{
		models.SkipExcluded:     1,
		models.SkipQueryListing: 1,
		models.SkipDownload:     1,
		models.SkipLoginWall:    1,
	}, summary.SkipReasons)
	assert.False(t, summary.Interrupted)

	overview := env.job(t, "/foerderung/")
	assert.Equal(t, models.JobStatusDone, overview.Status)
	assert.True(t, overview.IsOverviewPage)

	startklar := env.job(t, "/foerderung/startklar")
	assert.Equal(t, models.JobStatusDone, startklar.Status)
	assert.Equal(t, 1, startklar.Depth)
	page, found, err := env.store.GetPage(startklar.URL)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, page.FundingAmountMax)
	assert.Equal(t, 50000.0, *page.FundingAmountMax)
	assert.Equal(t, "EUR", page.Currency)
	assert.Equal(t, "2025-12-31", page.Deadline)
	assert.Equal(t, "example", page.InstitutionID)
	assert.GreaterOrEqual(t, page.Tier, models.TierFair)

	impressum := env.job(t, "/foerderung/impressum")
	assert.Equal(t, models.JobStatusDone, impressum.Status)
	assert.Equal(t, models.TierPoor.String(), impressum.Tier)
	_, found, err = env.store.GetPage(impressum.URL)
	require.NoError(t, err)
	assert.False(t, found, "POOR pages are not persisted")

	assert.Equal(t, models.JobStatusSkipped, env.job(t, "/datenschutz").Status)
	assert.Equal(t, models.SkipDownload, env.job(t, "/files/antrag.docx").SkipReason)
	assert.Equal(t, models.SkipQueryListing, env.job(t, "/foerderung/?page=2").SkipReason)
	assert.Zero(t, env.site.hitCount("/datenschutz"))
	assert.Zero(t, env.site.hitCount("/files/antrag.docx"))
	assert.Zero(t, env.site.hitCount("/foerdermanager/start"))

	assert.ElementsMatch(t, []learn.Outcome{
		{URL: startklar.URL, Good: true},
		{URL: impressum.URL, Good: false},
	}, outcomes)
}

func TestCrawler_PersistsPageWithManyCategoriesAndNoAmount(t *testing.T) {
	s := newSite()
	s.pages["/foerderung"] = overviewHTML("/foerderung/leitfaden")
	s.pages["/foerderung/leitfaden"] = leitfadenHTML
	env := newTestEnv(t, s)

	summary, outcomes, err := env.crawler(t, nil).Run(context.Background(), env.seeds)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Persisted)
	assert.Equal(t, 0, summary.Discarded)

	job := env.job(t, "/foerderung/leitfaden")
	assert.Equal(t, models.TierFair.String(), job.Tier)
	page, found, err := env.store.GetPage(job.URL)
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, page.FundingAmountMax)
	assert.Zero(t, page.CategorizedRequirements.CriticalCount())
	assert.GreaterOrEqual(t, page.CategorizedRequirements.Count(), env.cfg.Extraction.Tiers.FairMinCategories)
	assert.Equal(t, []learn.Outcome{{URL: job.URL, Good: true}}, outcomes)
}

func TestCrawler_SecondRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t, programSite())
	_, _, err := env.crawler(t, nil).Run(context.Background(), env.seeds)
	require.NoError(t, err)
	before := env.site.hitCount("/foerderung/startklar")

	summary, outcomes, err := env.crawler(t, nil).Run(context.Background(), env.seeds)
	require.NoError(t, err)
	assert.Zero(t, summary.Fetched)
	assert.Zero(t, summary.Discovered)
	assert.Empty(t, outcomes)
	assert.Equal(t, before, env.site.hitCount("/foerderung/startklar"))
}

func TestCrawler_OverviewRediscoveredWhenStale(t *testing.T) {
	env := newTestEnv(t, programSite())
	c := env.crawler(t, nil)
	_, _, err := c.Run(context.Background(), env.seeds)
	require.NoError(t, err)
	before := env.site.hitCount("/foerderung")

	c.now = func() time.Time { return time.Now().Add(env.cfg.Crawl.OverviewRecheckAfter + time.Hour) }
	summary, _, err := c.Run(context.Background(), env.seeds)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Fetched, "only the overview seed is fetched again")
	assert.Equal(t, 1, summary.Overview)
	assert.Equal(t, before+1, env.site.hitCount("/foerderung"))
}

func TestCrawler_RetriesServerErrorsUpToMaxAttempts(t *testing.T) {
	s := newSite()
	s.pages["/foerderung"] = overviewHTML("/foerderung/kaputt")
	s.status["/foerderung/kaputt"] = http.StatusInternalServerError
	env := newTestEnv(t, s)

	summary, _, err := env.crawler(t, nil).Run(context.Background(), env.seeds)
	require.NoError(t, err)

	job := env.job(t, "/foerderung/kaputt")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, env.cfg.Crawl.MaxAttempts, job.Attempts)
	assert.Equal(t, env.cfg.Crawl.MaxAttempts, s.hitCount("/foerderung/kaputt"))
	assert.Equal(t, "RetryFailed_HTTPServer", job.ErrorType)
	assert.Equal(t, env.cfg.Crawl.MaxAttempts-1, summary.Retried)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)

	host := parse.HostOf(mustParse(t, env.url("/")))
	excludes, err := env.store.QueryURLPatterns(host, models.PatternExclude, 0, 1)
	require.NoError(t, err)
	assert.Empty(t, excludes, "server errors never become exclusions")
}

func TestCrawler_NotFoundRecordsExclusion(t *testing.T) {
	s := newSite()
	s.pages["/foerderung"] = overviewHTML("/foerderung/alt")
	env := newTestEnv(t, s)

	summary, _, err := env.crawler(t, nil).Run(context.Background(), env.seeds)
	require.NoError(t, err)

	job := env.job(t, "/foerderung/alt")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts, "client errors are not retried")
	assert.Equal(t, "HTTP_404", job.ErrorType)
	assert.Equal(t, 1, summary.Failed)

	host := parse.HostOf(mustParse(t, env.url("/")))
	excludes, err := env.store.QueryURLPatterns(host, models.PatternExclude, 0, 1)
	require.NoError(t, err)
	require.Len(t, excludes, 1)
	assert.Equal(t, "^/foerderung/alt$", excludes[0].Pattern)
	assert.InDelta(t, 0.9, excludes[0].Confidence, 1e-9)
	assert.Equal(t, models.PatternSourceManual, excludes[0].Source)
	assert.Len(t, env.index.ActivePatterns(host, models.PatternExclude), 1)
}

func TestCrawler_CancelLeavesJobsQueuedAndResumes(t *testing.T) {
	env := newTestEnv(t, programSite())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, _, err := env.crawler(t, nil).Run(ctx, env.seeds)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, summary.Interrupted)
	assert.Zero(t, summary.Fetched)
	assert.Equal(t, models.JobStatusQueued, env.job(t, "/foerderung/").Status)
	assert.Zero(t, env.site.hitCount("/foerderung"))

	summary, outcomes, err := env.crawler(t, nil).Run(context.Background(), env.seeds)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Resumed)
	assert.Equal(t, 1, summary.Persisted)
	assert.Len(t, outcomes, 2)
	assert.Equal(t, models.JobStatusDone, env.job(t, "/foerderung/").Status)
}

func TestCrawler_ResumeReopensInterruptedJob(t *testing.T) {
	env := newTestEnv(t, programSite())

	// A job left running by a crashed process.
	canonical, _, err := parse.ParseAndNormalize(env.url("/foerderung/startklar"))
	require.NoError(t, err)
	job := models.NewCrawlJob(canonical, env.seeds[0].URL, env.seeds[0].Host, 1, time.Now())
	require.NoError(t, job.Enqueue(time.Now()))
	require.NoError(t, job.Start(time.Now()))
	require.NoError(t, env.store.SaveJob(job))
	_, err = env.store.MarkSeen(canonical, time.Now())
	require.NoError(t, err)

	summary, _, err := env.crawler(t, nil).Run(context.Background(), env.seeds)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Resumed)

	resumed := env.job(t, "/foerderung/startklar")
	assert.Equal(t, models.JobStatusDone, resumed.Status)
	assert.Equal(t, 1, resumed.Attempts, "the interrupted attempt does not count")
	assert.Equal(t, 1, env.site.hitCount("/foerderung/startklar"))
}

func TestCrawler_BudgetStopsFetching(t *testing.T) {
	env := newTestEnv(t, programSite())

	budget := NewBudget(1)
	summary, _, err := env.crawler(t, budget).Run(context.Background(), env.seeds)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Fetched)
	assert.Equal(t, 1, budget.Used())
	assert.True(t, summary.BudgetExhausted)
	assert.Zero(t, env.site.hitCount("/foerderung/startklar"))
}

func TestCrawler_LoginWallFailsWithoutRetry(t *testing.T) {
	s := newSite()
	s.pages["/foerderung"] = overviewHTML("/foerderung/mitglieder")
	s.pages["/foerderung/mitglieder"] = `<html><body><main><p>Anmeldung erforderlich</p></main></body></html>`
	env := newTestEnv(t, s)

	summary, outcomes, err := env.crawler(t, nil).Run(context.Background(), env.seeds)
	require.NoError(t, err)

	job := env.job(t, "/foerderung/mitglieder")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "Auth_LoginRequired", job.ErrorType)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, outcomes, "a login wall says nothing about the URL pattern")
}

func TestClientStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"NotFound", fmt.Errorf("%w: status 404 Not Found", utils.ErrClientHTTPError), 404},
		{"Gone", fmt.Errorf("%w: status 410 Gone", utils.ErrClientHTTPError), 410},
		{"BadRequest", fmt.Errorf("%w: status 400 Bad Request", utils.ErrClientHTTPError), 400},
		{"Forbidden", fmt.Errorf("%w: status 403 Forbidden", utils.ErrClientHTTPError), 0},
		{"TooManyRequests", fmt.Errorf("%w: %w", utils.ErrRetryFailed, fmt.Errorf("%w: status 429 Too Many Requests", utils.ErrClientHTTPError)), 0},
		{"Server", fmt.Errorf("%w: status 500 Internal Server Error", utils.ErrServerHTTPError), 0},
		{"Auth", fmt.Errorf("%w: %w", utils.ErrAuth, fmt.Errorf("%w: status 404 Not Found", utils.ErrClientHTTPError)), 0},
		{"Other", errors.New("boom"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clientStatus(tt.err))
		})
	}
}

func TestBudget(t *testing.T) {
	b := NewBudget(2)
	assert.True(t, b.Take())
	assert.False(t, b.Exhausted())
	assert.True(t, b.Take())
	assert.True(t, b.Exhausted())
	assert.False(t, b.Take())
	assert.Equal(t, 2, b.Used())

	unlimited := NewBudget(0)
	for range 10 {
		assert.True(t, unlimited.Take())
	}
	assert.False(t, unlimited.Exhausted())
}

func TestSummary_Merge(t *testing.T) {
	a := NewSummary()
	a.Done, a.Tiers["GOOD"] = 2, 1
	b := NewSummary()
	b.Done, b.Failed, b.Tiers["GOOD"], b.Interrupted = 1, 1, 2, true
	b.recordError("https://example.at/x", "HTTP_404", "gone")

	a.Merge(b)
	assert.Equal(t, 3, a.Done)
	assert.Equal(t, 1, a.Failed)
	assert.Equal(t, 3, a.Tiers["GOOD"])
	assert.True(t, a.Interrupted)
	assert.Len(t, a.Errors, 1)
}
