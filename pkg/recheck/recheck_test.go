package recheck

import (
	"context"
	"fmt"
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
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/storage"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

const programHTML = `<html lang="de"><head><title>Startklar</title></head><body><main>
<h1>Startklar</h1>
<p>Startklar unterstützt junge Unternehmen in der Gründungsphase mit einem nicht rückzahlbaren Zuschuss.</p>
<h2>Förderhöhe</h2><p>Förderhöhe: 50.000 EUR</p>
<h2>Frist</h2><p>Frist: 31.12.2025</p>
<h2>Wer wird gefördert?</h2>
<ul><li>Kleine und mittlere Unternehmen mit Sitz in Wien</li><li>Gründung vor weniger als 5 Jahren</li></ul>
</main></body></html>`

const emptyHTML = `<html><head><title>Leer</title></head><body><main></main></body></html>`

var testNow = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type response struct {
	html string
	err  error
}

type stubFetcher map[string]response

func (s stubFetcher) Fetch(_ context.Context, rawURL string, _ *models.Institution) (*fetch.Result, error) {
	r, ok := s[rawURL]
	if !ok {
		return nil, fmt.Errorf("%w: status 404 Not Found", utils.ErrClientHTTPError)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &fetch.Result{URL: rawURL, FinalURL: rawURL, Status: 200, ContentType: "text/html", Body: []byte(r.html)}, nil
}

type recordingIndex struct{ hosts []string }

func (r *recordingIndex) Invalidate(host string) { r.hosts = append(r.hosts, host) }

func newTestConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := &config.AppConfig{Extraction: config.ExtractionConfig{Strategy: config.StrategyPattern}}
	_, err := cfg.Validate()
	require.NoError(t, err)
	return cfg
}

func newTestRechecker(t *testing.T, cfg *config.AppConfig, pages stubFetcher) (*Rechecker, *storage.BadgerStore, *recordingIndex) {
	t.Helper()
	store, err := storage.NewBadgerStore(context.Background(), t.TempDir(), "recheck", false, log.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	extractor, err := extract.New(cfg, nil, log.Discard())
	require.NoError(t, err)
	scraper := crawler.NewScraper(pages, extractor, nil, cfg, log.Discard())
	index := &recordingIndex{}
	r := New(store, scraper, nil, index, cfg, log.Discard())
	r.now = func() time.Time { return testNow }
	return r, store, index
}

func exclude(path string, conf float64, from string) models.URLPattern {
	return models.URLPattern{
		Host:           "example.at",
		Type:           models.PatternExclude,
		Pattern:        path,
		Confidence:     conf,
		UsageCount:     1,
		LearnedFromURL: from,
		Source:         models.PatternSourceLearned,
		CreatedAt:      testNow.Add(-24 * time.Hour),
	}
}

func stored(t *testing.T, store *storage.BadgerStore, p models.URLPattern) (models.URLPattern, bool) {
	t.Helper()
	all, err := store.QueryURLPatterns(p.Host, p.Type, 0, 1)
	require.NoError(t, err)
	for _, s := range all {
		if s.Key() == p.Key() {
			return s, true
		}
	}
	return models.URLPattern{}, false
}

func TestRecheck_Verdicts(t *testing.T) {
	tests := []struct {
		name         string
		page         response
		reverseItems int
		origin       string
		wantRemoved  bool
		wantConf     float64
	}{
		{"NotFoundConfirms", response{err: fmt.Errorf("%w: status 404 Not Found", utils.ErrClientHTTPError)}, 5, "https://example.at/foerderung/alt", false, 0.7},
		{"ForbiddenConfirms", response{err: fmt.Errorf("%w: status 403 Forbidden", utils.ErrClientHTTPError)}, 5, "https://example.at/foerderung/mitglieder", false, 0.7},
		{"UnauthorizedConfirms", response{err: fmt.Errorf("%w: status 401 Unauthorized", utils.ErrClientHTTPError)}, 5, "https://example.at/foerderung/portal", false, 0.7},
		{"RejectedLoginConfirms", response{err: fmt.Errorf("%w: example rejected after re-login: %w", utils.ErrAuth, utils.ErrClientHTTPError)}, 5, "https://example.at/foerderung/konto", false, 0.7},
		{"LoginWallConfirms", response{html: `<html><body><main><p>Anmeldung erforderlich</p></main></body></html>`}, 5, "https://example.at/foerderung/intern", false, 0.7},
		{"EmptyPageConfirms", response{html: emptyHTML}, 5, "https://example.at/foerderung/leer", false, 0.7},
		{"OverviewReverses", response{html: `<html><body><main><h1>Programme</h1></main></body></html>`}, 5, "https://example.at/programme", true, 0},
		{"RichPageReverses", response{html: programHTML}, 1, "https://example.at/foerderung/startklar", true, 0},
		{"SomeContentParks", response{html: programHTML}, 100, "https://example.at/foerderung/startklar", false, 0.5},
		{"TransientUnchanged", response{err: fmt.Errorf("%w: %w", utils.ErrRetryFailed, utils.ErrServerHTTPError)}, 5, "https://example.at/foerderung/wartung", false, 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig(t)
			cfg.Recheck.ReverseItems = tt.reverseItems
			r, store, index := newTestRechecker(t, cfg, stubFetcher{tt.origin: tt.page})
			p := exclude("^/x$", 0.6, tt.origin)
			require.NoError(t, store.PutURLPattern(p))

			removed, err := r.Recheck(context.Background(), 0)
			require.NoError(t, err)

			got, found := stored(t, store, p)
			if tt.wantRemoved {
				require.Len(t, removed, 1)
				assert.Equal(t, p.Key(), removed[0].Key())
				assert.False(t, found)
				assert.Equal(t, []string{"example.at"}, index.hosts)
				return
			}
			assert.Empty(t, removed)
			require.True(t, found)
			assert.InDelta(t, tt.wantConf, got.Confidence, 1e-9)
			assert.True(t, got.LastRecheckedAt.Equal(testNow))
		})
	}
}

func TestRecheck_SamplesWindowOldestFirst(t *testing.T) {
	cfg := newTestConfig(t)
	pages := stubFetcher{}
	r, store, _ := newTestRechecker(t, cfg, pages)

	stale := exclude("^/stale$", 0.6, "https://example.at/stale")
	stale.LastRecheckedAt = testNow.Add(-30 * 24 * time.Hour)
	fresh := exclude("^/fresh$", 0.6, "https://example.at/fresh")
	fresh.LastRecheckedAt = testNow.Add(-time.Hour)
	never := exclude("^/never$", 0.7, "https://example.at/never")
	for _, p := range []models.URLPattern{
		stale, fresh, never,
		exclude("^/low$", 0.5, "https://example.at/low"),
		exclude("^/high$", 0.8, "https://example.at/high"),
		exclude("^/stable$", 0.95, "https://example.at/stable"),
		{Host: "example.at", Type: models.PatternInclude, Pattern: "^/inc$", Confidence: 0.6},
	} {
		require.NoError(t, store.PutURLPattern(p))
	}

	samples, err := r.sample(10)
	require.NoError(t, err)
	var got []string
	for _, p := range samples {
		got = append(got, p.Pattern)
	}
	assert.Equal(t, []string{"^/never$", "^/stale$", "^/fresh$"}, got, "boundaries are exclusive")

	samples, err = r.sample(1)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "^/never$", samples[0].Pattern)
}

func TestRecheck_ReversalRequeuesSkippedJobs(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Recheck.ReverseItems = 1
	origin := "https://example.at/foerderung/startklar"
	r, store, _ := newTestRechecker(t, cfg, stubFetcher{origin: {html: programHTML}})

	p := exclude("^/foerderung/startklar$", 0.65, origin)
	require.NoError(t, store.PutURLPattern(p))

	job := models.NewCrawlJob(origin, "https://example.at/foerderung", "example.at", 1, testNow)
	require.NoError(t, job.Skip(testNow, models.SkipExcluded, p.Key()))
	require.NoError(t, store.SaveJob(job))

	removed, err := r.Recheck(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, removed, 1)

	got, found, err := store.GetJob(origin)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Empty(t, got.ExcludedBy)
}

func TestRecheck_ConfirmedPatternStaysActive(t *testing.T) {
	cfg := newTestConfig(t)
	r, store, _ := newTestRechecker(t, cfg, stubFetcher{})
	index := learn.NewIndex(store, cfg.Learning.ActivationConfidence, log.Discard())
	r.index = index

	p := exclude("^/foerderung/alt$", 0.75, "https://example.at/foerderung/alt")
	require.NoError(t, store.PutURLPattern(p))
	require.Len(t, index.ActivePatterns("example.at", models.PatternExclude), 1)

	removed, err := r.Recheck(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, removed)

	got, found := stored(t, store, p)
	require.True(t, found)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)
	assert.Len(t, index.ActivePatterns("example.at", models.PatternExclude), 1)

	// Out of the window now: nothing left to sample.
	samples, err := r.sample(0)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestRecheck_Cancelled(t *testing.T) {
	cfg := newTestConfig(t)
	r, store, _ := newTestRechecker(t, cfg, stubFetcher{})
	require.NoError(t, store.PutURLPattern(exclude("^/x$", 0.6, "https://example.at/x")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Recheck(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
