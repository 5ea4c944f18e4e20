package crawler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/extract"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/fetch"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/log"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

type stubFetcher map[string]*fetch.Result

func (s stubFetcher) Fetch(_ context.Context, rawURL string, _ *models.Institution) (*fetch.Result, error) {
	res, ok := s[rawURL]
	if !ok {
		return nil, errors.New("unexpected fetch " + rawURL)
	}
	return res, nil
}

func htmlResult(url, body string) *fetch.Result {
	return &fetch.Result{URL: url, FinalURL: url, Status: 200, ContentType: "text/html", Body: []byte(body)}
}

func newStubScraper(t *testing.T, pages stubFetcher) *Scraper {
	t.Helper()
	cfg := &config.AppConfig{Extraction: config.ExtractionConfig{Strategy: config.StrategyPattern}}
	_, err := cfg.Validate()
	require.NoError(t, err)
	extractor, err := extract.New(cfg, nil, log.Discard())
	require.NoError(t, err)
	return NewScraper(pages, extractor, nil, cfg, log.Discard())
}

func classify(t *testing.T, raw string) parse.Classification {
	t.Helper()
	cls, err := parse.NewClassifier(nil, nil, nil).Classify(raw)
	require.NoError(t, err)
	return cls
}

func TestScraper_DetailPage(t *testing.T) {
	const u = "https://example.at/foerderung/startklar"
	s := newStubScraper(t, stubFetcher{u: htmlResult(u, startklarHTML)})

	sc, err := s.Scrape(context.Background(), classify(t, u), &models.Institution{ID: "example"})
	require.NoError(t, err)
	assert.False(t, sc.Overview)
	require.NotNil(t, sc.Page)
	assert.Equal(t, u, sc.Page.URL)
	assert.Equal(t, "example", sc.Page.InstitutionID)
	assert.Equal(t, sc.Page.Tier, sc.Tier)
	assert.GreaterOrEqual(t, sc.Tier, models.TierFair)
	assert.Equal(t, sc.Page.CategorizedRequirements.Items(), sc.Items())
}

func TestScraper_OverviewIsNotExtracted(t *testing.T) {
	const u = "https://example.at/foerderungen"
	s := newStubScraper(t, stubFetcher{u: htmlResult(u, overviewHTML("/foerderung/a", "/foerderung/b", "https://other.at/x"))})

	sc, err := s.Scrape(context.Background(), classify(t, u), nil)
	require.NoError(t, err)
	assert.True(t, sc.Overview)
	assert.Nil(t, sc.Page)
	assert.Zero(t, sc.Items())
	require.Len(t, sc.Links, 2, "off-host links are dropped")
	assert.Equal(t, "https://example.at/foerderung/a", sc.Links[0].URL)
}

func TestScraper_LoginWall(t *testing.T) {
	const u = "https://example.at/foerderung/mitglieder"
	wall := `<html><body><main><p>Anmeldung erforderlich</p></main></body></html>`
	s := newStubScraper(t, stubFetcher{u: htmlResult(u, wall)})

	sc, err := s.Scrape(context.Background(), classify(t, u), &models.Institution{ID: "example"})
	assert.ErrorIs(t, err, utils.ErrLoginRequired)
	require.NotNil(t, sc)
	assert.True(t, sc.Detection.LoginWall)

	withLogin := &models.Institution{ID: "example", Login: &models.LoginConfig{URL: "https://example.at/login", Email: "a@b.at", Password: "pw"}}
	_, err = s.Scrape(context.Background(), classify(t, u), withLogin)
	assert.ErrorIs(t, err, utils.ErrAuth, "a wall behind a session means the session failed")
}

func TestScraper_UnsupportedContent(t *testing.T) {
	const u = "https://example.at/foerderung/bild"
	s := newStubScraper(t, stubFetcher{u: {URL: u, FinalURL: u, Status: 200, ContentType: "image/png", Body: []byte{0x89, 'P', 'N', 'G'}}})

	_, err := s.Scrape(context.Background(), classify(t, u), nil)
	assert.ErrorIs(t, err, utils.ErrParsing)
	assert.False(t, utils.IsRetryable(err))
}

func TestScraper_PDFDisabled(t *testing.T) {
	const u = "https://example.at/files/richtlinie.pdf"
	s := newStubScraper(t, stubFetcher{u: {URL: u, FinalURL: u, Status: 200, ContentType: "application/pdf", Body: []byte("%PDF-1.4")}})

	_, err := s.Scrape(context.Background(), classify(t, u), nil)
	assert.ErrorIs(t, err, utils.ErrExcluded)
}

func TestDocumentTitle(t *testing.T) {
	assert.Equal(t, "Richtlinie Startklar 2025", documentTitle(mustParse(t, "https://example.at/files/Richtlinie_Startklar-2025.pdf")))
	assert.Empty(t, documentTitle(nil))
}
