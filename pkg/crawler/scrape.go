package crawler

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/detect"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/extract"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/fetch"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/pdf"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/process"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

// PageFetcher retrieves a URL, authenticated for inst when it has a login.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, inst *models.Institution) (*fetch.Result, error)
}

// Scraped is everything learned from fetching one URL.
type Scraped struct {
	URL       string // canonical
	FinalURL  *url.URL
	Status    int
	Detection detect.Detection
	Overview  bool
	Links     []process.Link

	// Set for extracted pages only.
	Result  *extract.Result
	Page    *models.Page
	Tier    models.Tier
	Dropped int
}

// Items returns the number of kept requirement items.
func (s *Scraped) Items() int {
	if s == nil || s.Page == nil {
		return 0
	}
	return s.Page.CategorizedRequirements.Items()
}

// Scraper runs fetch, page detection and extraction for a single URL. It is
// shared by the crawler and the blacklist recheck.
type Scraper struct {
	fetcher   PageFetcher
	extractor extract.Extractor
	detector  *detect.Detector
	pdf       *pdf.Extractor
	cfg       *config.AppConfig
	log       *logrus.Entry
	now       func() time.Time
}

// NewScraper creates a Scraper. pdfExtractor may be nil to refuse PDFs.
func NewScraper(fetcher PageFetcher, extractor extract.Extractor, pdfExtractor *pdf.Extractor, cfg *config.AppConfig, log *logrus.Entry) *Scraper {
	return &Scraper{
		fetcher:   fetcher,
		extractor: extractor,
		detector:  detect.NewDetector(log),
		pdf:       pdfExtractor,
		cfg:       cfg,
		log:       log.WithField("component", "scraper"),
		now:       time.Now,
	}
}

// Scrape fetches the classified URL and extracts it unless it is a listing.
// Login walls yield ErrLoginRequired (ErrAuth when the institution has a
// login configured); the partial Scraped is still returned with the error.
func (s *Scraper) Scrape(ctx context.Context, cls parse.Classification, inst *models.Institution) (*Scraped, error) {
	res, err := s.fetcher.Fetch(ctx, cls.CanonicalURL, inst)
	if err != nil {
		return nil, err
	}
	finalURL, err := url.Parse(res.FinalURL)
	if err != nil || finalURL.Host == "" {
		finalURL = cls.URL
	}
	sc := &Scraped{URL: cls.CanonicalURL, FinalURL: finalURL, Status: res.Status}

	if res.IsPDF() {
		if s.pdf == nil {
			return sc, fmt.Errorf("%w: PDF extraction disabled for %s", utils.ErrExcluded, cls.CanonicalURL)
		}
		text, err := s.pdf.Text(res.Body)
		if err != nil {
			return sc, err
		}
		return sc, s.extract(ctx, sc, pdf.WrapAsHTML(documentTitle(finalURL), text), inst)
	}
	if !res.IsHTML() {
		return sc, fmt.Errorf("%w: unsupported content type %q for %s", utils.ErrParsing, res.ContentType, cls.CanonicalURL)
	}

	rawHTML := res.HTML()
	doc, err := process.Parse(rawHTML)
	if err != nil {
		return sc, err
	}
	sc.Detection = s.detector.Detect(doc, rawHTML, finalURL)
	if sc.Detection.LoginWall {
		if inst != nil && inst.Login.HasCredentials() {
			return sc, fmt.Errorf("%w: login wall (%s) despite session at %s", utils.ErrAuth, sc.Detection.LoginSignal, cls.CanonicalURL)
		}
		return sc, fmt.Errorf("%w: %s at %s", utils.ErrLoginRequired, sc.Detection.LoginSignal, cls.CanonicalURL)
	}

	sc.Links = process.ExtractLinks(doc, finalURL, process.LinkOptions{SameHostOnly: true, RespectNofollow: true})
	sc.Overview = cls.Kind == parse.KindOverview || sc.Detection.Overview
	if sc.Overview || cls.Kind == parse.KindQueryListing {
		return sc, nil
	}
	return sc, s.extract(ctx, sc, rawHTML, inst)
}

func (s *Scraper) extract(ctx context.Context, sc *Scraped, rawHTML string, inst *models.Institution) error {
	result, err := s.extractor.Extract(ctx, rawHTML, sc.FinalURL, inst)
	if err != nil {
		return err
	}
	if result.LLMError != nil {
		s.log.WithFields(logrus.Fields{"url": sc.URL, "error_type": utils.CategorizeError(result.LLMError)}).
			Debug("LLM unavailable, kept pattern output")
	}

	page := result.Page(inst, s.now())
	page.URL = sc.URL
	kept, dropped := extract.FilterMeaningful(page.CategorizedRequirements, s.cfg.Extraction.MinMeaningfulness)
	page.CategorizedRequirements = kept
	page.Tier = extract.Assess(page, s.cfg.Extraction.Tiers)

	sc.Result = result
	sc.Page = page
	sc.Tier = page.Tier
	sc.Dropped = dropped
	return nil
}

// documentTitle derives a title for a PDF from its file name.
func documentTitle(u *url.URL) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	return strings.TrimSpace(strings.NewReplacer("-", " ", "_", " ").Replace(name))
}
