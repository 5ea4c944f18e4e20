// Package sitemap reads XML sitemaps advertised in robots.txt so detail pages
// that no overview links to can still be discovered.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/fetch"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

const (
	maxSitemapBytes  = 10 << 20
	maxIndexDepth    = 3
	parallelSitemaps = 2
)

// XMLURL represents a <url> element in a sitemap
type XMLURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// XMLURLSet represents a <urlset> element in a sitemap
type XMLURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []XMLURL `xml:"url"`
}

// XMLSitemap represents a <sitemap> element in a sitemap index file
type XMLSitemap struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// XMLSitemapIndex represents a <sitemapindex> element
type XMLSitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []XMLSitemap `xml:"sitemap"`
}

// Entry is one page URL listed in a sitemap.
type Entry struct {
	Loc     string
	LastMod string
}

// Reader fetches sitemaps and sitemap indexes.
type Reader struct {
	fetcher     *fetch.Fetcher
	rateLimiter *fetch.RateLimiter
	userAgent   string
	maxURLs     int
	log         *logrus.Entry
}

// NewReader creates a Reader. At most maxURLs entries are returned per call
// (0 = unlimited).
func NewReader(fetcher *fetch.Fetcher, rateLimiter *fetch.RateLimiter, cfg *config.AppConfig, maxURLs int, log *logrus.Entry) *Reader {
	return &Reader{
		fetcher:     fetcher,
		rateLimiter: rateLimiter,
		userAgent:   cfg.DefaultUserAgent,
		maxURLs:     maxURLs,
		log:         log.WithField("component", "sitemap_reader"),
	}
}

// walk tracks one URLs call: processed sitemaps and collected entries.
type walk struct {
	mu        sync.Mutex
	processed map[string]bool
	seen      map[string]bool
	entries   []Entry
	full      bool
}

// markProcessed returns true if sitemapURL was newly marked.
func (w *walk) markProcessed(sitemapURL string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.processed[sitemapURL] {
		return false
	}
	w.processed[sitemapURL] = true
	return true
}

func (w *walk) add(e Entry, max int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.full || w.seen[e.Loc] {
		return
	}
	w.seen[e.Loc] = true
	w.entries = append(w.entries, e)
	if max > 0 && len(w.entries) >= max {
		w.full = true
	}
}

func (w *walk) isFull() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.full
}

// URLs reads the given sitemaps, following sitemap indexes up to a fixed
// nesting depth. A sitemap that fails to load is logged and skipped; only
// context cancellation is returned as an error.
func (r *Reader) URLs(ctx context.Context, sitemapURLs []string) ([]Entry, error) {
	w := &walk{processed: make(map[string]bool), seen: make(map[string]bool)}
	level := sitemapURLs
	for depth := 0; depth < maxIndexDepth && len(level) > 0 && !w.isFull(); depth++ {
		var (
			nestedMu sync.Mutex
			nested   []string
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(parallelSitemaps)
		for _, smURL := range level {
			if !w.markProcessed(smURL) {
				r.log.Debugf("Sitemap already processed: %s", smURL)
				continue
			}
			g.Go(func() error {
				children := r.process(gctx, smURL, w)
				nestedMu.Lock()
				nested = append(nested, children...)
				nestedMu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return w.entries, err
		}
		level = nested
	}
	if len(level) > 0 {
		r.log.Warnf("Sitemap index nesting deeper than %d levels, %d sitemaps ignored", maxIndexDepth, len(level))
	}
	return w.entries, nil
}

// process loads one sitemap and returns the nested sitemaps of an index.
func (r *Reader) process(ctx context.Context, smURL string, w *walk) (nested []string) {
	sitemapLog := r.log.WithField("sitemap_url", smURL)
	defer func() {
		if rec := recover(); rec != nil {
			sitemapLog.WithFields(logrus.Fields{
				"panic_info":  rec,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC Recovered in sitemap processing")
			nested = nil
		}
	}()

	body, err := r.fetch(ctx, smURL)
	if err != nil {
		sitemapLog.Warnf("Fetch failed: %v", err)
		return nil
	}

	var index XMLSitemapIndex
	errIndex := xml.Unmarshal(body, &index)
	if errIndex == nil && len(index.Sitemaps) > 0 {
		for _, sm := range index.Sitemaps {
			loc := strings.TrimSpace(sm.Loc)
			if _, err := url.ParseRequestURI(loc); err != nil {
				sitemapLog.WithField("nested_sitemap", loc).Warnf("Invalid nested sitemap URL: %v", err)
				continue
			}
			nested = append(nested, loc)
		}
		sitemapLog.Infof("Parsed as Sitemap Index, found %d references.", len(nested))
		return nested
	}

	var urlSet XMLURLSet
	if errURLSet := xml.Unmarshal(body, &urlSet); errURLSet != nil {
		sitemapLog.Warnf("Failed parse XML (Index err=%v; URLSet err=%v)", errIndex, errURLSet)
		return nil
	}
	count := 0
	for _, u := range urlSet.URLs {
		loc := strings.TrimSpace(u.Loc)
		parsed, err := url.Parse(loc)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			continue
		}
		w.add(Entry{Loc: loc, LastMod: strings.TrimSpace(u.LastMod)}, r.maxURLs)
		count++
	}
	sitemapLog.Infof("Parsed as URL Set, found %d URLs.", count)
	return nil
}

func (r *Reader) fetch(ctx context.Context, smURL string) ([]byte, error) {
	u, err := url.Parse(smURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: sitemap URL '%s'", utils.ErrParsing, smURL)
	}
	if r.rateLimiter != nil {
		if err := r.rateLimiter.Wait(ctx, parse.HostOf(u)); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, smURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.fetcher.FetchWithRetry(ctx, req)
	if err != nil {
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	if bytes.HasPrefix(body, []byte{0x1f, 0x8b}) {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip sitemap: %w", utils.ErrParsing, err)
		}
		defer zr.Close()
		if body, err = io.ReadAll(io.LimitReader(zr, maxSitemapBytes)); err != nil {
			return nil, fmt.Errorf("%w: gzip sitemap: %w", utils.ErrParsing, err)
		}
	}
	return body, nil
}
