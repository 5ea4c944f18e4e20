package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
)

const maxRobotsBytes = 512 << 10

// RobotsHandler fetches, caches and evaluates robots.txt per host.
// A host whose robots.txt cannot be fetched or parsed is treated as allowing everything.
type RobotsHandler struct {
	fetcher     *Fetcher
	rateLimiter *RateLimiter
	hostPool    *HostSemaphorePool
	userAgent   string
	semTimeout  time.Duration

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData // host -> parsed data (nil on failure)
	log   *logrus.Entry
}

// NewRobotsHandler creates a RobotsHandler
func NewRobotsHandler(fetcher *Fetcher, rateLimiter *RateLimiter, hostPool *HostSemaphorePool, cfg *config.AppConfig, log *logrus.Entry) *RobotsHandler {
	return &RobotsHandler{
		fetcher:     fetcher,
		rateLimiter: rateLimiter,
		hostPool:    hostPool,
		userAgent:   cfg.DefaultUserAgent,
		semTimeout:  cfg.SemaphoreAcquireTimeout,
		cache:       make(map[string]*robotstxt.RobotsData),
		log:         log.WithField("component", "robots"),
	}
}

// Data returns the parsed robots.txt for the host of target, fetching on a cache miss.
func (rh *RobotsHandler) Data(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	host := target.Host
	rh.mu.Lock()
	data, found := rh.cache[host]
	rh.mu.Unlock()
	if found {
		return data
	}

	data = rh.fetch(ctx, target)

	rh.mu.Lock()
	rh.cache[host] = data
	rh.mu.Unlock()

	if data != nil && rh.rateLimiter != nil {
		if group := data.FindGroup(rh.userAgent); group != nil && group.CrawlDelay > 0 {
			rh.rateLimiter.SetHostDelay(parse.HostOf(target), group.CrawlDelay)
		}
	}
	return data
}

func (rh *RobotsHandler) fetch(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	scheme := target.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	robotsURL := (&url.URL{Scheme: scheme, Host: target.Host, Path: "/robots.txt"}).String()
	robotsLog := rh.log.WithField("robots_url", robotsURL)
	robotsLog.Debug("Fetching robots.txt...")

	host := parse.HostOf(target)
	if rh.hostPool != nil {
		if err := rh.hostPool.AcquireTimeout(ctx, host, rh.semTimeout); err != nil {
			robotsLog.Warnf("Could not acquire host slot: %v", err)
			return nil
		}
		defer rh.hostPool.Release(host)
	}
	if rh.rateLimiter != nil {
		if err := rh.rateLimiter.Wait(ctx, host); err != nil {
			return nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		robotsLog.Errorf("Error creating request: %v", err)
		return nil
	}
	req.Header.Set("User-Agent", rh.userAgent)

	resp, err := rh.fetcher.FetchWithRetry(ctx, req)
	if err != nil {
		drain(resp)
		robotsLog.Debugf("No usable robots.txt: %v", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		robotsLog.Warnf("Error reading body: %v", err)
		return nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		robotsLog.Warnf("Error parsing robots.txt: %v", err)
		return nil
	}
	robotsLog.WithField("sitemaps", len(data.Sitemaps)).Info("Parsed robots.txt")
	return data
}

// Allowed reports whether the configured user agent may fetch target.
func (rh *RobotsHandler) Allowed(ctx context.Context, target *url.URL) bool {
	data := rh.Data(ctx, target)
	if data == nil {
		return true
	}
	return data.TestAgent(target.RequestURI(), rh.userAgent)
}

// Sitemaps returns the sitemap URLs advertised by the host's robots.txt.
func (rh *RobotsHandler) Sitemaps(ctx context.Context, target *url.URL) []string {
	data := rh.Data(ctx, target)
	if data == nil {
		return nil
	}
	return data.Sitemaps
}
