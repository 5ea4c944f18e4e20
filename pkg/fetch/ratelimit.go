package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter spaces requests per host with one token bucket per host.
type RateLimiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultDelay time.Duration
	log          *logrus.Entry
}

// NewRateLimiter creates a RateLimiter. defaultDelay <= 0 disables spacing.
func NewRateLimiter(defaultDelay time.Duration, log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultDelay: defaultDelay,
		log:          log.WithField("component", "rate_limiter"),
	}
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}

func (rl *RateLimiter) limiter(host string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[host]
	if !ok {
		l = rate.NewLimiter(limitFor(rl.defaultDelay), 1)
		rl.limiters[host] = l
	}
	return l
}

// SetHostDelay overrides the spacing for host, e.g. from a robots.txt Crawl-delay.
// A delay shorter than the default is ignored.
func (rl *RateLimiter) SetHostDelay(host string, delay time.Duration) {
	if delay <= rl.defaultDelay {
		return
	}
	rl.limiter(host).SetLimit(limitFor(delay))
	rl.log.WithFields(logrus.Fields{"host": host, "delay": delay}).Debug("Host delay raised")
}

// Wait blocks until a request to host is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, host string) error {
	l := rl.limiter(host)
	if l.Limit() == rate.Inf {
		return ctx.Err()
	}
	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		rl.log.WithFields(logrus.Fields{"host": host, "waited": waited}).Trace("Rate limit applied")
	}
	return nil
}
