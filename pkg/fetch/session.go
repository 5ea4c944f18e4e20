package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
)

// SessionCache holds authenticated sessions per institution.
type SessionCache interface {
	Get(institutionID string) (*models.LoginSession, bool)
	Put(session *models.LoginSession)
	Invalidate(institutionID string)
}

// BigCacheSessionCache stores sessions as JSON in a bigcache with a life window
// equal to the session TTL. Expiry is also checked against the injected clock,
// so callers see a miss as soon as ExpiresAt passes.
type BigCacheSessionCache struct {
	cache *bigcache.BigCache
	ttl   time.Duration
	now   func() time.Time
	log   *logrus.Entry
}

// NewBigCacheSessionCache creates a session cache. ttl <= 0 falls back to 60 minutes.
func NewBigCacheSessionCache(ctx context.Context, ttl time.Duration, now func() time.Time, log *logrus.Entry) (*BigCacheSessionCache, error) {
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 16
	cfg.MaxEntriesInWindow = 1024
	cfg.MaxEntrySize = 2048
	cfg.CleanWindow = time.Minute
	cfg.Verbose = false

	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &BigCacheSessionCache{
		cache: cache,
		ttl:   ttl,
		now:   now,
		log:   log.WithField("component", "session_cache"),
	}, nil
}

// TTL returns the session lifetime applied by Put when ExpiresAt is unset.
func (c *BigCacheSessionCache) TTL() time.Duration { return c.ttl }

// Get returns a valid cached session.
func (c *BigCacheSessionCache) Get(institutionID string) (*models.LoginSession, bool) {
	raw, err := c.cache.Get(institutionID)
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			c.log.Warnf("Session lookup failed for %s: %v", institutionID, err)
		}
		return nil, false
	}
	var s models.LoginSession
	if err := json.Unmarshal(raw, &s); err != nil {
		c.log.Warnf("Dropping undecodable session for %s: %v", institutionID, err)
		c.Invalidate(institutionID)
		return nil, false
	}
	if !s.Valid(c.now()) {
		c.Invalidate(institutionID)
		return nil, false
	}
	return &s, true
}

// Put stores session, stamping ExpiresAt from the TTL if unset.
func (c *BigCacheSessionCache) Put(session *models.LoginSession) {
	if session == nil || session.InstitutionID == "" {
		return
	}
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = c.now().Add(c.ttl)
	}
	raw, err := json.Marshal(session)
	if err != nil {
		c.log.Warnf("Session for %s not cached: %v", session.InstitutionID, err)
		return
	}
	if err := c.cache.Set(session.InstitutionID, raw); err != nil {
		c.log.Warnf("Session for %s not cached: %v", session.InstitutionID, err)
	}
}

// Invalidate drops the cached session for an institution.
func (c *BigCacheSessionCache) Invalidate(institutionID string) {
	if err := c.cache.Delete(institutionID); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		c.log.Debugf("Invalidate %s: %v", institutionID, err)
	}
}

// Close releases the cache's cleanup goroutine.
func (c *BigCacheSessionCache) Close() error {
	return c.cache.Close()
}
