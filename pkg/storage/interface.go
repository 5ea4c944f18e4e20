package storage

import (
	"context"
	"io"
	"time"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
)

// SeenStore tracks which canonical URLs have been discovered. A URL enters
// the set at most once.
type SeenStore interface {
	// MarkSeen records url with its first-seen time.
	// Returns true if the URL was newly added, false if it already existed
	MarkSeen(url string, at time.Time) (bool, error)
	IsSeen(url string) (bool, error)
	LoadSeenSet() (map[string]time.Time, error)
	SaveSeenSet(seen map[string]time.Time) error
}

// JobStore persists CrawlJob records keyed by URL.
type JobStore interface {
	SaveJob(job *models.CrawlJob) error
	GetJob(url string) (*models.CrawlJob, bool, error)
	// IncompleteJobs returns discovered, queued and running jobs of host
	// ("" = all hosts), ordered by depth then discovery sequence.
	IncompleteJobs(ctx context.Context, host string) ([]*models.CrawlJob, error)
	// RequeueSkippedByPattern reopens jobs skipped because of patternKey.
	RequeueSkippedByPattern(ctx context.Context, patternKey string, now time.Time) (int, error)
	JobCounts(ctx context.Context) (map[models.JobStatus]int, error)
}

// PageStore persists program pages, upserted by URL.
type PageStore interface {
	SavePage(page *models.Page) error
	GetPage(url string) (*models.Page, bool, error)
	ExportPages(ctx context.Context, w io.Writer) (int, error)
}

// PatternStore persists learned URL patterns.
type PatternStore interface {
	// SaveURLPattern merges p into an existing pattern with the same key
	// (usage+1; include keeps the higher confidence, learned exclude the
	// lower) or inserts it. Returns the stored value.
	SaveURLPattern(p models.URLPattern) (models.URLPattern, error)
	// PutURLPattern overwrites without merging.
	PutURLPattern(p models.URLPattern) error
	// QueryURLPatterns returns patterns with min <= confidence <= max.
	// Empty host or type matches all.
	QueryURLPatterns(host string, typ models.PatternType, minConf, maxConf float64) ([]models.URLPattern, error)
	DeleteURLPattern(key string) error
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// Checkpoint makes all writes so far durable.
	Checkpoint() error
	// GetKeyCount returns the cached number of keys written by this store.
	GetKeyCount() int

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// Store combines all store interfaces for components that need full access
type Store interface {
	SeenStore
	JobStore
	PageStore
	PatternStore
	StoreAdmin
}
