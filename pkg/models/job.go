package models

import (
	"fmt"
	"time"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

// DefaultMaxAttempts caps automatic retries of a job.
const DefaultMaxAttempts = 3

// Skip reasons recorded on CrawlJob.SkipReason.
const (
	SkipExcluded     = "excluded"
	SkipQueryListing = "query_listing"
	SkipRobots       = "robots"
	SkipDownload     = "download"
	SkipLoginWall    = "login_wall"
)

// CrawlJob is one URL moving through discovery and scraping. Jobs are keyed
// by canonical URL and never deleted.
type CrawlJob struct {
	URL            string    `json:"url"`
	SeedURL        string    `json:"seed_url"`
	Host           string    `json:"host"`
	Depth          int       `json:"depth"`
	Status         JobStatus `json:"status"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	ErrorType      string    `json:"error_type,omitempty"`
	IsOverviewPage bool      `json:"is_overview_page"`
	SkipReason     string    `json:"skip_reason,omitempty"`
	ExcludedBy     string    `json:"excluded_by,omitempty"` // pattern key that excluded the URL
	Tier           string    `json:"tier,omitempty"`
	Seq            uint64    `json:"seq"` // discovery order within the run
	DiscoveredAt   time.Time `json:"discovered_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
}

// NewCrawlJob returns a job in the discovered state.
func NewCrawlJob(url, seedURL, host string, depth int, now time.Time) *CrawlJob {
	return &CrawlJob{
		URL:          url,
		SeedURL:      seedURL,
		Host:         host,
		Depth:        depth,
		Status:       JobStatusDiscovered,
		DiscoveredAt: now,
		UpdatedAt:    now,
	}
}

// InvalidTransitionError reports a state change the lifecycle forbids.
type InvalidTransitionError struct {
	URL      string
	From, To JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.URL, e.From, e.To)
}

func (j *CrawlJob) move(to JobStatus, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return &InvalidTransitionError{URL: j.URL, From: j.Status, To: to}
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}

// Enqueue admits a discovered job to the queue.
func (j *CrawlJob) Enqueue(now time.Time) error {
	if j.Status != JobStatusDiscovered {
		return &InvalidTransitionError{URL: j.URL, From: j.Status, To: JobStatusQueued}
	}
	return j.move(JobStatusQueued, now)
}

// Start marks the job running and counts the attempt.
func (j *CrawlJob) Start(now time.Time) error {
	if err := j.move(JobStatusRunning, now); err != nil {
		return err
	}
	j.Attempts++
	return nil
}

// Complete marks a running job done.
func (j *CrawlJob) Complete(now time.Time, tier string) error {
	if j.Status != JobStatusRunning {
		return &InvalidTransitionError{URL: j.URL, From: j.Status, To: JobStatusDone}
	}
	if err := j.move(JobStatusDone, now); err != nil {
		return err
	}
	j.Tier = tier
	j.LastError, j.ErrorType = "", ""
	j.CompletedAt = now
	return nil
}

// Skip terminates the job without processing. excludedBy names the pattern
// responsible, if any, so a later reversal can re-admit the job.
func (j *CrawlJob) Skip(now time.Time, reason, excludedBy string) error {
	if err := j.move(JobStatusSkipped, now); err != nil {
		return err
	}
	j.SkipReason = reason
	j.ExcludedBy = excludedBy
	j.CompletedAt = now
	return nil
}

// Fail records err on a running job. When the error is retryable and the
// attempt budget is not spent the job goes straight back to queued and
// Fail returns true.
func (j *CrawlJob) Fail(now time.Time, err error, retryable bool, maxAttempts int) (requeued bool) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if j.Status != JobStatusRunning {
		return false
	}
	_ = j.move(JobStatusFailed, now)
	if err != nil {
		j.LastError = err.Error()
		j.ErrorType = utils.CategorizeError(err)
	}
	if retryable && j.Attempts < maxAttempts {
		_ = j.move(JobStatusQueued, now)
		return true
	}
	j.CompletedAt = now
	return false
}

// Reopen puts a job back in the queue outside the normal retry path: an
// interrupted running job on resume, a skipped job whose exclusion was
// reversed, or a done overview page due for re-discovery. Terminal failures
// are never reopened.
func (j *CrawlJob) Reopen(now time.Time) error {
	switch j.Status {
	case JobStatusRunning:
		// Interrupted attempt does not count.
		if j.Attempts > 0 {
			j.Attempts--
		}
	case JobStatusSkipped, JobStatusDone:
		j.Attempts = 0
		j.SkipReason, j.ExcludedBy = "", ""
		j.CompletedAt = time.Time{}
	default:
		return &InvalidTransitionError{URL: j.URL, From: j.Status, To: JobStatusQueued}
	}
	return j.move(JobStatusQueued, now)
}
