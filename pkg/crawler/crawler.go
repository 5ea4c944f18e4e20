package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/detect"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/extract"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/fetch"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/learn"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/process"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/queue"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/registry"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/sitemap"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/storage"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

var statusRe = regexp.MustCompile(`status (\d{3})`)

// Options wires the collaborators of a Crawler. Robots, Sitemaps, Learner
// and Budget are optional.
type Options struct {
	Config       *config.AppConfig
	Store        storage.Store
	Classifier   *parse.Classifier
	Institutions parse.InstitutionLookup
	Scraper      *Scraper
	Robots       *fetch.RobotsHandler
	Sitemaps     *sitemap.Reader
	Learner      *learn.Learner
	Budget       *Budget
}

// Crawler runs breadth-first discovery and scraping from seed URLs. Jobs move
// through the CrawlJob state machine and are persisted after every
// transition, so an interrupted run resumes where it stopped. A Crawler may
// run concurrently for disjoint hosts.
type Crawler struct {
	cfg          *config.AppConfig
	store        storage.Store
	classifier   *parse.Classifier
	institutions parse.InstitutionLookup
	scraper      *Scraper
	robots       *fetch.RobotsHandler
	sitemaps     *sitemap.Reader
	learner      *learn.Learner
	budget       *Budget
	log          *logrus.Entry
	now          func() time.Time
}

// New creates a Crawler.
func New(opts Options, log *logrus.Entry) (*Crawler, error) {
	if opts.Config == nil || opts.Store == nil || opts.Classifier == nil || opts.Scraper == nil {
		return nil, fmt.Errorf("%w: crawler needs config, store, classifier and scraper", utils.ErrConfigValidation)
	}
	budget := opts.Budget
	if budget == nil {
		budget = NewBudget(opts.Config.Crawl.MaxPages)
	}
	return &Crawler{
		cfg:          opts.Config,
		store:        opts.Store,
		classifier:   opts.Classifier,
		institutions: opts.Institutions,
		scraper:      opts.Scraper,
		robots:       opts.Robots,
		sitemaps:     opts.Sitemaps,
		learner:      opts.Learner,
		budget:       budget,
		log:          log.WithField("component", "crawler"),
		now:          time.Now,
	}, nil
}

// WithBudget returns a Crawler sharing c's collaborators but drawing fetches
// from b. A discovery cycle hands one budget to all its hosts.
func (c *Crawler) WithBudget(b *Budget) *Crawler {
	cp := *c
	cp.budget = b
	return &cp
}

// runState is the mutable state of one Run.
type runState struct {
	queue    *queue.JobQueue
	summary  *Summary
	outcomes []learn.Outcome
	seq      uint64
}

func (r *runState) nextSeq() uint64 {
	r.seq++
	return r.seq
}

// Run crawls from seeds until the frontier is empty, the page budget is spent
// or ctx is cancelled. Queued jobs of the seed hosts left by earlier runs are
// picked up first. The job in flight when ctx is cancelled still completes;
// jobs not started stay queued. Returns the run summary, the good/bad
// outcome of every extracted page for the learner, and ctx.Err() when
// interrupted.
func (c *Crawler) Run(ctx context.Context, seeds []registry.Seed) (*Summary, []learn.Outcome, error) {
	start := c.now()
	run := &runState{queue: queue.NewJobQueue(c.log), summary: NewSummary()}
	defer run.queue.Close()

	hosts := seedHosts(seeds)
	runLog := c.log.WithFields(logrus.Fields{"hosts": len(hosts), "seeds": len(seeds)})
	runLog.Info("Crawl starting")

	if err := c.resume(ctx, run, hosts); err != nil && ctx.Err() == nil {
		runLog.Errorf("Error encountered during resume scan: %v", err)
	}
	for _, seed := range seeds {
		c.seed(run, seed)
	}
	if c.cfg.Crawl.UseSitemaps && c.sitemaps != nil && c.robots != nil && c.cfg.Crawl.MaxDepth >= 1 {
		c.seedSitemaps(ctx, run, seeds)
	}

	batches := 0
	for ctx.Err() == nil && !run.summary.BudgetExhausted {
		batch := run.queue.PopBatch(c.cfg.Crawl.BatchSize)
		if len(batch) == 0 {
			break
		}
		batches++
		for _, job := range batch {
			if ctx.Err() != nil || run.summary.BudgetExhausted {
				break
			}
			c.process(ctx, run, job)
		}
		if err := c.store.Checkpoint(); err != nil {
			runLog.Errorf("Checkpoint after batch %d failed: %v", batches, err)
		}
		runLog.WithFields(logrus.Fields{
			"batch":     batches,
			"queue_len": run.queue.Len(),
			"fetched":   run.summary.Fetched,
			"budget":    c.budget.Used(),
		}).Info("Crawl Progress")
	}

	run.summary.Interrupted = ctx.Err() != nil
	run.summary.Duration = c.now().Sub(start)
	run.summary.Log(runLog)
	return run.summary, run.outcomes, ctx.Err()
}

// resume re-admits the incomplete jobs of hosts.
func (c *Crawler) resume(ctx context.Context, run *runState, hosts []string) error {
	now := c.now()
	for _, host := range hosts {
		jobs, err := c.store.IncompleteJobs(ctx, host)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			switch job.Status {
			case models.JobStatusRunning:
				err = job.Reopen(now)
			case models.JobStatusDiscovered:
				err = job.Enqueue(now)
			}
			if err != nil {
				c.log.WithField("url", job.URL).Warnf("Cannot resume job: %v", err)
				continue
			}
			run.seq = max(run.seq, job.Seq)
			c.saveJob(job)
			if run.queue.Add(job) {
				run.summary.Resumed++
			}
		}
	}
	return nil
}

// seed admits a seed URL. A seed already seen is only re-queued when it is an
// overview page whose last crawl is older than the re-discovery interval.
func (c *Crawler) seed(run *runState, seed registry.Seed) {
	seedLog := c.log.WithField("url", seed.URL)
	cls, err := c.classifier.Classify(seed.URL)
	if err != nil {
		seedLog.Warnf("Invalid seed: %v. Skipping.", err)
		return
	}
	now := c.now()
	added, err := c.store.MarkSeen(cls.CanonicalURL, now)
	if err != nil {
		seedLog.Errorf("Seen-set error: %v", err)
		return
	}
	if added {
		job := models.NewCrawlJob(cls.CanonicalURL, cls.CanonicalURL, cls.Host, 0, now)
		c.admit(run, job, cls)
		run.summary.Discovered++
		return
	}

	job, found, err := c.store.GetJob(cls.CanonicalURL)
	if err != nil {
		seedLog.Errorf("Job lookup failed: %v", err)
		return
	}
	if !found {
		// Seen but never recorded: the process stopped between the two writes.
		job = models.NewCrawlJob(cls.CanonicalURL, cls.CanonicalURL, cls.Host, 0, now)
		c.admit(run, job, cls)
		run.summary.Discovered++
		return
	}
	if job.Status == models.JobStatusDone && job.IsOverviewPage && now.Sub(job.CompletedAt) >= c.cfg.Crawl.OverviewRecheckAfter {
		if err := job.Reopen(now); err != nil {
			seedLog.Warnf("Cannot reopen overview seed: %v", err)
			return
		}
		job.Seq = run.nextSeq()
		c.saveJob(job)
		run.queue.Add(job)
		seedLog.Info("Re-discovering overview seed")
		return
	}
	seedLog.Debugf("Seed already seen (%s). Skipping.", job.Status)
}

// seedSitemaps enqueues sitemap URLs of the seed hosts that classify as detail
// pages, at depth 1.
func (c *Crawler) seedSitemaps(ctx context.Context, run *runState, seeds []registry.Seed) {
	done := make(map[string]bool)
	for _, seed := range seeds {
		if done[seed.Host] || ctx.Err() != nil {
			continue
		}
		done[seed.Host] = true
		seedURL, err := url.Parse(seed.URL)
		if err != nil {
			continue
		}
		sitemaps := c.robots.Sitemaps(ctx, seedURL)
		if len(sitemaps) == 0 {
			continue
		}
		entries, err := c.sitemaps.URLs(ctx, sitemaps)
		if err != nil {
			c.log.WithField("host", seed.Host).Warnf("Sitemap read interrupted: %v", err)
		}
		added := 0
		for _, e := range entries {
			cls, err := c.classifier.Classify(e.Loc)
			if err != nil || cls.Kind != parse.KindDetail || cls.Host != seed.Host {
				continue
			}
			isNew, err := c.store.MarkSeen(cls.CanonicalURL, c.now())
			if err != nil || !isNew {
				continue
			}
			job := models.NewCrawlJob(cls.CanonicalURL, seed.URL, cls.Host, 1, c.now())
			c.admit(run, job, cls)
			run.summary.Discovered++
			added++
		}
		c.log.WithFields(logrus.Fields{"host": seed.Host, "sitemaps": len(sitemaps), "entries": len(entries), "queued": added}).
			Info("Seeded from sitemaps")
	}
}

// admit moves a discovered job to queued, or straight to skipped when its
// classification rules out fetching.
func (c *Crawler) admit(run *runState, job *models.CrawlJob, cls parse.Classification) {
	now := c.now()
	job.Seq = run.nextSeq()
	if reason, by, skip := c.skipFor(cls); skip {
		if err := job.Skip(now, reason, by); err != nil {
			c.log.WithField("url", job.URL).Warnf("Cannot skip job: %v", err)
		}
		run.summary.Skipped++
		run.summary.SkipReasons[reason]++
		c.saveJob(job)
		return
	}
	if err := job.Enqueue(now); err != nil {
		c.log.WithField("url", job.URL).Warnf("Cannot enqueue job: %v", err)
		return
	}
	c.saveJob(job)
	run.queue.Add(job)
}

// skipFor returns the skip reason for classifications that are never fetched.
// excludedBy is set for learned patterns so a reversal can re-admit the job.
func (c *Crawler) skipFor(cls parse.Classification) (reason, excludedBy string, skip bool) {
	switch cls.Kind {
	case parse.KindExcluded:
		if cls.Reason == parse.ReasonLearnedExclude {
			excludedBy = cls.MatchedPattern
		}
		return models.SkipExcluded, excludedBy, true
	case parse.KindDownload:
		if !config.GetEffectiveEnablePDF(c.cfg.Crawl) || !isPDF(cls.URL) {
			return models.SkipDownload, "", true
		}
	}
	return "", "", false
}

// process runs one queued job to its next state.
func (c *Crawler) process(ctx context.Context, run *runState, job *models.CrawlJob) {
	taskLog := c.log.WithFields(logrus.Fields{"url": job.URL, "depth": job.Depth, "host": job.Host})

	// Patterns may have changed since the job was discovered.
	cls, err := c.classifier.Classify(job.URL)
	if err != nil {
		c.skip(run, job, models.SkipExcluded, "", taskLog)
		taskLog.Warnf("Unclassifiable URL: %v", err)
		return
	}
	if reason, by, skip := c.skipFor(cls); skip {
		c.skip(run, job, reason, by, taskLog)
		return
	}

	var inst *models.Institution
	if c.institutions != nil {
		inst, _ = c.institutions.FindInstitutionByURL(job.URL)
	}
	if detect.IsLoginURL(cls.URL) && (inst == nil || !inst.Login.HasCredentials()) {
		c.skip(run, job, models.SkipLoginWall, "", taskLog)
		return
	}
	if c.robots != nil && config.GetEffectiveRespectRobots(c.cfg.Crawl) && !c.robots.Allowed(ctx, cls.URL) {
		c.skip(run, job, models.SkipRobots, "", taskLog)
		return
	}

	if !c.budget.Take() {
		run.summary.BudgetExhausted = true
		taskLog.Info("Page budget exhausted, job stays queued")
		return
	}
	if err := job.Start(c.now()); err != nil {
		taskLog.Errorf("Cannot start job: %v", err)
		return
	}
	c.saveJob(job)
	run.summary.Fetched++

	// The job in flight finishes even when the run is cancelled.
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PerPageTimeout)
	defer cancel()
	startTime := c.now()

	scraped, taskErr := c.scrape(taskCtx, cls, inst, taskLog)
	logFields := logrus.Fields{"duration": c.now().Sub(startTime).String()}
	if taskErr != nil {
		c.fail(taskCtx, run, job, taskErr, taskLog.WithFields(logFields))
		return
	}

	c.enqueueLinks(run, job, scraped.Links, taskLog)
	now := c.now()

	switch {
	case cls.Kind == parse.KindQueryListing:
		c.skip(run, job, models.SkipQueryListing, "", taskLog)
		return

	case scraped.Overview:
		job.IsOverviewPage = true
		if err := job.Complete(now, ""); err != nil {
			taskLog.Errorf("Cannot complete job: %v", err)
		}
		c.saveJob(job)
		run.summary.Done++
		run.summary.Overview++
		logFields["links"] = len(scraped.Links)
		taskLog.WithFields(logFields).Info("Overview page crawled")
		return
	}

	tier := scraped.Tier
	persisted := extract.ShouldPersist(tier, c.cfg.Extraction.Tiers)
	if persisted {
		if err := c.store.SavePage(scraped.Page); err != nil {
			c.fail(taskCtx, run, job, fmt.Errorf("%w: saving page '%s': %w", utils.ErrPersistence, job.URL, err), taskLog)
			return
		}
		run.summary.Persisted++
	} else {
		run.summary.Discarded++
	}
	if err := job.Complete(now, tier.String()); err != nil {
		taskLog.Errorf("Cannot complete job: %v", err)
	}
	c.saveJob(job)
	run.summary.Done++
	run.summary.Tiers[tier.String()]++
	run.outcomes = append(run.outcomes, learn.Outcome{URL: job.URL, Good: persisted})

	logFields["tier"] = tier.String()
	logFields["items"] = scraped.Items()
	logFields["dropped"] = scraped.Dropped
	logFields["persisted"] = persisted
	if scraped.Page != nil {
		logFields["page_title"] = scraped.Page.Title
	}
	taskLog.WithFields(logFields).Info("Task completed successfully")
}

// scrape wraps Scraper.Scrape with panic recovery so one bad page never takes
// the run down.
func (c *Crawler) scrape(ctx context.Context, cls parse.Classification, inst *models.Institution, taskLog *logrus.Entry) (scraped *Scraped, err error) {
	defer func() {
		if r := recover(); r != nil {
			taskLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"stage":       "PanicRecovery",
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in scrape")
			scraped, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return c.scraper.Scrape(ctx, cls, inst)
}

// enqueueLinks admits unseen same-host links at depth+1 while depth and page
// budget allow.
func (c *Crawler) enqueueLinks(run *runState, parent *models.CrawlJob, links []process.Link, taskLog *logrus.Entry) {
	depth := parent.Depth + 1
	if len(links) == 0 || depth > c.cfg.Crawl.MaxDepth {
		return
	}
	queued := 0
	for _, link := range links {
		if c.budget.Exhausted() {
			run.summary.BudgetExhausted = true
			taskLog.Debug("Page budget reached, not enqueueing further links")
			break
		}
		cls, err := c.classifier.Classify(link.URL)
		if err != nil || cls.Host != parent.Host {
			continue
		}
		added, err := c.store.MarkSeen(cls.CanonicalURL, c.now())
		if err != nil {
			taskLog.Errorf("Seen-set error for '%s': %v", cls.CanonicalURL, err)
			continue
		}
		if !added {
			continue
		}
		child := models.NewCrawlJob(cls.CanonicalURL, parent.SeedURL, cls.Host, depth, c.now())
		c.admit(run, child, cls)
		run.summary.Discovered++
		if child.Status == models.JobStatusQueued {
			queued++
		}
	}
	if queued > 0 {
		taskLog.Debugf("Queued %d new links at depth %d", queued, depth)
	}
}

func (c *Crawler) skip(run *runState, job *models.CrawlJob, reason, excludedBy string, taskLog *logrus.Entry) {
	if err := job.Skip(c.now(), reason, excludedBy); err != nil {
		taskLog.Errorf("Cannot skip job: %v", err)
		return
	}
	c.saveJob(job)
	run.summary.Skipped++
	run.summary.SkipReasons[reason]++
	taskLog.WithField("reason", reason).Info("Task skipped")
}

// fail records err on a running job. Retryable errors requeue the job while
// attempts remain. Terminal client errors become exact-path exclusions.
func (c *Crawler) fail(ctx context.Context, run *runState, job *models.CrawlJob, err error, taskLog *logrus.Entry) {
	retryable := utils.IsRetryable(err)
	requeued := job.Fail(c.now(), err, retryable, c.cfg.Crawl.MaxAttempts)
	c.saveJob(job)
	fields := logrus.Fields{"category": job.ErrorType, "attempts": job.Attempts}
	if requeued {
		run.queue.Add(job)
		run.summary.Retried++
		taskLog.WithFields(fields).Warnf("Task failed, requeued: %v", err)
		return
	}
	run.summary.Failed++
	run.summary.recordError(job.URL, job.ErrorType, job.LastError)
	taskLog.WithFields(fields).Warnf("Task failed: %v", err)

	if errors.Is(err, utils.ErrNoExtractableText) {
		run.outcomes = append(run.outcomes, learn.Outcome{URL: job.URL, Good: false})
	}
	if status := clientStatus(err); status != 0 && c.learner != nil {
		if _, lerr := c.learner.RecordFailure(ctx, job.URL, status); lerr != nil {
			taskLog.Errorf("Failed to record exclusion: %v", lerr)
		}
	}
}

func (c *Crawler) saveJob(job *models.CrawlJob) {
	if err := c.store.SaveJob(job); err != nil {
		c.log.WithField("url", job.URL).Errorf("Failed to persist job state '%s': %v", job.Status, err)
	}
}

// clientStatus extracts the status of a terminal 4xx error. Auth rejections
// and throttling return 0: they say nothing about the path.
func clientStatus(err error) int {
	if !errors.Is(err, utils.ErrClientHTTPError) || errors.Is(err, utils.ErrRetryFailed) || errors.Is(err, utils.ErrAuth) {
		return 0
	}
	m := statusRe.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	status, _ := strconv.Atoi(m[1])
	switch status {
	case 401, 403, 429:
		return 0
	}
	return status
}

func isPDF(u *url.URL) bool {
	return u != nil && len(u.Path) > 4 && (u.Path[len(u.Path)-4:] == ".pdf" || u.Path[len(u.Path)-4:] == ".PDF")
}

func seedHosts(seeds []registry.Seed) []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, s := range seeds {
		if s.Host != "" && !seen[s.Host] {
			seen[s.Host] = true
			hosts = append(hosts, s.Host)
		}
	}
	return hosts
}
