package orchestrate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/crawler"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/learn"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/registry"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/storage"
)

// HostResult contains the result of crawling a single host
type HostResult struct {
	Host         string           `json:"host"`
	Institutions []string         `json:"institutions"`
	Success      bool             `json:"success"`
	Error        string           `json:"error,omitempty"`
	Summary      *crawler.Summary `json:"summary,omitempty"`
	Learned      int              `json:"learned_patterns"`
	Duration     time.Duration    `json:"duration"`
}

// CycleResult is the outcome of one discovery cycle over the registry.
type CycleResult struct {
	RunID       string           `json:"run_id"`
	StartedAt   time.Time        `json:"started_at"`
	Duration    time.Duration    `json:"duration"`
	Hosts       []HostResult     `json:"hosts"`
	Summary     *crawler.Summary `json:"summary"`
	Learned     int              `json:"learned_patterns"`
	Interrupted bool             `json:"interrupted"`
}

// Progress is a snapshot of a running cycle.
type Progress struct {
	RunID      string `json:"run_id"`
	HostsTotal int    `json:"hosts_total"`
	HostsDone  int    `json:"hosts_done"`
	Running    bool   `json:"running"`
}

// Options wires an Orchestrator.
type Options struct {
	Config   *config.AppConfig
	Registry registry.Registry
	Crawler  *crawler.Crawler
	Learner  *learn.Learner
	Store    storage.StoreAdmin
	// InstitutionIDs limits the cycle to these institutions; empty means all.
	InstitutionIDs []string
}

// Orchestrator runs discovery cycles: every seed host of the registry is
// crawled in parallel, bounded by crawl.max_concurrent_hosts, and the
// outcomes of each host are learned from as soon as that host finishes.
type Orchestrator struct {
	appCfg  *config.AppConfig
	reg     registry.Registry
	crawler *crawler.Crawler
	learner *learn.Learner
	store   storage.StoreAdmin
	filter  map[string]bool
	log     *logrus.Entry
	now     func() time.Time

	mu       sync.Mutex
	progress Progress
}

// NewOrchestrator creates an orchestrator. Learner and Store may be nil.
func NewOrchestrator(opts Options, log *logrus.Entry) (*Orchestrator, error) {
	if opts.Config == nil || opts.Registry == nil || opts.Crawler == nil {
		return nil, fmt.Errorf("orchestrator needs config, registry and crawler")
	}
	if err := ValidateInstitutionIDs(opts.Registry, opts.InstitutionIDs); err != nil {
		return nil, err
	}
	var filter map[string]bool
	if len(opts.InstitutionIDs) > 0 {
		filter = make(map[string]bool, len(opts.InstitutionIDs))
		for _, id := range opts.InstitutionIDs {
			filter[id] = true
		}
	}
	return &Orchestrator{
		appCfg:  opts.Config,
		reg:     opts.Registry,
		crawler: opts.Crawler,
		learner: opts.Learner,
		store:   opts.Store,
		filter:  filter,
		log:     log.WithField("component", "orchestrator"),
		now:     time.Now,
	}, nil
}

// RunCycle crawls all seed hosts once. Per-host failures are reported in the
// result, not returned. On cancellation the hosts already started finish
// their current job, and the partial result is returned with ctx.Err().
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleResult, error) {
	startTime := o.now()
	groups := o.seedsByHost()
	result := &CycleResult{
		RunID:     uuid.NewString(),
		StartedAt: startTime,
		Summary:   crawler.NewSummary(),
	}
	o.setProgress(Progress{RunID: result.RunID, HostsTotal: len(groups), Running: true})
	defer o.finishProgress()

	cycleLog := o.log.WithField("run_id", result.RunID)
	cycleLog.Infof("Starting discovery cycle over %d hosts", len(groups))

	budget := crawler.NewBudget(o.appCfg.Crawl.MaxPages)
	c := o.crawler.WithBudget(budget)
	sem := semaphore.NewWeighted(int64(max(1, o.appCfg.Crawl.MaxConcurrentHosts)))

	hosts := make([]string, 0, len(groups))
	for host := range groups {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	var (
		wg        sync.WaitGroup
		resultsMu sync.Mutex
	)
	for _, host := range hosts {
		if err := sem.Acquire(ctx, 1); err != nil {
			cycleLog.Warnf("Cycle cancelled before host '%s' started", host)
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			hr := o.crawlHost(ctx, c, host, groups[host], cycleLog)
			resultsMu.Lock()
			result.Hosts = append(result.Hosts, hr)
			resultsMu.Unlock()
			o.hostDone()
		}()
	}
	wg.Wait()

	sort.Slice(result.Hosts, func(i, j int) bool { return result.Hosts[i].Host < result.Hosts[j].Host })
	for _, hr := range result.Hosts {
		result.Summary.Merge(hr.Summary)
		result.Learned += hr.Learned
	}
	if o.store != nil {
		if err := o.store.Checkpoint(); err != nil {
			cycleLog.Errorf("Final checkpoint failed: %v", err)
		}
	}
	result.Interrupted = ctx.Err() != nil || result.Summary.Interrupted
	result.Duration = o.now().Sub(startTime)
	result.Summary.Duration = result.Duration
	o.logSummary(cycleLog, result)
	return result, ctx.Err()
}

// crawlHost runs the crawler over one host's seeds and learns from the outcomes.
func (o *Orchestrator) crawlHost(ctx context.Context, c *crawler.Crawler, host string, seeds []registry.Seed, cycleLog *logrus.Entry) HostResult {
	startTime := o.now()
	hostLog := cycleLog.WithField("host", host)
	result := HostResult{Host: host, Institutions: institutionIDs(seeds)}

	hostLog.Infof("Starting crawl for host '%s'", host)
	summary, outcomes, err := c.Run(ctx, seeds)
	result.Summary = summary
	if err != nil {
		result.Error = err.Error()
		hostLog.Warnf("Crawl stopped for host '%s': %v", host, err)
	} else {
		result.Success = true
		hostLog.Infof("Crawl completed for host '%s'", host)
	}

	// Learning is cheap and uses only finished outcomes, so it runs even
	// when the cycle was cancelled.
	if o.learner != nil && len(outcomes) > 0 {
		learned, lerr := o.learner.Learn(context.WithoutCancel(ctx), host, outcomes)
		if lerr != nil {
			hostLog.Errorf("Pattern learning failed: %v", lerr)
			if result.Error == "" {
				result.Error = lerr.Error()
			}
			result.Success = false
		}
		result.Learned = len(learned)
	}
	result.Duration = o.now().Sub(startTime)
	return result
}

// seedsByHost groups the registry seeds by host, honoring the institution filter.
func (o *Orchestrator) seedsByHost() map[string][]registry.Seed {
	groups := make(map[string][]registry.Seed)
	for _, s := range o.reg.GetAllSeedURLs() {
		if o.filter != nil && !o.filter[s.InstitutionID] {
			continue
		}
		groups[s.Host] = append(groups[s.Host], s)
	}
	return groups
}

// Progress returns a snapshot of the current or last cycle.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

func (o *Orchestrator) setProgress(p Progress) {
	o.mu.Lock()
	o.progress = p
	o.mu.Unlock()
}

func (o *Orchestrator) hostDone() {
	o.mu.Lock()
	o.progress.HostsDone++
	o.mu.Unlock()
}

func (o *Orchestrator) finishProgress() {
	o.mu.Lock()
	o.progress.Running = false
	o.mu.Unlock()
}

// logSummary logs a summary of all host results
func (o *Orchestrator) logSummary(cycleLog *logrus.Entry, r *CycleResult) {
	cycleLog.Info("============================================")
	cycleLog.Infof("Discovery cycle completed in %v", r.Duration)
	cycleLog.Info("Host Results:")

	successCount, failCount := 0, 0
	for _, h := range r.Hosts {
		status := "SUCCESS"
		if !h.Success {
			status = "FAILED"
			failCount++
		} else {
			successCount++
		}
		persisted, fetched := 0, 0
		if h.Summary != nil {
			persisted, fetched = h.Summary.Persisted, h.Summary.Fetched
		}
		cycleLog.Infof("  %s: %s - %d fetched, %d persisted, %d patterns in %v", h.Host, status, fetched, persisted, h.Learned, h.Duration)
		if h.Error != "" {
			cycleLog.Infof("    Error: %s", h.Error)
		}
	}

	cycleLog.Info("--------------------------------------------")
	cycleLog.Infof("Total: %d hosts (%d success, %d failed), %d pages persisted, %d patterns learned",
		len(r.Hosts), successCount, failCount, r.Summary.Persisted, r.Learned)
	if r.Summary.BudgetExhausted {
		cycleLog.Warn("Page budget exhausted during this cycle")
	}
	cycleLog.Info("============================================")
}

// ValidateInstitutionIDs checks that all provided ids exist in the registry
func ValidateInstitutionIDs(reg registry.Registry, ids []string) error {
	for _, id := range ids {
		if _, exists := reg.Institution(id); !exists {
			return fmt.Errorf("institution '%s' not found in registry", id)
		}
	}
	return nil
}

func institutionIDs(seeds []registry.Seed) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, s := range seeds {
		if !seen[s.InstitutionID] {
			seen[s.InstitutionID] = true
			ids = append(ids, s.InstitutionID)
		}
	}
	sort.Strings(ids)
	return ids
}
