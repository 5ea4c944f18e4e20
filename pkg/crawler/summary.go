package crawler

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const maxErrorSamples = 10

// Budget is the global fetch allowance of a discovery cycle, shared by all
// hosts crawled in parallel.
type Budget struct {
	max  int64
	used atomic.Int64
}

// NewBudget allows max fetches. max <= 0 means unlimited.
func NewBudget(max int) *Budget {
	return &Budget{max: int64(max)}
}

// Take reserves one fetch. Returns false once the budget is spent.
func (b *Budget) Take() bool {
	if b.max <= 0 {
		b.used.Add(1)
		return true
	}
	if b.used.Add(1) > b.max {
		b.used.Add(-1)
		return false
	}
	return true
}

// Exhausted reports whether no fetch is left.
func (b *Budget) Exhausted() bool {
	return b.max > 0 && b.used.Load() >= b.max
}

// Used returns the number of fetches taken.
func (b *Budget) Used() int { return int(b.used.Load()) }

// JobError is a sample of a terminal job failure for reports.
type JobError struct {
	URL       string `json:"url"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// Summary counts what one run did.
type Summary struct {
	Discovered      int            `json:"discovered"`
	Resumed         int            `json:"resumed"`
	Fetched         int            `json:"fetched"`
	Done            int            `json:"done"`
	Failed          int            `json:"failed"`
	Skipped         int            `json:"skipped"`
	Retried         int            `json:"retried"`
	Overview        int            `json:"overview"`
	Persisted       int            `json:"persisted"`
	Discarded       int            `json:"discarded"`
	Tiers           map[string]int `json:"tiers"`
	SkipReasons     map[string]int `json:"skip_reasons"`
	Errors          []JobError     `json:"errors,omitempty"`
	BudgetExhausted bool           `json:"budget_exhausted"`
	Interrupted     bool           `json:"interrupted"`
	Duration        time.Duration  `json:"duration"`
}

// NewSummary returns an empty Summary.
func NewSummary() *Summary {
	return &Summary{Tiers: make(map[string]int), SkipReasons: make(map[string]int)}
}

func (s *Summary) recordError(url, errorType, message string) {
	if len(s.Errors) < maxErrorSamples {
		s.Errors = append(s.Errors, JobError{URL: url, ErrorType: errorType, Message: message})
	}
}

// Merge adds the counts of other into s.
func (s *Summary) Merge(other *Summary) {
	if other == nil {
		return
	}
	s.Discovered += other.Discovered
	s.Resumed += other.Resumed
	s.Fetched += other.Fetched
	s.Done += other.Done
	s.Failed += other.Failed
	s.Skipped += other.Skipped
	s.Retried += other.Retried
	s.Overview += other.Overview
	s.Persisted += other.Persisted
	s.Discarded += other.Discarded
	for k, v := range other.Tiers {
		s.Tiers[k] += v
	}
	for k, v := range other.SkipReasons {
		s.SkipReasons[k] += v
	}
	for _, e := range other.Errors {
		s.recordError(e.URL, e.ErrorType, e.Message)
	}
	s.BudgetExhausted = s.BudgetExhausted || other.BudgetExhausted
	s.Interrupted = s.Interrupted || other.Interrupted
}

// Log writes the summary block the way a finished crawl reports it.
func (s *Summary) Log(log *logrus.Entry) {
	log.Info("==================== Crawl Summary ====================")
	log.Infof("Duration:         %v", s.Duration)
	log.Infof("Jobs:             discovered=%d resumed=%d fetched=%d", s.Discovered, s.Resumed, s.Fetched)
	log.Infof("Outcome:          done=%d failed=%d skipped=%d retried=%d", s.Done, s.Failed, s.Skipped, s.Retried)
	log.Infof("Pages:            persisted=%d discarded=%d overview=%d", s.Persisted, s.Discarded, s.Overview)
	if len(s.Tiers) > 0 {
		log.WithFields(toFields(s.Tiers)).Info("Tiers")
	}
	if len(s.SkipReasons) > 0 {
		log.WithFields(toFields(s.SkipReasons)).Info("Skip reasons")
	}
	for _, e := range s.Errors {
		log.WithFields(logrus.Fields{"url": e.URL, "error_type": e.ErrorType}).Warn(e.Message)
	}
	if s.BudgetExhausted {
		log.Warn("Page budget exhausted, remaining jobs stay queued")
	}
	if s.Interrupted {
		log.Warn("Run interrupted, remaining jobs stay queued")
	}
	log.Info("=======================================================")
}

func toFields(m map[string]int) logrus.Fields {
	f := make(logrus.Fields, len(m))
	for k, v := range m {
		f[k] = v
	}
	return f
}
