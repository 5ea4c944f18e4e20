// Package recheck re-validates mid-confidence exclusion patterns by
// re-scraping the URL each pattern was learned from, and removes the
// patterns that turn out to hide program pages.
package recheck

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/crawler"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/storage"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

var statusRe = regexp.MustCompile(`status (\d{3})`)

// Store is the persistence the recheck needs.
type Store interface {
	storage.PatternStore
	storage.JobStore
}

// Invalidator drops cached patterns of a host.
type Invalidator interface {
	Invalidate(host string)
}

// Verdict is the recheck outcome for one pattern.
type Verdict string

const (
	VerdictConfirmed Verdict = "confirmed" // exclusion holds, confidence raised
	VerdictReversed  Verdict = "reversed"  // pattern deleted
	VerdictParked    Verdict = "parked"    // some content, pattern deactivated
	VerdictUnchanged Verdict = "unchanged" // no evidence either way
)

// Rechecker samples exclusion patterns and re-scrapes their origin URLs.
type Rechecker struct {
	store        Store
	scraper      *crawler.Scraper
	classifier   *parse.Classifier
	institutions parse.InstitutionLookup
	index        Invalidator
	cfg          config.RecheckConfig
	pageTimeout  time.Duration
	log          *logrus.Entry
	now          func() time.Time
}

// New creates a Rechecker. index and institutions may be nil.
func New(store Store, scraper *crawler.Scraper, institutions parse.InstitutionLookup, index Invalidator, cfg *config.AppConfig, log *logrus.Entry) *Rechecker {
	pageTimeout := cfg.PerPageTimeout
	if pageTimeout <= 0 {
		pageTimeout = 2 * time.Minute
	}
	return &Rechecker{
		store:   store,
		scraper: scraper,
		// Learned patterns are ignored here: the URL under test is excluded
		// by definition.
		classifier:   parse.NewClassifier(nil, institutions, nil),
		institutions: institutions,
		index:        index,
		cfg:          cfg.Recheck,
		pageTimeout:  pageTimeout,
		log:          log.WithField("component", "recheck"),
		now:          time.Now,
	}
}

// Recheck re-validates up to maxSamples exclusion patterns (the configured
// default when maxSamples <= 0), least recently rechecked first. It returns
// the patterns it deleted. On cancellation the patterns removed so far are
// returned with ctx.Err().
func (r *Rechecker) Recheck(ctx context.Context, maxSamples int) ([]models.URLPattern, error) {
	if maxSamples <= 0 {
		maxSamples = r.cfg.MaxSamples
	}
	samples, err := r.sample(maxSamples)
	if err != nil {
		return nil, err
	}
	r.log.WithField("samples", len(samples)).Info("Blacklist recheck starting")

	var removed []models.URLPattern
	counts := make(map[Verdict]int)
	for _, p := range samples {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		verdict, err := r.recheckOne(ctx, p)
		if err != nil {
			r.log.WithField("pattern", p.Key()).Errorf("Recheck failed: %v", err)
			continue
		}
		counts[verdict]++
		if verdict == VerdictReversed {
			removed = append(removed, p)
		}
	}

	r.log.WithFields(logrus.Fields{
		"confirmed": counts[VerdictConfirmed],
		"reversed":  counts[VerdictReversed],
		"parked":    counts[VerdictParked],
		"unchanged": counts[VerdictUnchanged],
	}).Info("Blacklist recheck finished")
	return removed, nil
}

// sample returns exclusion patterns strictly inside the confidence window,
// oldest recheck first.
func (r *Rechecker) sample(n int) ([]models.URLPattern, error) {
	all, err := r.store.QueryURLPatterns("", models.PatternExclude, r.cfg.MinConfidence, r.cfg.MaxConfidence)
	if err != nil {
		return nil, err
	}
	var out []models.URLPattern
	for _, p := range all {
		if p.Confidence > r.cfg.MinConfidence && p.Confidence < r.cfg.MaxConfidence {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastRecheckedAt.Equal(out[j].LastRecheckedAt) {
			return out[i].LastRecheckedAt.Before(out[j].LastRecheckedAt)
		}
		return out[i].Key() < out[j].Key()
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (r *Rechecker) recheckOne(ctx context.Context, p models.URLPattern) (Verdict, error) {
	patternLog := r.log.WithFields(logrus.Fields{"pattern": p.Pattern, "host": p.Host, "url": p.LearnedFromURL})

	verdict, items := VerdictUnchanged, 0
	if cls, err := r.classifier.Classify(p.LearnedFromURL); err != nil {
		patternLog.Warnf("Origin URL unusable: %v", err)
	} else {
		verdict, items = r.judge(ctx, cls, patternLog)
	}

	now := r.now()
	switch verdict {
	case VerdictReversed:
		if err := r.store.DeleteURLPattern(p.Key()); err != nil {
			return verdict, err
		}
		requeued, err := r.store.RequeueSkippedByPattern(context.WithoutCancel(ctx), p.Key(), now)
		if err != nil {
			return verdict, fmt.Errorf("pattern deleted but re-admission failed: %w", err)
		}
		r.invalidate(p.Host)
		patternLog.WithFields(logrus.Fields{"items": items, "requeued": requeued}).Info("Exclusion reversed")
		return verdict, nil
	case VerdictConfirmed:
		p.Confidence = models.ClampConfidence(p.Confidence + r.cfg.ConfirmStep)
		p.UpdatedAt = now
	case VerdictParked:
		p.Confidence = r.cfg.ParkedConfidence
		p.UpdatedAt = now
	}
	p.LastRecheckedAt = now
	if err := r.store.PutURLPattern(p); err != nil {
		return verdict, err
	}
	if verdict != VerdictUnchanged {
		r.invalidate(p.Host)
	}
	patternLog.WithFields(logrus.Fields{"verdict": verdict, "items": items, "confidence": p.Confidence}).Info("Exclusion rechecked")
	return verdict, nil
}

// judge scrapes the origin URL and maps the result to a verdict.
func (r *Rechecker) judge(ctx context.Context, cls parse.Classification, patternLog *logrus.Entry) (Verdict, int) {
	var inst *models.Institution
	if r.institutions != nil {
		inst, _ = r.institutions.FindInstitutionByURL(cls.CanonicalURL)
	}
	taskCtx, cancel := context.WithTimeout(ctx, r.pageTimeout)
	defer cancel()

	scraped, err := r.scraper.Scrape(taskCtx, cls, inst)
	switch {
	case err == nil:
	case errors.Is(err, utils.ErrLoginRequired), errors.Is(err, utils.ErrAuth),
		hasClientStatus(err, 401, 403, 404, 410), errors.Is(err, utils.ErrNoExtractableText):
		return VerdictConfirmed, 0
	default:
		patternLog.WithField("error_type", utils.CategorizeError(err)).Debugf("No verdict: %v", err)
		return VerdictUnchanged, 0
	}

	if scraped.Overview {
		return VerdictReversed, 0
	}
	if scraped.Page == nil {
		// Query listings are never fetched for content.
		return VerdictUnchanged, 0
	}
	items := scraped.Items()
	switch {
	case items >= r.cfg.ReverseItems:
		return VerdictReversed, items
	case items > 0:
		return VerdictParked, items
	}
	return VerdictConfirmed, 0
}

func (r *Rechecker) invalidate(host string) {
	if r.index != nil {
		r.index.Invalidate(host)
	}
}

// hasClientStatus reports a terminal client error with one of codes. Login
// walls (401, 403) and gone pages (404, 410) all confirm an exclusion.
func hasClientStatus(err error, codes ...int) bool {
	if !errors.Is(err, utils.ErrClientHTTPError) {
		return false
	}
	m := statusRe.FindStringSubmatch(err.Error())
	if m == nil {
		return false
	}
	status, _ := strconv.Atoi(m[1])
	return slices.Contains(codes, status)
}
