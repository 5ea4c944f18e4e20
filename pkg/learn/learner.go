package learn

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/storage"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

// Learner turns crawl outcomes into stored per-host URL patterns.
type Learner struct {
	store storage.PatternStore
	cfg   config.LearningConfig
	index *Index
	log   *logrus.Entry
	now   func() time.Time
}

// NewLearner creates a Learner. index may be nil; when set, hosts are
// invalidated after every write so the classifier sees new patterns.
func NewLearner(store storage.PatternStore, cfg config.LearningConfig, index *Index, log *logrus.Entry) *Learner {
	return &Learner{
		store: store,
		cfg:   cfg,
		index: index,
		log:   log.WithField("component", "learner"),
		now:   time.Now,
	}
}

// Learn derives patterns for host from outcomes and merges them into the
// store. Returns the stored (merged) patterns.
func (l *Learner) Learn(ctx context.Context, host string, outcomes []Outcome) ([]models.URLPattern, error) {
	derived := Derive(host, outcomes)
	if len(derived) == 0 {
		return nil, nil
	}
	now := l.now()
	stored := make([]models.URLPattern, 0, len(derived))
	for _, p := range derived {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		p.CreatedAt, p.UpdatedAt = now, now
		saved, err := l.store.SaveURLPattern(p)
		if err != nil {
			return stored, err
		}
		stored = append(stored, saved)
	}
	if l.index != nil {
		l.index.Invalidate(host)
	}

	includes, excludes, active := 0, 0, 0
	for _, p := range stored {
		if p.Type == models.PatternInclude {
			includes++
		} else {
			excludes++
		}
		if p.Confidence >= l.cfg.ActivationConfidence {
			active++
		}
	}
	l.log.WithFields(logrus.Fields{
		"host":     host,
		"outcomes": len(outcomes),
		"include":  includes,
		"exclude":  excludes,
		"active":   active,
	}).Info("Learned URL patterns")
	return stored, nil
}

// LearnAll groups outcomes by host and learns each host separately.
func (l *Learner) LearnAll(ctx context.Context, outcomes []Outcome) (map[string][]models.URLPattern, error) {
	out := make(map[string][]models.URLPattern)
	for host, hostOutcomes := range GroupByHost(outcomes) {
		stored, err := l.Learn(ctx, host, hostOutcomes)
		if err != nil {
			return out, fmt.Errorf("learning %s: %w", host, err)
		}
		if len(stored) > 0 {
			out[host] = stored
		}
	}
	return out, nil
}

// RecordFailure stores a manual exclusion for the exact path of a URL that
// failed terminally: not-found responses with high confidence, other failures
// with medium confidence. On conflict the higher confidence is kept.
func (l *Learner) RecordFailure(ctx context.Context, rawURL string, statusCode int) (models.URLPattern, error) {
	if err := ctx.Err(); err != nil {
		return models.URLPattern{}, err
	}
	_, u, err := parse.ParseAndNormalize(rawURL)
	if err != nil {
		return models.URLPattern{}, err
	}
	conf := l.cfg.OtherFailureConfidence
	if statusCode == http.StatusNotFound || statusCode == http.StatusGone {
		conf = l.cfg.NotFoundConfidence
	}
	now := l.now()
	p := models.URLPattern{
		Host:           parse.HostOf(u),
		Type:           models.PatternExclude,
		Pattern:        ExactPathPattern(u),
		Confidence:     models.ClampConfidence(conf),
		UsageCount:     1,
		LearnedFromURL: rawURL,
		Source:         models.PatternSourceManual,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	saved, err := l.store.SaveURLPattern(p)
	if err != nil {
		return p, fmt.Errorf("%w: manual exclusion for %s: %w", utils.ErrPersistence, rawURL, err)
	}
	if l.index != nil {
		l.index.Invalidate(p.Host)
	}
	l.log.WithFields(logrus.Fields{
		"url":        rawURL,
		"status":     statusCode,
		"confidence": saved.Confidence,
	}).Debug("Recorded manual exclusion")
	return saved, nil
}

// GroupByHost splits outcomes by normalized host. Unparsable URLs are dropped.
func GroupByHost(outcomes []Outcome) map[string][]Outcome {
	groups := make(map[string][]Outcome)
	for _, o := range outcomes {
		_, u, err := parse.ParseAndNormalize(o.URL)
		if err != nil {
			continue
		}
		host := parse.HostOf(u)
		groups[host] = append(groups[host], o)
	}
	return groups
}
