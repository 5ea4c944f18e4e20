package learn

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/storage"
)

// Index serves the active (confidence >= threshold) patterns of each host to
// the classifier. Hosts are loaded from the store on first use and cached
// until invalidated.
type Index struct {
	store     storage.PatternStore
	threshold float64
	log       *logrus.Entry

	mu    sync.RWMutex
	hosts map[string]hostPatterns
}

type hostPatterns struct {
	include []parse.CompiledPattern
	exclude []parse.CompiledPattern
}

// NewIndex creates an Index over store.
func NewIndex(store storage.PatternStore, threshold float64, log *logrus.Entry) *Index {
	return &Index{
		store:     store,
		threshold: threshold,
		log:       log.WithField("component", "pattern_index"),
		hosts:     make(map[string]hostPatterns),
	}
}

// ActivePatterns implements parse.PatternIndex.
func (ix *Index) ActivePatterns(host string, typ models.PatternType) []parse.CompiledPattern {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	ix.mu.RLock()
	hp, ok := ix.hosts[host]
	ix.mu.RUnlock()
	if !ok {
		hp = ix.load(host)
	}
	if typ == models.PatternInclude {
		return hp.include
	}
	return hp.exclude
}

func (ix *Index) load(host string) hostPatterns {
	patterns, err := ix.store.QueryURLPatterns(host, "", ix.threshold, 1)
	if err != nil {
		// Not cached, so the next lookup retries.
		ix.log.WithError(err).WithField("host", host).Warn("Failed to load URL patterns")
		return hostPatterns{}
	}
	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		return patterns[i].UsageCount > patterns[j].UsageCount
	})

	var hp hostPatterns
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			ix.log.WithField("pattern", p.Key()).Warn("Skipping invalid URL pattern")
			continue
		}
		cp := parse.CompiledPattern{URLPattern: p, Re: re}
		if p.Type == models.PatternInclude {
			hp.include = append(hp.include, cp)
		} else {
			hp.exclude = append(hp.exclude, cp)
		}
	}

	ix.mu.Lock()
	ix.hosts[host] = hp
	ix.mu.Unlock()
	return hp
}

// Invalidate drops the cached patterns of host, or of every host when host
// is empty.
func (ix *Index) Invalidate(host string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if host == "" {
		ix.hosts = make(map[string]hostPatterns)
		return
	}
	delete(ix.hosts, strings.TrimPrefix(strings.ToLower(host), "www."))
}
