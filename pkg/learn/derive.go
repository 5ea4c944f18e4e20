package learn

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
)

// Outcome is the verdict on one fetched URL: Good when the page cleared the
// persistence tier, bad when it was fetched and discarded.
type Outcome struct {
	URL  string `json:"url"`
	Good bool   `json:"good"`
}

// indicatorSegments mark program detail sections on funding sites.
var indicatorSegments = map[string]bool{
	"ausschreibung": true, "ausschreibungen": true, "foerderung": true, "förderung": true,
	"foerderungen": true, "förderungen": true, "foerderprogramme": true, "programme": true,
	"programm": true, "programs": true, "program": true, "calls": true, "funding": true,
	"grants": true, "finanzierung": true, "angebote": true,
}

// noiseSegments never carry program content. Unlike the global denylist they
// only become patterns through observed bad outcomes on a host.
var noiseSegments = map[string]bool{
	"news": true, "aktuelles": true, "presse": true, "press": true, "blog": true,
	"events": true, "event": true, "veranstaltungen": true, "termine": true,
	"search": true, "suche": true, "tag": true, "tags": true, "kategorie": true,
	"category": true, "categories": true, "archiv": true, "archive": true,
	"impressum": true, "imprint": true, "kontakt": true, "contact": true,
	"datenschutz": true, "newsletter": true, "mediathek": true, "media": true,
	"downloads": true, "faq": true, "glossar": true, "team": true, "jobs": true,
	"karriere": true, "ueber-uns": true, "about": true, "page": true, "seite": true,
}

const (
	includeBase = 0.7
	includeStep = 0.05
	includeCap  = 4
	excludeBase = 0.55
	excludeStep = 0.05
	excludeCap  = 5
	minRatio    = 0.5
)

type observed struct {
	url      string
	path     string
	segments []string
	good     bool
}

type candidate struct {
	typ         models.PatternType
	pattern     string
	learnedFrom string
}

// Derive proposes include and exclude patterns for host from a batch of
// outcomes. Outcomes of other hosts are ignored. Each candidate is scored
// against the whole batch: ratio is the share of matching URLs that carry
// the candidate's label, and candidates below a ratio of 0.5 are dropped.
//
//	include confidence = ratio * (0.70 + 0.05*min(good, 4))
//	exclude confidence = ratio * (0.55 + 0.05*min(bad, 5))
//
// The result is sorted by type then pattern.
func Derive(host string, outcomes []Outcome) []models.URLPattern {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	var obs []observed
	goodFirst := make(map[string]bool)
	for _, o := range outcomes {
		u, err := url.Parse(o.URL)
		if err != nil || parse.HostOf(u) != host {
			continue
		}
		p := strings.ToLower(u.Path)
		segs := splitPath(p)
		obs = append(obs, observed{url: o.URL, path: p, segments: segs, good: o.Good})
		if o.Good && len(segs) > 0 {
			goodFirst[segs[0]] = true
		}
	}

	seen := make(map[string]bool)
	var cands []candidate
	add := func(typ models.PatternType, pattern, from string) {
		key := string(typ) + "|" + pattern
		if seen[key] {
			return
		}
		seen[key] = true
		cands = append(cands, candidate{typ: typ, pattern: pattern, learnedFrom: from})
	}

	for _, o := range obs {
		n := len(o.segments)
		if o.good {
			if n >= 2 {
				add(models.PatternInclude, "/"+quoteJoin(o.segments[:n-1])+"/[^/]+$", o.url)
			}
			for _, seg := range o.segments[:max(n-1, 0)] {
				if indicatorSegments[seg] {
					add(models.PatternInclude, "/"+regexp.QuoteMeta(seg)+"/", o.url)
				}
			}
			continue
		}
		noisy := false
		for _, seg := range o.segments {
			if noiseSegments[seg] {
				add(models.PatternExclude, "/"+regexp.QuoteMeta(seg)+"(/|$)", o.url)
				noisy = true
			}
		}
		// A first segment no good page lives under is a section of its own.
		if !noisy && n > 0 && len(goodFirst) > 0 && !goodFirst[o.segments[0]] {
			add(models.PatternExclude, "^/"+regexp.QuoteMeta(o.segments[0])+"(/|$)", o.url)
		}
	}

	var out []models.URLPattern
	for _, c := range cands {
		re, err := regexp.Compile(c.pattern)
		if err != nil {
			continue
		}
		good, bad := 0, 0
		for _, o := range obs {
			if !re.MatchString(o.path) {
				continue
			}
			if o.good {
				good++
			} else {
				bad++
			}
		}
		if good+bad == 0 {
			continue
		}
		var conf float64
		switch c.typ {
		case models.PatternInclude:
			ratio := float64(good) / float64(good+bad)
			if ratio < minRatio {
				continue
			}
			conf = ratio * (includeBase + includeStep*float64(min(good, includeCap)))
		case models.PatternExclude:
			ratio := float64(bad) / float64(good+bad)
			if ratio < minRatio {
				continue
			}
			conf = ratio * (excludeBase + excludeStep*float64(min(bad, excludeCap)))
		}
		out = append(out, models.URLPattern{
			Host:           host,
			Type:           c.typ,
			Pattern:        c.pattern,
			Confidence:     models.ClampConfidence(conf),
			UsageCount:     1,
			LearnedFromURL: c.learnedFrom,
			Source:         models.PatternSourceLearned,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out
}

// ExactPathPattern anchors the full lowercased path of u.
func ExactPathPattern(u *url.URL) string {
	p := strings.ToLower(u.Path)
	if p == "" {
		p = "/"
	}
	return "^" + regexp.QuoteMeta(p) + "$"
}

func splitPath(p string) []string {
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func quoteJoin(segs []string) string {
	quoted := make([]string, len(segs))
	for i, s := range segs {
		quoted[i] = regexp.QuoteMeta(s)
	}
	return strings.Join(quoted, "/")
}
