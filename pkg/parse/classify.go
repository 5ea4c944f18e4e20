package parse

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
)

// Kind is the classifier verdict for a URL.
type Kind string

const (
	KindDownload     Kind = "download"
	KindQueryListing Kind = "queryListing"
	KindOverview     Kind = "overviewPage"
	KindDetail       Kind = "detailPage"
	KindExcluded     Kind = "excluded"
)

// Classification reasons.
const (
	ReasonDownloadExt    = "download_extension"
	ReasonLearnedExclude = "learned_exclude"
	ReasonDenylist       = "denylist"
	ReasonListingParams  = "listing_params"
	ReasonListingPath    = "listing_path"
	ReasonAnchorListing  = "anchor_listing"
	ReasonLearnedInclude = "learned_include"
	ReasonInstitution    = "institution"
	ReasonNoInstitution  = "no_institution"
)

// Classification is the outcome of Classify.
type Classification struct {
	CanonicalURL   string
	URL            *url.URL
	Host           string
	Kind           Kind
	Reason         string
	MatchedPattern string // URLPattern key or denylist regex
}

// CompiledPattern pairs a learned pattern with its regexp.
type CompiledPattern struct {
	models.URLPattern
	Re *regexp.Regexp
}

// PatternIndex supplies the active learned patterns of a host.
type PatternIndex interface {
	ActivePatterns(host string, typ models.PatternType) []CompiledPattern
}

// InstitutionLookup associates URLs with registry institutions.
type InstitutionLookup interface {
	FindInstitutionByURL(rawURL string) (*models.Institution, bool)
}

var downloadExts = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".zip": true, ".odt": true, ".rtf": true,
}

var listingParamNames = map[string]bool{
	"search": true, "suche": true, "query": true, "q": true, "s": true, "keys": true,
	"sort": true, "order": true, "page": true, "offset": true, "limit": true,
	"year": true, "type": true, "category": true, "filter": true, "tag": true,
}

var listingParamPrefixes = []string{"field_", "filter", "combine_", "f["}

// overviewPathRe matches paths that end in a program listing segment.
var overviewPathRe = regexp.MustCompile(`(?i)/(programs?|programmes?|programm|foerderungen|förderungen|foerderung|förderung|foerderprogramme|fundings?|funding-programmes|funding-opportunities|grants|calls|open-calls|ausschreibungen|ausschreibung|calls-for-proposals)/?$`)

var anchorListingRe = regexp.MustCompile(`(?i)(program|foerder|förder|funding|grant|call|ausschreib|angebot|overview|uebersicht|übersicht)`)

// Classifier assigns each URL a Kind. It is safe for concurrent use when its
// collaborators are.
type Classifier struct {
	patterns     PatternIndex
	institutions InstitutionLookup
	denylist     *Denylist
}

// NewClassifier builds a classifier. patterns and institutions may be nil.
func NewClassifier(patterns PatternIndex, institutions InstitutionLookup, denylist *Denylist) *Classifier {
	if denylist == nil {
		denylist = NewDenylist(nil)
	}
	return &Classifier{patterns: patterns, institutions: institutions, denylist: denylist}
}

// Classify canonicalizes rawURL and decides what the crawler should do with it.
func (c *Classifier) Classify(rawURL string) (Classification, error) {
	canonical, parsed, err := ParseAndNormalize(rawURL)
	if err != nil {
		return Classification{}, err
	}
	res := Classification{CanonicalURL: canonical, URL: parsed, Host: HostOf(parsed)}
	// Patterns are learned from canonical paths, so match against the
	// dot-segment free, lowercased canonical path.
	normalized := parsed
	if u, perr := url.Parse(canonical); perr == nil {
		normalized = u
	}
	lowerPath := strings.ToLower(normalized.Path)

	if IsDownload(normalized) {
		return res.with(KindDownload, ReasonDownloadExt, ""), nil
	}

	if c.patterns != nil {
		for _, p := range c.patterns.ActivePatterns(res.Host, models.PatternExclude) {
			if p.Re.MatchString(lowerPath) {
				return res.with(KindExcluded, ReasonLearnedExclude, p.Key()), nil
			}
		}
	}

	if pattern, ok := c.denylist.Match(lowerPath); ok {
		return res.with(KindExcluded, ReasonDenylist, pattern), nil
	}

	if IsQueryListing(parsed) {
		return res.with(KindQueryListing, ReasonListingParams, ""), nil
	}

	if IsOverviewPath(lowerPath) {
		return res.with(KindOverview, ReasonListingPath, ""), nil
	}

	// Anchor-only sections of listing pages: a wasted fetch is cheaper than a
	// false exclusion.
	if frag := parsed.Fragment; frag != "" && !IsFilterFragment(frag) && anchorListingRe.MatchString(frag+" "+lowerPath) {
		return res.with(KindOverview, ReasonAnchorListing, ""), nil
	}

	if c.patterns != nil {
		for _, p := range c.patterns.ActivePatterns(res.Host, models.PatternInclude) {
			if p.Re.MatchString(lowerPath) {
				return res.with(KindDetail, ReasonLearnedInclude, p.Key()), nil
			}
		}
	}

	if c.institutions != nil {
		if _, ok := c.institutions.FindInstitutionByURL(canonical); ok {
			return res.with(KindDetail, ReasonInstitution, ""), nil
		}
	}
	return res.with(KindExcluded, ReasonNoInstitution, ""), nil
}

func (r Classification) with(kind Kind, reason, matched string) Classification {
	r.Kind = kind
	r.Reason = reason
	r.MatchedPattern = matched
	return r
}

// IsDownload reports a file-extension match on the URL path.
func IsDownload(u *url.URL) bool {
	return downloadExts[strings.ToLower(path.Ext(u.Path))]
}

// IsQueryListing reports whether the query (or a filter fragment) carries a
// search/listing parameter signature.
func IsQueryListing(u *url.URL) bool {
	if hasListingParam(u.Query()) {
		return true
	}
	if IsFilterFragment(u.Fragment) {
		if q, err := url.ParseQuery(u.Fragment); err == nil && hasListingParam(q) {
			return true
		}
	}
	return false
}

func hasListingParam(q url.Values) bool {
	for key := range q {
		k := strings.ToLower(key)
		if listingParamNames[k] || strings.Contains(k, "[") {
			return true
		}
		for _, prefix := range listingParamPrefixes {
			if strings.HasPrefix(k, prefix) {
				return true
			}
		}
	}
	return false
}

// IsOverviewPath reports listing-path heuristics on a lowercased path.
func IsOverviewPath(lowerPath string) bool {
	return overviewPathRe.MatchString(lowerPath)
}
