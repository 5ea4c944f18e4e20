package parse

import (
	"regexp"
	"strings"
)

// defaultDenylist holds path signatures that are never program content for a
// business-funding corpus. Matched against the lowercased URL path.
var defaultDenylist = []string{
	`/(login|logout|anmeldung|sign-?in|sign-?up|register|registrierung|passwort|password)(/|$)`,
	`/(about|about-us|ueber-uns|uber-uns|wir-ueber-uns|organisation)(/|$)`,
	`/(privacy|privacy-policy|datenschutz|data-protection|cookies?|cookie-policy|disclaimer|agb)(/|$)`,
	`/(news|newsroom|presse|press|pressemitteilungen|aktuelles|blog|newsletter)(/|$)`,
	`/(events?|veranstaltungen|termine|webinare?)(/|$)`,
	`/(karriere|career|careers|jobs|stellenangebote)(/|$)`,
	`/(wohnbau|wohnbaufoerderung|housing|wohnen)(/|$)`,
	`/(landwirtschaft|agriculture|agrar|forstwirtschaft)(/|$)`,
	`/(privatkunden|private-customers)(/|$)`,
	`/(barrierefreiheit|accessibility|sitemap)(/|$)`,
	`/cdn-cgi/`,
}

// Denylist is the global hard-skip list applied regardless of host.
type Denylist struct {
	patterns []*regexp.Regexp
}

// NewDenylist compiles the built-in list plus extra (already compiled) patterns.
func NewDenylist(extra []*regexp.Regexp) *Denylist {
	d := &Denylist{patterns: make([]*regexp.Regexp, 0, len(defaultDenylist)+len(extra))}
	for _, p := range defaultDenylist {
		d.patterns = append(d.patterns, regexp.MustCompile(p))
	}
	d.patterns = append(d.patterns, extra...)
	return d
}

// Match returns the first matching pattern for path.
func (d *Denylist) Match(path string) (string, bool) {
	if d == nil {
		return "", false
	}
	lower := strings.ToLower(path)
	for _, re := range d.patterns {
		if re.MatchString(lower) {
			return re.String(), true
		}
	}
	return "", false
}
