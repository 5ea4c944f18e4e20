package detect

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Signature is a set of DOM selectors and raw-HTML substrings; any hit matches.
type Signature struct {
	Name         string
	Selectors    []string // CSS selectors, matched when at least MinCount elements exist
	MinCount     int      // 0 means 1
	HTMLPatterns []string // lowercase substrings of the raw HTML
}

// Match returns the first selector or pattern that hits, or "".
func (sig *Signature) Match(doc *goquery.Document, lowerHTML string) string {
	min := sig.MinCount
	if min <= 0 {
		min = 1
	}
	for _, sel := range sig.Selectors {
		if doc.Find(sel).Length() >= min {
			return sel
		}
	}
	for _, p := range sig.HTMLPatterns {
		if strings.Contains(lowerHTML, p) {
			return p
		}
	}
	return ""
}

// filterUI marks search/filter controls over a program list.
var filterUI = Signature{
	Name: "filter_ui",
	Selectors: []string{
		`select[name*="field_"]`,
		`input[name*="filter"]`,
		`[class*="filter"]`,
		`[id*="filter"]`,
		`[data-filter]`,
	},
}

// listingStructures mark repeated teaser layouts.
var listingStructures = []Signature{
	{Name: "articles", Selectors: []string{"article"}, MinCount: 3},
	{Name: "cards", Selectors: []string{`[class*="card"]`}, MinCount: 3},
	{Name: "listing", Selectors: []string{`[class*="listing"]`}},
}

// loginWording appears on pages that offer a sign-in.
var loginWording = Signature{
	Name:         "login_wording",
	HTMLPatterns: []string{"login", "anmeldung", "anmelden", "einloggen", "password", "passwort", "sign in", "register", "registration"},
}

// loginFields are credential inputs. Matches inside page chrome are ignored
// by the detector, since many portals carry a login box in the header.
const loginFields = `input[type="password"], input[name="password"], input#password`

// pageChrome wraps navigation that is not the page's own content.
const pageChrome = "header, nav, footer, aside"

// loginMessages say outright that access needs an account.
var loginMessages = Signature{
	Name: "login_message",
	HTMLPatterns: []string{
		"login required", "anmeldung erforderlich", "please log in", "bitte anmelden",
		"bitte melden sie sich an", "access restricted", "zugriff beschränkt",
	},
}
