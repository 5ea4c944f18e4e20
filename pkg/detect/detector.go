package detect

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
)

const (
	minProgramLinks  = 5
	minGridLinks     = 10
	overviewFilterUI = "filter_ui"
	overviewListing  = "program_listing"
)

// programLinkRe marks hrefs that look like program detail pages.
var programLinkRe = regexp.MustCompile(`(?i)/programm?e?s?/|/f(oe|ö)rderung|/grants?(/|$)|/funding|/node/\d+`)

// loginURLRe marks login and portal entry points.
var loginURLRe = regexp.MustCompile(`(?i)/(login|anmeldung|sign-in|signin|register|registration|auth|authenticate|portal|dashboard)/?$|/foerdermanager`)

// Detection is the DOM verdict for a fetched page.
type Detection struct {
	Overview       bool
	OverviewSignal string // filter_ui | program_listing
	ProgramLinks   int
	LoginWall      bool
	LoginSignal    string
}

// Detector inspects fetched pages for listing layouts and login walls.
type Detector struct {
	log *logrus.Entry
}

// NewDetector creates a Detector
func NewDetector(log *logrus.Entry) *Detector {
	return &Detector{log: log.WithField("component", "detector")}
}

// Detect classifies a parsed page. rawHTML is the response body the document
// was parsed from; it is scanned for wording that selectors cannot see.
func (d *Detector) Detect(doc *goquery.Document, rawHTML string, pageURL *url.URL) Detection {
	lower := strings.ToLower(rawHTML)
	var det Detection

	det.LoginWall, det.LoginSignal = loginWall(doc, lower, pageURL)

	det.ProgramLinks = countProgramLinks(doc, pageURL)
	if sel := filterUI.Match(doc, lower); sel != "" {
		det.Overview, det.OverviewSignal = true, overviewFilterUI
	} else if det.ProgramLinks >= minProgramLinks && hasListingStructure(doc) {
		det.Overview, det.OverviewSignal = true, overviewListing
	}

	if det.Overview || det.LoginWall {
		d.log.WithFields(logrus.Fields{
			"url": pageURL.String(), "overview": det.OverviewSignal, "login": det.LoginSignal, "program_links": det.ProgramLinks,
		}).Debug("Page signature detected")
	}
	return det
}

// IsLoginURL reports a URL that is itself a login or portal entry.
func IsLoginURL(u *url.URL) bool {
	return u != nil && loginURLRe.MatchString(u.Path)
}

func loginWall(doc *goquery.Document, lowerHTML string, pageURL *url.URL) (bool, string) {
	if IsLoginURL(pageURL) {
		return true, "login_url"
	}
	if p := loginMessages.Match(doc, lowerHTML); p != "" {
		return true, p
	}
	if loginWording.Match(doc, lowerHTML) != "" && contentPasswordFields(doc) > 0 {
		return true, "password_field"
	}
	return false, ""
}

func contentPasswordFields(doc *goquery.Document) int {
	return doc.Find(loginFields).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Closest(pageChrome).Length() == 0
	}).Length()
}

func countProgramLinks(doc *goquery.Document, pageURL *url.URL) int {
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		u, err := pageURL.Parse(strings.TrimSpace(href))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		if programLinkRe.MatchString(u.Path) {
			u.Fragment = ""
			seen[u.String()] = struct{}{}
		}
	})
	return len(seen)
}

func hasListingStructure(doc *goquery.Document) bool {
	for i := range listingStructures {
		if listingStructures[i].Match(doc, "") != "" {
			return true
		}
	}
	return doc.Find(`[class*="grid"]`).Length() > 0 && doc.Find("a[href]").Length() > minGridLinks
}
