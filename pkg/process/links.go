package process

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
)

// Link is an outbound link harvested from a page.
type Link struct {
	URL    string // canonical
	Parsed *url.URL
	Text   string
}

// LinkOptions controls link harvesting.
type LinkOptions struct {
	SameHostOnly    bool
	RespectNofollow bool
	Selectors       []string // defaults to the whole body
}

// ExtractLinks returns the canonical, de-duplicated links of doc in document
// order. Links are resolved against base (or a <base href> when present);
// non-navigational schemes and unparsable hrefs are dropped.
func ExtractLinks(doc *goquery.Document, base *url.URL, opts LinkOptions) []Link {
	if doc == nil || base == nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := parse.Resolve(base, href); err == nil {
			base = b
		}
	}

	selectors := opts.Selectors
	if len(selectors) == 0 {
		selectors = []string{"body"}
	}

	seen := make(map[string]struct{})
	var links []Link
	for _, selector := range selectors {
		doc.Find(selector).Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			if opts.RespectNofollow {
				if rel, _ := a.Attr("rel"); strings.Contains(strings.ToLower(rel), "nofollow") {
					return
				}
			}
			href, _ := a.Attr("href")
			resolved, err := parse.Resolve(base, href)
			if err != nil {
				return
			}
			canonical, parsed, err := parse.ParseAndNormalize(resolved.String())
			if err != nil {
				return
			}
			if opts.SameHostOnly && !parse.SameHost(parsed, base) {
				return
			}
			if _, dup := seen[canonical]; dup {
				return
			}
			seen[canonical] = struct{}{}
			links = append(links, Link{URL: canonical, Parsed: parsed, Text: CollapseSpace(a.Text())})
		})
	}
	return links
}
