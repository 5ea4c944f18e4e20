package parse

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

// trackingParams are dropped during normalization. Keys ending in '*' match by prefix.
var trackingParams = []string{
	"utm_*", "fbclid", "gclid", "dclid", "msclkid", "mc_cid", "mc_eid", "_ga", "_gl", "ref", "source",
}

func isTrackingParam(key string) bool {
	key = strings.ToLower(key)
	for _, p := range trackingParams {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(key, strings.TrimSuffix(p, "*")) {
				return true
			}
		} else if key == p {
			return true
		}
	}
	return false
}

// NormalizeURL standardizes a URL for comparison and storage.
// It lowercases the scheme and host, removes default ports, resolves dot
// segments, removes trailing slashes (unless root "/"), drops tracking
// parameters and sorts the rest. The fragment is dropped unless it carries a
// key=value filter state.
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	normalized := *u
	normalized.User = nil

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	if normalized.Path == "" {
		normalized.Path = "/"
	} else {
		cleaned := path.Clean(normalized.Path)
		if !strings.HasPrefix(cleaned, "/") {
			cleaned = "/" + cleaned
		}
		normalized.Path = cleaned
	}
	normalized.RawPath = ""

	normalized.RawQuery = canonicalQuery(normalized.Query())

	if !IsFilterFragment(normalized.Fragment) {
		normalized.Fragment = ""
	}
	normalized.RawFragment = ""

	return normalized.String()
}

func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		if isTrackingParam(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// IsFilterFragment reports whether a fragment encodes filter state (e.g. "type=grant").
func IsFilterFragment(fragment string) bool {
	return strings.Contains(fragment, "=")
}

// ParseAndNormalize parses an absolute http(s) URL and normalizes it using NormalizeURL.
// Returns the normalized string, the parsed URL object, and any parse error.
func ParseAndNormalize(urlStr string) (string, *url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(urlStr))
	if err != nil {
		return "", nil, fmt.Errorf("%w: URL %q: %w", utils.ErrParsing, urlStr, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("%w: URL %q: unsupported scheme %q", utils.ErrParsing, urlStr, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", nil, fmt.Errorf("%w: URL %q: missing host", utils.ErrParsing, urlStr)
	}
	return NormalizeURL(parsed), parsed, nil
}

// Resolve turns an href found on base into an absolute URL. Non-navigational
// schemes (mailto, tel, javascript, data) are rejected.
func Resolve(base *url.URL, href string) (*url.URL, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return nil, fmt.Errorf("%w: URL empty href", utils.ErrParsing)
	}
	lower := strings.ToLower(href)
	for _, prefix := range []string{"mailto:", "tel:", "javascript:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return nil, fmt.Errorf("%w: URL non-navigational href %q", utils.ErrParsing, href)
		}
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, fmt.Errorf("%w: URL %q: %w", utils.ErrParsing, href, err)
	}
	if base == nil {
		return ref, nil
	}
	return base.ResolveReference(ref), nil
}

// HostOf returns the lowercased host name without port or a leading "www.".
func HostOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// SameHost compares hosts ignoring port and "www.".
func SameHost(a, b *url.URL) bool {
	return a != nil && b != nil && HostOf(a) == HostOf(b)
}
