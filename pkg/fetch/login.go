package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

const maxLoginPageBytes = 2 << 20

// loginFailureMarkers are matched against the visible text of the login response.
var loginFailureMarkers = []string{
	"invalid", "wrong", "incorrect", "ungültig", "ungueltig", "falsch",
	"captcha", "recaptcha", "verify you are human",
	"locked", "blocked", "gesperrt",
	"2fa", "two-factor", "verification code",
	"error", "failed",
}

var sessionCookieHints = []string{"session", "auth", "token"}

// LoginEvidence is what a login attempt left behind.
type LoginEvidence struct {
	Status     int
	Text       string         // visible text of the final response
	LoginURL   *url.URL       // where the form was served
	FinalURL   *url.URL       // after redirects
	NewCookies []*http.Cookie // cookies set or changed by the submit
}

// EvaluateLogin applies the layered success check: no failure wording, a
// 2xx/3xx status, and either new cookies or a redirect away from the login page.
// The returned reason explains a failure.
func EvaluateLogin(e LoginEvidence) (bool, string) {
	text := strings.ToLower(e.Text)
	for _, marker := range loginFailureMarkers {
		if strings.Contains(text, marker) {
			return false, "failure marker: " + marker
		}
	}
	if e.Status < 200 || e.Status >= 400 {
		return false, fmt.Sprintf("status %d", e.Status)
	}
	if len(e.NewCookies) > 0 {
		return true, ""
	}
	if e.FinalURL != nil && e.LoginURL != nil &&
		(e.FinalURL.Host != e.LoginURL.Host || strings.TrimRight(e.FinalURL.Path, "/") != strings.TrimRight(e.LoginURL.Path, "/")) {
		return true, ""
	}
	return false, "no session cookie and no redirect"
}

// PickSessionCookie returns the configured cookie name if present, else the
// first cookie whose name hints at a session, else the first cookie.
func PickSessionCookie(cookies []*http.Cookie, configured string) string {
	if len(cookies) == 0 {
		return ""
	}
	if configured != "" {
		for _, c := range cookies {
			if c.Name == configured {
				return c.Name
			}
		}
	}
	for _, c := range cookies {
		name := strings.ToLower(c.Name)
		for _, hint := range sessionCookieHints {
			if strings.Contains(name, hint) {
				return c.Name
			}
		}
	}
	return cookies[0].Name
}

// LoginResult is a successful login.
type LoginResult struct {
	Session  *models.LoginSession
	Status   int
	FinalURL string
}

// Authenticator performs form logins against institution portals.
type Authenticator struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	now       func() time.Time
	log       *logrus.Entry
}

// NewAuthenticator creates an Authenticator. Each Login uses its own cookie jar
// layered over client.
func NewAuthenticator(client *http.Client, userAgent string, ttl time.Duration, now func() time.Time, log *logrus.Entry) *Authenticator {
	if now == nil {
		now = time.Now
	}
	return &Authenticator{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		now:       now,
		log:       log.WithField("component", "authenticator"),
	}
}

// Login loads the login page, fills the form and submits it. Any failure is
// returned wrapped in ErrAuth.
func (a *Authenticator) Login(ctx context.Context, institutionID string, lc models.LoginConfig) (*LoginResult, error) {
	if !lc.HasCredentials() {
		return nil, fmt.Errorf("%w: no credentials configured for %s", utils.ErrAuth, institutionID)
	}
	loginLog := a.log.WithFields(logrus.Fields{"institution": institutionID, "login_url": lc.URL})

	client, jar, err := WithCookieJar(a.client)
	if err != nil {
		return nil, fmt.Errorf("%w: cookie jar: %w", utils.ErrAuth, err)
	}

	// 1. Load the form
	doc, pageURL, err := a.getDocument(ctx, client, lc.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: load login page: %w", utils.ErrAuth, err)
	}
	form, err := findLoginForm(doc, lc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrAuth, institutionID, err)
	}
	action, method, values, err := fillForm(form, pageURL, lc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrAuth, institutionID, err)
	}

	// 2. Submit
	before := cookieSnapshot(jar.Cookies(action))
	req, err := newFormRequest(ctx, method, action, values)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Referer", pageURL.String())

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: submit: %w", utils.ErrAuth, err)
	}
	defer resp.Body.Close()

	text := ""
	if respDoc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxLoginPageBytes)); err == nil {
		respDoc.Find("script, style, noscript").Remove()
		text = respDoc.Find("body").Text()
	}

	// 3. Judge
	all := jar.Cookies(action)
	evidence := LoginEvidence{
		Status:     resp.StatusCode,
		Text:       text,
		LoginURL:   pageURL,
		FinalURL:   resp.Request.URL,
		NewCookies: changedCookies(before, all),
	}
	if ok, reason := EvaluateLogin(evidence); !ok {
		loginLog.Warnf("Login rejected: %s", reason)
		return nil, fmt.Errorf("%w: %s: %s", utils.ErrAuth, institutionID, reason)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: %s: no cookies after login", utils.ErrAuth, institutionID)
	}

	session := &models.LoginSession{
		InstitutionID: institutionID,
		Cookies:       all,
		SessionCookie: PickSessionCookie(all, lc.SessionCookieName),
		ExpiresAt:     a.now().Add(a.ttl),
	}
	loginLog.WithField("session_cookie", session.SessionCookie).Info("Login succeeded")
	return &LoginResult{Session: session, Status: resp.StatusCode, FinalURL: resp.Request.URL.String()}, nil
}

func (a *Authenticator) getDocument(ctx context.Context, client *http.Client, rawURL string) (*goquery.Document, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("User-Agent", a.userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxLoginPageBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: login HTML: %w", utils.ErrParsing, err)
	}
	return doc, resp.Request.URL, nil
}

func findLoginForm(doc *goquery.Document, lc models.LoginConfig) (*goquery.Selection, error) {
	if lc.FormSelector != "" {
		if form := doc.Find(lc.FormSelector).First(); form.Length() > 0 {
			return form, nil
		}
		return nil, fmt.Errorf("form selector %q matched nothing", lc.FormSelector)
	}
	if form := doc.Find("form:has(input[type=password])").First(); form.Length() > 0 {
		return form, nil
	}
	return nil, fmt.Errorf("no form with a password field")
}

// fillForm keeps the form's own fields (hidden CSRF tokens etc.) and sets the credentials.
func fillForm(form *goquery.Selection, pageURL *url.URL, lc models.LoginConfig) (*url.URL, string, url.Values, error) {
	values := url.Values{}
	form.Find("input[name]").Each(func(_ int, in *goquery.Selection) {
		name, _ := in.Attr("name")
		typ := strings.ToLower(in.AttrOr("type", "text"))
		if _, checked := in.Attr("checked"); (typ == "checkbox" || typ == "radio") && !checked {
			return
		}
		if typ == "submit" || typ == "button" || typ == "image" {
			return
		}
		values.Set(name, in.AttrOr("value", ""))
	})

	emailSel := lc.EmailSelector
	if emailSel == "" {
		emailSel = `input[type=email], input[type=text], input:not([type])`
	}
	passSel := lc.PasswordSelector
	if passSel == "" {
		passSel = `input[type=password]`
	}
	emailName, ok := form.Find(emailSel).First().Attr("name")
	if !ok {
		return nil, "", nil, fmt.Errorf("no email/user field")
	}
	passName, ok := form.Find(passSel).First().Attr("name")
	if !ok {
		return nil, "", nil, fmt.Errorf("no password field")
	}
	values.Set(emailName, lc.Email)
	values.Set(passName, lc.Password)
	for k, v := range lc.ExtraFields {
		values.Set(k, v)
	}

	action := pageURL
	if href := strings.TrimSpace(form.AttrOr("action", "")); href != "" {
		resolved, err := pageURL.Parse(href)
		if err != nil {
			return nil, "", nil, fmt.Errorf("form action %q: %w", href, err)
		}
		action = resolved
	}
	method := strings.ToUpper(form.AttrOr("method", http.MethodPost))
	if method != http.MethodGet {
		method = http.MethodPost
	}
	return action, method, values, nil
}

func newFormRequest(ctx context.Context, method string, action *url.URL, values url.Values) (*http.Request, error) {
	if method == http.MethodGet {
		u := *action
		u.RawQuery = values.Encode()
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.String(), strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func cookieSnapshot(cookies []*http.Cookie) map[string]string {
	snap := make(map[string]string, len(cookies))
	for _, c := range cookies {
		snap[c.Name] = c.Value
	}
	return snap
}

func changedCookies(before map[string]string, after []*http.Cookie) []*http.Cookie {
	var out []*http.Cookie
	for _, c := range after {
		if v, ok := before[c.Name]; !ok || v != c.Value {
			out = append(out, c)
		}
	}
	return out
}
