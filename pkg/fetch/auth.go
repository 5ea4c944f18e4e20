package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/parse"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

const defaultMaxBodyBytes = 20 << 20

// Result is a fetched document.
type Result struct {
	URL           string
	FinalURL      string
	Status        int
	ContentType   string // media type without parameters
	Body          []byte
	Authenticated bool
}

// HTML returns the body as a string.
func (r *Result) HTML() string { return string(r.Body) }

// IsPDF reports whether the response is a PDF by media type or extension.
func (r *Result) IsPDF() bool {
	return r.ContentType == "application/pdf" || strings.HasSuffix(strings.ToLower(r.FinalURL), ".pdf")
}

// IsHTML reports an HTML or unknown text response.
func (r *Result) IsHTML() bool {
	return r.ContentType == "" || r.ContentType == "text/html" || r.ContentType == "application/xhtml+xml"
}

// AuthFetcherOptions wires the collaborators of an AuthFetcher.
type AuthFetcherOptions struct {
	Fetcher          *Fetcher
	Authenticator    *Authenticator
	Sessions         SessionCache
	RateLimiter      *RateLimiter
	HostPool         *HostSemaphorePool
	UserAgent        string
	SemaphoreTimeout time.Duration
	MaxBodyBytes     int64
}

// AuthFetcher fetches pages politely and with an institution's login session
// when one is configured.
type AuthFetcher struct {
	opts AuthFetcherOptions
	log  *logrus.Entry
}

// NewAuthFetcher creates an AuthFetcher. Authenticator and Sessions may be nil
// when no institution needs a login.
func NewAuthFetcher(opts AuthFetcherOptions, log *logrus.Entry) *AuthFetcher {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &AuthFetcher{opts: opts, log: log.WithField("component", "auth_fetcher")}
}

// Fetch retrieves rawURL. For an institution with login credentials the cached
// session is attached (logging in first if needed). A 401/403 invalidates the
// session, triggers one re-login and one retry; a second rejection is ErrAuth.
func (f *AuthFetcher) Fetch(ctx context.Context, rawURL string, inst *models.Institution) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: URL '%s'", utils.ErrParsing, rawURL)
	}

	var session *models.LoginSession
	needsLogin := f.loginEnabled(inst)
	if needsLogin {
		if session, err = f.session(ctx, inst, false); err != nil {
			return nil, err
		}
	}

	res, err := f.do(ctx, u, session)
	if err == nil || !needsLogin || !isAuthRejection(err) {
		return res, err
	}

	f.log.WithFields(logrus.Fields{"url": rawURL, "institution": inst.ID}).Info("Session rejected, logging in again")
	f.opts.Sessions.Invalidate(inst.ID)
	if session, err = f.session(ctx, inst, true); err != nil {
		return nil, err
	}
	res, err = f.do(ctx, u, session)
	if err != nil && isAuthRejection(err) {
		return nil, fmt.Errorf("%w: %s rejected after re-login: %w", utils.ErrAuth, inst.ID, err)
	}
	return res, err
}

func (f *AuthFetcher) loginEnabled(inst *models.Institution) bool {
	return inst != nil && inst.Login.HasCredentials() && f.opts.Authenticator != nil && f.opts.Sessions != nil
}

func (f *AuthFetcher) session(ctx context.Context, inst *models.Institution, fresh bool) (*models.LoginSession, error) {
	if !fresh {
		if s, ok := f.opts.Sessions.Get(inst.ID); ok {
			return s, nil
		}
	}
	result, err := f.opts.Authenticator.Login(ctx, inst.ID, *inst.Login)
	if err != nil {
		if !errors.Is(err, utils.ErrAuth) {
			err = fmt.Errorf("%w: %w", utils.ErrAuth, err)
		}
		return nil, err
	}
	f.opts.Sessions.Put(result.Session)
	return result.Session, nil
}

func isAuthRejection(err error) bool {
	cat := utils.CategorizeError(err)
	return cat == "HTTP_401" || cat == "HTTP_403"
}

func (f *AuthFetcher) do(ctx context.Context, u *url.URL, session *models.LoginSession) (*Result, error) {
	// www. and port variants of a site share one politeness budget.
	host := parse.HostOf(u)
	if f.opts.HostPool != nil {
		if err := f.opts.HostPool.AcquireTimeout(ctx, host, f.opts.SemaphoreTimeout); err != nil {
			return nil, err
		}
		defer f.opts.HostPool.Release(host)
	}
	if f.opts.RateLimiter != nil {
		if err := f.opts.RateLimiter.Wait(ctx, host); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "de-AT,de;q=0.9,en;q=0.8")
	if session != nil {
		for _, c := range session.Cookies {
			req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}

	resp, err := f.opts.Fetcher.FetchWithRetry(ctx, req)
	if err != nil {
		drain(resp)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return &Result{
		URL:           u.String(),
		FinalURL:      resp.Request.URL.String(),
		Status:        resp.StatusCode,
		ContentType:   strings.ToLower(mediaType),
		Body:          body,
		Authenticated: session != nil,
	}, nil
}
