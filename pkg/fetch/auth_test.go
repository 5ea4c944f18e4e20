package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/utils"
)

func newTestAuthFetcher(t *testing.T) *AuthFetcher {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	sessions := newTestSessionCache(t, time.Hour, clock)
	return NewAuthFetcher(AuthFetcherOptions{
		Fetcher:       NewFetcher(testClient(), testConfig(1), testLogger()),
		Authenticator: NewAuthenticator(testClient(), "fundscraper-test", time.Hour, clock.Now, testLogger()),
		Sessions:      sessions,
		RateLimiter:   NewRateLimiter(0, testLogger()),
		HostPool:      NewHostSemaphorePool(2, testLogger()),
		UserAgent:     "fundscraper-test",
	}, testLogger())
}

func portalInstitution(server *httptest.Server, password string) *models.Institution {
	lc := loginConfig(server, password)
	return &models.Institution{ID: "portal", BaseURL: server.URL, Login: &lc}
}

func TestAuthFetcher_LogsInAndReusesSession(t *testing.T) {
	p, server := newPortal(t)
	f := newTestAuthFetcher(t)
	inst := portalInstitution(server, "secret")

	res, err := f.Fetch(context.Background(), server.URL+"/secure/program", inst)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.True(t, res.Authenticated)
	assert.True(t, res.IsHTML())
	assert.Contains(t, res.HTML(), "Innovationsscheck")

	_, err = f.Fetch(context.Background(), server.URL+"/secure/program", inst)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.logins.Load(), "cached session must be reused")
}

func TestAuthFetcher_ReloginOnceOnRejection(t *testing.T) {
	p, server := newPortal(t)
	f := newTestAuthFetcher(t)
	inst := portalInstitution(server, "secret")

	_, err := f.Fetch(context.Background(), server.URL+"/secure/program", inst)
	require.NoError(t, err)

	// Server drops the session: next fetch gets 403, re-logs in and succeeds
	p.rotate()
	res, err := f.Fetch(context.Background(), server.URL+"/secure/program", inst)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, int32(2), p.logins.Load())
}

func TestAuthFetcher_SecondRejectionIsAuthError(t *testing.T) {
	p, server := newPortal(t)
	p.alwaysDeny = true
	f := newTestAuthFetcher(t)

	_, err := f.Fetch(context.Background(), server.URL+"/secure/program", portalInstitution(server, "secret"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrAuth))
	assert.False(t, utils.IsRetryable(err))
	assert.Equal(t, int32(2), p.logins.Load(), "exactly one re-login")
}

func TestAuthFetcher_BadCredentials(t *testing.T) {
	_, server := newPortal(t)
	f := newTestAuthFetcher(t)

	_, err := f.Fetch(context.Background(), server.URL+"/secure/program", portalInstitution(server, "wrong"))
	assert.True(t, errors.Is(err, utils.ErrAuth))
	assert.Equal(t, "Auth_Failed", utils.CategorizeError(err))
}

func TestAuthFetcher_NoLoginConfigured(t *testing.T) {
	_, server := newPortal(t)
	f := newTestAuthFetcher(t)
	inst := &models.Institution{ID: "public", BaseURL: server.URL}

	_, err := f.Fetch(context.Background(), server.URL+"/secure/program", inst)
	require.Error(t, err)
	assert.False(t, errors.Is(err, utils.ErrAuth), "without login a 403 stays an HTTP error")
	assert.Equal(t, "HTTP_403", utils.CategorizeError(err))

	res, err := f.Fetch(context.Background(), server.URL+"/dashboard", nil)
	require.NoError(t, err)
	assert.False(t, res.Authenticated)
}

func TestAuthFetcher_InvalidURL(t *testing.T) {
	f := newTestAuthFetcher(t)
	_, err := f.Fetch(context.Background(), "::not a url", nil)
	assert.True(t, errors.Is(err, utils.ErrParsing))
}

func TestAuthFetcher_HostVariantsShareBudget(t *testing.T) {
	_, server := newPortal(t)
	dialer := &net.Dialer{}
	client := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, server.Listener.Addr().String())
		},
	}}
	limiter := NewRateLimiter(0, testLogger())
	pool := NewHostSemaphorePool(2, testLogger())
	f := NewAuthFetcher(AuthFetcherOptions{
		Fetcher:     NewFetcher(client, testConfig(0), testLogger()),
		RateLimiter: limiter,
		HostPool:    pool,
		UserAgent:   "fundscraper-test",
	}, testLogger())

	for _, raw := range []string{
		"http://www.portal.example/dashboard",
		"http://portal.example:8080/dashboard",
		"http://PORTAL.example/dashboard",
	} {
		res, err := f.Fetch(context.Background(), raw, nil)
		require.NoError(t, err, raw)
		assert.Equal(t, http.StatusOK, res.Status)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Len(t, limiter.limiters, 1)
	assert.Contains(t, limiter.limiters, "portal.example")
	assert.Equal(t, 1, pool.Len())
}

func TestResult_ContentKinds(t *testing.T) {
	pdf := &Result{FinalURL: "https://x.at/richtlinie.PDF"}
	assert.True(t, pdf.IsPDF())
	assert.True(t, (&Result{ContentType: "application/pdf"}).IsPDF())
	assert.False(t, (&Result{ContentType: "application/pdf"}).IsHTML())
	assert.True(t, (&Result{ContentType: "text/html"}).IsHTML())
}
