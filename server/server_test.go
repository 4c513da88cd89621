package server_test

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerogate/zerogate/internal/config"
	"github.com/zerogate/zerogate/server"
	fakeuserrepo "github.com/zerogate/zerogate/users/repofake"
)

type testEnv struct {
	front  *httptest.Server
	client *http.Client
	srv    *server.Server
}

func newTestEnv(t *testing.T, backendEntries map[string]config.Backend, providerEntries map[string]config.Provider) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Settings: config.Settings{
			Secret: "unit-test-secret",
			MaxAge: 3600,
			Server: config.Server{Prefix: "_sp"},
			App:    config.App{Name: "Zerogate"},
		},
		Backends:  backendEntries,
		Providers: providerEntries,
	}

	srv, err := server.New(cfg, fakeuserrepo.NewFakeUserRepo())
	require.NoError(t, err)

	front := httptest.NewServer(srv.Handler())
	t.Cleanup(front.Close)

	return &testEnv{
		front: front,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		srv: srv,
	}
}

// backendEntries builds a one-service backend table for a raw URL.
func backendEntries(t *testing.T, name, rawURL string, providerNames ...string) map[string]config.Backend {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return map[string]config.Backend{
		name: {
			Name:      name,
			Address:   host,
			Port:      uint16(port),
			TLS:       u.Scheme == "https",
			Providers: providerNames,
		},
	}
}

func oktaProvider() map[string]config.Provider {
	return map[string]config.Provider{
		"okta": {
			ClientID:     "client",
			ClientSecret: "secret",
			AuthURL:      "https://okta.example.site/authorize",
			TokenURL:     "https://okta.example.site/token",
		},
	}
}

func (e *testEnv) createAccount(t *testing.T) {
	t.Helper()
	form := url.Values{
		"username": {"admin"},
		"email":    {"admin@example.site"},
		"password": {"Passw0rdX"},
	}
	resp, err := e.client.PostForm(e.front.URL+"/setup", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	form := url.Values{"username": {"admin"}, "password": {"Passw0rdX"}}
	resp, err := e.client.PostForm(e.front.URL+"/_sp/login", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token     string `json:"token"`
		TokenType string `json:"token_type"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "bearer", body.TokenType)
	require.NotEmpty(t, body.Token)
	return body.Token
}

func (e *testEnv) browserGet(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.front.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) apiGet(t *testing.T, path, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.front.URL+path, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	return resp
}

func TestAuthenticatedRequestIsForwarded(t *testing.T) {
	var gotPath, gotQuery, gotForwardedFor, gotForwardedUser string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotForwardedFor = r.Header.Get("X-Forwarded-For")
		gotForwardedUser = r.Header.Get("X-Forwarded-User")
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "from upstream")
	}))
	defer upstream.Close()

	env := newTestEnv(t, backendEntries(t, "billing", upstream.URL), nil)
	env.createAccount(t)
	tok := env.login(t)

	req, err := http.NewRequest(http.MethodGet, env.front.URL+"/deep/path?x=1&y=two", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("SelectService", "billing")
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "from upstream", string(body))

	require.Equal(t, "/deep/path", gotPath)
	require.Equal(t, "x=1&y=two", gotQuery)
	require.NotEmpty(t, gotForwardedFor)
	require.Equal(t, "admin", gotForwardedUser)
}

func TestCookieTokenIsAccepted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	env := newTestEnv(t, backendEntries(t, "billing", upstream.URL), nil)
	env.createAccount(t)
	tok := env.login(t)

	req, err := http.NewRequest(http.MethodGet, env.front.URL+"/", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "sp_token", Value: tok})
	req.Header.Set("SelectService", "billing")
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownServiceReturns404(t *testing.T) {
	env := newTestEnv(t, backendEntries(t, "billing", "http://127.0.0.1:1"), nil)
	env.createAccount(t)
	tok := env.login(t)

	req, err := http.NewRequest(http.MethodGet, env.front.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("SelectService", "no-such-service")
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "Service not found", body.Message)
}

func TestBrowserLoginSetsCookie(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.createAccount(t)

	form := url.Values{
		"email":    {"admin@example.site"},
		"password": {"Passw0rdX"},
		"remember": {"on"},
	}
	req, err := http.NewRequest(http.MethodPost, env.front.URL+"/_sp/login",
		strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "sp_token" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	require.NotEmpty(t, cookie.Value)
	require.True(t, cookie.HttpOnly)
	require.Equal(t, 3600, cookie.MaxAge)
}

func TestSessionCookieWithoutRemember(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.createAccount(t)

	form := url.Values{"email": {"admin@example.site"}, "password": {"Passw0rdX"}}
	req, err := http.NewRequest(http.MethodPost, env.front.URL+"/_sp/login",
		strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	for _, c := range resp.Cookies() {
		if c.Name == "sp_token" {
			require.Zero(t, c.MaxAge)
		}
	}
}

func TestSetupIsInertOnceAnAccountExists(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.createAccount(t)

	form := url.Values{
		"username": {"intruder"},
		"email":    {"intruder@example.site"},
		"password": {"Passw0rdX"},
	}
	resp, err := env.client.PostForm(env.front.URL+"/setup", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSetupRejectsWeakPassword(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	form := url.Values{
		"username": {"admin"},
		"email":    {"admin@example.site"},
		"password": {"short"},
	}
	resp, err := env.client.PostForm(env.front.URL+"/setup", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMeReturnsTheAccount(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.createAccount(t)
	tok := env.login(t)

	resp := env.apiGet(t, "/_sp/me", tok)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Equal(t, "admin", body["username"])
	require.Equal(t, true, body["admin"])
	require.NotContains(t, string(raw), "Passw0rdX")
	require.NotContains(t, string(raw), "login_session")
}

func TestLoginPageRenders(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.createAccount(t)

	resp := env.browserGet(t, "/_sp/login")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Zerogate")
}

func TestMetricsEndpointServes(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, err := env.client.Get(env.front.URL + "/_sp/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
