package proxy_test

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerogate/zerogate/backends"
	"github.com/zerogate/zerogate/httperr"
	"github.com/zerogate/zerogate/internal/config"
	"github.com/zerogate/zerogate/metrics"
	"github.com/zerogate/zerogate/proxy"
)

// storeFor builds a one-entry registry pointing at a test server URL.
func storeFor(t *testing.T, name, rawURL string) *backends.Store {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	registry, err := backends.Build(map[string]config.Backend{
		name: {Name: name, Address: host, Port: uint16(port), TLS: u.Scheme == "https"},
	})
	require.NoError(t, err)
	return backends.NewStore(registry)
}

// forwardHandler adapts Forward for an httptest front server, writing
// the error status when forwarding fails.
func forwardHandler(f *proxy.Forwarder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if herr := f.Forward(w, r); herr != nil {
			http.Error(w, herr.Message, herr.Status())
		}
	})
}

func TestForwardPreservesPathQueryAndBody(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "upstream says hi")
	}))
	defer upstream.Close()

	forwarder := proxy.NewForwarder(storeFor(t, "billing", upstream.URL), metrics.New())
	front := httptest.NewServer(forwardHandler(forwarder))
	defer front.Close()

	req, err := http.NewRequest(http.MethodPost, front.URL+"/api/v1/items?page=2&q=a%20b",
		strings.NewReader("payload"))
	require.NoError(t, err)
	req.Header.Set(proxy.RouteHeader, "billing")
	req.Header.Set("X-Custom", "kept")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusTeapot, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "upstream says hi", string(body))
	require.Equal(t, "yes", resp.Header.Get("X-Upstream"))

	require.Equal(t, "/api/v1/items", got.URL.Path)
	require.Equal(t, "page=2&q=a%20b", got.URL.RawQuery)
	require.Equal(t, "payload", string(gotBody))
	require.Equal(t, "kept", got.Header.Get("X-Custom"))
	require.NotEmpty(t, got.Header.Get("X-Forwarded-For"))
}

func TestForwardStripsHopByHopRequestHeaders(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer upstream.Close()

	forwarder := proxy.NewForwarder(storeFor(t, "billing", upstream.URL), metrics.New())
	front := httptest.NewServer(forwardHandler(forwarder))
	defer front.Close()

	req, err := http.NewRequest(http.MethodGet, front.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set(proxy.RouteHeader, "billing")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Proxy-Authorization", "Basic xxx")
	req.Header.Set("X-Ephemeral", "drop-me")
	req.Header.Set("Connection", "X-Ephemeral")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Empty(t, got.Get("Keep-Alive"))
	require.Empty(t, got.Get("Proxy-Authorization"))
	require.Empty(t, got.Get("X-Ephemeral"))
}

func TestForwardDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()

	forwarder := proxy.NewForwarder(storeFor(t, "billing", upstream.URL), metrics.New())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/start", nil)
	req.Header.Set(proxy.RouteHeader, "billing")

	herr := forwarder.Forward(rec, req)
	require.Nil(t, herr)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "/elsewhere", rec.Header().Get("Location"))
}

func TestForwardUnknownService(t *testing.T) {
	forwarder := proxy.NewForwarder(storeFor(t, "billing", "http://127.0.0.1:1"), metrics.New())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(proxy.RouteHeader, "unknown")

	herr := forwarder.Forward(rec, req)
	require.NotNil(t, herr)
	require.Equal(t, httperr.KindNotFound, herr.Kind)
	require.Equal(t, "Service not found", herr.Message)
}

func TestForwardMissingServiceHeader(t *testing.T) {
	forwarder := proxy.NewForwarder(storeFor(t, "billing", "http://127.0.0.1:1"), metrics.New())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	herr := forwarder.Forward(rec, req)
	require.NotNil(t, herr)
	require.Equal(t, httperr.KindNotFound, herr.Kind)
	require.Equal(t, "No service header", herr.Message)
}

func TestForwardUpstreamUnavailable(t *testing.T) {
	// A server that is immediately closed leaves a refused port behind.
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	store := storeFor(t, "billing", upstream.URL)
	upstream.Close()

	forwarder := proxy.NewForwarder(store, metrics.New())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(proxy.RouteHeader, "billing")

	herr := forwarder.Forward(rec, req)
	require.NotNil(t, herr)
	require.Equal(t, httperr.KindConnectionRefused, herr.Kind)
	require.Equal(t, http.StatusServiceUnavailable, herr.Status())
}
