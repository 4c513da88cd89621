// Package proxy forwards authenticated traffic to the backend selected
// by the routing header, for both plain HTTP and WebSocket upgrades.
package proxy

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/zerogate/zerogate/backends"
	"github.com/zerogate/zerogate/httperr"
	"github.com/zerogate/zerogate/metrics"
)

// RouteHeader names the backend a request should reach. It is required
// on every proxied request; there is no default backend.
const RouteHeader = "SelectService"

// Hop-by-hop headers are scoped to a single connection and must not be
// forwarded upstream (RFC 9110 §7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder streams ordinary HTTP requests to their resolved backend.
type Forwarder struct {
	store   *backends.Store
	client  *http.Client
	metrics *metrics.Metrics
}

// NewForwarder creates a forwarder over the given registry store.
// Redirects are surfaced to the caller untouched, never followed.
func NewForwarder(store *backends.Store, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		store: store,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		metrics: m,
	}
}

// resolveTarget maps the routing header onto a registry entry. A missing
// header and an unknown name are both NotFound, with distinct messages.
func resolveTarget(registry *backends.Registry, r *http.Request) (*backends.Target, *httperr.Error) {
	name := r.Header.Get(RouteHeader)
	if name == "" {
		return nil, httperr.NotFound("No service header")
	}
	target, err := registry.Resolve(name)
	if err != nil {
		return nil, httperr.NotFound("Service not found")
	}
	return target, nil
}

// upstreamURL copies the inbound path and query onto the target's base.
func upstreamURL(target *backends.Target, r *http.Request) *url.URL {
	u := *target.BaseURL
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	return &u
}

// copyProxyHeaders copies request headers upstream, dropping hop-by-hop
// ones (both the well-known set and anything named by Connection).
func copyProxyHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		dst[name] = append([]string(nil), values...)
	}
	for _, value := range src.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		dst.Del(name)
	}
}

// appendForwardedFor injects the observed peer address, keeping any
// already present chain.
func appendForwardedFor(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		ip = prior + ", " + ip
	}
	h.Set("X-Forwarded-For", ip)
}

// Forward streams the request to its backend and the response back to
// the client. Bodies are never buffered fully in memory. The returned
// error, if any, has not been written to w.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request) *httperr.Error {
	target, herr := resolveTarget(f.store.Load(), r)
	if herr != nil {
		return herr
	}

	u := upstreamURL(target, r)
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), r.Body)
	if err != nil {
		return httperr.Internal("building upstream request", err)
	}
	outReq.ContentLength = r.ContentLength
	copyProxyHeaders(outReq.Header, r.Header)
	appendForwardedFor(outReq.Header, r.RemoteAddr)

	resp, err := f.client.Do(outReq)
	if err != nil {
		return httperr.ConnectionRefused("Upstream unavailable", err)
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		if http.CanonicalHeaderKey(name) == "Connection" {
			continue
		}
		header[name] = values
	}
	w.WriteHeader(resp.StatusCode)

	written, err := streamBody(w, resp.Body)
	if err != nil {
		// The status line is already on the wire; all that is left is
		// to drop the connection.
		log.Debug().Err(err).Str("service", target.Name).Msg("response stream interrupted")
	}

	f.metrics.RequestForwarded(target.Name, resp.StatusCode)
	log.Info().
		Str("service", target.Name).
		Str("method", r.Method).
		Str("uri", r.URL.RequestURI()).
		Int("status", resp.StatusCode).
		Int64("bytes", written).
		Msg("responded")
	return nil
}
