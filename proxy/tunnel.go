package proxy

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zerogate/zerogate/backends"
	"github.com/zerogate/zerogate/httperr"
	"github.com/zerogate/zerogate/metrics"
)

// IsUpgrade reports whether the request asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Tunnel relays upgraded connections byte-for-byte in both directions.
// It keeps track of the connections it is relaying so a shutdown can
// tear them down; the HTTP server's own drain never sees hijacked conns.
type Tunnel struct {
	store       *backends.Store
	dialTimeout time.Duration
	metrics     *metrics.Metrics

	mu   sync.Mutex
	open map[net.Conn]struct{}
}

// NewTunnel creates a tunnel handler over the given registry store.
func NewTunnel(store *backends.Store, m *metrics.Metrics) *Tunnel {
	return &Tunnel{
		store:       store,
		dialTimeout: 10 * time.Second,
		metrics:     m,
		open:        make(map[net.Conn]struct{}),
	}
}

func (t *Tunnel) track(conns ...net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range conns {
		t.open[c] = struct{}{}
	}
}

func (t *Tunnel) untrack(conns ...net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range conns {
		delete(t.open, c)
	}
}

// CloseAll closes every connection still relaying and returns how many
// tunnels were open. Closing unwinds the copy loops, so each Relay call
// returns shortly after.
func (t *Tunnel) CloseAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := len(t.open) / 2
	for c := range t.open {
		c.Close()
	}
	return count
}

// Relay performs the upstream handshake and, on a 101 response, hijacks
// the client connection and relays bytes until either side closes. The
// returned error, if any, has not been written to w; once the relay has
// started no error can be returned.
func (t *Tunnel) Relay(w http.ResponseWriter, r *http.Request) *httperr.Error {
	target, herr := resolveTarget(t.store.Load(), r)
	if herr != nil {
		return herr
	}

	u := upstreamURL(target, r)
	upstream, err := t.dial(target)
	if err != nil {
		return httperr.ConnectionRefused("Upstream unavailable", err)
	}

	// Forward the client's handshake as-is: the upgrade headers must
	// pass through untouched, so the hop-by-hop stripping of the plain
	// forwarder does not apply here.
	handshake := &http.Request{
		Method: r.Method,
		URL:    u,
		Host:   u.Host,
		Header: r.Header.Clone(),
	}
	appendForwardedFor(handshake.Header, r.RemoteAddr)
	if err := handshake.Write(upstream); err != nil {
		upstream.Close()
		return httperr.ConnectionRefused("Upstream unavailable", err)
	}

	upstreamReader := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upstreamReader, handshake)
	if err != nil {
		upstream.Close()
		return httperr.ConnectionRefused("Upstream unavailable", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		resp.Body.Close()
		upstream.Close()
		return httperr.ConnectionRefused("Target did not reply with 101 upgrade", nil)
	}

	client, clientRW, err := http.NewResponseController(w).Hijack()
	if err != nil {
		upstream.Close()
		return httperr.Internal("hijacking client connection", err)
	}

	// Tracked before the 101 goes out so a shutdown racing the upgrade
	// still sees the pair.
	t.track(client, upstream)
	defer t.untrack(client, upstream)

	if err := writeSwitchingProtocols(clientRW.Writer, resp.Header); err != nil {
		client.Close()
		upstream.Close()
		log.Debug().Err(err).Str("service", target.Name).Msg("failed to relay upgrade response")
		return nil
	}

	log.Info().
		Str("service", target.Name).
		Str("uri", r.URL.RequestURI()).
		Int("status", resp.StatusCode).
		Msg("connected")

	t.metrics.TunnelOpened()
	defer t.metrics.TunnelClosed()

	// Two independent relay directions. The tunnel as a whole closes
	// once either direction ends: closing both conns unwinds the copy
	// still in flight so neither a goroutine nor a socket is leaked.
	done := make(chan error, 2)
	go relayDirection(upstream, clientRW.Reader, done)
	go relayDirection(client, upstreamReader, done)

	if err := <-done; err != nil {
		log.Debug().Err(err).Str("service", target.Name).Msg("tunnel direction ended")
	}
	client.Close()
	upstream.Close()
	<-done

	return nil
}

func (t *Tunnel) dial(target *backends.Target) (net.Conn, error) {
	addr := target.BaseURL.Host
	if target.BaseURL.Scheme == "https" {
		dialer := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: t.dialTimeout},
		}
		return dialer.Dial("tcp", addr)
	}
	return net.DialTimeout("tcp", addr, t.dialTimeout)
}

// writeSwitchingProtocols relays the upstream's 101 response, headers
// included, onto the hijacked client connection.
func writeSwitchingProtocols(w *bufio.Writer, header http.Header) error {
	if _, err := w.WriteString("HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	if err := header.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// relayDirection copies src to dst until EOF or error, then half-closes
// the write side where the transport supports it so the peer observes a
// clean shutdown of this direction.
func relayDirection(dst net.Conn, src io.Reader, done chan<- error) {
	_, err := io.Copy(dst, src)
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	done <- err
}
