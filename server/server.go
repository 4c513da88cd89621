// Package server wires the access-control chain, the proxy handlers and
// the proxy's own pages into one HTTP surface.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/zerogate/zerogate/auth"
	"github.com/zerogate/zerogate/backends"
	"github.com/zerogate/zerogate/httperr"
	"github.com/zerogate/zerogate/internal/config"
	"github.com/zerogate/zerogate/metrics"
	"github.com/zerogate/zerogate/pages"
	"github.com/zerogate/zerogate/providers"
	"github.com/zerogate/zerogate/proxy"
	"github.com/zerogate/zerogate/token"
	"github.com/zerogate/zerogate/users"
)

// Server is one fully wired instance for a loaded configuration. Reloads
// build a fresh Server rather than mutating a running one; only the
// backend registry inside the Store is swapped in place.
type Server struct {
	cfg       *config.Config
	registry  *backends.Store
	providers *providers.Set
	auth      *auth.Service
	tokens    *token.Manager
	pages     *pages.Renderer
	metrics   *metrics.Metrics
	forwarder *proxy.Forwarder
	tunnel    *proxy.Tunnel
	guard     *guard
	handler   http.Handler
}

// New wires a server from configuration and a user repository.
func New(cfg *config.Config, userRepo users.UserRepo) (*Server, error) {
	registry, err := backends.Build(cfg.Backends)
	if err != nil {
		return nil, err
	}
	providerSet, err := providers.FromConfig(cfg.Providers)
	if err != nil {
		return nil, err
	}
	authService, err := auth.New(userRepo)
	if err != nil {
		return nil, err
	}
	renderer, err := pages.New(cfg.Settings.App)
	if err != nil {
		return nil, err
	}

	if cfg.Settings.Secret == config.DefaultSecret {
		log.Warn().Msg("settings.secret is still the placeholder, set a real one before exposing this proxy")
	}

	store := backends.NewStore(registry)
	m := metrics.New()

	s := &Server{
		cfg:       cfg,
		registry:  store,
		providers: providerSet,
		auth:      authService,
		tokens:    token.New(token.NewHMACSigner(cfg.Settings.Secret), cfg.TokenMaxAge()),
		pages:     renderer,
		metrics:   m,
		forwarder: proxy.NewForwarder(store, m),
		tunnel:    proxy.NewTunnel(store, m),
	}
	s.guard = newGuard(s)
	s.handler = s.routes()
	return s, nil
}

// Handler returns the full route tree, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SwapBackends replaces the backend registry for in-flight and future
// requests.
func (s *Server) SwapBackends(r *backends.Registry) {
	s.registry.Swap(r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route(s.cfg.PathPrefix(), func(r chi.Router) {
		r.Get("/login", s.handleLoginPage)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Get("/me", s.handleMe)
		r.Handle("/metrics", s.metrics.Handler())
		r.Handle("/static/*", http.StripPrefix(s.cfg.PathPrefix()+"/static/",
			http.FileServer(http.Dir(s.cfg.Settings.Server.Files))))
	})
	r.Get("/setup", s.handleSetupPage)
	r.Post("/setup", s.handleSetup)

	// Everything else is traffic for a backend.
	r.NotFound(s.handleProxy)
	return r
}

// handleProxy runs the access chain and dispatches allowed requests to
// the tunnel or the plain forwarder.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	d := s.guard.evaluate(r)
	if d.Err != nil {
		s.metrics.AuthDenied(d.Reason)
		log.Debug().
			Str("reason", d.Reason).
			Str("uri", r.URL.RequestURI()).
			Msg("request denied")
		if d.Redirect != "" && (d.Always || wantsHTML(r)) {
			http.Redirect(w, r, d.Redirect, http.StatusTemporaryRedirect)
			return
		}
		s.renderError(w, r, d.Err)
		return
	}

	// Backends see who the proxy authenticated.
	r.Header.Set("X-Forwarded-User", d.Username)

	var herr *httperr.Error
	if proxy.IsUpgrade(r) {
		herr = s.tunnel.Relay(w, r)
	} else {
		herr = s.forwarder.Forward(w, r)
	}
	if herr != nil {
		s.renderError(w, r, herr)
	}
}

// Serve runs the listener until ctx is cancelled, then drains in-flight
// requests for the configured window. Hijacked tunnel connections do not
// drain; they are closed once the window ends.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("addr", srv.Addr).Msg("listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	drain, _ := s.cfg.DrainTimeout()
	shutdownCtx := context.Background()
	if drain > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, drain)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Debug().Err(err).Msg("drain window elapsed")
		srv.Close()
	}
	if n := s.tunnel.CloseAll(); n > 0 {
		log.Info().Int("tunnels", n).Msg("closed open tunnels")
	}
	<-errCh
	return nil
}
