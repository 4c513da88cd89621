package server

import (
	"net/http"
	"strings"

	"github.com/zerogate/zerogate/httperr"
	"github.com/zerogate/zerogate/proxy"
	"github.com/zerogate/zerogate/token"
)

// TokenCookie carries the session token for browser clients. API clients
// may send the same token as a bearer Authorization header instead.
const TokenCookie = "sp_token"

// decision is the outcome of evaluating the access chain for a request.
// Exactly one of Username (allowed) or Err (denied) is set. Redirect, when
// non-empty, is where browser clients should be sent instead of the error;
// Always extends the redirect to every client.
type decision struct {
	Username string
	Redirect string
	Always   bool
	Reason   string
	Err      *httperr.Error
}

// guardState accumulates what the chain learns about a request as the
// steps run. Later steps read what earlier ones extracted.
type guardState struct {
	req    *http.Request
	raw    string
	claims *token.Claims
}

// guardStep inspects the request and either decides (non-nil) or passes
// it along the chain (nil).
type guardStep func(*guardState) *decision

// guard is the ordered access-control chain in front of the proxy. A
// request only reaches a backend once every step has passed it through.
type guard struct {
	steps []guardStep
}

func newGuard(s *Server) *guard {
	return &guard{steps: []guardStep{
		s.requireSetupDone,
		s.requireToken,
		s.decodeToken,
		s.verifySession,
		s.checkProviderPolicy,
	}}
}

// evaluate runs the chain. A request that no step rejects is allowed and
// carries the username the token authenticated.
func (g *guard) evaluate(r *http.Request) *decision {
	state := &guardState{req: r}
	for _, step := range g.steps {
		if d := step(state); d != nil {
			return d
		}
	}
	return &decision{Username: state.claims.User}
}

// requireSetupDone sends everything to the first-run setup flow until at
// least one account exists. Without it the proxy would be an open relay
// on first boot. The redirect applies to every client, not just browsers;
// there is nothing a token could prove while no account exists.
func (s *Server) requireSetupDone(state *guardState) *decision {
	ok, err := s.auth.HasUsers()
	if err != nil {
		return &decision{Reason: "internal", Err: httperr.Internal("checking setup state", err)}
	}
	if !ok {
		return &decision{
			Redirect: "/setup",
			Always:   true,
			Reason:   "setup",
			Err:      httperr.Unauthorized("No account exists yet, complete setup first"),
		}
	}
	return nil
}

// requireToken extracts the session token from the cookie or, failing
// that, a bearer Authorization header.
func (s *Server) requireToken(state *guardState) *decision {
	if cookie, err := state.req.Cookie(TokenCookie); err == nil && cookie.Value != "" {
		state.raw = cookie.Value
		return nil
	}
	if raw, ok := bearerToken(state.req.Header.Get("Authorization")); ok {
		state.raw = raw
		return nil
	}
	return s.denyUnauthenticated("missing_token", "Authentication required")
}

// decodeToken checks signature and expiry. A token that fails here is
// indistinguishable from no token at all.
func (s *Server) decodeToken(state *guardState) *decision {
	claims, err := s.tokens.Decode(state.raw)
	if err != nil {
		return s.denyUnauthenticated("bad_token", "Invalid or expired token")
	}
	state.claims = claims
	return nil
}

// verifySession rejects tokens whose embedded login session no longer
// matches the account's current one, which is how logout and re-login
// revoke everything issued before them.
func (s *Server) verifySession(state *guardState) *decision {
	if _, err := s.tokens.Verify(state.claims, s.auth); err != nil {
		return s.denyUnauthenticated("stale_session", "Session is no longer valid")
	}
	return nil
}

// checkProviderPolicy denies access to backends restricted to external
// providers when the account does not carry one of them. Requests with a
// missing or unknown service header pass through so the forwarder can
// report those cases itself.
func (s *Server) checkProviderPolicy(state *guardState) *decision {
	name := state.req.Header.Get(proxy.RouteHeader)
	if name == "" {
		return nil
	}
	target, err := s.registry.Load().Resolve(name)
	if err != nil || !target.RequiresProvider() {
		return nil
	}
	user, err := s.auth.User(state.claims.User)
	if err != nil {
		return &decision{Reason: "internal", Err: httperr.Internal("loading account", err)}
	}
	if !s.providers.Satisfies(target.Providers, user.Providers) {
		return &decision{
			Reason: "provider_policy",
			Err:    httperr.Unauthorized("This service requires an external identity provider"),
		}
	}
	return nil
}

func (s *Server) denyUnauthenticated(reason, message string) *decision {
	return &decision{
		Redirect: s.cfg.LoginPath(),
		Reason:   reason,
		Err:      httperr.Unauthorized(message),
	}
}

// bearerToken parses an Authorization header value. The scheme match is
// case-insensitive.
func bearerToken(header string) (string, bool) {
	const scheme = "bearer "
	if len(header) > len(scheme) && strings.EqualFold(header[:len(scheme)], scheme) {
		return strings.TrimSpace(header[len(scheme):]), true
	}
	return "", false
}
