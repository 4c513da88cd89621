package server

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/zerogate/zerogate/auth"
	"github.com/zerogate/zerogate/httperr"
	"github.com/zerogate/zerogate/pages"
	"github.com/zerogate/zerogate/proxy"
	"github.com/zerogate/zerogate/token"
)

// tokenResponse is the JSON body returned to API clients on login.
type tokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, http.StatusOK, "login", pages.LoginData{
		ServiceName: r.Header.Get(proxy.RouteHeader),
		LoggedIn:    s.hasValidToken(r),
		Prefix:      s.cfg.PathPrefix(),
	})
}

// handleLogin verifies credentials, rotates the account's login session
// and hands the caller a fresh token, as a cookie for browsers and as a
// JSON body for API clients.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, httperr.BadClientData("Malformed form submission"))
		return
	}
	// The browser form posts the identifier as "email" but either a
	// username or an email address is accepted in it.
	username := r.PostFormValue("username")
	if username == "" {
		username = r.PostFormValue("email")
	}
	password := r.PostFormValue("password")
	remember := r.PostFormValue("remember") != ""

	logged, err := s.auth.Login(username, password)
	if err != nil {
		s.metrics.AuthDenied("bad_credentials")
		if wantsHTML(r) {
			s.renderPage(w, http.StatusUnauthorized, "login", pages.LoginData{
				ServiceName:     r.Header.Get(proxy.RouteHeader),
				ErrorMessage:    "Wrong username or password",
				RememberChecked: remember,
				Prefix:          s.cfg.PathPrefix(),
			})
			return
		}
		s.renderError(w, r, httperr.Unauthorized("Wrong username or password"))
		return
	}

	signed, err := s.tokens.Issue(logged.Username, logged.LoginSession)
	if err != nil {
		s.renderError(w, r, httperr.Internal("issuing token", err))
		return
	}
	log.Info().Str("user", logged.Username).Msg("logged in")

	if wantsHTML(r) {
		s.setTokenCookie(w, signed, remember)
		s.renderPage(w, http.StatusOK, "login", pages.LoginData{
			ServiceName: r.Header.Get(proxy.RouteHeader),
			LoggedIn:    true,
			Prefix:      s.cfg.PathPrefix(),
		})
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: signed, TokenType: "bearer"})
}

// handleLogout clears the account's login session, which revokes every
// outstanding token, then drops the cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := s.requestClaims(r)
	if claims == nil {
		s.renderError(w, r, httperr.Unauthorized("Not logged in"))
		return
	}
	if _, err := s.tokens.Verify(claims, s.auth); err != nil {
		s.renderError(w, r, httperr.Unauthorized("Session is no longer valid"))
		return
	}
	if err := s.auth.Logout(claims.User); err != nil {
		s.renderError(w, r, httperr.Internal("clearing login session", err))
		return
	}
	log.Info().Str("user", claims.User).Msg("logged out")

	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.Settings.Server.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	if wantsHTML(r) {
		http.Redirect(w, r, s.cfg.LoginPath(), http.StatusTemporaryRedirect)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the authenticated account. Sensitive fields never
// serialize, so the stored record can be returned as-is.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := s.requestClaims(r)
	if claims == nil {
		s.renderError(w, r, httperr.Unauthorized("Not logged in"))
		return
	}
	if _, err := s.tokens.Verify(claims, s.auth); err != nil {
		s.renderError(w, r, httperr.Unauthorized("Session is no longer valid"))
		return
	}
	user, err := s.auth.User(claims.User)
	if err != nil {
		s.renderError(w, r, httperr.Internal("loading account", err))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleSetupPage(w http.ResponseWriter, r *http.Request) {
	if done, _ := s.auth.HasUsers(); done {
		http.Redirect(w, r, s.cfg.LoginPath(), http.StatusTemporaryRedirect)
		return
	}
	s.renderPage(w, http.StatusOK, "setup", pages.SetupData{Prefix: s.cfg.PathPrefix()})
}

// handleSetup creates the first account. It only works while no account
// exists; afterwards the endpoint is inert.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	if done, err := s.auth.HasUsers(); err != nil {
		s.renderError(w, r, httperr.Internal("checking setup state", err))
		return
	} else if done {
		s.renderError(w, r, httperr.BadClientData("Setup is already complete"))
		return
	}
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, httperr.BadClientData("Malformed form submission"))
		return
	}

	user, err := s.auth.Signup(auth.NewUser{
		Username: r.PostFormValue("username"),
		Email:    r.PostFormValue("email"),
		Password: r.PostFormValue("password"),
	})
	if err != nil {
		if wantsHTML(r) {
			s.renderPage(w, http.StatusBadRequest, "setup", pages.SetupData{
				ErrorMessage: err.Error(),
				Prefix:       s.cfg.PathPrefix(),
			})
			return
		}
		s.renderError(w, r, httperr.BadClientData(err.Error()))
		return
	}
	log.Info().Str("user", user.Username).Msg("setup complete")

	if wantsHTML(r) {
		http.Redirect(w, r, s.cfg.LoginPath(), http.StatusTemporaryRedirect)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) setTokenCookie(w http.ResponseWriter, signed string, remember bool) {
	cookie := &http.Cookie{
		Name:     TokenCookie,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.Settings.Server.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	// Without "remember me" the cookie lives only for the browser
	// session; the token inside expires on its own schedule either way.
	if remember {
		cookie.MaxAge = int(s.cfg.TokenMaxAge().Seconds())
	}
	http.SetCookie(w, cookie)
}

// requestClaims decodes the request's token if one is present and valid.
// It does not check the login session; callers that need revocation
// semantics verify separately.
func (s *Server) requestClaims(r *http.Request) *token.Claims {
	state := &guardState{req: r}
	if d := s.requireToken(state); d != nil {
		return nil
	}
	claims, err := s.tokens.Decode(state.raw)
	if err != nil {
		return nil
	}
	return claims
}

// hasValidToken reports whether the request carries a fully valid
// session, used to render the login page in its logged-in state.
func (s *Server) hasValidToken(r *http.Request) bool {
	claims := s.requestClaims(r)
	if claims == nil {
		return false
	}
	_, err := s.tokens.Verify(claims, s.auth)
	return err == nil
}
