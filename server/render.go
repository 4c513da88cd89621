package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/zerogate/zerogate/httperr"
	"github.com/zerogate/zerogate/pages"
)

// wantsHTML reports whether the client is a browser. API clients get
// JSON bodies and bare statuses instead of rendered pages and redirects.
func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// errorResponse is the JSON body for API-facing failures.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// renderError writes a taxonomy error as an HTML page or a JSON body,
// with the status derived from its kind.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, herr *httperr.Error) {
	if herr.Kind == httperr.KindInternal {
		log.Error().Err(herr).Str("uri", r.URL.RequestURI()).Msg("request failed")
	}
	if wantsHTML(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(herr.Status())
		if err := s.pages.Render(w, "error", pages.ErrorData{
			ErrorCode:    herr.Status(),
			ErrorName:    herr.Name(),
			ErrorMessage: herr.Message,
		}); err != nil {
			log.Error().Err(err).Msg("rendering error page")
		}
		return
	}
	writeJSON(w, herr.Status(), errorResponse{
		Error:   herr.Name(),
		Message: herr.Message,
	})
}

// renderPage writes one of the proxy's own pages.
func (s *Server) renderPage(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.pages.Render(w, name, data); err != nil {
		log.Error().Err(err).Str("page", name).Msg("rendering page")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("writing json response")
	}
}
