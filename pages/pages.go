// Package pages renders the proxy's own browser-facing pages from
// embedded templates.
package pages

import (
	"embed"
	"html/template"
	"io"

	"github.com/pkg/errors"

	"github.com/zerogate/zerogate/internal/config"
)

//go:embed templates/*
var templateFiles embed.FS

// Renderer renders the login, setup and error pages.
type Renderer struct {
	templates *template.Template
	app       config.App
}

// New parses the embedded templates.
func New(app config.App) (*Renderer, error) {
	templates, err := template.ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, errors.Wrap(err, "parsing embedded templates")
	}
	return &Renderer{templates: templates, app: app}, nil
}

// LoginData fills the login page.
type LoginData struct {
	ServiceName     string
	LoggedIn        bool
	ErrorMessage    string
	RememberChecked bool
	Prefix          string
}

// SetupData fills the first-run setup page.
type SetupData struct {
	ErrorMessage string
	Prefix       string
}

// ErrorData fills the error page.
type ErrorData struct {
	ErrorCode    int
	ErrorName    string
	ErrorMessage string
}

type pageData struct {
	App  config.App
	Data any
}

// Render writes the named page to w.
func (r *Renderer) Render(w io.Writer, name string, data any) error {
	err := r.templates.ExecuteTemplate(w, name+".html", pageData{App: r.app, Data: data})
	return errors.Wrapf(err, "rendering %q", name)
}
