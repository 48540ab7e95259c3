// Package webui renders the upload page served next to the classify API.
package webui

import (
	"bytes"
	"embed"
	"html/template"
	"io"
	"strings"
)

//go:embed static/index.html.tmpl
var staticFS embed.FS

var indexTmpl = template.Must(template.New("index.html.tmpl").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(staticFS, "static/index.html.tmpl"))

// Page is the data shown on the upload page.
type Page struct {
	ModelID    string
	Encoders   int
	Latent     int
	ImageSize  int
	NumClasses int
	Parameters int
	TopK       int
	Labels     []string
}

// Render writes the upload page for p.
func Render(w io.Writer, p Page) error {
	return indexTmpl.Execute(w, p)
}

// Index renders the page into memory.
func Index(p Page) ([]byte, error) {
	var buf bytes.Buffer
	if err := Render(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
