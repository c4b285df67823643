// Package webui renders a human-readable status page from the cached snapshot.
package webui

import (
	"embed"
	"html/template"

	"sxwatch.onebusaway.org/internal/app"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

var indexTemplate = template.Must(template.New("index.html").Funcs(template.FuncMap{
	"timefmt": formatTime,
}).ParseFS(templateFS, "templates/index.html"))

type WebUI struct {
	*app.Application
}
