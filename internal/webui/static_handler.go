package webui

import (
	"io/fs"
	"net/http"
	"path"
	"strings"
)

func (webUI *WebUI) staticHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	if name == "" || strings.Contains(name, "..") || name != path.Base(name) {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	filePath := path.Join("static", name)
	if _, err := fs.Stat(staticFS, filePath); err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFileFS(w, r, staticFS, filePath)
}
