package webui

import "net/http"

func (webUI *WebUI) SetWebUIRoutes(mux *http.ServeMux) {
	// Static assets must be registered before the root handler.
	mux.HandleFunc("GET /static/{file}", webUI.staticHandler)

	mux.HandleFunc("GET /{$}", webUI.indexHandler)
}
