package restapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"sxwatch.onebusaway.org/internal/logging"
	"sxwatch.onebusaway.org/internal/models"
)

const noSnapshotText = "no snapshot available"

func (api *RestAPI) sendResponse(w http.ResponseWriter, r *http.Request, response models.ResponseModel) {
	writeJSON(w, r, response.Code, response)
}

// writeJSON writes v with status code. Encoding or write errors are logged on
// the request logger; the status line has already gone out by then.
func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.LogError(logging.FromContext(r.Context()), "failed to encode response", err,
			slog.String("path", r.URL.Path))
	}
}

func (api *RestAPI) sendError(w http.ResponseWriter, r *http.Request, code int, text string) {
	api.sendResponse(w, r, models.NewResponse(code, nil, text, api.Clock))
}

func (api *RestAPI) invalidAPIKeyResponse(w http.ResponseWriter, r *http.Request) {
	api.sendError(w, r, http.StatusUnauthorized, "permission denied")
}

func (api *RestAPI) sendNotFound(w http.ResponseWriter, r *http.Request) {
	api.sendError(w, r, http.StatusNotFound, "resource not found")
}

func (api *RestAPI) noSnapshotResponse(w http.ResponseWriter, r *http.Request) {
	api.sendError(w, r, http.StatusServiceUnavailable, noSnapshotText)
}

func (api *RestAPI) badRequestResponse(w http.ResponseWriter, r *http.Request, text string) {
	api.sendError(w, r, http.StatusBadRequest, text)
}

func (api *RestAPI) serverErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	logging.LogError(logging.FromContext(r.Context()), "request failed", err,
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))
	api.sendError(w, r, http.StatusInternalServerError, "internal server error")
}
