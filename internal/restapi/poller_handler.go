package restapi

import (
	"net/http"

	"sxwatch.onebusaway.org/internal/models"
)

func (api *RestAPI) pollerHandler(w http.ResponseWriter, r *http.Request) {
	if api.Poller == nil {
		api.sendError(w, r, http.StatusServiceUnavailable, "poller not running")
		return
	}
	api.sendResponse(w, r, models.NewEntryResponse(api.Poller.Status(), api.Clock))
}
