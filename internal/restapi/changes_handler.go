package restapi

import (
	"net/http"
	"strconv"
	"time"

	"sxwatch.onebusaway.org/internal/changes"
	"sxwatch.onebusaway.org/internal/models"
)

// changesHandler lists recorded change events, optionally only those after
// the since query parameter (Unix milliseconds).
func (api *RestAPI) changesHandler(w http.ResponseWriter, r *http.Request) {
	events := []changes.Event{}

	if api.Changes != nil {
		if raw := r.URL.Query().Get("since"); raw != "" {
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || ms < 0 {
				api.badRequestResponse(w, r, "since must be a Unix timestamp in milliseconds")
				return
			}
			events = append(events, api.Changes.Since(time.UnixMilli(ms))...)
		} else {
			events = append(events, api.Changes.Snapshot()...)
		}
	}

	api.sendResponse(w, r, models.NewListResponse(events, api.Clock))
}
