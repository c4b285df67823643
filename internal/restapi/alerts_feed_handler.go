package restapi

import (
	"log/slog"
	"net/http"

	"sxwatch.onebusaway.org/internal/gtfsrt"
	"sxwatch.onebusaway.org/internal/logging"
)

// alertsFeedHandler serves the current snapshot as a GTFS-RT FeedMessage.
func (api *RestAPI) alertsFeedHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := api.snapshot()
	if !ok {
		api.noSnapshotResponse(w, r)
		return
	}

	body, err := gtfsrt.Export(snap)
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		logging.LogError(logging.FromContext(r.Context()), "failed to write alerts feed", err,
			slog.Int("bytes", len(body)))
	}
}
