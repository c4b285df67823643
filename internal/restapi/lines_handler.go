package restapi

import (
	"net/http"

	"sxwatch.onebusaway.org/internal/aggregate"
	"sxwatch.onebusaway.org/internal/models"
)

type lineEntry struct {
	Line       aggregate.LineSnapshot   `json:"line"`
	Attributes aggregate.LineAttributes `json:"attributes"`
}

func (api *RestAPI) snapshot() (aggregate.FeedSnapshot, bool) {
	if api.Cache == nil {
		return aggregate.FeedSnapshot{}, false
	}
	return api.Cache.Load()
}

func (api *RestAPI) linesHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := api.snapshot()
	if !ok {
		api.noSnapshotResponse(w, r)
		return
	}

	api.sendResponse(w, r, models.NewOKResponse(map[string]any{
		"generatedAt": snap.GeneratedAt,
		"list":        snap.Ordered(),
	}, api.Clock))
}

func (api *RestAPI) lineHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		api.badRequestResponse(w, r, "line id is required")
		return
	}

	snap, ok := api.snapshot()
	if !ok {
		api.noSnapshotResponse(w, r)
		return
	}

	ls, found := snap.Line(id)
	if !found {
		api.sendNotFound(w, r)
		return
	}

	api.sendResponse(w, r, models.NewEntryResponse(lineEntry{
		Line:       ls,
		Attributes: aggregate.Attributes(ls),
	}, api.Clock))
}
