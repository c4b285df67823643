package restapi

import (
	"net/http"
	"time"

	"sxwatch.onebusaway.org/internal/aggregate"
	"sxwatch.onebusaway.org/internal/models"
)

type summaryData struct {
	Title       string           `json:"title"`
	GeneratedAt time.Time        `json:"generatedAt"`
	Rollup      aggregate.Rollup `json:"rollup"`
	aggregate.Markdown
}

func (api *RestAPI) summaryHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := api.snapshot()
	if !ok {
		api.noSnapshotResponse(w, r)
		return
	}

	api.sendResponse(w, r, models.NewOKResponse(summaryData{
		Title:       api.Config.Title,
		GeneratedAt: snap.GeneratedAt,
		Rollup:      snap.Rollup(),
		Markdown:    aggregate.RenderMarkdown(snap, api.Config.Title),
	}, api.Clock))
}
