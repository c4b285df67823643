package restapi

import (
	"net/http"
)

type healthResponse struct {
	Status      string   `json:"status"`
	SnapshotAge *float64 `json:"snapshotAge"`
	PollerState string   `json:"pollerState"`
}

// healthHandler reports ready once the first snapshot has been stored.
func (api *RestAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "starting", PollerState: "unknown"}
	code := http.StatusServiceUnavailable

	if api.Poller != nil {
		resp.PollerState = api.Poller.State().Mode.String()
	}
	if api.Cache != nil {
		if _, ok := api.Cache.StoredAt(); ok {
			age := api.Cache.Age(api.Now()).Seconds()
			resp.SnapshotAge = &age
			resp.Status = "ok"
			code = http.StatusOK
		}
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, r, code, resp)
}
