package restapi

import (
	"net/http"

	"sxwatch.onebusaway.org/internal/models"
)

func (api *RestAPI) currentTimeHandler(w http.ResponseWriter, r *http.Request) {
	timeData := models.NewCurrentTimeData(api.Now())
	api.sendResponse(w, r, models.NewOKResponse(timeData, api.Clock))
}
