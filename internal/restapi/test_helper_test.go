package restapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"sxwatch.onebusaway.org/internal/aggregate"
	"sxwatch.onebusaway.org/internal/app"
	"sxwatch.onebusaway.org/internal/appconf"
	"sxwatch.onebusaway.org/internal/changes"
	"sxwatch.onebusaway.org/internal/clock"
	"sxwatch.onebusaway.org/internal/metrics"
	"sxwatch.onebusaway.org/internal/models"
	"sxwatch.onebusaway.org/internal/situation"
	"sxwatch.onebusaway.org/internal/snapshot"
)

var testNow = time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)

var testWatch = []string{"SKY:Line:1", "SKY:Line:2", "SKY:Line:3"}

func testSituations() map[string][]situation.Situation {
	end := testNow.Add(2 * time.Hour)
	return map[string][]situation.Situation{
		"SKY:Line:1": {
			{
				ID:            "SKY:SituationNumber:1",
				LineRef:       "SKY:Line:1",
				ValidityStart: testNow.Add(-time.Hour),
				ValidityEnd:   &end,
				Progress:      "open",
				Summary:       "Bridge closed",
				Description:   "Buses replace ferries",
				Source:        situation.SourceSIRI,
			},
			{
				ID:            "SKY:SituationNumber:2",
				LineRef:       "SKY:Line:1",
				ValidityStart: testNow.Add(24 * time.Hour),
				Progress:      "open",
				Summary:       "Timetable change",
				Source:        situation.SourceSIRI,
			},
		},
		"SKY:Line:2": {
			{
				ID:            "SKY:SituationNumber:3",
				LineRef:       "SKY:Line:2",
				ValidityStart: testNow.Add(48 * time.Hour),
				Progress:      "open",
				Summary:       "Track works",
				Source:        situation.SourceSIRI,
			},
		},
	}
}

func testSnapshot() aggregate.FeedSnapshot {
	return aggregate.BuildFeed(testSituations(), testWatch, testNow)
}

func newTestApplication(t *testing.T) *app.Application {
	t.Helper()
	registry := prometheus.NewRegistry()
	collectors := metrics.New()
	require.NoError(t, collectors.Register(registry))
	return &app.Application{
		Config: appconf.Config{
			ApiKeys:            []string{"TEST"},
			RateLimit:          100,
			Lines:              testWatch,
			Title:              "Entur SX",
			CacheMaxAgeSeconds: 30,
		},
		Clock:    clock.NewMockClock(testNow),
		Cache:    snapshot.New(),
		Changes:  changes.NewLog(10),
		Metrics:  collectors,
		Registry: registry,
	}
}

// createTestApi returns an API backed by a cache holding testSnapshot.
func createTestApi(t *testing.T) *RestAPI {
	t.Helper()
	application := newTestApplication(t)
	application.Cache.Store(testSnapshot())
	api := NewRestAPI(application)
	t.Cleanup(api.Shutdown)
	return api
}

func createEmptyTestApi(t *testing.T) *RestAPI {
	t.Helper()
	api := NewRestAPI(newTestApplication(t))
	t.Cleanup(api.Shutdown)
	return api
}

func serve(t *testing.T, api *RestAPI, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	api.SetupAPIRoutes().ServeHTTP(rec, req)
	return rec
}

func serveAndDecode(t *testing.T, api *RestAPI, path string) (*httptest.ResponseRecorder, models.ResponseModel) {
	t.Helper()
	rec := serve(t, api, path)
	var resp models.ResponseModel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func dataMap(t *testing.T, resp models.ResponseModel) map[string]any {
	t.Helper()
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return data
}
