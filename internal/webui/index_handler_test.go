package webui

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sxwatch.onebusaway.org/internal/aggregate"
	"sxwatch.onebusaway.org/internal/app"
	"sxwatch.onebusaway.org/internal/appconf"
	"sxwatch.onebusaway.org/internal/situation"
	"sxwatch.onebusaway.org/internal/snapshot"
)

var now = time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)

func newTestWebUI(t *testing.T, withSnapshot bool) *WebUI {
	t.Helper()
	cache := snapshot.New()
	if withSnapshot {
		cache.Store(aggregate.BuildFeed(map[string][]situation.Situation{
			"SKY:Line:1": {{
				ID:            "S1",
				LineRef:       "SKY:Line:1",
				ValidityStart: now.Add(-time.Hour),
				Progress:      "open",
				Summary:       "Ferry <cancelled>",
			}},
			"SKY:Line:2": {{
				ID:            "S2",
				LineRef:       "SKY:Line:2",
				ValidityStart: now.Add(time.Hour),
				Progress:      "open",
				Summary:       "Evening works",
			}},
		}, []string{"SKY:Line:1", "SKY:Line:2", "SKY:Line:3"}, now))
	}
	return &WebUI{Application: &app.Application{
		Config: appconf.Config{Title: "Skyss"},
		Cache:  cache,
	}}
}

func serve(t *testing.T, webUI *WebUI, path string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	webUI.SetWebUIRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestIndexHandler(t *testing.T) {
	rec := serve(t, newTestWebUI(t, true), "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	for _, want := range []string{
		"<!DOCTYPE html>",
		"<title>Skyss</title>",
		"1 active disruption",
		`<td class="state-active">active</td>`,
		`<td class="state-planned">planned</td>`,
		`<td class="state-normal">normal</td>`,
		"Evening works",
		"Until further notice",
		"2025-11-05 11:00 UTC",
	} {
		assert.Contains(t, body, want)
	}

	assert.Contains(t, body, "Ferry &lt;cancelled&gt;", "summaries are escaped")
	assert.NotContains(t, body, "Ferry <cancelled>")
}

func TestIndexHandler_NoSnapshot(t *testing.T) {
	rec := serve(t, newTestWebUI(t, false), "/")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Waiting for the first snapshot")
}

func TestIndexHandler_DefaultTitle(t *testing.T) {
	webUI := newTestWebUI(t, false)
	webUI.Config.Title = ""
	assert.Contains(t, serve(t, webUI, "/").Body.String(), "<title>Service disruptions</title>")
}

func TestIndexHandler_OnlyRoot(t *testing.T) {
	rec := serve(t, newTestWebUI(t, true), "/not-here")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRowFor(t *testing.T) {
	end := now.Add(3 * time.Hour)
	ls := aggregate.Aggregate("L1", []situation.Situation{
		{ID: "a", LineRef: "L1", ValidityStart: now, ValidityEnd: &end, Summary: "A", Status: situation.Active},
		{ID: "b", LineRef: "L1", ValidityStart: now, Summary: "B", Status: situation.Planned},
	}, now)

	row := rowFor(ls)
	assert.Equal(t, "active", row.State)
	assert.Equal(t, "A", row.Summary)
	assert.Equal(t, 1, row.Others)
	assert.Equal(t, "2025-11-05 15:00 UTC", row.ValidTo)

	normal := rowFor(aggregate.Aggregate("L2", nil, now))
	assert.Equal(t, "normal", normal.State)
	assert.Equal(t, situation.NormalService, normal.Summary)
	assert.Empty(t, normal.ValidFrom)
}

func TestIndexHandler_UnreadableLine(t *testing.T) {
	cache := snapshot.New()
	cache.Store(aggregate.BuildFeed(map[string][]situation.Situation{
		"SKY:Line:2": {situation.ParseErrorFor("SKY:Line:2", now)},
	}, []string{"SKY:Line:1", "SKY:Line:2"}, now))
	webUI := &WebUI{Application: &app.Application{Cache: cache}}

	row := rowFor(mustLine(t, cache, "SKY:Line:2"))
	assert.Equal(t, "unreadable", row.State)
	assert.Equal(t, unreadableSummary, row.Summary)
	assert.Empty(t, row.ValidFrom)

	rec := serve(t, webUI, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `<td class="state-unreadable">unreadable</td>`)
	assert.Contains(t, body, "1 line(s) unreadable.")
	assert.Contains(t, body, `<td class="state-normal">normal</td>`)
}

func mustLine(t *testing.T, cache *snapshot.Cache, ref string) aggregate.LineSnapshot {
	t.Helper()
	snap, ok := cache.Load()
	require.True(t, ok)
	ls, ok := snap.Line(ref)
	require.True(t, ok)
	return ls
}
