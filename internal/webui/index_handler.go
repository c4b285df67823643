package webui

import (
	"bytes"
	"log/slog"
	"net/http"
	"time"

	"sxwatch.onebusaway.org/internal/aggregate"
	"sxwatch.onebusaway.org/internal/logging"
)

const (
	untilFurtherNotice = "Until further notice"
	unreadableSummary  = "Feed entries for this line could not be read"
)

type lineRow struct {
	LineRef   string
	State     string
	Summary   string
	Others    int
	ValidFrom string
	ValidTo   string
}

type indexPage struct {
	Title       string
	Ready       bool
	GeneratedAt time.Time
	Rollup      aggregate.Rollup
	PollerMode  string
	Lines       []lineRow
}

func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04 MST")
}

func stateName(s aggregate.LineState) string {
	switch s {
	case aggregate.LineActive:
		return "active"
	case aggregate.LinePlanned:
		return "planned"
	default:
		return "normal"
	}
}

func rowFor(ls aggregate.LineSnapshot) lineRow {
	head := ls.Head()
	row := lineRow{
		LineRef: ls.LineRef,
		State:   stateName(ls.State()),
		Summary: ls.EffectiveSummary,
		Others:  len(ls.Situations) - 1,
	}
	switch {
	case row.State == "planned":
		row.Summary = head.Summary
	case row.State == "normal" && ls.HasParseError():
		row.State = "unreadable"
		row.Summary = unreadableSummary
	}
	if head.IsSynthetic() {
		return row
	}
	row.ValidFrom = formatTime(head.ValidityStart)
	row.ValidTo = untilFurtherNotice
	if head.ValidityEnd != nil {
		row.ValidTo = formatTime(*head.ValidityEnd)
	}
	return row
}

func (webUI *WebUI) buildPage() indexPage {
	page := indexPage{Title: webUI.Config.Title}
	if page.Title == "" {
		page.Title = "Service disruptions"
	}
	if webUI.Poller != nil {
		page.PollerMode = webUI.Poller.State().Mode.String()
	}
	if webUI.Cache == nil {
		return page
	}
	snap, ok := webUI.Cache.Load()
	if !ok {
		return page
	}

	page.Ready = true
	page.GeneratedAt = snap.GeneratedAt
	page.Rollup = snap.Rollup()
	for _, ls := range snap.Ordered() {
		page.Lines = append(page.Lines, rowFor(ls))
	}
	return page
}

func (webUI *WebUI) indexHandler(w http.ResponseWriter, r *http.Request) {
	page := webUI.buildPage()

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, page); err != nil {
		logging.LogError(logging.FromContext(r.Context()), "failed to render status page", err,
			slog.String("path", r.URL.Path))
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if !page.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = buf.WriteTo(w)
}
