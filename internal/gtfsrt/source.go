// Package gtfsrt reads GTFS-RT service alerts as a disruption source and
// writes disruption snapshots back out as a GTFS-RT alerts feed.
package gtfsrt

import (
	"fmt"
	"strings"
	"time"

	"github.com/OneBusAway/go-gtfs"

	"sxwatch.onebusaway.org/internal/siri"
	"sxwatch.onebusaway.org/internal/situation"
)

// Feed is a parsed GTFS-RT alerts message.
type Feed struct {
	CreatedAt time.Time
	Alerts    []gtfs.Alert
}

// Parse decodes a GTFS-RT protobuf message and keeps its alerts.
func Parse(b []byte) (*Feed, error) {
	rt, err := gtfs.ParseRealtime(b, &gtfs.ParseRealtimeOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse GTFS-RT feed: %w", err)
	}
	return &Feed{CreatedAt: rt.CreatedAt, Alerts: rt.Alerts}, nil
}

// Normalize maps alerts to Situations for the watched routes. Alerts with no
// informed route or no active-period start are dropped.
func (f *Feed) Normalize(watch []string, now time.Time) siri.Result {
	res := siri.Result{Situations: make(map[string][]situation.Situation)}
	if f == nil {
		return res
	}

	watched := make(map[string]struct{}, len(watch))
	for _, line := range watch {
		watched[line] = struct{}{}
	}

	for _, alert := range f.Alerts {
		res.Elements++

		routes := routeIDs(alert)
		if len(routes) == 0 || len(alert.ActivePeriods) == 0 || alert.ActivePeriods[0].StartsAt == nil {
			res.Dropped++
			continue
		}

		period := alert.ActivePeriods[0]
		var end *time.Time
		if period.EndsAt != nil {
			e := period.EndsAt.UTC()
			end = &e
		}

		summary := firstText(alert.Header)
		if summary == "" {
			summary = situation.NormalService
		}
		description := firstText(alert.Description)
		if description == "" {
			description = situation.NormalService
		}

		for _, route := range routes {
			if _, ok := watched[route]; !ok {
				continue
			}
			res.Situations[route] = append(res.Situations[route], situation.Situation{
				ID:            alert.ID,
				LineRef:       route,
				ValidityStart: period.StartsAt.UTC(),
				ValidityEnd:   end,
				Summary:       summary,
				Description:   description,
				Source:        situation.SourceGTFSRT,
			})
		}
	}
	return res
}

// routeIDs returns the distinct informed routes of alert in feed order.
func routeIDs(alert gtfs.Alert) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, entity := range alert.InformedEntities {
		if entity.RouteID == nil || *entity.RouteID == "" {
			continue
		}
		id := *entity.RouteID
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func firstText(texts []gtfs.AlertText) string {
	for _, t := range texts {
		if s := strings.TrimSpace(t.Text); s != "" {
			return s
		}
	}
	return ""
}
