package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"sxwatch.onebusaway.org/internal/situation"
)

const (
	// MaxSummaryLength bounds the effective summary in runes.
	MaxSummaryLength = 255
	// SummarySeparator joins the summaries of concurrent active disruptions.
	SummarySeparator = " | "
	ellipsis         = "..."
)

// StatusCounts tallies a line's situations by status.
type StatusCounts struct {
	Active  int `json:"active"`
	Planned int `json:"planned"`
	Expired int `json:"expired"`
}

// LineSnapshot is the ranked view of one watched line at one poll instant.
type LineSnapshot struct {
	LineRef          string                `json:"lineRef"`
	EffectiveSummary string                `json:"effectiveSummary"`
	Situations       []situation.Situation `json:"situations"`
	Counts           StatusCounts          `json:"counts"`
}

// Head returns the first situation of the ranked list.
func (ls LineSnapshot) Head() situation.Situation {
	if len(ls.Situations) == 0 {
		return situation.NormalServiceFor(ls.LineRef, time.Time{})
	}
	return ls.Situations[0]
}

// HasParseError reports whether every feed entry naming the line failed to
// parse, leaving only the error placeholder.
func (ls LineSnapshot) HasParseError() bool {
	for _, s := range ls.Situations {
		if s.IsParseError() {
			return true
		}
	}
	return false
}

// HasDisruption reports whether the line has a real, currently active disruption.
func (ls LineSnapshot) HasDisruption() bool {
	for _, s := range ls.Situations {
		if s.Status == situation.Active && !s.IsSynthetic() {
			return true
		}
	}
	return false
}

// Aggregate ranks already classified situations for one line.
// An empty input yields a single synthetic normal-service entry.
func Aggregate(line string, situations []situation.Situation, now time.Time) LineSnapshot {
	list := make([]situation.Situation, 0, len(situations))
	for _, s := range situations {
		if s.LineRef != line {
			continue
		}
		list = append(list, s)
	}
	if len(list) == 0 {
		list = append(list, situation.NormalServiceFor(line, now))
	}

	Sort(list)

	return LineSnapshot{
		LineRef:          line,
		EffectiveSummary: EffectiveSummary(list),
		Situations:       list,
		Counts:           Count(list),
	}
}

// Sort orders situations Active, Planned, Expired and, within a status, by
// most recent validity start first.
func Sort(list []situation.Situation) {
	sort.SliceStable(list, func(i, j int) bool {
		ri, rj := list[i].Status.Rank(), list[j].Status.Rank()
		if ri != rj {
			return ri < rj
		}
		return list[i].ValidityStart.After(list[j].ValidityStart)
	})
}

// Count tallies the whole list, not just the head.
func Count(list []situation.Situation) StatusCounts {
	var c StatusCounts
	for _, s := range list {
		switch s.Status {
		case situation.Active:
			c.Active++
		case situation.Planned:
			c.Planned++
		case situation.Expired:
			c.Expired++
		}
	}
	return c
}

// EffectiveSummary derives the single headline for a ranked list.
// Only active situations contribute; a line whose disruptions have not
// started yet reads as normal service.
func EffectiveSummary(list []situation.Situation) string {
	var active []string
	for _, s := range list {
		if s.Status == situation.Active {
			active = append(active, s.Summary)
		}
	}

	switch len(active) {
	case 0:
		return situation.NormalService
	case 1:
		return Truncate(active[0], MaxSummaryLength)
	}

	joined := strings.Join(active, SummarySeparator)
	if utf8.RuneCountInString(joined) <= MaxSummaryLength {
		return joined
	}
	return Truncate(fmt.Sprintf("%d active disruptions: %s", len(active), active[0]), MaxSummaryLength)
}

// Truncate shortens s to at most limit runes, ending in an ellipsis when cut.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	if limit <= len(ellipsis) {
		return string(runes[:limit])
	}
	return strings.TrimRight(string(runes[:limit-len(ellipsis)]), " ") + ellipsis
}
