package aggregate

import (
	"fmt"
	"time"

	"sxwatch.onebusaway.org/internal/situation"
)

// FeedSnapshot holds every watched line at one poll instant.
type FeedSnapshot struct {
	GeneratedAt time.Time               `json:"generatedAt"`
	Order       []string                `json:"order"`
	Lines       map[string]LineSnapshot `json:"lines"`
}

// Line returns the snapshot for ref.
func (f FeedSnapshot) Line(ref string) (LineSnapshot, bool) {
	ls, ok := f.Lines[ref]
	return ls, ok
}

// Ordered returns the line snapshots in watch-list order.
func (f FeedSnapshot) Ordered() []LineSnapshot {
	out := make([]LineSnapshot, 0, len(f.Order))
	for _, ref := range f.Order {
		if ls, ok := f.Lines[ref]; ok {
			out = append(out, ls)
		}
	}
	return out
}

// BuildFeed classifies and aggregates normalized situations for every line in
// watch. Lines absent from byLine become normal service.
func BuildFeed(byLine map[string][]situation.Situation, watch []string, now time.Time) FeedSnapshot {
	snap := FeedSnapshot{
		GeneratedAt: now,
		Order:       make([]string, 0, len(watch)),
		Lines:       make(map[string]LineSnapshot, len(watch)),
	}
	for _, line := range watch {
		if _, dup := snap.Lines[line]; dup {
			continue
		}
		classified := situation.ClassifyAll(byLine[line], now)
		snap.Order = append(snap.Order, line)
		snap.Lines[line] = Aggregate(line, classified, now)
	}
	return snap
}

// Rollup is the cross-line indicator for all watched lines.
type Rollup struct {
	State           string   `json:"state"`
	TotalLines      int      `json:"totalLines"`
	ActiveLines     int      `json:"activeLines"`
	PlannedLines    int      `json:"plannedLines"`
	NormalLines     int      `json:"normalLines"`
	ActiveLineRefs  []string `json:"activeLineRefs"`
	PlannedLineRefs []string `json:"plannedLineRefs"`
	NormalLineRefs  []string `json:"normalLineRefs"`

	// Lines here are still counted as normal above; their feed entries
	// could not be read.
	ParseErrorLines    int      `json:"parseErrorLines"`
	ParseErrorLineRefs []string `json:"parseErrorLineRefs"`
}

// LineState classifies a line for the rollup.
type LineState int

const (
	LineNormal LineState = iota
	LineActive
	LinePlanned
)

// State reports whether the line currently has an active disruption, only
// upcoming ones, or nothing worth showing.
func (ls LineSnapshot) State() LineState {
	if ls.HasDisruption() {
		return LineActive
	}
	for _, s := range ls.Situations {
		if s.Status == situation.Planned && !s.IsSynthetic() {
			return LinePlanned
		}
	}
	return LineNormal
}

// Rollup counts lines by state in watch-list order.
func (f FeedSnapshot) Rollup() Rollup {
	r := Rollup{
		ActiveLineRefs:     []string{},
		PlannedLineRefs:    []string{},
		NormalLineRefs:     []string{},
		ParseErrorLineRefs: []string{},
	}
	for _, ls := range f.Ordered() {
		r.TotalLines++
		if ls.HasParseError() {
			r.ParseErrorLines++
			r.ParseErrorLineRefs = append(r.ParseErrorLineRefs, ls.LineRef)
		}
		switch ls.State() {
		case LineActive:
			r.ActiveLines++
			r.ActiveLineRefs = append(r.ActiveLineRefs, ls.LineRef)
		case LinePlanned:
			r.PlannedLines++
			r.PlannedLineRefs = append(r.PlannedLineRefs, ls.LineRef)
		default:
			r.NormalLines++
			r.NormalLineRefs = append(r.NormalLineRefs, ls.LineRef)
		}
	}

	switch r.ActiveLines {
	case 0:
		r.State = situation.NormalService
	case 1:
		r.State = "1 active disruption"
	default:
		r.State = fmt.Sprintf("%d active disruptions", r.ActiveLines)
	}
	return r
}
