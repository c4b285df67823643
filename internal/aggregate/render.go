package aggregate

import (
	"fmt"
	"strings"
	"time"

	"sxwatch.onebusaway.org/internal/situation"
)

// NoPlannedDisruptions is the planned markdown when nothing is upcoming.
const NoPlannedDisruptions = "No planned disruptions"

// Markdown is the display-ready rendering of a FeedSnapshot.
type Markdown struct {
	Active  string `json:"markdownActive"`
	Planned string `json:"markdownPlanned"`
	// Unreadable lists lines whose feed entries all failed to parse. Empty
	// when there are none.
	Unreadable string `json:"markdownUnreadable,omitempty"`
}

// RenderMarkdown builds separate active and planned sections, each with one
// block per affected line and a footer counting the remaining lines.
func RenderMarkdown(f FeedSnapshot, title string) Markdown {
	var active, planned, unreadable []string
	var activeBlocks, plannedBlocks strings.Builder
	normal := 0

	for _, ls := range f.Ordered() {
		if ls.HasParseError() {
			unreadable = append(unreadable, ls.LineRef)
		}
		switch ls.State() {
		case LineActive:
			active = append(active, ls.LineRef)
			writeLineBlock(&activeBlocks, ls.LineRef, ls.Head())
		case LinePlanned:
			planned = append(planned, ls.LineRef)
			writeLineBlock(&plannedBlocks, ls.LineRef, ls.Head())
		default:
			normal++
		}
	}

	md := Markdown{Active: situation.NormalService, Planned: NoPlannedDisruptions}

	if len(active) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "**%s - Active Disruptions**\n\n", title)
		b.WriteString(activeBlocks.String())
		if rest := normal + len(planned); rest > 0 {
			fmt.Fprintf(&b, "*%d line(s) with normal service*\n", rest)
		}
		md.Active = b.String()
	}

	if len(planned) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "**%s - Planned Disruptions**\n\n", title)
		b.WriteString(plannedBlocks.String())
		if rest := normal + len(active); rest > 0 {
			fmt.Fprintf(&b, "*%d line(s) with normal service*\n", rest)
		}
		md.Planned = b.String()
	}

	if len(unreadable) > 0 {
		md.Unreadable = fmt.Sprintf("*Feed entries could not be read for %d line(s): %s*\n",
			len(unreadable), strings.Join(unreadable, ", "))
	}

	return md
}

func writeLineBlock(b *strings.Builder, line string, s situation.Situation) {
	fmt.Fprintf(b, "### %s\n\n", line)
	fmt.Fprintf(b, "**%s**\n\n", s.Summary)
	if s.Description != "" {
		fmt.Fprintf(b, "%s\n\n", s.Description)
	}
	fmt.Fprintf(b, "*From: %s*", formatTime(s.ValidityStart))
	if s.ValidityEnd != nil {
		fmt.Fprintf(b, " • *To: %s*\n\n", formatTime(*s.ValidityEnd))
	} else {
		b.WriteString(" • *Until further notice*\n\n")
	}
	fmt.Fprintf(b, "*Status: %s* • *Progress: %s*\n\n", s.Status, s.Progress)
	b.WriteString("---\n\n")
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

// LineAttributes is the detail view of one line.
type LineAttributes struct {
	LineRef            string                `json:"lineRef"`
	ValidFrom          string                `json:"validFrom"`
	ValidTo            *string               `json:"validTo"`
	Description        string                `json:"description"`
	Status             situation.Status      `json:"status"`
	Progress           string                `json:"progress"`
	ParseError         bool                  `json:"parseError,omitempty"`
	AllDeviations      []situation.Situation `json:"allDeviations,omitempty"`
	TotalDeviations    int                   `json:"totalDeviations,omitempty"`
	DeviationsByStatus map[string]int        `json:"deviationsByStatus,omitempty"`
}

// Attributes describes the head entry and, when the line has more than one
// entry, the full list with per-status counts.
func Attributes(ls LineSnapshot) LineAttributes {
	head := ls.Head()
	attrs := LineAttributes{
		LineRef:     ls.LineRef,
		ValidFrom:   formatTime(head.ValidityStart),
		Description: head.Description,
		Status:      head.Status,
		Progress:    head.Progress,
		ParseError:  ls.HasParseError(),
	}
	if head.ValidityEnd != nil {
		to := formatTime(*head.ValidityEnd)
		attrs.ValidTo = &to
	}

	if len(ls.Situations) > 1 {
		attrs.AllDeviations = ls.Situations
		attrs.TotalDeviations = len(ls.Situations)
		attrs.DeviationsByStatus = map[string]int{}
		for _, s := range ls.Situations {
			attrs.DeviationsByStatus[s.Status.String()]++
		}
	}
	return attrs
}
