package situation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NormalService is shown when a line has nothing to report.
const NormalService = "Normal service"

// Progress markers attached to entries the pipeline fabricates.
const (
	ProgressNormal = "normal"
	ProgressError  = "error"
	progressClosed = "closed"
)

// Sources a Situation can come from.
const (
	SourceSIRI   = "siri-sx"
	SourceGTFSRT = "gtfs-rt"
)

// Status is the derived lifecycle state of a Situation at a reference time.
type Status int

const (
	Active Status = iota
	Planned
	Expired
)

func (s Status) String() string {
	switch s {
	case Active:
		return "open"
	case Planned:
		return "planned"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Rank orders statuses for display: Active, then Planned, then Expired.
func (s Status) Rank() int {
	switch s {
	case Active:
		return 0
	case Planned:
		return 1
	case Expired:
		return 2
	default:
		return 3
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus accepts the string forms produced by Status.String.
func ParseStatus(v string) (Status, error) {
	switch strings.ToLower(v) {
	case "open", "active":
		return Active, nil
	case "planned":
		return Planned, nil
	case "expired":
		return Expired, nil
	}
	return Active, fmt.Errorf("unknown status %q", v)
}

// Situation is one disruption record scoped to a single watched line.
type Situation struct {
	ID            string     `json:"id,omitempty"`
	LineRef       string     `json:"lineRef"`
	ValidityStart time.Time  `json:"validFrom"`
	ValidityEnd   *time.Time `json:"validTo"`
	Progress      string     `json:"progress"`
	Summary       string     `json:"summary"`
	Description   string     `json:"description"`
	Status        Status     `json:"status"`
	Source        string     `json:"source,omitempty"`
}

// IsSynthetic reports whether the entry was fabricated rather than read from a feed.
func (s Situation) IsSynthetic() bool {
	return s.Progress == ProgressNormal || s.Progress == ProgressError
}

// IsParseError reports whether the entry stands in for a line whose feed entries failed to parse.
func (s Situation) IsParseError() bool {
	return s.Progress == ProgressError
}

// NormalServiceFor builds the placeholder shown for a line with no disruptions.
func NormalServiceFor(line string, now time.Time) Situation {
	return Situation{
		LineRef:       line,
		ValidityStart: now,
		Progress:      ProgressNormal,
		Summary:       NormalService,
		Description:   NormalService,
		Status:        Active,
	}
}

// ParseErrorFor builds the placeholder recorded when every entry naming line failed to parse.
func ParseErrorFor(line string, now time.Time) Situation {
	s := NormalServiceFor(line, now)
	s.Progress = ProgressError
	return s
}
