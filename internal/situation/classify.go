package situation

import (
	"strings"
	"time"
)

// Classify derives the status of s at now.
//
// The time window is always checked before the progress code: an entry that
// has not started is Planned even if upstream already marked it closed. An end
// that precedes the start is not corrected; each bound is compared to now on
// its own.
func Classify(s Situation, now time.Time) Status {
	if now.Before(s.ValidityStart) {
		return Planned
	}
	if s.ValidityEnd != nil && now.After(*s.ValidityEnd) {
		return Expired
	}
	if strings.EqualFold(strings.TrimSpace(s.Progress), progressClosed) {
		return Expired
	}
	return Active
}

// ClassifyAll returns copies of situations with Status set for now.
// Synthetic entries keep their Active status.
func ClassifyAll(situations []Situation, now time.Time) []Situation {
	out := make([]Situation, len(situations))
	for i, s := range situations {
		if !s.IsSynthetic() {
			s.Status = Classify(s, now)
		}
		out[i] = s
	}
	return out
}
