package siri

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sxwatch.onebusaway.org/internal/situation"
)

// Defect describes one feed element that could not be turned into Situations.
type Defect struct {
	Delivery        int    `json:"delivery"`
	Index           int    `json:"index"`
	SituationNumber string `json:"situationNumber,omitempty"`
	Reason          string `json:"reason"`
}

func (d Defect) Error() string {
	if d.SituationNumber != "" {
		return fmt.Sprintf("situation %s (delivery %d, element %d): %s", d.SituationNumber, d.Delivery, d.Index, d.Reason)
	}
	return fmt.Sprintf("delivery %d, element %d: %s", d.Delivery, d.Index, d.Reason)
}

// Result is the outcome of normalizing one feed snapshot.
type Result struct {
	// Situations holds the records for each watched line, in feed order.
	Situations map[string][]situation.Situation
	// Defects lists elements that failed extraction.
	Defects []Defect
	// Dropped counts elements skipped silently: no start time or no affected networks.
	Dropped int
	// Elements is the number of raw elements examined.
	Elements int
}

var (
	errNoStart       = errors.New("missing validity start")
	errNoNetworks    = errors.New("no affected networks")
	errBadTimestamp  = errors.New("unparseable timestamp")
	timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04"}
)

// ParseTimestamp accepts RFC 3339 and the offset-less forms some producers emit.
// Offset-less values are read as UTC.
func ParseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", errBadTimestamp, v)
}

// Normalize turns doc into per-line Situations for the lines in watch.
//
// Each element is handled on its own. An element that fails to decode or
// extract is recorded as a Defect; when every element naming a watched line
// failed, that line receives a parse-error placeholder instead of nothing, so
// a partial failure is not mistaken for normal service.
func Normalize(doc *Document, watch []string, now time.Time) Result {
	res := Result{Situations: make(map[string][]situation.Situation)}
	if doc == nil {
		return res
	}

	watched := make(map[string]struct{}, len(watch))
	for _, line := range watch {
		watched[line] = struct{}{}
	}

	failedLines := map[string]struct{}{}

	for d, sed := range doc.Siri.ServiceDelivery.SituationExchangeDelivery {
		for i, raw := range sed.Situations.PtSituationElement {
			res.Elements++

			situations, err := extract(raw, watched)
			switch {
			case err == nil:
				for _, s := range situations {
					res.Situations[s.LineRef] = append(res.Situations[s.LineRef], s)
				}
			case errors.Is(err, errNoStart), errors.Is(err, errNoNetworks):
				res.Dropped++
			default:
				res.Defects = append(res.Defects, Defect{
					Delivery:        d,
					Index:           i,
					SituationNumber: situationNumber(raw),
					Reason:          err.Error(),
				})
				for _, line := range salvageLineRefs(raw) {
					if _, ok := watched[line]; ok {
						failedLines[line] = struct{}{}
					}
				}
			}
		}
	}

	for _, line := range watch {
		if _, failed := failedLines[line]; !failed {
			continue
		}
		if len(res.Situations[line]) == 0 {
			res.Situations[line] = []situation.Situation{situation.ParseErrorFor(line, now)}
		}
	}

	return res
}

// extract decodes one raw element and fans it out to the watched lines it names.
func extract(raw json.RawMessage, watched map[string]struct{}) (out []situation.Situation, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic during extraction: %v", r)
		}
	}()

	var element PtSituationElement
	if err := json.Unmarshal(raw, &element); err != nil {
		return nil, fmt.Errorf("malformed element: %w", err)
	}

	if element.Affects == nil || element.Affects.Networks == nil {
		return nil, errNoNetworks
	}
	if len(element.ValidityPeriod) == 0 || strings.TrimSpace(element.ValidityPeriod[0].StartTime) == "" {
		return nil, errNoStart
	}

	period := element.ValidityPeriod[0]
	start, err := ParseTimestamp(period.StartTime)
	if err != nil {
		return nil, fmt.Errorf("validity start: %w", err)
	}

	var end *time.Time
	if strings.TrimSpace(period.EndTime) != "" {
		parsed, err := ParseTimestamp(period.EndTime)
		if err != nil {
			return nil, fmt.Errorf("validity end: %w", err)
		}
		end = &parsed
	}

	summary := firstText(element.Summary)
	if summary == "" {
		summary = situation.NormalService
	}
	description := firstText(element.Description)
	if description == "" {
		description = situation.NormalService
	}

	var id string
	if element.SituationNumber != nil {
		id = element.SituationNumber.Value
	}

	for _, line := range element.LineRefs() {
		if _, ok := watched[line]; !ok {
			continue
		}
		out = append(out, situation.Situation{
			ID:            id,
			LineRef:       line,
			ValidityStart: start,
			ValidityEnd:   end,
			Progress:      strings.ToLower(strings.TrimSpace(element.Progress)),
			Summary:       summary,
			Description:   description,
			Source:        situation.SourceSIRI,
		})
	}
	return out, nil
}

// salvageLineRefs reads only the affected lines of an element whose full
// decode failed.
func salvageLineRefs(raw json.RawMessage) []string {
	var partial struct {
		Affects *Affects `json:"Affects"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return nil
	}
	return PtSituationElement{Affects: partial.Affects}.LineRefs()
}

func situationNumber(raw json.RawMessage) string {
	var partial struct {
		SituationNumber *Value `json:"SituationNumber"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil || partial.SituationNumber == nil {
		return ""
	}
	return partial.SituationNumber.Value
}

// Normalize lets a decoded document be handed to the poller as a payload.
func (d *Document) Normalize(watch []string, now time.Time) Result {
	return Normalize(d, watch, now)
}
