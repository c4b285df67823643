package siri

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Document is the root of an Entur SIRI-SX JSON response.
type Document struct {
	Siri Siri `json:"Siri"`
}

type Siri struct {
	Version         string          `json:"version,omitempty"`
	ServiceDelivery ServiceDelivery `json:"ServiceDelivery"`
}

type ServiceDelivery struct {
	ResponseTimestamp         string                      `json:"ResponseTimestamp,omitempty"`
	ProducerRef               *Value                      `json:"ProducerRef,omitempty"`
	MoreData                  bool                        `json:"MoreData,omitempty"`
	SituationExchangeDelivery []SituationExchangeDelivery `json:"SituationExchangeDelivery"`
}

type SituationExchangeDelivery struct {
	Version           string     `json:"version,omitempty"`
	ResponseTimestamp string     `json:"ResponseTimestamp,omitempty"`
	Situations        Situations `json:"Situations"`
}

// Situations keeps each element raw so one malformed element cannot fail the
// decode of the whole delivery.
type Situations struct {
	PtSituationElement []json.RawMessage `json:"PtSituationElement"`
}

// PtSituationElement is a single disruption as published by the originator.
type PtSituationElement struct {
	CreationTime    string           `json:"CreationTime,omitempty"`
	ParticipantRef  *Value           `json:"ParticipantRef,omitempty"`
	SituationNumber *Value           `json:"SituationNumber,omitempty"`
	Version         *int             `json:"Version,omitempty"`
	Progress        string           `json:"Progress,omitempty"` // open|closed
	ValidityPeriod  []ValidityPeriod `json:"ValidityPeriod,omitempty"`
	Severity        string           `json:"Severity,omitempty"`
	ReportType      string           `json:"ReportType,omitempty"`
	Summary         []TranslatedText `json:"Summary,omitempty"`
	Description     []TranslatedText `json:"Description,omitempty"`
	Advice          []TranslatedText `json:"Advice,omitempty"`
	Affects         *Affects         `json:"Affects,omitempty"`
}

// ValidityPeriod holds RFC 3339 timestamps. EndTime is empty when open-ended.
type ValidityPeriod struct {
	StartTime string `json:"StartTime,omitempty"`
	EndTime   string `json:"EndTime,omitempty"`
}

// Value wraps the {"value": ...} objects Entur uses for references.
type Value struct {
	Value string `json:"value"`
}

type TranslatedText struct {
	Value string `json:"value"`
	Lang  string `json:"lang,omitempty"`
}

type Affects struct {
	Networks *Networks `json:"Networks,omitempty"`
}

type Networks struct {
	AffectedNetwork []AffectedNetwork `json:"AffectedNetwork"`
}

type AffectedNetwork struct {
	NetworkRef   *Value         `json:"NetworkRef,omitempty"`
	AffectedLine []AffectedLine `json:"AffectedLine,omitempty"`
}

type AffectedLine struct {
	LineRef *Value `json:"LineRef,omitempty"`
}

// Decode reads a SIRI-SX JSON document. Entur sometimes labels JSON bodies
// with the wrong content type, so the body is decoded unconditionally.
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode SIRI-SX document: %w", err)
	}
	return &doc, nil
}

// DecodeBytes is Decode for a body already read into memory.
func DecodeBytes(b []byte) (*Document, error) {
	return Decode(bytes.NewReader(b))
}

// NewDocument wraps elements in a single delivery.
func NewDocument(elements ...PtSituationElement) *Document {
	raw := make([]json.RawMessage, 0, len(elements))
	for _, e := range elements {
		b, err := json.Marshal(e)
		if err != nil {
			continue
		}
		raw = append(raw, b)
	}
	return &Document{Siri: Siri{ServiceDelivery: ServiceDelivery{
		SituationExchangeDelivery: []SituationExchangeDelivery{{
			Situations: Situations{PtSituationElement: raw},
		}},
	}}}
}

// ElementCount returns the number of raw elements across all deliveries.
func (d *Document) ElementCount() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, sed := range d.Siri.ServiceDelivery.SituationExchangeDelivery {
		n += len(sed.Situations.PtSituationElement)
	}
	return n
}

// LineRefs returns every line reference named by the element's affected networks.
func (e PtSituationElement) LineRefs() []string {
	if e.Affects == nil || e.Affects.Networks == nil {
		return nil
	}
	var refs []string
	for _, network := range e.Affects.Networks.AffectedNetwork {
		for _, line := range network.AffectedLine {
			if line.LineRef != nil && line.LineRef.Value != "" {
				refs = append(refs, line.LineRef.Value)
			}
		}
	}
	return refs
}

func firstText(texts []TranslatedText) string {
	for _, t := range texts {
		if t.Value != "" {
			return t.Value
		}
	}
	return ""
}
