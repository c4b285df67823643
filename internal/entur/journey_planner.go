package entur

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"sxwatch.onebusaway.org/internal/logging"
)

// CodespaceNames maps Entur codespaces to the names riders know them by.
var CodespaceNames = map[string]string{
	"AKT": "Agder Kollektivtrafikk",
	"ATB": "AtB",
	"BRA": "Brakar",
	"CTS": "CTS",
	"GCO": "GCO",
	"GOA": "Go-Ahead Norge",
	"INN": "Innlandstrafikk",
	"KOL": "Kolumbus",
	"MOR": "FRAM",
	"NBU": "Flybussen Connect",
	"NSB": "NSB",
	"OST": "Østfold kollektivtrafikk",
	"RUT": "Ruter",
	"SJN": "SJ Nord",
	"SKY": "Skyss",
	"SOF": "Sogn og Fjordane",
	"TEL": "Farte",
	"TRO": "Troms fylkestrafikk",
	"VKT": "VKT",
	"VYB": "Vy Bus4You",
	"VYG": "Vy",
	"VYX": "Vy Buss",
}

const (
	operatorsQuery = `{ operators { id name } }`
	linesQuery     = `{ lines { id name publicCode transportMode authority { id } } }`
)

// Operator is one codespace that can be passed as the SIRI-SX datasetId.
type Operator struct {
	Codespace string `json:"codespace"`
	Name      string `json:"name"`
}

func (o Operator) DisplayName() string {
	return fmt.Sprintf("%s (%s)", o.Name, o.Codespace)
}

// Line is a line reference as published by the journey planner.
type Line struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	PublicCode    string `json:"publicCode"`
	TransportMode string `json:"transportMode"`
	AuthorityID   string `json:"authorityId,omitempty"`
}

func (l Line) DisplayName() string {
	s := l.PublicCode
	if l.Name != "" {
		s += " - " + l.Name
	}
	if l.TransportMode != "" {
		s += " (" + l.TransportMode + ")"
	}
	return s
}

// JourneyPlanner queries the Entur journey planner GraphQL API for the
// operator and line catalogue.
type JourneyPlanner struct {
	transport
	url string
}

func NewJourneyPlanner(opts ClientOptions) *JourneyPlanner {
	u := opts.BaseURL
	if u == "" {
		u = DefaultGraphQLURL
	}
	return &JourneyPlanner{transport: newTransport(opts, "entur_journey_planner"), url: u}
}

type graphQLRequest struct {
	Query string `json:"query"`
}

type graphQLError struct {
	Message string `json:"message"`
}

func (jp *JourneyPlanner) query(ctx context.Context, q string, data any) error {
	body, err := json.Marshal(graphQLRequest{Query: q})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, jp.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := jp.do(req)
	if err != nil {
		return fmt.Errorf("journey planner query: %w", err)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode journey planner response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("journey planner query: %s", envelope.Errors[0].Message)
	}
	if err := json.Unmarshal(envelope.Data, data); err != nil {
		return fmt.Errorf("failed to decode journey planner data: %w", err)
	}
	return nil
}

// Operators lists the codespaces known to the journey planner, sorted by
// codespace. On failure it returns the built-in codespace table together
// with the error so callers can still offer a choice.
func (jp *JourneyPlanner) Operators(ctx context.Context) ([]Operator, error) {
	var data struct {
		Operators []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"operators"`
	}
	if err := jp.query(ctx, operatorsQuery, &data); err != nil {
		logging.LogError(jp.logger, "failed to fetch operators, using built-in codespace table", err)
		return FallbackOperators(), err
	}

	names := make(map[string]string)
	for _, op := range data.Operators {
		parts := strings.Split(op.ID, ":")
		if len(parts) < 2 || !isCodespace(parts[0]) {
			continue
		}
		codespace := parts[0]
		canonical := len(parts) == 3 && parts[1] == "Operator" && parts[2] == codespace
		if _, seen := names[codespace]; seen && !canonical {
			continue
		}
		name := op.Name
		if known, ok := CodespaceNames[codespace]; ok {
			name = known
		}
		names[codespace] = name
	}

	ops := make([]Operator, 0, len(names))
	for codespace, name := range names {
		ops = append(ops, Operator{Codespace: codespace, Name: name})
	}
	sortOperators(ops)
	jp.logger.Debug("fetched operators", slog.Int("count", len(ops)))
	return ops, nil
}

// Lines lists the lines whose ID is in codespace, sorted by ID.
func (jp *JourneyPlanner) Lines(ctx context.Context, codespace string) ([]Line, error) {
	var data struct {
		Lines []struct {
			ID            string `json:"id"`
			Name          string `json:"name"`
			PublicCode    string `json:"publicCode"`
			TransportMode string `json:"transportMode"`
			Authority     *struct {
				ID string `json:"id"`
			} `json:"authority"`
		} `json:"lines"`
	}
	if err := jp.query(ctx, linesQuery, &data); err != nil {
		return nil, err
	}

	prefix := codespace + ":"
	lines := make([]Line, 0)
	for _, l := range data.Lines {
		if !strings.HasPrefix(l.ID, prefix) {
			continue
		}
		line := Line{ID: l.ID, Name: l.Name, PublicCode: l.PublicCode, TransportMode: l.TransportMode}
		if l.Authority != nil {
			line.AuthorityID = l.Authority.ID
		}
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	return lines, nil
}

// FallbackOperators returns the built-in codespace table as operators.
func FallbackOperators() []Operator {
	ops := make([]Operator, 0, len(CodespaceNames))
	for codespace, name := range CodespaceNames {
		ops = append(ops, Operator{Codespace: codespace, Name: name})
	}
	sortOperators(ops)
	return ops
}

func sortOperators(ops []Operator) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].Codespace < ops[j].Codespace })
}

func isCodespace(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
