package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/fleetdeck/internal/monitor"
	otelpkg "github.com/basket/fleetdeck/internal/otel"
)

// envelopeSchema describes the update event wire format. Patch contents are
// validated downstream per entity kind; the schema only pins the envelope.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["targetKind", "targetId", "eventTimeMs", "patch"],
	"properties": {
		"targetKind": {"type": "string", "enum": ["agent", "task_node", "todo"]},
		"targetId": {"type": "string", "minLength": 1},
		"eventTimeMs": {"type": "integer", "minimum": 0},
		"patch": {"type": "object"}
	},
	"additionalProperties": false
}`

type envelopeValidator struct {
	schema *jsonschema.Schema
}

func newEnvelopeValidator() (*envelopeValidator, error) {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &envelopeValidator{schema: schema}, nil
}

func (v *envelopeValidator) validate(raw json.RawMessage) error {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	return nil
}

type updateEnvelope struct {
	TargetKind  string          `json:"targetKind"`
	TargetID    string          `json:"targetId"`
	EventTimeMs int64           `json:"eventTimeMs"`
	Patch       json.RawMessage `json:"patch"`
}

type ingestResult struct {
	Applied      bool     `json:"applied"`
	Created      bool     `json:"created"`
	Buffered     bool     `json:"buffered"`
	DroppedStale bool     `json:"dropped_stale"`
	Dropped      []string `json:"dropped_groups,omitempty"`
}

// ingestRaw validates one envelope and feeds it to the console.
func (s *Server) ingestRaw(raw json.RawMessage) (ingestResult, error) {
	if s.cfg.Metrics != nil {
		start := time.Now()
		defer func() { s.cfg.Metrics.RecordIngest(time.Since(start).Seconds()) }()
	}
	if err := s.validator.validate(raw); err != nil {
		return ingestResult{}, err
	}
	var env updateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ingestResult{}, fmt.Errorf("decode envelope: %w", err)
	}
	res, err := s.cfg.Console.Ingest(monitor.UpdateEvent{
		TargetKind:  monitor.Kind(env.TargetKind),
		TargetID:    env.TargetID,
		EventTimeMs: env.EventTimeMs,
		Patch:       env.Patch,
	})
	if err != nil {
		return ingestResult{}, err
	}
	return ingestResult{
		Applied:      res.Applied,
		Created:      res.Created,
		Buffered:     res.Buffered,
		DroppedStale: res.DroppedStale,
		Dropped:      res.DroppedGroups,
	}, nil
}

// handleAPIUpdates implements POST /api/updates. The body is either a single
// envelope object or an array of envelopes applied in order.
func (s *Server) handleAPIUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	var raws []json.RawMessage
	if body[0] == '[' {
		if err := json.Unmarshal(body, &raws); err != nil {
			http.Error(w, "invalid JSON array", http.StatusBadRequest)
			return
		}
	} else {
		raws = []json.RawMessage{body}
	}

	_, span := otelpkg.StartServerSpan(r.Context(), s.cfg.Tracer, "rest.updates",
		otelpkg.AttrBatchSize.Int(len(raws)))
	defer span.End()

	results := make([]ingestResult, 0, len(raws))
	for i, raw := range raws {
		res, err := s.ingestRaw(raw)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":   err.Error(),
				"index":   i,
				"results": results,
			})
			return
		}
		results = append(results, res)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
}
