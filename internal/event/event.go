// Package event defines the canonical mono- and multi-originated event
// records and their broker wire codec.
//
// Mono events are single-source records appended by upstream producers.
// Multi events are integrated records emitted by the CEP engine, carrying the
// lineage of the mono events they were correlated from. Neither is mutated
// after creation.
package event

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/leaflet/internal/fault"
)

// Type classifies an event. The mono tag set is closed but extensible
// additively; multi events always carry TypeMulti.
type Type string

const (
	TypeA Type = "A"
	TypeB Type = "B"
	TypeC Type = "C"

	// TypeMulti marks an integrated multi-originated event.
	TypeMulti Type = "MULTI_ORIGINATED"
)

// Mono is a single-origin event from one upstream producer stream.
type Mono struct {
	ID           uuid.UUID
	Timestamp    time.Time
	SourceStream string
	Type         Type
	Value        float64
	Metadata     map[string]any // scalar values only: string, int, float
}

// LineageEntry records the mono event chosen to represent one source stream
// in a correlation.
type LineageEntry struct {
	EventID   uuid.UUID
	Timestamp time.Time
	Value     float64
}

// Multi is an integrated event correlating two or more mono events.
type Multi struct {
	ID              uuid.UUID
	Timestamp       time.Time
	Type            Type // always TypeMulti
	SourceEvents    []uuid.UUID
	CorrelationRule string
	IntegratedValue float64
	Confidence      float64
	Lineage         map[string]LineageEntry
}

// NewMono constructs a validated mono event with a fresh id.
func NewMono(sourceStream string, typ Type, value float64, ts time.Time, metadata map[string]any) (Mono, error) {
	m := Mono{
		ID:           uuid.New(),
		Timestamp:    ts,
		SourceStream: sourceStream,
		Type:         typ,
		Value:        value,
		Metadata:     metadata,
	}
	if err := m.Validate(); err != nil {
		return Mono{}, err
	}
	return m, nil
}

// Validate checks the range constraints of the record.
func (m Mono) Validate() error {
	if m.ID == uuid.Nil {
		return fault.New(fault.MalformedRecord, "mono event: zero event_id")
	}
	if m.Timestamp.IsZero() {
		return fault.New(fault.MalformedRecord, "mono event: zero timestamp")
	}
	if m.SourceStream == "" {
		return fault.New(fault.MalformedRecord, "mono event: empty source_stream")
	}
	if m.Type == "" || m.Type == TypeMulti {
		return fault.New(fault.MalformedRecord, "mono event: invalid event_type %q", m.Type)
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return fault.New(fault.MalformedRecord, "mono event: non-finite value")
	}
	for k, v := range m.Metadata {
		switch v.(type) {
		case string, int, int32, int64, float32, float64:
		default:
			return fault.New(fault.MalformedRecord, "mono event: metadata[%q] is not a scalar", k)
		}
	}
	return nil
}

// Validate checks the range constraints of the record.
func (m Multi) Validate() error {
	if m.ID == uuid.Nil {
		return fault.New(fault.MalformedRecord, "multi event: zero event_id")
	}
	if m.Timestamp.IsZero() {
		return fault.New(fault.MalformedRecord, "multi event: zero timestamp")
	}
	if m.Type != TypeMulti {
		return fault.New(fault.MalformedRecord, "multi event: event_type must be %s, got %q", TypeMulti, m.Type)
	}
	if len(m.SourceEvents) < 2 {
		return fault.New(fault.MalformedRecord, "multi event: needs >= 2 source events, got %d", len(m.SourceEvents))
	}
	if m.CorrelationRule == "" {
		return fault.New(fault.MalformedRecord, "multi event: empty correlation_rule")
	}
	if math.IsNaN(m.IntegratedValue) || math.IsInf(m.IntegratedValue, 0) {
		return fault.New(fault.MalformedRecord, "multi event: non-finite integrated_value")
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fault.New(fault.MalformedRecord, "multi event: confidence %v out of [0,1]", m.Confidence)
	}
	if len(m.Lineage) == 0 {
		return fault.New(fault.MalformedRecord, "multi event: empty lineage")
	}
	return nil
}

// lineageJSON is the wire form of a lineage entry inside the embedded JSON.
type lineageJSON struct {
	EventID   string  `json:"event_id"`
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
}

// MarshalJSON encodes the entry with string-form id and RFC 3339 timestamp.
func (l LineageEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(lineageJSON{
		EventID:   l.EventID.String(),
		Timestamp: l.Timestamp.Format(time.RFC3339Nano),
		Value:     l.Value,
	})
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (l *LineageEntry) UnmarshalJSON(data []byte) error {
	var lj lineageJSON
	if err := json.Unmarshal(data, &lj); err != nil {
		return err
	}
	id, err := uuid.Parse(lj.EventID)
	if err != nil {
		return fmt.Errorf("lineage event_id: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, lj.Timestamp)
	if err != nil {
		return fmt.Errorf("lineage timestamp: %w", err)
	}
	l.EventID = id
	l.Timestamp = ts
	l.Value = lj.Value
	return nil
}
