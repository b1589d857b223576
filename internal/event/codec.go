package event

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/leaflet/internal/fault"
)

// Broker entries are flat string→string maps, so every field is rendered as
// text: numerics in decimal, timestamps as RFC 3339 with timezone, id lists
// comma-joined, and nested maps as embedded JSON.

const (
	fieldEventID         = "event_id"
	fieldTimestamp       = "timestamp"
	fieldSourceStream    = "source_stream"
	fieldEventType       = "event_type"
	fieldValue           = "value"
	fieldMetadata        = "metadata"
	fieldSourceEvents    = "source_events"
	fieldCorrelationRule = "correlation_rule"
	fieldIntegratedValue = "integrated_value"
	fieldConfidence      = "confidence"
	fieldLineage         = "lineage"
)

// Encode renders the mono event into broker wire form.
func (m Mono) Encode() map[string]string {
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, _ := json.Marshal(meta)
	return map[string]string{
		fieldEventID:      m.ID.String(),
		fieldTimestamp:    m.Timestamp.Format(time.RFC3339Nano),
		fieldSourceStream: m.SourceStream,
		fieldEventType:    string(m.Type),
		fieldValue:        formatFloat(m.Value),
		fieldMetadata:     string(metaJSON),
	}
}

// Encode renders the multi event into broker wire form.
func (m Multi) Encode() map[string]string {
	ids := make([]string, len(m.SourceEvents))
	for i, id := range m.SourceEvents {
		ids[i] = id.String()
	}
	lineageJSON, _ := json.Marshal(m.Lineage)
	return map[string]string{
		fieldEventID:         m.ID.String(),
		fieldTimestamp:       m.Timestamp.Format(time.RFC3339Nano),
		fieldEventType:       string(m.Type),
		fieldSourceEvents:    strings.Join(ids, ","),
		fieldCorrelationRule: m.CorrelationRule,
		fieldIntegratedValue: formatFloat(m.IntegratedValue),
		fieldConfidence:      formatFloat(m.Confidence),
		fieldLineage:         string(lineageJSON),
	}
}

// DecodeMono parses a broker entry into a mono event. The stream a group
// read delivered it on wins over any source_stream field already present,
// matching how producers omit the field and the worker stamps it.
func DecodeMono(fields map[string]string, sourceStream string) (Mono, error) {
	id, err := parseID(fields)
	if err != nil {
		return Mono{}, err
	}
	ts, err := parseTimestamp(fields)
	if err != nil {
		return Mono{}, err
	}
	if sourceStream == "" {
		sourceStream = fields[fieldSourceStream]
	}
	typ, ok := fields[fieldEventType]
	if !ok || typ == "" {
		return Mono{}, fault.New(fault.MalformedRecord, "missing field %s", fieldEventType)
	}
	value, err := parseFloat(fields, fieldValue)
	if err != nil {
		return Mono{}, err
	}

	var metadata map[string]any
	if raw := fields[fieldMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return Mono{}, fault.Wrap(fault.MalformedRecord, err, "invalid %s JSON", fieldMetadata)
		}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	m := Mono{
		ID:           id,
		Timestamp:    ts,
		SourceStream: sourceStream,
		Type:         Type(typ),
		Value:        value,
		Metadata:     metadata,
	}
	if err := m.Validate(); err != nil {
		return Mono{}, err
	}
	return m, nil
}

// DecodeMulti parses a broker entry into a multi event.
func DecodeMulti(fields map[string]string) (Multi, error) {
	id, err := parseID(fields)
	if err != nil {
		return Multi{}, err
	}
	ts, err := parseTimestamp(fields)
	if err != nil {
		return Multi{}, err
	}

	rawIDs, ok := fields[fieldSourceEvents]
	if !ok || rawIDs == "" {
		return Multi{}, fault.New(fault.MalformedRecord, "missing field %s", fieldSourceEvents)
	}
	parts := strings.Split(rawIDs, ",")
	sourceEvents := make([]uuid.UUID, len(parts))
	for i, p := range parts {
		sid, err := uuid.Parse(strings.TrimSpace(p))
		if err != nil {
			return Multi{}, fault.Wrap(fault.MalformedRecord, err, "bad source event id %q", p)
		}
		sourceEvents[i] = sid
	}

	integrated, err := parseFloat(fields, fieldIntegratedValue)
	if err != nil {
		return Multi{}, err
	}
	confidence, err := parseFloat(fields, fieldConfidence)
	if err != nil {
		return Multi{}, err
	}

	var lineage map[string]LineageEntry
	if raw := fields[fieldLineage]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &lineage); err != nil {
			return Multi{}, fault.Wrap(fault.MalformedRecord, err, "invalid %s JSON", fieldLineage)
		}
	}

	m := Multi{
		ID:              id,
		Timestamp:       ts,
		Type:            Type(fields[fieldEventType]),
		SourceEvents:    sourceEvents,
		CorrelationRule: fields[fieldCorrelationRule],
		IntegratedValue: integrated,
		Confidence:      confidence,
		Lineage:         lineage,
	}
	if err := m.Validate(); err != nil {
		return Multi{}, err
	}
	return m, nil
}

func parseID(fields map[string]string) (uuid.UUID, error) {
	raw, ok := fields[fieldEventID]
	if !ok || raw == "" {
		return uuid.Nil, fault.New(fault.MalformedRecord, "missing field %s", fieldEventID)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fault.Wrap(fault.MalformedRecord, err, "bad %s %q", fieldEventID, raw)
	}
	return id, nil
}

func parseTimestamp(fields map[string]string) (time.Time, error) {
	raw, ok := fields[fieldTimestamp]
	if !ok || raw == "" {
		return time.Time{}, fault.New(fault.MalformedRecord, "missing field %s", fieldTimestamp)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fault.Wrap(fault.MalformedRecord, err, "bad %s %q", fieldTimestamp, raw)
	}
	return ts, nil
}

func parseFloat(fields map[string]string, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, fault.New(fault.MalformedRecord, "missing field %s", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fault.Wrap(fault.MalformedRecord, err, "bad %s %q", name, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fault.New(fault.MalformedRecord, "non-finite %s", name)
	}
	return v, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
