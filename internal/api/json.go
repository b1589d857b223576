package api

import (
	"time"

	"github.com/ocx/leaflet/internal/event"
)

// Response shapes. Timestamps are RFC 3339; ids are string UUIDs.

type monoJSON struct {
	EventID      string         `json:"event_id"`
	Timestamp    string         `json:"timestamp"`
	SourceStream string         `json:"source_stream"`
	EventType    string         `json:"event_type"`
	Value        float64        `json:"value"`
	Metadata     map[string]any `json:"metadata"`
}

type lineageEntryJSON struct {
	EventID   string  `json:"event_id"`
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
}

type multiJSON struct {
	EventID         string                      `json:"event_id"`
	Timestamp       string                      `json:"timestamp"`
	EventType       string                      `json:"event_type"`
	SourceEvents    []string                    `json:"source_events"`
	CorrelationRule string                      `json:"correlation_rule"`
	IntegratedValue float64                     `json:"integrated_value"`
	Confidence      float64                     `json:"confidence"`
	Lineage         map[string]lineageEntryJSON `json:"lineage"`
}

func toMonoJSON(e event.Mono) monoJSON {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return monoJSON{
		EventID:      e.ID.String(),
		Timestamp:    e.Timestamp.Format(time.RFC3339Nano),
		SourceStream: e.SourceStream,
		EventType:    string(e.Type),
		Value:        e.Value,
		Metadata:     meta,
	}
}

func toMultiJSON(e event.Multi) multiJSON {
	ids := make([]string, len(e.SourceEvents))
	for i, id := range e.SourceEvents {
		ids[i] = id.String()
	}
	lineage := make(map[string]lineageEntryJSON, len(e.Lineage))
	for stream, entry := range e.Lineage {
		lineage[stream] = lineageEntryJSON{
			EventID:   entry.EventID.String(),
			Timestamp: entry.Timestamp.Format(time.RFC3339Nano),
			Value:     entry.Value,
		}
	}
	return multiJSON{
		EventID:         e.ID.String(),
		Timestamp:       e.Timestamp.Format(time.RFC3339Nano),
		EventType:       string(e.Type),
		SourceEvents:    ids,
		CorrelationRule: e.CorrelationRule,
		IntegratedValue: e.IntegratedValue,
		Confidence:      e.Confidence,
		Lineage:         lineage,
	}
}
