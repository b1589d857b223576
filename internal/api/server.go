// Package api exposes the read-only HTTP surface: cold-store queries, health
// and stream stats, Prometheus metrics, and a WebSocket live tail of the
// integrated stream.
//
// The API never writes. Queries go exclusively to the cold store; the live
// tail reads the broker group-less so it cannot steal pending entries from
// the CEP consumer group.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/leaflet/internal/broker"
	"github.com/ocx/leaflet/internal/coldstore"
	"github.com/ocx/leaflet/internal/event"
)

// Server bundles the HTTP handlers with their adapters.
type Server struct {
	store      coldstore.Store
	client     broker.Client
	streams    []string // all tracked streams, for stats
	integrated string
	registry   *prometheus.Registry
}

// NewServer builds the API server. registry may be nil when metrics are
// registered on the default registry.
func NewServer(store coldstore.Store, client broker.Client, inputs []string, integrated string, registry *prometheus.Registry) *Server {
	return &Server{
		store:      store,
		client:     client,
		streams:    append(append([]string{}, inputs...), integrated),
		integrated: integrated,
		registry:   registry,
	}
}

// Router wires all routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/events/mono", s.handleMonoQuery).Methods(http.MethodGet)
	r.HandleFunc("/events/multi", s.handleMultiQuery).Methods(http.MethodGet)
	r.HandleFunc("/stats/streams", s.handleStreamStats).Methods(http.MethodGet)
	r.HandleFunc("/ws/live", s.handleLiveTail)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	brokerStatus := "connected"
	if _, err := s.client.Length(ctx, s.integrated); err != nil {
		brokerStatus = "error"
	}
	storeStatus := "connected"
	if err := s.store.Ping(ctx); err != nil {
		storeStatus = "error"
	}

	status := http.StatusOK
	if brokerStatus != "connected" || storeStatus != "connected" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"broker":     brokerStatus,
		"cold_store": storeStatus,
	})
}

func (s *Server) handleMonoQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := coldstore.MonoFilter{
		SourceStream: q.Get("source_stream"),
		EventType:    event.Type(q.Get("event_type")),
	}
	var err error
	if f.Since, f.Until, err = parseTimeRange(q.Get("since"), q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	f.Limit, f.Offset = parsePagination(q.Get("limit"), q.Get("offset"))

	events, err := s.store.QueryMono(r.Context(), f)
	if err != nil {
		slog.Warn("mono query failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]monoJSON, len(events))
	for i, e := range events {
		out[i] = toMonoJSON(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "count": len(out)})
}

func (s *Server) handleMultiQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := coldstore.MultiFilter{
		CorrelationRule: q.Get("rule"),
	}
	var err error
	if f.Since, f.Until, err = parseTimeRange(q.Get("since"), q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if raw := q.Get("min_confidence"); raw != "" {
		if f.MinConfidence, err = strconv.ParseFloat(raw, 64); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	f.Limit, f.Offset = parsePagination(q.Get("limit"), q.Get("offset"))

	events, err := s.store.QueryMulti(r.Context(), f)
	if err != nil {
		slog.Warn("multi query failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]multiJSON, len(events))
	for i, e := range events {
		out[i] = toMultiJSON(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "count": len(out)})
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	stats := make(map[string]any, len(s.streams))
	for _, stream := range s.streams {
		n, err := s.client.Length(ctx, stream)
		if err != nil {
			stats[stream] = map[string]string{"error": err.Error()}
			continue
		}
		archived, err := s.store.CheckpointCount(ctx, stream)
		if err != nil {
			stats[stream] = map[string]string{"error": err.Error()}
			continue
		}
		stats[stream] = map[string]int64{"length": n, "archived": archived}
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseTimeRange(since, until string) (time.Time, time.Time, error) {
	var s, u time.Time
	var err error
	if since != "" {
		if s, err = time.Parse(time.RFC3339, since); err != nil {
			return s, u, err
		}
	}
	if until != "" {
		if u, err = time.Parse(time.RFC3339, until); err != nil {
			return s, u, err
		}
	}
	return s, u, nil
}

func parsePagination(limit, offset string) (int, int) {
	l, o := 100, 0
	if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= 1000 {
		l = n
	}
	if n, err := strconv.Atoi(offset); err == nil && n >= 0 {
		o = n
	}
	return l, o
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
