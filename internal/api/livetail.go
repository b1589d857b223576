package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/leaflet/internal/event"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	tailBlock    = time.Second
	tailBatch    = 50
	writeTimeout = 10 * time.Second
)

// handleLiveTail streams multi events to a WebSocket client as they land on
// the integrated stream. The tail starts at connect time and reads without a
// consumer group, so the CEP group's pending entries are untouched.
func (s *Server) handleLiveTail(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()

	// Tail strictly after the newest entry present at connect time; an empty
	// stream tails from the start, where everything is post-connect.
	position, err := s.client.LastID(ctx, s.integrated)
	if err != nil {
		slog.Warn("live tail position lookup failed", "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "position lookup failed"),
			time.Now().Add(time.Second))
		return
	}
	if position == "" {
		position = "0"
	}

	// Drain client frames so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Info("live tail client connected", "remote", r.RemoteAddr)
	for {
		if ctx.Err() != nil {
			return
		}
		batches, err := s.client.ReadTail(ctx, []string{s.integrated}, []string{position}, tailBatch, tailBlock)
		if err != nil {
			slog.Warn("live tail read failed", "error", err)
			return
		}
		for _, batch := range batches {
			for _, msg := range batch.Messages {
				position = msg.ID
				m, err := event.DecodeMulti(msg.Fields)
				if err != nil {
					// Undecodable entries are the archiver's problem, not
					// the tail client's.
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(toMultiJSON(m)); err != nil {
					slog.Info("live tail client disconnected", "remote", r.RemoteAddr)
					return
				}
			}
		}
	}
}
