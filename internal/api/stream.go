package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/registry-scraper/internal/metrics"
)

// stream serves GET /stream. Each log entry appended after the client
// connects is sent as one SSE event; history is not replayed.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	obs := s.bus.Subscribe()
	metrics.SetLogObservers(s.bus.ObserverCount())
	defer func() {
		s.bus.Unsubscribe(obs)
		metrics.SetLogObservers(s.bus.ObserverCount())
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, open := <-obs.C():
			if !open {
				// Pruned for falling behind, or the bus shut down.
				return
			}
			if err := writeEvent(w, entry.String()); err != nil {
				s.logger.Debug("stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent frames msg as an SSE data event. Multi-line messages become
// one data field per line.
func writeEvent(w io.Writer, msg string) error {
	var b strings.Builder
	for _, line := range strings.Split(msg, "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimRight(line, "\r"))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
