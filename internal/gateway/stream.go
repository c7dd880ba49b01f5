package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/persistence"
)

// handleStream implements GET /api/v1/sessions/{id}/stream: the transcript
// as server-sent events, backfill first, then live messages. The stream
// closes itself once the session reaches a terminal status.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.cfg.Store.GetSession(r.Context(), id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()

	records, err := s.cfg.Store.ListLogs(ctx, id)
	if err != nil {
		s.logger.Error("sse: backfill failed", "session_id", id, "error", err)
		return
	}
	for _, rec := range records {
		if !writeSSE(w, recordMessage(rec)) {
			return
		}
	}
	flusher.Flush()

	// A terminal session has nothing more to say; the backfill was the
	// whole transcript.
	if sess.Status.Terminal() {
		return
	}

	sub := s.cfg.Bus.Subscribe(bus.SessionOutTopic(id))
	defer s.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: viewer disconnected", "session_id", id)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg, ok := ev.Payload.(bus.Message)
			if !ok {
				continue
			}
			if !writeSSE(w, msg) {
				return
			}
			flusher.Flush()
			if isTerminalStatus(msg) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, msg bus.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return true
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err == nil
}

func isTerminalStatus(msg bus.Message) bool {
	if msg.Kind == bus.KindError {
		return true
	}
	return msg.Kind == bus.KindStatus && persistence.SessionStatus(msg.Content).Terminal()
}
