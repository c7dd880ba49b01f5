package gateway

import (
	"context"
	"net/http"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleWS streams a session's transcript to a browser: the persisted
// records first, then live bus messages until the client disconnects.
// Records published between the backfill read and the subscription can be
// missed; GET /logs is the authoritative transcript.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetSession(r.Context(), id); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.logger.Info("ws: viewer connected", "session_id", id)
	defer func() {
		s.logger.Info("ws: viewer disconnected", "session_id", id)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Viewers never send application messages; CloseRead gives us a context
	// that ends when the client goes away.
	ctx := conn.CloseRead(r.Context())

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.LiveViewers.Add(ctx, 1)
		defer s.cfg.Metrics.LiveViewers.Add(context.WithoutCancel(ctx), -1)
	}

	records, err := s.cfg.Store.ListLogs(ctx, id)
	if err != nil {
		s.logger.Error("ws: backfill failed", "session_id", id, "error", err)
		return
	}
	for _, rec := range records {
		if err := wsjson.Write(ctx, conn, recordMessage(rec)); err != nil {
			return
		}
	}

	sub := s.cfg.Bus.Subscribe(bus.SessionOutTopic(id))
	defer s.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg, ok := ev.Payload.(bus.Message)
			if !ok {
				continue
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

// recordMessage converts a persisted record to the wire shape live
// messages use, so backfilled and live output are indistinguishable to
// the client.
func recordMessage(rec persistence.LogRecord) bus.Message {
	return bus.Message{
		Kind:      bus.MessageKind(rec.Kind),
		Content:   rec.Content,
		Timestamp: rec.Timestamp,
	}
}
