package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/partsync/internal/reconcile"
	"github.com/agentworkforce/partsync/internal/session"
)

const eventWriteTimeout = 5 * time.Second

type eventEnvelope struct {
	Type   string            `json:"type"`
	Change *reconcile.Change `json:"change,omitempty"`
	Status reconcile.Status  `json:"status"`
}

// handleEvents streams engine changes to a websocket client. The first frame
// is a hello carrying the current status so clients can render immediately.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, sess session.Session) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	changes, cancel := s.engine.Subscribe()
	defer cancel()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	logger := s.logger.With().Str("tenant", sess.TenantID).Str("user", sess.UserID).Logger()
	logger.Debug().Msg("event stream opened")

	if err := writeEvent(ctx, conn, eventEnvelope{Type: "hello", Status: s.engine.Status()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("event stream closed by client")
			return
		case change, ok := <-changes:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "engine closed")
				return
			}
			if err := writeEvent(ctx, conn, eventEnvelope{Type: "change", Change: &change, Status: change.Status}); err != nil {
				logger.Debug().Err(err).Msg("event write failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev eventEnvelope) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
