package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"qshield/pkg/httpx"
	"qshield/pkg/models"
	"qshield/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// streamEvents pushes engine events to the client as JSON frames. Optional
// ?sessionId= and comma-separated ?type= parameters narrow the feed.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: splitList(s.Cfg.WSAllowedOrigins),
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	q := r.URL.Query()
	types := make([]models.EventType, 0, 4)
	for _, t := range splitList(q.Get("type")) {
		types = append(types, models.EventType(t))
	}
	sub := s.Events.Subscribe(64,
		stream.ForSession(strings.TrimSpace(q.Get("sessionId"))),
		stream.OfType(types...),
	)
	defer s.Events.Unsubscribe(sub)

	// Clients only listen; CloseRead cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	status, reason := s.pump(ctx, conn, sub)
	_ = conn.Close(status, reason)
}

func (s *Server) pump(ctx context.Context, conn *websocket.Conn, sub <-chan models.Event) (websocket.StatusCode, string) {
	send := func(v any) error {
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, v)
	}
	if err := send(map[string]any{"type": "ready", "at": time.Now().UTC()}); err != nil {
		return websocket.StatusInternalError, "write_failed"
	}
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, "closed"
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug().Err(err).Msg("event_stream_ping_failed")
				return websocket.StatusGoingAway, "ping_failed"
			}
		case evt, ok := <-sub:
			if !ok {
				return websocket.StatusGoingAway, "unsubscribed"
			}
			if err := send(evt); err != nil {
				return websocket.StatusInternalError, "write_failed"
			}
		}
	}
}

// splitList turns a comma-separated setting into its non-empty parts.
func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
