package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"escrowledger/core/events"
	"escrowledger/core/types"
)

const wsWriteTimeout = 10 * time.Second

type eventFrame struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// streamEvents upgrades to a websocket and forwards engine events until the
// client goes away. ?escrow=<id> restricts the feed to one escrow.
func (a *api) streamEvents(w http.ResponseWriter, r *http.Request) {
	var filter events.Filter
	if raw := strings.TrimSpace(r.URL.Query().Get("escrow")); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			writeBadRequest(w, fmt.Errorf("invalid escrow id %q", raw))
			return
		}
		filter = events.ForEscrow(id)
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	sub := a.hub.Subscribe(filter)
	defer sub.Close()
	// The feed is one-way; CloseRead handles control frames and cancels ctx
	// when the peer disconnects.
	ctx := conn.CloseRead(r.Context())
	if err := forwardEvents(ctx, conn, sub.Events()); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func forwardEvents(ctx context.Context, conn *websocket.Conn, feed <-chan *types.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-feed:
			if !ok {
				return nil
			}
			data, err := json.Marshal(eventFrame{Type: evt.Type, Attributes: evt.Attributes})
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
