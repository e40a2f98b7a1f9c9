// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/hypershard/services/engine/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// StreamEvents handles GET /v1/events, upgrading to a websocket that
// streams engine events as JSON.
//
// Description:
//
//	The optional "types" query parameter is a comma-separated list of
//	event types to subscribe to (empty means all). The first frame is a
//	"subscribed" acknowledgment carrying the subscription ID. A slow
//	client drops events rather than blocking the engine's event path.
func StreamEvents(emitter *events.Emitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		var filter []events.Type
		if raw := c.Query("types"); raw != "" {
			for _, t := range strings.Split(raw, ",") {
				if t = strings.TrimSpace(t); t != "" {
					filter = append(filter, events.Type(t))
				}
			}
		}

		stream := make(chan events.Event, 256)
		subID := emitter.Subscribe(func(ev *events.Event) {
			select {
			case stream <- *ev:
			default:
				// Slow consumer; the replay buffer is its fallback.
			}
		}, filter...)
		defer emitter.Unsubscribe(subID)

		slog.Info("event stream client connected",
			"subscription_id", subID, "types", len(filter))
		if err := ws.WriteJSON(gin.H{
			"action":          "subscribed",
			"subscription_id": subID,
		}); err != nil {
			return
		}

		// Reader goroutine exists only to observe the close frame.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				slog.Info("event stream client disconnected", "subscription_id", subID)
				return
			case ev := <-stream:
				if err := ws.WriteJSON(ev); err != nil {
					slog.Warn("failed to write event frame", "error", err)
					return
				}
			}
		}
	}
}
