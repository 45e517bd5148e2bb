package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var pushUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

type pushSubscribeFrame struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
	Token   string `json:"token"`
}

// handlePush upgrades the connection and streams annotation change frames
// for one session channel. The first client frame must be a subscribe
// carrying the channel and its session token.
func (h *httpHandler) handlePush(c *gin.Context) {
	conn, err := pushUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer conn.Close()

	var subscribe pushSubscribeFrame
	if err := conn.ReadJSON(&subscribe); err != nil {
		return
	}
	claims, err := h.tokens.Validate(subscribe.Token)
	if err != nil {
		h.logger.Warn("push subscribe rejected", zap.Error(err))
		conn.WriteJSON(gin.H{"error": "unauthorized"}) //nolint:errcheck
		return
	}
	channel := annotationsChannel(claims.SessionKey())
	if subscribe.Action != "subscribe" || subscribe.Channel != channel {
		conn.WriteJSON(gin.H{"error": "invalid_channel"}) //nolint:errcheck
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stream, cleanup := h.dispatcher.Subscribe(ctx, channel)
	defer cleanup()

	// Reads only serve to notice the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case message, open := <-stream:
			if !open {
				return
			}
			if err := conn.WriteJSON(message); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
