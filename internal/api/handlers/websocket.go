package handlers

import (
	"notify-service/internal/websocket"

	"github.com/gin-gonic/gin"
)

type WSHandler struct {
	hub *websocket.Hub
}

func NewWSHandler(hub *websocket.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

func (h *WSHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades the request. Clients authenticate afterwards with
// a connection.authenticate frame, or up front with a token or userId query
// parameter.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}
