package handlers

import (
	"net/http"

	"notify-service/internal/websocket"

	"github.com/gin-gonic/gin"
)

type PresenceHandler struct {
	registry *websocket.Registry
}

func NewPresenceHandler(registry *websocket.Registry) *PresenceHandler {
	return &PresenceHandler{registry: registry}
}

func (h *PresenceHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/connections", h.GetConnections)
	r.GET("/rooms/:room", h.GetRoom)
	r.GET("/users/:id/rooms", h.GetUserRooms)
}

func (h *PresenceHandler) GetConnections(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Stats())
}

func (h *PresenceHandler) GetRoom(c *gin.Context) {
	room := c.Param("room")
	members := h.registry.RoomMembers(room)
	c.JSON(http.StatusOK, gin.H{"room": room, "size": len(members), "members": members})
}

func (h *PresenceHandler) GetUserRooms(c *gin.Context) {
	userID := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"userId":      userID,
		"reachable":   h.registry.IsReachable(userID),
		"connections": h.registry.ConnectionsOf(userID),
		"rooms":       h.registry.RoomsOf(userID),
	})
}
