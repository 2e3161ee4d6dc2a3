package handlers

import (
	"net/http"

	"notify-service/internal/events"

	"github.com/gin-gonic/gin"
)

type EventHandler struct {
	router *events.Router
	graph  *events.StoreGraph
}

func NewEventHandler(router *events.Router, graph *events.StoreGraph) *EventHandler {
	return &EventHandler{router: router, graph: graph}
}

func (h *EventHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/events", h.Emit)
	r.GET("/events/types", h.ListTypes)
	r.GET("/rooms/:room/snapshot/:event", h.GetSnapshot)
	r.POST("/users/:id/followers", h.AddFollower)
}

// Emit fans an event out. Unknown types are accepted and reported as
// dropped.
func (h *EventHandler) Emit(c *gin.Context) {
	var req struct {
		Type    string         `json:"type" binding:"required"`
		Payload map[string]any `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err.Error()))
		return
	}

	report, err := h.router.Emit(c.Request.Context(), req.Type, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if report.Dropped {
		status = http.StatusAccepted
	}
	c.JSON(status, report)
}

func (h *EventHandler) ListTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"types": h.router.Handlers()})
}

func (h *EventHandler) GetSnapshot(c *gin.Context) {
	payload, found, err := h.router.Snapshot(c.Request.Context(), c.Param("room"), c.Param("event"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": c.Param("room"), "type": c.Param("event"), "payload": payload})
}

func (h *EventHandler) AddFollower(c *gin.Context) {
	var req struct {
		FollowerID string `json:"followerId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err.Error()))
		return
	}
	if err := h.graph.Follow(c.Request.Context(), req.FollowerID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"userId": c.Param("id"), "followerId": req.FollowerID})
}
