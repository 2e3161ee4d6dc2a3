package handlers

import (
	"net/http"

	"notify-service/internal/monitoring"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	monitor *monitoring.Monitor
}

func NewHealthHandler(monitor *monitoring.Monitor) *HealthHandler {
	return &HealthHandler{monitor: monitor}
}

func (h *HealthHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.GetHealth)
	r.GET("/alerts", h.ListAlerts)
}

// GetHealth samples the system on demand so the answer is never stale.
func (h *HealthHandler) GetHealth(c *gin.Context) {
	status := h.monitor.Check(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *HealthHandler) ListAlerts(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		respondError(c, err)
		return
	}
	alerts := h.monitor.Alerts(limit)
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}
