package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"notify-service/internal/queue"

	"github.com/gin-gonic/gin"
)

type QueueHandler struct {
	engine *queue.Engine
}

func NewQueueHandler(engine *queue.Engine) *QueueHandler {
	return &QueueHandler{engine: engine}
}

func (h *QueueHandler) RegisterRoutes(r gin.IRouter) {
	queues := r.Group("/queues")
	{
		queues.GET("", h.ListQueues)
		queues.GET("/:name", h.GetQueue)
		queues.PUT("/:name", h.UpdateQueue)
		queues.DELETE("/:name", h.ClearQueue)
		queues.POST("/:name/jobs", h.Enqueue)
		queues.POST("/:name/start", h.StartWorker)
		queues.POST("/:name/stop", h.StopWorker)
	}
	jobs := r.Group("/jobs")
	{
		jobs.GET("/failed", h.ListFailedJobs)
		jobs.POST("/failed/:id/retry", h.RetryFailedJob)
	}
}

type definitionView struct {
	Name        string         `json:"name"`
	Priority    queue.Priority `json:"priority"`
	Concurrency int            `json:"concurrency"`
	MaxRetries  int            `json:"maxRetries"`
	RetryDelay  string         `json:"retryDelay"`
	Timeout     string         `json:"timeout,omitempty"`
}

type queueView struct {
	Name          string         `json:"name"`
	Length        int64          `json:"length"`
	Delayed       int64          `json:"delayed"`
	Config        definitionView `json:"config"`
	WorkerRunning bool           `json:"workerRunning"`
	Processed     int64          `json:"processed"`
	Failed        int64          `json:"failed"`
	Retries       int64          `json:"retries"`
}

func viewOf(s queue.QueueStats) queueView {
	def := definitionView{
		Name:        s.Config.Name,
		Priority:    s.Config.Priority,
		Concurrency: s.Config.Concurrency,
		MaxRetries:  s.Config.MaxRetries,
		RetryDelay:  s.Config.RetryDelay.String(),
	}
	if s.Config.Timeout > 0 {
		def.Timeout = s.Config.Timeout.String()
	}
	return queueView{
		Name:          s.Name,
		Length:        s.Length,
		Delayed:       s.Delayed,
		Config:        def,
		WorkerRunning: s.WorkerRunning,
		Processed:     s.Processed,
		Failed:        s.Failed,
		Retries:       s.Retries,
	}
}

func (h *QueueHandler) ListQueues(c *gin.Context) {
	all, err := h.engine.GetAllQueueStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]queueView, 0, len(all))
	for _, s := range all {
		views = append(views, viewOf(s))
	}
	c.JSON(http.StatusOK, gin.H{"queues": views})
}

func (h *QueueHandler) GetQueue(c *gin.Context) {
	s, err := h.engine.GetQueueStats(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

// UpdateQueue replaces the definition of a stopped queue. Omitted fields
// keep their current value.
func (h *QueueHandler) UpdateQueue(c *gin.Context) {
	var req struct {
		Priority    *queue.Priority `json:"priority"`
		Concurrency *int            `json:"concurrency"`
		MaxRetries  *int            `json:"maxRetries"`
		RetryDelay  *string         `json:"retryDelay"`
		Timeout     *string         `json:"timeout"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err.Error()))
		return
	}

	def, err := h.engine.Definition(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	if req.Priority != nil {
		def.Priority = *req.Priority
	}
	if req.Concurrency != nil {
		def.Concurrency = *req.Concurrency
	}
	if req.MaxRetries != nil {
		def.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelay != nil {
		if def.RetryDelay, err = time.ParseDuration(*req.RetryDelay); err != nil {
			respondError(c, badRequest("retryDelay: "+err.Error()))
			return
		}
	}
	if req.Timeout != nil {
		if def.Timeout, err = time.ParseDuration(*req.Timeout); err != nil {
			respondError(c, badRequest("timeout: "+err.Error()))
			return
		}
	}
	if err := def.Validate(); err != nil {
		respondError(c, badRequest(err.Error()))
		return
	}

	if err := h.engine.UpdateQueue(def); err != nil {
		respondError(c, err)
		return
	}
	h.GetQueue(c)
}

func (h *QueueHandler) ClearQueue(c *gin.Context) {
	removed, err := h.engine.ClearQueue(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": c.Param("name"), "removed": removed})
}

func (h *QueueHandler) Enqueue(c *gin.Context) {
	var req struct {
		Payload    json.RawMessage `json:"payload"`
		Priority   queue.Priority  `json:"priority"`
		MaxRetries int             `json:"maxRetries"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, badRequest(err.Error()))
		return
	}
	if req.Priority != "" && !req.Priority.Valid() {
		respondError(c, badRequest("invalid priority "+strconv.Quote(string(req.Priority))))
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	id, err := h.engine.Enqueue(c.Request.Context(), c.Param("name"), payload, queue.EnqueueOptions{
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "queue": c.Param("name")})
}

func (h *QueueHandler) StartWorker(c *gin.Context) {
	err := h.engine.StartWorker(c.Param("name"))
	if err != nil && !errors.Is(err, queue.ErrWorkerAlreadyRunning) {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": c.Param("name"), "workerRunning": true})
}

func (h *QueueHandler) StopWorker(c *gin.Context) {
	if err := h.engine.StopWorker(c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": c.Param("name"), "workerRunning": false})
}

func (h *QueueHandler) ListFailedJobs(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		respondError(c, err)
		return
	}
	jobs, err := h.engine.GetFailedJobs(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (h *QueueHandler) RetryFailedJob(c *gin.Context) {
	if err := h.engine.RetryFailedJob(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id"), "status": "requeued"})
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, badRequest(key + " must be a positive integer")
	}
	return n, nil
}
