package handlers

import (
	"errors"
	"net/http"

	"notify-service/internal/events"
	"notify-service/internal/queue"
	"notify-service/internal/websocket"

	"github.com/gin-gonic/gin"
)

var errBadRequest = errors.New("bad request")

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func (e *requestError) Unwrap() error { return errBadRequest }

// respondError maps domain errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case queue.IsUnknownQueue(err), queue.IsJobNotFound(err),
		errors.Is(err, websocket.ErrConnectionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrQueueRunning), errors.Is(err, queue.ErrNoProcessor):
		status = http.StatusConflict
	case errors.Is(err, errBadRequest), errors.Is(err, events.ErrInvalidPayload):
		status = http.StatusBadRequest
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
