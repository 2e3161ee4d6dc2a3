package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkerAlreadyRunning is benign: the queue keeps its running workers.
	ErrWorkerAlreadyRunning = errors.New("worker already running")
	ErrNoProcessor          = errors.New("no processor registered")
	ErrQueueRunning         = errors.New("queue workers are running")
)

type UnknownQueueError struct {
	Queue string
}

func (e *UnknownQueueError) Error() string {
	return fmt.Sprintf("unknown queue %q", e.Queue)
}

type JobNotFoundError struct {
	ID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("failed job %q not found", e.ID)
}

// IsUnknownQueue reports whether err is or wraps an *UnknownQueueError.
func IsUnknownQueue(err error) bool {
	var target *UnknownQueueError
	return errors.As(err, &target)
}

// IsJobNotFound reports whether err is or wraps a *JobNotFoundError.
func IsJobNotFound(err error) bool {
	var target *JobNotFoundError
	return errors.As(err, &target)
}

// panicError is a recovered processor panic.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("processor panic: %v", e.value)
}
