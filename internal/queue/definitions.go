package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Definition is the static configuration of one named queue. Priority only
// decides where fresh jobs enter the list: high goes to the head.
type Definition struct {
	Name        string        `json:"name" validate:"required"`
	Priority    Priority      `json:"priority" validate:"required,oneof=high medium low"`
	Concurrency int           `json:"concurrency" validate:"min=1,max=256"`
	MaxRetries  int           `json:"maxRetries" validate:"min=1,max=100"`
	RetryDelay  time.Duration `json:"retryDelay" validate:"gte=0"`
	// Timeout bounds a single execution. Zero means no deadline.
	Timeout time.Duration `json:"timeout" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (d Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("queue %q: field %s failed %q validation", d.Name, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("queue %q: %w", d.Name, err)
	}
	return nil
}

const (
	// FailedKey is the dead-letter list shared by all queues.
	FailedKey = "queue:failed"
)

func queueKey(name string) string {
	return "queue:" + name
}

func delayedKey(name string) string {
	return queueKey(name) + ":delayed"
}

func statsKey(name, stat string) string {
	return queueKey(name) + ":stats:" + stat
}
