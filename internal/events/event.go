package events

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPayload = errors.New("invalid event payload")

// Event is a typed domain event. The type set is open: any string with a
// registered handler is routable.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

type TargetKind string

const (
	TargetUser      TargetKind = "user"
	TargetRoom      TargetKind = "room"
	TargetFollowers TargetKind = "followers"
	TargetEveryone  TargetKind = "everyone"
)

type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
}

func User(id string) Target { return Target{Kind: TargetUser, ID: id} }

func Room(name string) Target { return Target{Kind: TargetRoom, ID: name} }

// Followers resolves to the followers of userID at emit time.
func Followers(userID string) Target { return Target{Kind: TargetFollowers, ID: userID} }

func Everyone() Target { return Target{Kind: TargetEveryone} }

func (t Target) String() string {
	if t.ID == "" {
		return string(t.Kind)
	}
	return fmt.Sprintf("%s:%s", t.Kind, t.ID)
}

// Delivery is what a handler decides for one event.
type Delivery struct {
	Targets []Target
	// SnapshotKey, when set, caches the payload so late joiners can read the
	// latest state without waiting for the next event.
	SnapshotKey string
}

type Handler interface {
	Resolve(ctx context.Context, ev Event) (Delivery, error)
}

type HandlerFunc func(ctx context.Context, ev Event) (Delivery, error)

func (f HandlerFunc) Resolve(ctx context.Context, ev Event) (Delivery, error) {
	return f(ctx, ev)
}

// Report summarises one Emit call.
type Report struct {
	EventID   string `json:"eventId"`
	Type      string `json:"type"`
	Dropped   bool   `json:"dropped"`
	Targets   int    `json:"targets"`
	Delivered int    `json:"delivered"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Relayed   bool   `json:"relayed"`
}
