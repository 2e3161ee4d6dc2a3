package events

import (
	"context"

	"notify-service/internal/store"
)

// StoreGraph reads follower ids from the store set social:followers:<userId>,
// which the rest of the application maintains.
type StoreGraph struct {
	store store.Store
}

func NewStoreGraph(st store.Store) *StoreGraph {
	return &StoreGraph{store: st}
}

func followersKey(userID string) string {
	return "social:followers:" + userID
}

func (g *StoreGraph) GetFollowerIDs(ctx context.Context, userID string) ([]string, error) {
	return g.store.SetMembers(ctx, followersKey(userID))
}

// Follow records followerID as a follower of userID.
func (g *StoreGraph) Follow(ctx context.Context, followerID, userID string) error {
	_, err := g.store.AddToSet(ctx, followersKey(userID), followerID)
	return err
}
