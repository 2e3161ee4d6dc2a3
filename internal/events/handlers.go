package events

import (
	"context"
	"fmt"
	"strconv"
)

const (
	TypePostCreated         = "post:created"
	TypePostUpdated         = "post:updated"
	TypeCommentCreated      = "comment:created"
	TypeReactionAdded       = "reaction:added"
	TypeKarmaEarned         = "karma:earned"
	TypeKarmaChanged        = "karma:changed"
	TypePollVoted           = "poll:voted"
	TypeNotificationCreated = "notification:created"
	TypeAnnouncement        = "announcement"
)

// DefaultHandlers returns the built-in routing table.
func DefaultHandlers() map[string]Handler {
	return map[string]Handler{
		TypePostCreated:         HandlerFunc(postCreated),
		TypePostUpdated:         HandlerFunc(postUpdated),
		TypeCommentCreated:      HandlerFunc(commentCreated),
		TypeReactionAdded:       HandlerFunc(reactionAdded),
		TypeKarmaEarned:         HandlerFunc(karmaEarned),
		TypeKarmaChanged:        HandlerFunc(karmaChanged),
		TypePollVoted:           HandlerFunc(pollVoted),
		TypeNotificationCreated: HandlerFunc(notificationCreated),
		TypeAnnouncement:        HandlerFunc(announcement),
	}
}

// RegisterDefaults installs DefaultHandlers on r.
func RegisterDefaults(r *Router) {
	for eventType, h := range DefaultHandlers() {
		r.Register(eventType, h)
	}
}

// New posts go to the category room, the author's profile room and the
// author's followers.
func postCreated(_ context.Context, ev Event) (Delivery, error) {
	categoryID := field(ev.Payload, "post", "categoryId")
	authorID := field(ev.Payload, "author", "id")
	if categoryID == "" && authorID == "" {
		return Delivery{}, missing("post.categoryId or author.id")
	}

	var d Delivery
	if categoryID != "" {
		d.Targets = append(d.Targets, Room("category:"+categoryID))
	}
	if authorID != "" {
		d.Targets = append(d.Targets, Room("user:"+authorID), Followers(authorID))
	}
	return d, nil
}

func postUpdated(_ context.Context, ev Event) (Delivery, error) {
	postID := field(ev.Payload, "post", "id")
	if postID == "" {
		return Delivery{}, missing("post.id")
	}
	d := Delivery{
		Targets:     []Target{Room("post:" + postID)},
		SnapshotKey: "post:" + postID,
	}
	if categoryID := field(ev.Payload, "post", "categoryId"); categoryID != "" {
		d.Targets = append(d.Targets, Room("category:"+categoryID))
	}
	return d, nil
}

// Comments go to everyone viewing the post and to the post author, unless
// the author is commenting on their own post.
func commentCreated(_ context.Context, ev Event) (Delivery, error) {
	postID := field(ev.Payload, "comment", "postId")
	if postID == "" {
		return Delivery{}, missing("comment.postId")
	}
	d := Delivery{Targets: []Target{Room("post:" + postID)}}

	postAuthor := field(ev.Payload, "postAuthorId")
	if postAuthor != "" && postAuthor != field(ev.Payload, "comment", "authorId") {
		d.Targets = append(d.Targets, User(postAuthor))
	}
	return d, nil
}

func reactionAdded(_ context.Context, ev Event) (Delivery, error) {
	targetType := field(ev.Payload, "targetType")
	targetID := field(ev.Payload, "targetId")
	if targetType == "" || targetID == "" {
		return Delivery{}, missing("targetType and targetId")
	}
	room := targetType + ":" + targetID
	d := Delivery{Targets: []Target{Room(room)}, SnapshotKey: room}
	if owner := field(ev.Payload, "targetAuthorId"); owner != "" {
		d.Targets = append(d.Targets, User(owner))
	}
	return d, nil
}

func karmaEarned(_ context.Context, ev Event) (Delivery, error) {
	userID := field(ev.Payload, "userId")
	if userID == "" {
		return Delivery{}, missing("userId")
	}
	return Delivery{Targets: []Target{User(userID)}}, nil
}

func karmaChanged(_ context.Context, ev Event) (Delivery, error) {
	userID := field(ev.Payload, "userId")
	if userID == "" {
		return Delivery{}, missing("userId")
	}
	return Delivery{
		Targets:     []Target{User(userID), Room("user:" + userID)},
		SnapshotKey: "user:" + userID,
	}, nil
}

func pollVoted(_ context.Context, ev Event) (Delivery, error) {
	pollID := field(ev.Payload, "pollId")
	if pollID == "" {
		return Delivery{}, missing("pollId")
	}
	return Delivery{
		Targets:     []Target{Room("poll:" + pollID)},
		SnapshotKey: "poll:" + pollID,
	}, nil
}

func notificationCreated(_ context.Context, ev Event) (Delivery, error) {
	userID := field(ev.Payload, "recipientId")
	if userID == "" {
		userID = field(ev.Payload, "userId")
	}
	if userID == "" {
		return Delivery{}, missing("recipientId")
	}
	return Delivery{Targets: []Target{User(userID)}}, nil
}

func announcement(_ context.Context, _ Event) (Delivery, error) {
	return Delivery{Targets: []Target{Everyone()}}, nil
}

func missing(what string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalidPayload, what)
}

// field walks nested maps and returns the value at path as a string. Numeric
// ids decoded from JSON are formatted without a fractional part.
func field(payload map[string]any, path ...string) string {
	var cur any = payload
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}

	switch v := cur.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}
