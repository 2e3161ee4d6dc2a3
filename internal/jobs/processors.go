// Package jobs holds the processors behind the built-in queues.
package jobs

import (
	"context"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"notify-service/internal/events"
	"notify-service/internal/queue"
	"notify-service/internal/store"

	"github.com/pkg/errors"
)

const (
	QueueNotifications   = "notifications"
	QueueFeedPersonalize = "feed:personalize"
	QueueMediaProcess    = "media:process"
	QueueTrendsCalculate = "trends:calculate"
	QueueKarmaEarn       = "karma:earn"
)

const (
	feedTTL    = time.Hour
	mediaTTL   = 24 * time.Hour
	trendsTTL  = 15 * time.Minute
	trendsTopN = 10
)

var ErrInvalidJob = errors.New("invalid job payload")

type Processors struct {
	store  store.Store
	events events.Emitter
	logger *slog.Logger
}

func New(st store.Store, emitter events.Emitter, logger *slog.Logger) *Processors {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processors{store: st, events: emitter, logger: logger.With("component", "jobs")}
}

// Register attaches a processor to every built-in queue the engine defines.
func (p *Processors) Register(engine *queue.Engine) error {
	table := map[string]queue.ProcessorFunc{
		QueueNotifications:   p.Notify,
		QueueFeedPersonalize: p.PersonalizeFeed,
		QueueMediaProcess:    p.ProcessMedia,
		QueueTrendsCalculate: p.CalculateTrends,
		QueueKarmaEarn:       p.EarnKarma,
	}
	for _, name := range engine.Queues() {
		fn, ok := table[name]
		if !ok {
			continue
		}
		if err := engine.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func decode(job *queue.Job, dest any) error {
	if err := job.Decode(dest); err != nil {
		return errors.Wrapf(ErrInvalidJob, "job %s: %v", job.ID, err)
	}
	return nil
}

// Notify turns a notification job into a notification:created event for the
// recipient.
func (p *Processors) Notify(ctx context.Context, job *queue.Job) error {
	var n struct {
		RecipientID string         `json:"recipientId"`
		Kind        string         `json:"kind"`
		Title       string         `json:"title"`
		Body        string         `json:"body"`
		Data        map[string]any `json:"data"`
	}
	if err := decode(job, &n); err != nil {
		return err
	}
	if n.RecipientID == "" {
		return errors.Wrap(ErrInvalidJob, "recipientId is required")
	}

	_, err := p.events.Emit(ctx, events.TypeNotificationCreated, map[string]any{
		"recipientId": n.RecipientID,
		"kind":        n.Kind,
		"title":       n.Title,
		"body":        n.Body,
		"data":        n.Data,
		"jobId":       job.ID,
	})
	return errors.Wrap(err, "emit notification")
}

// EarnKarma credits a user once per job id, then tells the user about the
// credit and the new total.
func (p *Processors) EarnKarma(ctx context.Context, job *queue.Job) error {
	var k struct {
		UserID string `json:"userId"`
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := decode(job, &k); err != nil {
		return err
	}
	if k.UserID == "" || k.Amount == 0 {
		return errors.Wrap(ErrInvalidJob, "userId and a non-zero amount are required")
	}

	added, err := p.store.AddToSet(ctx, "karma:applied:"+k.UserID, job.ID)
	if err != nil {
		return errors.Wrap(err, "record karma credit")
	}
	var total int64
	if added == 1 {
		total, err = p.store.Increment(ctx, "karma:"+k.UserID, k.Amount)
	} else {
		total, err = p.store.Increment(ctx, "karma:"+k.UserID, 0)
	}
	if err != nil {
		return errors.Wrap(err, "update karma")
	}

	if _, err := p.events.Emit(ctx, events.TypeKarmaEarned, map[string]any{
		"userId": k.UserID,
		"amount": k.Amount,
		"reason": k.Reason,
	}); err != nil {
		return errors.Wrap(err, "emit karma:earned")
	}
	_, err = p.events.Emit(ctx, events.TypeKarmaChanged, map[string]any{
		"userId": k.UserID,
		"karma":  total,
	})
	return errors.Wrap(err, "emit karma:changed")
}

// PersonalizeFeed caches the ranked post ids of a user's feed.
func (p *Processors) PersonalizeFeed(ctx context.Context, job *queue.Job) error {
	var f struct {
		UserID  string   `json:"userId"`
		PostIDs []string `json:"postIds"`
	}
	if err := decode(job, &f); err != nil {
		return err
	}
	if f.UserID == "" {
		return errors.Wrap(ErrInvalidJob, "userId is required")
	}

	seen := make(map[string]bool, len(f.PostIDs))
	feed := make([]string, 0, len(f.PostIDs))
	for _, id := range f.PostIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		feed = append(feed, id)
	}
	return errors.Wrap(p.store.CacheSet(ctx, "feed:"+f.UserID, feed, feedTTL), "cache feed")
}

type MediaStatus struct {
	MediaID     string    `json:"mediaId"`
	URL         string    `json:"url"`
	Status      string    `json:"status"`
	ProcessedAt time.Time `json:"processedAt"`
}

// ProcessMedia validates an uploaded media reference, records it as ready and
// notifies the owner.
func (p *Processors) ProcessMedia(ctx context.Context, job *queue.Job) error {
	var m struct {
		MediaID string `json:"mediaId"`
		URL     string `json:"url"`
		OwnerID string `json:"ownerId"`
	}
	if err := decode(job, &m); err != nil {
		return err
	}
	if m.MediaID == "" {
		return errors.Wrap(ErrInvalidJob, "mediaId is required")
	}
	u, err := url.Parse(m.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Wrapf(ErrInvalidJob, "media %s has no usable url", m.MediaID)
	}

	status := MediaStatus{MediaID: m.MediaID, URL: u.String(), Status: "ready", ProcessedAt: time.Now().UTC()}
	if err := p.store.CacheSet(ctx, "media:"+m.MediaID, status, mediaTTL); err != nil {
		return errors.Wrap(err, "cache media status")
	}
	if m.OwnerID == "" {
		return nil
	}
	_, err = p.events.Emit(ctx, events.TypeNotificationCreated, map[string]any{
		"recipientId": m.OwnerID,
		"kind":        "media_ready",
		"data":        map[string]any{"mediaId": m.MediaID},
	})
	return errors.Wrap(err, "emit media notification")
}

type Trend struct {
	PostID string  `json:"postId"`
	Score  float64 `json:"score"`
}

// CalculateTrends ranks posts by score and caches the top of the list per
// category.
func (p *Processors) CalculateTrends(ctx context.Context, job *queue.Job) error {
	var t struct {
		CategoryID string             `json:"categoryId"`
		Scores     map[string]float64 `json:"scores"`
	}
	if err := decode(job, &t); err != nil {
		return err
	}

	trends := make([]Trend, 0, len(t.Scores))
	for id, score := range t.Scores {
		trends = append(trends, Trend{PostID: id, Score: score})
	}
	sort.Slice(trends, func(i, j int) bool {
		if trends[i].Score != trends[j].Score {
			return trends[i].Score > trends[j].Score
		}
		return trends[i].PostID < trends[j].PostID
	})
	if len(trends) > trendsTopN {
		trends = trends[:trendsTopN]
	}

	key := "trends:global"
	if t.CategoryID != "" {
		key = "trends:category:" + t.CategoryID
	}
	if err := p.store.CacheSet(ctx, key, trends, trendsTTL); err != nil {
		return errors.Wrap(err, "cache trends")
	}
	p.logger.Debug("Trends calculated", "key", key, "count", len(trends))
	return nil
}
