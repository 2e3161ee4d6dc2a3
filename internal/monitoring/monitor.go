// Package monitoring samples store health, queue depth and presence on an
// interval and raises threshold alerts.
package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"notify-service/internal/metrics"
	"notify-service/internal/queue"
	"notify-service/internal/store"
	"notify-service/internal/websocket"

	"github.com/google/uuid"
)

const (
	AlertStoreUnhealthy = "store_unhealthy"
	AlertStoreLatency   = "store_latency"
	AlertQueueDepth     = "queue_depth"
	AlertFailedJobs     = "failed_jobs"

	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Subject   string    `json:"subject,omitempty"`
	Message   string    `json:"message"`
	Value     int64     `json:"value"`
	Threshold int64     `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is one sample of the system.
type Status struct {
	Healthy    bool                    `json:"healthy"`
	Store      store.Health            `json:"store"`
	Queues     []queue.QueueStats      `json:"queues"`
	FailedJobs int64                   `json:"failedJobs"`
	Presence   websocket.RegistryStats `json:"presence"`
	Errors     []string                `json:"errors,omitempty"`
	CheckedAt  time.Time               `json:"checkedAt"`
}

type QueueSource interface {
	GetAllQueueStats(ctx context.Context) ([]queue.QueueStats, error)
	FailedCount(ctx context.Context) (int64, error)
}

type PresenceSource interface {
	Stats() websocket.RegistryStats
}

type Options struct {
	Interval            time.Duration
	QueueDepthThreshold int64
	FailedJobsThreshold int64
	LatencyThresholdMs  int64
	HistorySize         int
	Logger              *slog.Logger
	Metrics             *metrics.Metrics
}

type Monitor struct {
	store    store.Store
	queues   QueueSource
	presence PresenceSource
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	hooks    Hooks

	mu     sync.RWMutex
	latest *Status
	// active holds the alert keys whose condition held on the last sample.
	active  map[string]bool
	history []Alert
	pos     int
	full    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(st store.Store, queues QueueSource, presence PresenceSource, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:    st,
		queues:   queues,
		presence: presence,
		opts:     opts,
		logger:   logger.With("component", "monitor"),
		metrics:  opts.Metrics,
		active:   make(map[string]bool),
		history:  make([]Alert, opts.HistorySize),
	}
}

func (m *Monitor) Hooks() *Hooks {
	return &m.hooks
}

// Start samples once immediately and then on every interval until Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()

		m.logger.Info("Monitor started", "interval", m.opts.Interval)
		m.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("Monitor stopped")
}

// Check takes one sample, updates gauges and raises alerts for conditions
// that newly crossed their threshold.
func (m *Monitor) Check(ctx context.Context) Status {
	status := Status{CheckedAt: time.Now().UTC()}

	status.Store = m.store.HealthCheck(ctx)
	m.metrics.SetStoreHealth(status.Store.Healthy(), status.Store.ResponseTimeMs)

	conditions := map[string]*Alert{}
	queuesSampled, failedSampled := false, false
	if !status.Store.Healthy() {
		conditions[AlertStoreUnhealthy] = &Alert{
			Type:     AlertStoreUnhealthy,
			Severity: SeverityCritical,
			Message:  "store health check failed: " + status.Store.Error,
			Value:    status.Store.ResponseTimeMs,
		}
	} else if t := m.opts.LatencyThresholdMs; t > 0 && status.Store.ResponseTimeMs > t {
		conditions[AlertStoreLatency] = &Alert{
			Type:      AlertStoreLatency,
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("store round trip took %dms", status.Store.ResponseTimeMs),
			Value:     status.Store.ResponseTimeMs,
			Threshold: t,
		}
	}

	if status.Store.Healthy() && m.queues != nil {
		queues, err := m.queues.GetAllQueueStats(ctx)
		if err != nil {
			status.Errors = append(status.Errors, "queue stats: "+err.Error())
		} else {
			queuesSampled = true
		}
		status.Queues = queues
		for _, q := range queues {
			m.metrics.SetQueueDepth(q.Name, q.Length)
			if t := m.opts.QueueDepthThreshold; t > 0 && q.Length > t {
				conditions[AlertQueueDepth+":"+q.Name] = &Alert{
					Type:      AlertQueueDepth,
					Severity:  SeverityWarning,
					Subject:   q.Name,
					Message:   fmt.Sprintf("queue %s has %d waiting jobs", q.Name, q.Length),
					Value:     q.Length,
					Threshold: t,
				}
			}
		}

		failed, err := m.queues.FailedCount(ctx)
		if err != nil {
			status.Errors = append(status.Errors, "failed jobs: "+err.Error())
		} else {
			failedSampled = true
		}
		status.FailedJobs = failed
		if t := m.opts.FailedJobsThreshold; t > 0 && failed > t {
			conditions[AlertFailedJobs] = &Alert{
				Type:      AlertFailedJobs,
				Severity:  SeverityWarning,
				Message:   fmt.Sprintf("%d jobs in the dead-letter list", failed),
				Value:     failed,
				Threshold: t,
			}
		}
	}

	if m.presence != nil {
		status.Presence = m.presence.Stats()
		m.metrics.SetPresence(status.Presence.Connections, status.Presence.Users, status.Presence.Rooms)
	}
	status.Healthy = status.Store.Healthy() && len(status.Errors) == 0

	// Conditions that could not be sampled keep their last state.
	unknown := func(key string) bool {
		if key == AlertFailedJobs {
			return !failedSampled
		}
		return !queuesSampled && strings.HasPrefix(key, AlertQueueDepth+":")
	}
	raised := m.record(status, conditions, unknown)
	for _, alert := range raised {
		m.logger.Warn("Alert raised", "type", alert.Type, "severity", alert.Severity, "subject", alert.Subject, "message", alert.Message)
		m.metrics.Alert(alert.Type, alert.Severity)
		m.hooks.triggerAlert(alert)
	}
	m.hooks.triggerStatus(status)
	return status
}

func (m *Monitor) record(status Status, conditions map[string]*Alert, unknown func(key string) bool) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latest = &status
	var raised []Alert
	for key, alert := range conditions {
		if m.active[key] {
			continue
		}
		alert.ID = uuid.NewString()
		alert.Timestamp = status.CheckedAt
		m.history[m.pos] = *alert
		m.pos = (m.pos + 1) % len(m.history)
		if m.pos == 0 {
			m.full = true
		}
		raised = append(raised, *alert)
	}
	active := make(map[string]bool, len(conditions))
	for key := range conditions {
		active[key] = true
	}
	for key := range m.active {
		switch {
		case active[key]:
		case unknown(key):
			active[key] = true
		default:
			m.logger.Info("Alert cleared", "key", key)
		}
	}
	m.active = active
	return raised
}

// Latest returns the last sample, if any.
func (m *Monitor) Latest() (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Status{}, false
	}
	return *m.latest, true
}

// Alerts returns up to limit raised alerts, newest first.
func (m *Monitor) Alerts(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.pos
	if m.full {
		n = len(m.history)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Alert, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.pos - i + len(m.history)) % len(m.history)
		out = append(out, m.history[idx])
	}
	return out
}
