package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"notify-service/internal/metrics"
	"notify-service/internal/store"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	defaultPollTimeout   = 5 * time.Second
	defaultMaxRetryDelay = 10 * time.Minute
	defaultSweepInterval = time.Second
	sweepBatch           = 100
	defaultFailedLimit   = 50
)

// Processor executes one job. A returned error schedules a retry until the
// job's attempts are exhausted.
type Processor interface {
	Process(ctx context.Context, job *Job) error
}

type ProcessorFunc func(ctx context.Context, job *Job) error

func (f ProcessorFunc) Process(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// EnqueueOptions override the queue defaults for a single job.
type EnqueueOptions struct {
	Priority   Priority
	MaxRetries int
}

type Options struct {
	// PollTimeout bounds each blocking pop and therefore the stop latency.
	PollTimeout   time.Duration
	MaxRetryDelay time.Duration
	SweepInterval time.Duration
	DeadLetter    DeadLetterSink
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// QueueStats is the observable state of one queue.
type QueueStats struct {
	Name          string     `json:"name"`
	Length        int64      `json:"length"`
	Delayed       int64      `json:"delayed"`
	Config        Definition `json:"config"`
	WorkerRunning bool       `json:"workerRunning"`
	Processed     int64      `json:"processed"`
	Failed        int64      `json:"failed"`
	Retries       int64      `json:"retries"`
}

type queueState struct {
	def       Definition
	processor Processor
	running   bool
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
}

// Engine runs named queues on top of a shared store. Several engines may
// share one store; a job is popped by exactly one of them.
type Engine struct {
	store   store.Store
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	queues map[string]*queueState
}

func New(st store.Store, defs []Definition, opts Options) (*Engine, error) {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = defaultMaxRetryDelay
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:   st,
		opts:    opts,
		logger:  logger.With("component", "queue"),
		metrics: opts.Metrics,
		now:     time.Now,
		queues:  make(map[string]*queueState, len(defs)),
	}
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := e.queues[def.Name]; dup {
			return nil, fmt.Errorf("queue %q defined twice", def.Name)
		}
		e.queues[def.Name] = &queueState{def: def}
	}
	return e, nil
}

// =============================================================================
// DEFINITIONS
// =============================================================================

// Register attaches the processor for a defined queue.
func (e *Engine) Register(name string, p Processor) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.queues[name]
	if !ok {
		return &UnknownQueueError{Queue: name}
	}
	state.processor = p
	return nil
}

func (e *Engine) Definition(name string) (Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state, ok := e.queues[name]
	if !ok {
		return Definition{}, &UnknownQueueError{Queue: name}
	}
	return state.def, nil
}

// Queues returns the defined queue names in order.
func (e *Engine) Queues() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.queues))
	for name := range e.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UpdateQueue replaces a definition. Workers must be stopped first.
func (e *Engine) UpdateQueue(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.queues[def.Name]
	if !ok {
		return &UnknownQueueError{Queue: def.Name}
	}
	if state.running {
		return ErrQueueRunning
	}
	state.def = def
	e.logger.Info("Queue definition updated", "queue", def.Name, "priority", def.Priority, "concurrency", def.Concurrency)
	return nil
}

// =============================================================================
// ENQUEUE
// =============================================================================

// Enqueue stores a new job and returns its id. payload may be raw JSON or
// any value encoding/json can marshal.
func (e *Engine) Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (string, error) {
	def, err := e.Definition(name)
	if err != nil {
		return "", err
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	priority := def.Priority
	if opts.Priority != "" {
		if !opts.Priority.Valid() {
			return "", fmt.Errorf("invalid priority %q", opts.Priority)
		}
		priority = opts.Priority
	}
	maxAttempts := def.MaxRetries
	if opts.MaxRetries > 0 {
		maxAttempts = opts.MaxRetries
	}

	job := &Job{
		ID:          uuid.NewString(),
		Queue:       name,
		Payload:     raw,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   e.now().UTC(),
	}
	if err := e.push(ctx, job); err != nil {
		return "", err
	}

	e.logger.Debug("Job enqueued", "queue", name, "job_id", job.ID, "priority", priority)
	return job.ID, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "marshal payload")
		}
		return data, nil
	}
}

// push appends the job, or prepends it when its priority is high.
func (e *Engine) push(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	if _, err := e.store.QueuePush(ctx, queueKey(job.Queue), data, job.Priority == PriorityHigh); err != nil {
		return errors.Wrapf(err, "push job to %s", job.Queue)
	}
	return nil
}

// =============================================================================
// WORKERS
// =============================================================================

// StartWorker launches the configured number of workers for one queue plus
// the sweeper that promotes due retries.
func (e *Engine) StartWorker(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.queues[name]
	if !ok {
		return &UnknownQueueError{Queue: name}
	}
	if state.processor == nil {
		return fmt.Errorf("%w for queue %q", ErrNoProcessor, name)
	}
	if state.running {
		e.logger.Warn("Worker already running", "queue", name)
		return ErrWorkerAlreadyRunning
	}
	e.startLocked(state)
	return nil
}

func (e *Engine) startLocked(state *queueState) {
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	def, processor := state.def, state.processor

	for i := 0; i < def.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			e.work(ctx, def, processor, worker)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.sweep(ctx, def.Name)
	}()

	state.running = true
	state.cancel = cancel
	state.wg = wg
	e.logger.Info("Workers started", "queue", def.Name, "concurrency", def.Concurrency)
}

// StartAllWorkers starts every queue. It fails without starting anything
// when a queue has no processor.
func (e *Engine) StartAllWorkers() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, state := range e.queues {
		if state.processor == nil {
			return fmt.Errorf("%w for queue %q", ErrNoProcessor, name)
		}
	}
	for _, state := range e.queues {
		if !state.running {
			e.startLocked(state)
		}
	}
	return nil
}

// StopWorker stops one queue and waits for its in-flight jobs.
func (e *Engine) StopWorker(name string) error {
	e.mu.Lock()
	state, ok := e.queues[name]
	if !ok {
		e.mu.Unlock()
		return &UnknownQueueError{Queue: name}
	}
	wg := e.stopLocked(state)
	e.mu.Unlock()

	if wg != nil {
		wg.Wait()
		e.logger.Info("Workers stopped", "queue", name)
	}
	return nil
}

func (e *Engine) stopLocked(state *queueState) *sync.WaitGroup {
	if !state.running {
		return nil
	}
	state.cancel()
	wg := state.wg
	state.running = false
	state.cancel = nil
	state.wg = nil
	return wg
}

func (e *Engine) StopAllWorkers() {
	e.mu.Lock()
	var groups []*sync.WaitGroup
	for _, state := range e.queues {
		if wg := e.stopLocked(state); wg != nil {
			groups = append(groups, wg)
		}
	}
	e.mu.Unlock()

	for _, wg := range groups {
		wg.Wait()
	}
	e.logger.Info("All workers stopped", "queues", len(groups))
}

func (e *Engine) IsRunning(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state, ok := e.queues[name]
	return ok && state.running
}

// work pops until ctx is cancelled. The pop itself runs on a context that
// is never cancelled so a record the store already handed out is not lost.
func (e *Engine) work(ctx context.Context, def Definition, processor Processor, worker int) {
	logger := e.logger.With("queue", def.Name, "worker", worker)
	key := queueKey(def.Name)

	for {
		if ctx.Err() != nil {
			return
		}
		record, err := e.store.QueuePop(context.WithoutCancel(ctx), key, e.opts.PollTimeout)
		if err != nil {
			logger.Warn("Dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.opts.PollTimeout):
			}
			continue
		}
		if record == nil {
			continue
		}
		e.handle(ctx, def, processor, record, logger)
	}
}

func (e *Engine) handle(ctx context.Context, def Definition, processor Processor, record []byte, logger *slog.Logger) {
	// In-flight jobs finish even when the worker is being stopped.
	runCtx := context.WithoutCancel(ctx)

	var job Job
	if err := json.Unmarshal(record, &job); err != nil {
		logger.Error("Malformed job record", "error", err)
		e.deadLetterMalformed(runCtx, def.Name, record, err)
		return
	}

	start := e.now()
	err := e.execute(runCtx, def, processor, &job)
	elapsed := e.now().Sub(start)

	if err == nil {
		e.count(runCtx, def.Name, "processed")
		e.metrics.JobProcessed(def.Name, elapsed)
		logger.Debug("Job processed", "job_id", job.ID, "attempt", job.Attempts+1, "elapsed", elapsed)
		return
	}
	e.fail(runCtx, def, &job, err, elapsed, logger)
}

func (e *Engine) execute(ctx context.Context, def Definition, processor Processor, job *Job) (err error) {
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return processor.Process(ctx, job)
}

// retryDelay is base·2^(attempts-1) capped at limit.
func retryDelay(base time.Duration, attempts int, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempts && delay < limit; i++ {
		delay *= 2
	}
	if delay > limit {
		return limit
	}
	return delay
}

// fail moves a failed job to its next state: a scheduled retry or the
// dead-letter list. A job is only ever lost when every store write fails, and
// then its full record is logged.
func (e *Engine) fail(ctx context.Context, def Definition, job *Job, cause error, elapsed time.Duration, logger *slog.Logger) {
	now := e.now().UTC()
	job.Attempts++
	job.LastError = cause.Error()

	if job.Attempts < job.MaxAttempts {
		delay := retryDelay(def.RetryDelay, job.Attempts, e.opts.MaxRetryDelay)
		next := now.Add(delay)
		job.NextRetryAt = &next
		job.Priority = PriorityLow

		err := e.scheduleRetry(ctx, job, delay, logger)
		if err == nil {
			e.count(ctx, def.Name, "retries")
			e.metrics.JobRetried(def.Name, elapsed)
			logger.Warn("Job failed, retry scheduled",
				"job_id", job.ID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts,
				"delay", delay, "error", cause)
			return
		}
		logger.Error("Failed to schedule retry, dead-lettering job", "job_id", job.ID, "error", err)
	}

	job.NextRetryAt = nil
	failed := &FailedJob{
		Job:        *job,
		FailedAt:   now,
		FinalError: cause.Error(),
		Stack:      stackOf(cause),
	}
	if err := e.deadLetter(ctx, failed); err != nil {
		record, _ := json.Marshal(failed)
		logger.Error("Job lost, store rejected every write", "job_id", job.ID, "error", err, "record", string(record))
	}
	e.count(ctx, def.Name, "failed")
	e.metrics.JobFailed(def.Name, elapsed)
	logger.Error("Job failed permanently", "job_id", job.ID, "attempts", job.Attempts, "error", cause)
}

// scheduleRetry parks the job in the delayed set. When the set cannot be
// written the job goes straight back to the tail of its queue instead.
func (e *Engine) scheduleRetry(ctx context.Context, job *Job, delay time.Duration, logger *slog.Logger) error {
	if delay > 0 {
		data, err := json.Marshal(job)
		if err != nil {
			return errors.Wrap(err, "marshal job")
		}
		err = e.store.ScheduleAdd(ctx, delayedKey(job.Queue), string(data), *job.NextRetryAt)
		if err == nil {
			return nil
		}
		logger.Warn("Delayed retry unavailable, requeueing now", "job_id", job.ID, "error", err)
	}
	return e.push(ctx, job)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func stackOf(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return string(pe.stack)
	}
	var st stackTracer
	if errors.As(err, &st) {
		return fmt.Sprintf("%+v", st)
	}
	return fmt.Sprintf("%+v", errors.WithStack(err))
}

func (e *Engine) deadLetter(ctx context.Context, failed *FailedJob) error {
	data, err := json.Marshal(failed)
	if err != nil {
		return errors.Wrap(err, "marshal failed job")
	}
	if _, err := e.store.ListPush(ctx, FailedKey, string(data)); err != nil {
		return errors.Wrap(err, "append failed job")
	}
	if e.opts.DeadLetter != nil {
		if err := e.opts.DeadLetter.Publish(ctx, failed); err != nil {
			e.logger.Warn("Dead letter sink rejected job", "job_id", failed.ID, "error", err)
		}
	}
	return nil
}

// deadLetterMalformed keeps an unreadable record inspectable instead of
// discarding it.
func (e *Engine) deadLetterMalformed(ctx context.Context, queue string, record []byte, cause error) {
	payload, _ := json.Marshal(string(record))
	failed := &FailedJob{
		Job: Job{
			ID:        uuid.NewString(),
			Queue:     queue,
			Payload:   payload,
			Priority:  PriorityLow,
			CreatedAt: e.now().UTC(),
		},
		FailedAt:   e.now().UTC(),
		FinalError: "malformed job record: " + cause.Error(),
	}
	if err := e.deadLetter(ctx, failed); err != nil {
		e.logger.Error("Failed to record malformed job", "queue", queue, "error", err, "record", string(record))
	}
	e.count(ctx, queue, "failed")
}

func (e *Engine) count(ctx context.Context, queue, stat string) {
	if _, err := e.store.Increment(ctx, statsKey(queue, stat), 1); err != nil {
		e.logger.Warn("Failed to update queue counter", "queue", queue, "stat", stat, "error", err)
	}
}

// sweep moves due retries from the delayed set to the tail of the queue.
func (e *Engine) sweep(ctx context.Context, name string) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.PromoteDue(ctx, name); err != nil {
				e.logger.Warn("Retry sweep failed", "queue", name, "error", err)
			}
		}
	}
}

// PromoteDue moves every due retry of a queue back into its list and returns
// how many were moved.
func (e *Engine) PromoteDue(ctx context.Context, name string) (int, error) {
	moved := 0
	for {
		due, err := e.store.ScheduleDue(ctx, delayedKey(name), e.now(), sweepBatch)
		if err != nil {
			return moved, err
		}
		for _, member := range due {
			if _, err := e.store.QueuePush(ctx, queueKey(name), []byte(member), false); err != nil {
				return moved, errors.Wrapf(err, "promote retry on %s", name)
			}
			moved++
		}
		if len(due) < sweepBatch {
			return moved, nil
		}
	}
}

// =============================================================================
// INSPECTION
// =============================================================================

func (e *Engine) GetQueueStats(ctx context.Context, name string) (QueueStats, error) {
	e.mu.RLock()
	state, ok := e.queues[name]
	var stats QueueStats
	if ok {
		stats = QueueStats{Name: name, Config: state.def, WorkerRunning: state.running}
	}
	e.mu.RUnlock()
	if !ok {
		return QueueStats{}, &UnknownQueueError{Queue: name}
	}

	var err error
	if stats.Length, err = e.store.ListLength(ctx, queueKey(name)); err != nil {
		return QueueStats{}, errors.Wrap(err, "queue length")
	}
	if stats.Delayed, err = e.store.ScheduleCount(ctx, delayedKey(name)); err != nil {
		return QueueStats{}, errors.Wrap(err, "delayed count")
	}
	for stat, dest := range map[string]*int64{
		"processed": &stats.Processed,
		"failed":    &stats.Failed,
		"retries":   &stats.Retries,
	} {
		if *dest, err = e.store.Increment(ctx, statsKey(name, stat), 0); err != nil {
			return QueueStats{}, errors.Wrapf(err, "read %s counter", stat)
		}
	}
	return stats, nil
}

func (e *Engine) GetAllQueueStats(ctx context.Context) ([]QueueStats, error) {
	names := e.Queues()
	all := make([]QueueStats, 0, len(names))
	for _, name := range names {
		stats, err := e.GetQueueStats(ctx, name)
		if err != nil {
			return nil, err
		}
		all = append(all, stats)
	}
	return all, nil
}

// ClearQueue drops every waiting and delayed job of a queue and returns how
// many were removed. Counters and dead letters are kept.
func (e *Engine) ClearQueue(ctx context.Context, name string) (int64, error) {
	if _, err := e.Definition(name); err != nil {
		return 0, err
	}

	length, err := e.store.ListLength(ctx, queueKey(name))
	if err != nil {
		return 0, errors.Wrap(err, "queue length")
	}
	delayed, err := e.store.ScheduleCount(ctx, delayedKey(name))
	if err != nil {
		return 0, errors.Wrap(err, "delayed count")
	}
	if _, err := e.store.CacheDelete(ctx, queueKey(name), delayedKey(name)); err != nil {
		return 0, errors.Wrapf(err, "clear %s", name)
	}

	e.logger.Info("Queue cleared", "queue", name, "removed", length+delayed)
	return length + delayed, nil
}

// FailedCount returns the size of the dead-letter list.
func (e *Engine) FailedCount(ctx context.Context) (int64, error) {
	return e.store.ListLength(ctx, FailedKey)
}

// GetFailedJobs returns up to limit dead letters, newest first.
func (e *Engine) GetFailedJobs(ctx context.Context, limit int) ([]FailedJob, error) {
	if limit <= 0 {
		limit = defaultFailedLimit
	}
	raw, err := e.store.ListRange(ctx, FailedKey, -int64(limit), -1)
	if err != nil {
		return nil, errors.Wrap(err, "read failed jobs")
	}

	jobs := make([]FailedJob, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var failed FailedJob
		if err := json.Unmarshal([]byte(raw[i]), &failed); err != nil {
			e.logger.Warn("Skipping unreadable dead letter", "error", err)
			continue
		}
		jobs = append(jobs, failed)
	}
	return jobs, nil
}

// RetryFailedJob moves a dead letter back to its queue with a fresh attempt
// budget.
func (e *Engine) RetryFailedJob(ctx context.Context, id string) error {
	raw, err := e.store.ListRange(ctx, FailedKey, 0, -1)
	if err != nil {
		return errors.Wrap(err, "read failed jobs")
	}

	for _, entry := range raw {
		var failed FailedJob
		if err := json.Unmarshal([]byte(entry), &failed); err != nil || failed.ID != id {
			continue
		}

		def, err := e.Definition(failed.Queue)
		if err != nil {
			return err
		}
		job := failed.Job
		job.Attempts = 0
		job.LastError = ""
		job.NextRetryAt = nil
		job.Priority = def.Priority
		// Requeue before removing so a store failure keeps the dead letter.
		if err := e.push(ctx, &job); err != nil {
			return err
		}
		removed, err := e.store.ListRemove(ctx, FailedKey, entry)
		if err != nil {
			return errors.Wrapf(err, "job %s requeued but still in the failed list", id)
		}
		if removed == 0 {
			e.logger.Warn("Failed job was retried concurrently, it may run twice", "queue", job.Queue, "job_id", id)
		}
		e.logger.Info("Failed job re-enqueued", "queue", job.Queue, "job_id", id)
		return nil
	}
	return &JobNotFoundError{ID: id}
}
