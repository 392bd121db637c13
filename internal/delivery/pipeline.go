package delivery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mappaturasmd/mappatura/internal/backend"
	"github.com/mappaturasmd/mappatura/internal/collector"
	"github.com/mappaturasmd/mappatura/internal/metrics"
)

const (
	DefaultWorkers        = 2
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = 2 * time.Second
	DefaultMaxDelay       = 2 * time.Minute
	DefaultSuspendDelay   = 5 * time.Second
	DefaultNotifyCooldown = 30 * time.Second
)

type Submitter interface {
	SubmitPlot(ctx context.Context, rec collector.Record) (backend.SubmitResult, error)
}

type EventKind string

const (
	EventDelivered        EventKind = "delivered"
	EventAlreadyDelivered EventKind = "already_delivered"
	EventRetrying         EventKind = "retrying"
	EventSuspended        EventKind = "suspended"
	EventFailed           EventKind = "failed"
)

// Event reports delivery progress to the tick loop.
type Event struct {
	Kind    EventKind
	Record  collector.Record
	Attempt int
	Cause   string
	Err     error
}

type EventSink interface {
	Post(ev Event)
}

type EventSinkFunc func(ev Event)

func (f EventSinkFunc) Post(ev Event) { f(ev) }

type Options struct {
	Store     PendingStore
	Submitter Submitter
	// Readiness is checked before every attempt; ErrEndpointMissing or
	// ErrSessionMissing suspend the worker.
	Readiness      func() error
	Sink           EventSink
	Workers        int
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	SuspendDelay   time.Duration
	NotifyCooldown time.Duration
	// Sleep replaces the backoff wait in tests.
	Sleep   func(ctx context.Context, d time.Duration) error
	Clock   func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// RequireSettings builds a readiness check from the live settings.
func RequireSettings(settings backend.Settings) func() error {
	return func() error {
		if backend.NormalizeURL(settings.EndpointURL()) == "" {
			return ErrEndpointMissing
		}
		if strings.TrimSpace(settings.SessionCode()) == "" {
			return ErrSessionMissing
		}
		return nil
	}
}

type task struct {
	key       string
	seq       uint64
	record    collector.Record
	attempt   int
	lastError string
	inFlight  bool
}

// Pipeline is a durable, deduplicated submission queue drained by a worker
// pool. Every change to the task set is written through to the store.
type Pipeline struct {
	store         PendingStore
	submitter     Submitter
	readiness     func() error
	sink          EventSink
	workers       int
	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration
	suspendDelay  time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
	notifications *Cooldown
	logger        *zap.Logger
	metrics       *metrics.Metrics

	mu        sync.Mutex
	tasks     map[string]*task
	queue     []string
	abandoned []PendingPlot
	seq       uint64

	persistMu sync.Mutex
	persistCh chan struct{}
	wake      chan struct{}

	// persisting is set while persistLoop owns saves; otherwise they are
	// synchronous.
	persisting atomic.Bool

	runMu   sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// New loads the store and re-queues unfinished tasks with their attempt
// counters intact. Workers start with Start.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil || opts.Submitter == nil {
		return nil, ErrInvalidInput
	}
	workers := opts.Workers
	if workers < DefaultWorkers {
		workers = DefaultWorkers
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	suspendDelay := opts.SuspendDelay
	if suspendDelay <= 0 {
		suspendDelay = DefaultSuspendDelay
	}
	notifyCooldown := opts.NotifyCooldown
	if notifyCooldown <= 0 {
		notifyCooldown = DefaultNotifyCooldown
	}
	readiness := opts.Readiness
	if readiness == nil {
		readiness = func() error { return nil }
	}
	sink := opts.Sink
	if sink == nil {
		sink = EventSinkFunc(func(Event) {})
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = waitWithContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		store:         opts.Store,
		submitter:     opts.Submitter,
		readiness:     readiness,
		sink:          sink,
		workers:       workers,
		maxAttempts:   maxAttempts,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		suspendDelay:  suspendDelay,
		sleep:         sleep,
		notifications: NewCooldown(notifyCooldown, opts.Clock),
		logger:        logger,
		metrics:       opts.Metrics,
		tasks:         map[string]*task{},
		persistCh:     make(chan struct{}, 1),
		wake:          make(chan struct{}, 1),
	}
	if err := p.load(); err != nil {
		return nil, fmt.Errorf("load pending store: %w", err)
	}
	return p, nil
}

func (p *Pipeline) load() error {
	snapshot, err := p.store.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range snapshot.Pending {
		key := entry.Key()
		if strings.TrimSpace(entry.PlotID) == "" {
			continue
		}
		if _, exists := p.tasks[key]; exists {
			continue
		}
		attempt := entry.Attempt
		if attempt <= 0 {
			attempt = 1
		}
		p.seq++
		p.tasks[key] = &task{key: key, seq: p.seq, record: entry.Record, attempt: attempt, lastError: entry.LastError}
		p.queue = append(p.queue, key)
	}
	p.abandoned = append(p.abandoned, snapshot.Abandoned...)
	if len(p.tasks) > 0 {
		p.logger.Info("resumed pending submissions", zap.Int("count", len(p.tasks)))
	}
	return nil
}

// Start launches the worker pool. It returns immediately.
func (p *Pipeline) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	p.cancel = cancel
	p.group = group
	p.started = true
	p.persisting.Store(true)

	group.Go(func() error {
		p.persistLoop(groupCtx)
		return nil
	})
	for i := 0; i < p.workers; i++ {
		worker := i
		group.Go(func() error {
			p.workerLoop(groupCtx, worker)
			return nil
		})
	}
	p.signal()
}

// Close stops the workers, flushes the store and closes it. Tasks in flight
// stay pending and resume on the next start.
func (p *Pipeline) Close() error {
	p.runMu.Lock()
	if p.started {
		p.cancel()
		_ = p.group.Wait()
		p.started = false
		p.persisting.Store(false)
	}
	p.runMu.Unlock()
	p.saveNow()
	return p.store.Close()
}

// Enqueue adds rec unless a task with the same key is queued or in flight.
// Once started it never blocks on I/O; persistence happens on the pipeline's
// goroutine. Before Start the store is written before Enqueue returns.
func (p *Pipeline) Enqueue(rec collector.Record) bool {
	if strings.TrimSpace(rec.PlotID) == "" {
		return false
	}
	key := rec.DedupKey()
	p.mu.Lock()
	if _, exists := p.tasks[key]; exists {
		p.mu.Unlock()
		return false
	}
	p.seq++
	p.tasks[key] = &task{key: key, seq: p.seq, record: rec, attempt: 1}
	p.queue = append(p.queue, key)
	p.dropAbandonedLocked(key)
	p.mu.Unlock()

	p.requestPersist()
	p.signal()
	return true
}

// Resubmit moves every abandoned task back into the queue with a fresh
// attempt counter.
func (p *Pipeline) Resubmit() int {
	p.mu.Lock()
	moved := 0
	for _, entry := range p.abandoned {
		key := entry.Key()
		if _, exists := p.tasks[key]; exists {
			continue
		}
		p.seq++
		p.tasks[key] = &task{key: key, seq: p.seq, record: entry.Record, attempt: 1}
		p.queue = append(p.queue, key)
		moved++
	}
	p.abandoned = nil
	p.mu.Unlock()

	p.requestPersist()
	p.signal()
	return moved
}

func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Snapshot returns the state as it would be persisted.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pipeline) snapshotLocked() Snapshot {
	ordered := make([]*task, 0, len(p.tasks))
	for _, t := range p.tasks {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	snapshot := Snapshot{
		Pending:   make([]PendingPlot, 0, len(ordered)),
		Abandoned: append([]PendingPlot(nil), p.abandoned...),
	}
	for _, t := range ordered {
		snapshot.Pending = append(snapshot.Pending, PendingPlot{Record: t.record, Attempt: t.attempt, LastError: t.lastError})
	}
	return snapshot
}

func (p *Pipeline) workerLoop(ctx context.Context, worker int) {
	logger := p.logger.With(zap.Int("worker", worker))
	for {
		t, ok := p.next(ctx)
		if !ok {
			return
		}
		p.process(ctx, logger, t)
	}
}

func (p *Pipeline) next(ctx context.Context) (*task, bool) {
	for {
		p.mu.Lock()
		for len(p.queue) > 0 {
			key := p.queue[0]
			p.queue = p.queue[1:]
			t, ok := p.tasks[key]
			if !ok || t.inFlight {
				continue
			}
			t.inFlight = true
			more := len(p.queue) > 0
			p.mu.Unlock()
			if more {
				p.signal()
			}
			return t, true
		}
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, false
		case <-p.wake:
		}
	}
}

func (p *Pipeline) process(ctx context.Context, logger *zap.Logger, t *task) {
	for {
		if err := p.readiness(); err != nil {
			p.suspend(t, err)
			if p.sleep(ctx, p.suspendDelay) != nil {
				return
			}
			continue
		}

		rec, attempt := p.current(t)
		started := time.Now()
		result, err := p.submitter.SubmitPlot(ctx, rec)
		if ctx.Err() != nil {
			return
		}
		class, classErr := Classify(result, err)
		p.metrics.SubmitAttempt(class.String(), time.Since(started).Seconds())

		switch class {
		case ClassDelivered, ClassAlreadyDelivered:
			p.complete(t)
			kind := EventDelivered
			if class == ClassAlreadyDelivered {
				kind = EventAlreadyDelivered
			}
			p.metrics.SubmitOutcome(string(kind))
			logger.Info("plot delivered",
				zap.String("plot_id", rec.PlotID),
				zap.Int("attempt", attempt),
				zap.Bool("already_mapped", class == ClassAlreadyDelivered),
			)
			p.sink.Post(Event{Kind: kind, Record: rec, Attempt: attempt})
			return

		case ClassSuspended:
			p.suspend(t, classErr)
			if p.sleep(ctx, p.suspendDelay) != nil {
				return
			}

		case ClassPermanent:
			p.abandon(logger, t, classErr)
			return

		case ClassTransient:
			if attempt >= p.maxAttempts {
				p.abandon(logger, t, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, classErr))
				return
			}
			delay := p.backoff(attempt)
			p.retry(t, classErr)
			cause := causeKey(classErr)
			logger.Warn("plot submission failed, retrying",
				zap.String("plot_id", rec.PlotID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(classErr),
			)
			if p.notifications.Allow("retry:" + cause) {
				p.sink.Post(Event{Kind: EventRetrying, Record: rec, Attempt: attempt, Cause: cause, Err: classErr})
			}
			if p.sleep(ctx, delay) != nil {
				return
			}
		}
	}
}

// backoff returns BaseDelay doubled per failed attempt, capped at MaxDelay.
func (p *Pipeline) backoff(attempt int) time.Duration {
	delay := p.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	return delay
}

func (p *Pipeline) current(t *task) (collector.Record, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.record, t.attempt
}

func (p *Pipeline) suspend(t *task, err error) {
	cause := causeKey(err)
	if p.notifications.Allow("suspend:" + cause) {
		p.logger.Warn("plot submission suspended", zap.String("cause", cause), zap.Error(err))
		p.sink.Post(Event{Kind: EventSuspended, Record: t.record, Attempt: t.attempt, Cause: cause, Err: err})
	}
}

func (p *Pipeline) retry(t *task, err error) {
	p.mu.Lock()
	t.attempt++
	if err != nil {
		t.lastError = err.Error()
	}
	p.mu.Unlock()
	p.saveNow()
}

func (p *Pipeline) complete(t *task) {
	p.mu.Lock()
	delete(p.tasks, t.key)
	p.mu.Unlock()
	p.saveNow()
}

// abandon parks the task in the abandoned list and reports it once.
func (p *Pipeline) abandon(logger *zap.Logger, t *task, err error) {
	p.mu.Lock()
	delete(p.tasks, t.key)
	entry := PendingPlot{Record: t.record, Attempt: t.attempt}
	if err != nil {
		entry.LastError = err.Error()
	}
	p.dropAbandonedLocked(t.key)
	p.abandoned = append(p.abandoned, entry)
	p.mu.Unlock()
	p.saveNow()

	p.metrics.SubmitOutcome(string(EventFailed))
	logger.Error("plot submission abandoned",
		zap.String("plot_id", t.record.PlotID),
		zap.Int("attempt", entry.Attempt),
		zap.Error(err),
	)
	p.sink.Post(Event{Kind: EventFailed, Record: t.record, Attempt: entry.Attempt, Cause: causeKey(err), Err: err})
}

func (p *Pipeline) dropAbandonedLocked(key string) {
	kept := p.abandoned[:0]
	for _, entry := range p.abandoned {
		if entry.Key() != key {
			kept = append(kept, entry)
		}
	}
	p.abandoned = kept
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) requestPersist() {
	if !p.persisting.Load() {
		p.saveNow()
		return
	}
	select {
	case p.persistCh <- struct{}{}:
	default:
	}
}

func (p *Pipeline) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.persistCh:
			p.saveNow()
		}
	}
}

// saveNow rewrites the store. The snapshot is taken under persistMu so saves
// land in the order the state changed.
func (p *Pipeline) saveNow() {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()
	snapshot := p.Snapshot()
	p.metrics.SetTaskCounts(len(snapshot.Pending), len(snapshot.Abandoned))
	if err := p.store.Save(&snapshot); err != nil {
		p.metrics.StoreSaveFailed()
		p.logger.Error("failed to persist pending submissions", zap.Error(err))
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
