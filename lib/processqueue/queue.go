// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package processqueue is a generic producer/consumer dispatcher that
// decouples the goroutine producing items from the goroutines
// processing them.
//
// A Queue buffers pushed items and hands them to a callback, one at a
// time or in FIFO-contiguous batches, on one worker (Synchronous) or
// several (Asynchronous). Callback errors and panics are isolated per
// call and reported through the Observer; callbacks that exceed the
// process timeout are cancelled and optionally requeued. The GEP
// publisher runs one Synchronous queue per client as its delivery
// loop; the subscriber runs one between the socket reader and the
// measurement observer.
package processqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/gep/lib/clock"
)

// Option configures optional Queue collaborators.
type Option[T any] func(*Queue[T])

// WithClock sets the clock used for timeouts, intervals and run time.
func WithClock[T any](c clock.Clock) Option[T] {
	return func(q *Queue[T]) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(q *Queue[T]) { q.logger = logger }
}

// WithObserver sets the event observer.
func WithObserver[T any](observer Observer[T]) Option[T] {
	return func(q *Queue[T]) { q.observer = observer }
}

// WithMetrics registers queue metrics named prefix_* on registerer.
func WithMetrics[T any](registerer prometheus.Registerer, prefix string) Option[T] {
	return func(q *Queue[T]) {
		q.metricsRegisterer = registerer
		q.metricsPrefix = prefix
	}
}

// Statistics is a point-in-time snapshot of a queue.
type Statistics struct {
	QueueDepth         int
	ItemsInFlight      int64
	ActiveThreads      int64
	TotalProcessed     uint64
	TotalFunctionCalls uint64
	TotalTimeouts      uint64
	TotalExceptions    uint64
	TotalDropped       uint64
	RunTime            time.Duration
	Enabled            bool
	Paused             bool
}

// Queue is a generic process queue. Create one with New.
type Queue[T any] struct {
	config   Config[T]
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer[T]
	metrics  *queueMetrics

	metricsRegisterer prometheus.Registerer
	metricsPrefix     string

	mu         sync.Mutex
	wake       *sync.Cond
	items      []T
	running    bool
	paused     bool
	closed     bool
	requeue    bool
	generation uint64
	// reportedDepth is this queue's contribution to the depth gauge.
	reportedDepth int
	// drainOpen gates workers in interval mode: a tick opens it and
	// the worker that finds the queue empty closes it.
	drainOpen   bool
	recheck     *clock.Timer
	interval    time.Duration
	stopTicker  context.CancelFunc
	cancelRun   context.CancelFunc
	runContext  context.Context
	startedAt   time.Time
	accumulated time.Duration

	workers   sync.WaitGroup
	callbacks sync.WaitGroup

	inFlight      atomic.Int64
	activeThreads atomic.Int64
	processed     atomic.Uint64
	calls         atomic.Uint64
	timeouts      atomic.Uint64
	exceptions    atomic.Uint64
	dropped       atomic.Uint64
}

// New validates config and returns a stopped queue. Items may be
// pushed before Start.
func New[T any](config Config[T], options ...Option[T]) (*Queue[T], error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.StopGracePeriod == 0 {
		config.StopGracePeriod = DefaultStopGracePeriod
	}
	q := &Queue[T]{
		config:   config,
		clock:    clock.Real(),
		logger:   slog.New(slog.DiscardHandler),
		observer: NopObserver[T]{},
		requeue:  true,
		interval: config.ProcessInterval,
	}
	q.wake = sync.NewCond(&q.mu)
	for _, option := range options {
		option(q)
	}
	if q.metricsRegisterer != nil && q.metricsPrefix != "" {
		metrics, err := newQueueMetrics(q.metricsRegisterer, q.metricsPrefix)
		if err != nil {
			return nil, fmt.Errorf("processqueue: registering metrics: %w", err)
		}
		q.metrics = metrics
	}
	return q, nil
}

// Push enqueues item.
func (q *Queue[T]) Push(item T) error {
	return q.PushRange([]T{item})
}

// PushRange enqueues items in order. It is all-or-nothing with
// respect to MaxDepth.
func (q *Queue[T]) PushRange(items []T) error {
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrStopped
	}
	if q.config.MaxDepth > 0 && len(q.items)+len(items) > q.config.MaxDepth {
		q.dropped.Add(uint64(len(items)))
		if q.metrics != nil {
			q.metrics.dropped.Add(float64(len(items)))
		}
		return ErrQueueFull
	}
	q.items = append(q.items, items...)
	q.depthChangedLocked()
	q.wake.Broadcast()
	return nil
}

// Start launches the workers. Starting a running queue is a no-op.
func (q *Queue[T]) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrStopped
	}
	if q.running {
		return nil
	}
	q.running = true
	q.generation++
	q.runContext, q.cancelRun = context.WithCancel(context.Background())
	q.startedAt = q.clock.Now()
	q.drainOpen = q.interval == 0
	q.startTickerLocked()

	generation := q.generation
	for id := 0; id < q.config.workerCount(); id++ {
		q.workers.Add(1)
		go q.work(generation)
	}
	return nil
}

// Stop halts the workers. In-flight callbacks receive a cancelled
// context; Stop waits for them for at most StopGracePeriod. Queued
// items are kept and Start resumes them.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.accumulated += q.clock.Now().Sub(q.startedAt)
	q.cancelRun()
	if q.stopTicker != nil {
		q.stopTicker()
		q.stopTicker = nil
	}
	if q.recheck != nil {
		q.recheck.Stop()
		q.recheck = nil
	}
	q.wake.Broadcast()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		q.callbacks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-q.clock.After(q.config.StopGracePeriod):
		q.logger.Warn("process queue stop grace period elapsed with callbacks still running",
			"grace_period", q.config.StopGracePeriod,
			"items_in_flight", q.inFlight.Load(),
		)
	}
}

// Close stops the queue, discards queued items, and rejects further
// pushes with ErrStopped.
func (q *Queue[T]) Close() {
	q.Stop()
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.depthChangedLocked()
	q.mu.Unlock()
}

// Flush stops the queue and processes every remaining item on the
// calling goroutine. Requeueing is disabled for the duration and
// CanProcess is not consulted, so Flush always terminates.
func (q *Queue[T]) Flush() {
	q.Stop()

	q.mu.Lock()
	q.requeue = false
	q.mu.Unlock()

	for {
		q.mu.Lock()
		batch := q.takeLocked(false)
		q.mu.Unlock()
		if batch == nil {
			break
		}
		q.process(context.Background(), batch)
	}

	q.mu.Lock()
	q.requeue = true
	q.mu.Unlock()
}

// Pause holds the workers after their current callback.
func (q *Queue[T]) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume releases paused workers.
func (q *Queue[T]) Resume() {
	q.mu.Lock()
	q.paused = false
	q.wake.Broadcast()
	q.mu.Unlock()
}

// Clear discards all queued items and returns how many there were.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := len(q.items)
	q.items = nil
	q.depthChangedLocked()
	return count
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Running reports whether workers are active.
func (q *Queue[T]) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// SetProcessInterval switches between real-time draining (zero) and
// interval draining, taking effect immediately on a running queue.
func (q *Queue[T]) SetProcessInterval(interval time.Duration) {
	if interval < 0 {
		interval = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.interval = interval
	if !q.running {
		return
	}
	if q.stopTicker != nil {
		q.stopTicker()
		q.stopTicker = nil
	}
	q.drainOpen = interval == 0
	q.startTickerLocked()
	q.wake.Broadcast()
}

// Statistics returns a snapshot of the queue counters.
func (q *Queue[T]) Statistics() Statistics {
	q.mu.Lock()
	depth := len(q.items)
	runTime := q.accumulated
	if q.running {
		runTime += q.clock.Now().Sub(q.startedAt)
	}
	enabled, paused := q.running, q.paused
	q.mu.Unlock()

	return Statistics{
		QueueDepth:         depth,
		ItemsInFlight:      q.inFlight.Load(),
		ActiveThreads:      q.activeThreads.Load(),
		TotalProcessed:     q.processed.Load(),
		TotalFunctionCalls: q.calls.Load(),
		TotalTimeouts:      q.timeouts.Load(),
		TotalExceptions:    q.exceptions.Load(),
		TotalDropped:       q.dropped.Load(),
		RunTime:            runTime,
		Enabled:            enabled,
		Paused:             paused,
	}
}

func (q *Queue[T]) startTickerLocked() {
	if q.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(q.runContext)
	q.stopTicker = cancel
	ticker := q.clock.NewTicker(q.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.mu.Lock()
				q.drainOpen = true
				q.wake.Broadcast()
				q.mu.Unlock()
			}
		}
	}()
}

// depthChangedLocked moves the depth gauge by this queue's change, so
// queues sharing the gauge add up instead of overwriting each other.
func (q *Queue[T]) depthChangedLocked() {
	if q.metrics == nil {
		return
	}
	q.metrics.depth.Add(float64(len(q.items) - q.reportedDepth))
	q.reportedDepth = len(q.items)
}

// work is the worker loop for one generation of Start.
func (q *Queue[T]) work(generation uint64) {
	defer q.workers.Done()
	for {
		q.mu.Lock()
		var batch []T
		for {
			if !q.running || q.generation != generation {
				q.mu.Unlock()
				return
			}
			if !q.paused && q.drainOpen {
				batch = q.takeLocked(true)
				if batch != nil {
					break
				}
				if len(q.items) == 0 && q.interval > 0 {
					q.drainOpen = false
				}
			}
			q.wake.Wait()
		}
		ctx := q.runContext
		q.mu.Unlock()

		q.process(ctx, batch)
	}
}

// takeLocked removes the next batch from the head of the queue, or
// returns nil. When honorCanProcess is set, items rejected by
// CanProcess rotate to the tail and a recheck is scheduled if nothing
// was eligible.
func (q *Queue[T]) takeLocked(honorCanProcess bool) []T {
	if len(q.items) == 0 {
		return nil
	}
	limit := 1
	if q.config.Style == ManyAtOnce {
		limit = len(q.items)
		if q.config.MaxBatchSize > 0 {
			limit = min(limit, q.config.MaxBatchSize)
		}
	}

	if !honorCanProcess || q.config.CanProcess == nil {
		batch := make([]T, limit)
		copy(batch, q.items[:limit])
		q.items = q.items[limit:]
		if len(q.items) == 0 {
			q.items = nil
		}
		q.depthChangedLocked()
		return batch
	}

	var batch, rejected []T
	examined := 0
	for examined < len(q.items) && len(batch) < limit {
		item := q.items[examined]
		examined++
		if q.config.CanProcess(item) {
			batch = append(batch, item)
		} else {
			rejected = append(rejected, item)
		}
	}
	q.items = append(q.items[examined:], rejected...)
	q.depthChangedLocked()
	if len(batch) == 0 {
		q.scheduleRecheckLocked()
		return nil
	}
	return batch
}

// scheduleRecheckLocked wakes the workers after a short delay so items
// rejected by CanProcess are examined again without new pushes.
func (q *Queue[T]) scheduleRecheckLocked() {
	if q.recheck != nil || !q.running {
		return
	}
	q.recheck = q.clock.AfterFunc(canProcessRetryDelay, func() {
		q.mu.Lock()
		q.recheck = nil
		q.wake.Broadcast()
		q.mu.Unlock()
	})
}

// Callback states under ProcessTimeout. Whichever of the callback and
// the timeout moves the state first decides who handles the outcome.
const (
	callbackRunning int32 = iota
	callbackReturned
	callbackAbandoned
)

// process runs one callback, enforcing the timeout and applying the
// requeue policy to its outcome.
func (q *Queue[T]) process(parent context.Context, batch []T) {
	q.inFlight.Add(int64(len(batch)))
	q.activeThreads.Add(1)
	if q.metrics != nil {
		q.metrics.inFlight.Add(float64(len(batch)))
	}
	defer func() {
		q.inFlight.Add(-int64(len(batch)))
		q.activeThreads.Add(-1)
		if q.metrics != nil {
			q.metrics.inFlight.Sub(float64(len(batch)))
		}
	}()

	q.calls.Add(1)
	started := q.clock.Now()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var err error
	timedOut := false
	if q.config.ProcessTimeout <= 0 {
		err = q.invoke(ctx, batch)
	} else {
		result := make(chan error, 1)
		expired := make(chan struct{})
		var state atomic.Int32
		timer := q.clock.AfterFunc(q.config.ProcessTimeout, func() { close(expired) })
		q.callbacks.Add(1)
		go func() {
			defer q.callbacks.Done()
			callbackErr := q.invoke(ctx, batch)
			if state.CompareAndSwap(callbackRunning, callbackReturned) {
				result <- callbackErr
				return
			}
			// Abandoned by the worker: the items become available again
			// only once this callback has let go of them.
			if q.config.RequeueOnTimeout {
				q.requeueItems(batch)
			}
		}()
		select {
		case err = <-result:
			timer.Stop()
		case <-expired:
			if state.CompareAndSwap(callbackRunning, callbackAbandoned) {
				timedOut = true
				cancel()
			} else {
				err = <-result
			}
		}
	}

	elapsed := q.clock.Now().Sub(started).Seconds()
	switch {
	case timedOut:
		q.timeouts.Add(1)
		if q.metrics != nil {
			q.metrics.timeouts.Inc()
			q.metrics.duration.WithLabelValues("timeout").Observe(elapsed)
		}
		q.logger.Debug("process queue callback timed out",
			"timeout", q.config.ProcessTimeout,
			"items", len(batch),
		)
		q.observer.ItemsTimedOut(batch)
	case err != nil:
		q.exceptions.Add(1)
		if q.metrics != nil {
			q.metrics.exceptions.Inc()
			q.metrics.duration.WithLabelValues("exception").Observe(elapsed)
		}
		q.observer.ProcessException(err, batch)
		if q.config.RequeueOnException {
			q.requeueItems(batch)
		}
	default:
		q.processed.Add(uint64(len(batch)))
		if q.metrics != nil {
			q.metrics.processed.Add(float64(len(batch)))
			q.metrics.duration.WithLabelValues("ok").Observe(elapsed)
		}
		q.observer.ItemsProcessed(batch)
	}
}

// invoke calls the configured callback, converting a panic into an
// error.
func (q *Queue[T]) invoke(ctx context.Context, batch []T) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("processqueue: callback panic: %v", recovered)
		}
	}()
	if q.config.Style == ManyAtOnce {
		return q.config.ProcessItems(ctx, batch)
	}
	return q.config.ProcessItem(ctx, batch[0])
}

func (q *Queue[T]) requeueItems(batch []T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.requeue || q.closed {
		return
	}
	if q.config.RequeueMode == Prefix {
		q.items = append(append(make([]T, 0, len(batch)+len(q.items)), batch...), q.items...)
	} else {
		q.items = append(q.items, batch...)
	}
	q.depthChangedLocked()
	q.wake.Broadcast()
}
