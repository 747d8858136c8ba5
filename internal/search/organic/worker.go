package organic

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"catalogd/internal/logger"
	"catalogd/internal/ratelimit"
)

// DefaultQueueCapacity and DefaultBatchSize mirror the organic policy's
// stated defaults.
const (
	DefaultQueueCapacity = 10000
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
)

type seenKey struct {
	id string
	t  ItemType
}

// Worker drains a bounded touch queue on a single background goroutine,
// expanding each touch into the entities it pulls in and flushing
// de-duplicated batches to an Indexer. Touches arriving once the queue is
// full are dropped — acceptable for a lazily-growing, best-effort index.
type Worker struct {
	queue    chan Touch
	expander CatalogExpander
	sink     Indexer

	seen *lru.Cache[seenKey, struct{}]

	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []Touch

	dropped   int64
	droppedMu sync.Mutex
}

// NewWorker builds a Worker. capacity bounds both the intake queue and the
// idempotency set's memory footprint.
func NewWorker(capacity, batchSize int, flushInterval time.Duration, expander CatalogExpander, sink Indexer) *Worker {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	seen, _ := lru.New[seenKey, struct{}](capacity)
	return &Worker{
		queue:         make(chan Touch, capacity),
		expander:      expander,
		sink:          sink,
		seen:          seen,
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// Touch admits one user interaction for expansion. Returns false if the
// per-entity intake rate is exceeded or the queue is full; neither is an
// error the caller needs to act on.
func (w *Worker) Touch(t Touch) bool {
	if !ratelimit.TouchIntakeLimiter.Allow(t.ID) {
		return false
	}
	select {
	case w.queue <- t:
		return true
	default:
		w.droppedMu.Lock()
		w.dropped++
		w.droppedMu.Unlock()
		return false
	}
}

// Dropped reports how many touches have been dropped for queue overflow
// since the worker started.
func (w *Worker) Dropped() int64 {
	w.droppedMu.Lock()
	defer w.droppedMu.Unlock()
	return w.dropped
}

// Run drains the queue until ctx is cancelled, flushing on batch size or
// a 1-second idle timer, whichever comes first.
func (w *Worker) Run(ctx context.Context) {
	timer := time.NewTimer(w.flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush()
			return

		case t := <-w.queue:
			w.absorb(t)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.flushInterval)

		case <-timer.C:
			w.flush()
			timer.Reset(w.flushInterval)
		}
	}
}

// absorb expands one touch and appends newly-seen results to the pending
// batch, flushing immediately if the batch is now full.
func (w *Worker) absorb(t Touch) {
	expanded, err := Expand(w.expander, t)
	if err != nil {
		logger.Log.Warn().Str("id", t.ID).Str("type", string(t.Type)).Err(err).Msg("organic index expansion failed")
		return
	}

	w.mu.Lock()
	for _, item := range expanded {
		key := seenKey{id: item.ID, t: item.Type}
		if _, ok := w.seen.Get(key); ok {
			continue
		}
		w.seen.Add(key, struct{}{})
		w.pending = append(w.pending, item)
	}
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		w.flush()
	}
}

// flush hands the pending batch to the sink. A failed flush is logged and
// not retried; items stay marked as seen so a retry storm can't thrash the
// same entities forever.
func (w *Worker) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if err := w.sink.IndexBatch(batch); err != nil {
		logger.Log.Warn().Int("batchSize", len(batch)).Err(err).Msg("organic index batch flush failed")
	}
}
