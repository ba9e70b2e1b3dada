package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/fluxgate/internal/engine"
	"github.com/fluxgate/fluxgate/pkg/transfer"
)

// Config bounds the scheduler. Setters reject out-of-bounds values and
// keep the previous value.
type Config struct {
	MaxConcurrent  int // simultaneous running transfers, [1,20]
	MaxRetries     int // automatic retries per transfer, [0,10]
	TimeoutSeconds int // per-transfer deadline, [1,300]
}

// DefaultConfig matches the historical defaults: 5 concurrent, 3 retries,
// 30 second timeout.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 5, MaxRetries: 3, TimeoutSeconds: 30}
}

// EventType identifies a lifecycle event on the batch event stream.
type EventType string

const (
	EventStarted           EventType = "started"
	EventPaused            EventType = "paused"
	EventResumed           EventType = "resumed"
	EventCancelled         EventType = "cancelled"
	EventTransferStarted   EventType = "transfer_started"
	EventTransferRetrying  EventType = "transfer_retrying"
	EventTransferCompleted EventType = "transfer_completed"
	EventAllCompleted      EventType = "all_completed"
)

// Event is one entry on the batch's ordered event stream.
type Event struct {
	Type    EventType
	ID      transfer.ID
	Success bool
	Err     error
	Stats   transfer.Stats
}

// Batch schedules many independent transfers under a concurrency ceiling
// and a priority order. All mutations happen under one lock; engine
// notifications arriving on other goroutines are marshaled through it, so
// there are never concurrent writers to the record pool.
type Batch struct {
	mu      sync.Mutex
	eng     engine.Engine
	cfg     Config
	logger  *slog.Logger
	records map[transfer.ID]*transfer.Record
	pending []transfer.ID
	running map[transfer.ID]engine.Handle
	started bool
	paused  bool
	allDone bool
	gen     uint64
	events  chan Event
}

// New creates an idle batch over the given engine.
func New(eng engine.Engine, cfg Config, logger *slog.Logger) *Batch {
	def := DefaultConfig()
	if cfg.MaxConcurrent < 1 || cfg.MaxConcurrent > 20 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxRetries < 0 || cfg.MaxRetries > 10 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.TimeoutSeconds < 1 || cfg.TimeoutSeconds > 300 {
		cfg.TimeoutSeconds = def.TimeoutSeconds
	}
	return &Batch{
		eng:     eng,
		cfg:     cfg,
		logger:  logger,
		records: make(map[transfer.ID]*transfer.Record),
		running: make(map[transfer.ID]engine.Handle),
		events:  make(chan Event, 256),
	}
}

// Events returns the ordered lifecycle event stream.
func (b *Batch) Events() <-chan Event { return b.events }

// SetMaxConcurrent updates the concurrency ceiling. Out-of-bounds values
// are rejected and the previous value kept.
func (b *Batch) SetMaxConcurrent(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 1 || n > 20 {
		return fmt.Errorf("max concurrent %d out of bounds [1,20]", n)
	}
	b.cfg.MaxConcurrent = n
	b.dispatch()
	return nil
}

// SetMaxRetries updates the retry ceiling for future submissions.
func (b *Batch) SetMaxRetries(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 || n > 10 {
		return fmt.Errorf("max retries %d out of bounds [0,10]", n)
	}
	b.cfg.MaxRetries = n
	return nil
}

// SetTimeout updates the per-transfer deadline in seconds.
func (b *Batch) SetTimeout(seconds int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seconds < 1 || seconds > 300 {
		return fmt.Errorf("timeout %ds out of bounds [1,300]", seconds)
	}
	b.cfg.TimeoutSeconds = seconds
	return nil
}

// Config returns the current configuration.
func (b *Batch) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Submit enqueues a new transfer and returns its identifier. It fails only
// when the locator is malformed; the transfer then never enters the queue.
func (b *Batch) Submit(rawURL string, method transfer.Method, priority transfer.Priority, body []byte) (transfer.ID, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: malformed url %q", transfer.ErrSubmission, rawURL)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := transfer.ID(uuid.NewString())
	rec := &transfer.Record{
		ID:         id,
		URL:        u.String(),
		Method:     method,
		Priority:   priority,
		Body:       body,
		MaxRetries: b.cfg.MaxRetries,
		State:      transfer.StatePending,
		SubmitAt:   time.Now(),
	}
	b.records[id] = rec
	b.insertByPriority(id, priority)
	b.allDone = false
	b.dispatch()
	return id, nil
}

// insertByPriority places id behind all pending entries of the same or
// higher priority, keeping FIFO order within a priority band.
func (b *Batch) insertByPriority(id transfer.ID, priority transfer.Priority) {
	pos := len(b.pending)
	for i, other := range b.pending {
		if priority < b.records[other].Priority {
			pos = i
			break
		}
	}
	b.pending = append(b.pending, "")
	copy(b.pending[pos+1:], b.pending[pos:])
	b.pending[pos] = id
}

// Start begins dispatching. A batch with no pending or running work is a
// no-op. Idempotent.
func (b *Batch) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 && len(b.running) == 0 {
		return
	}
	b.started = true
	b.paused = false
	b.emit(Event{Type: EventStarted})
	b.dispatch()
}

// Pause stops dispatching new transfers. Running transfers continue.
func (b *Batch) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused {
		return
	}
	b.paused = true
	b.emit(Event{Type: EventPaused})
}

// Resume continues dispatching. A no-op on a batch that is not paused.
func (b *Batch) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.paused {
		return
	}
	b.paused = false
	b.emit(Event{Type: EventResumed})
	b.dispatch()
}

// CancelAll aborts every running transfer and discards the pending queue.
// Cancelled transfers are neither successful nor retried; completion
// notifications that still arrive for them are ignored.
func (b *Batch) CancelAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.gen++
	now := time.Now()
	for id, h := range b.running {
		h.Cancel()
		b.terminate(id, transfer.StateCancelled, transfer.ErrCancelled, now)
	}
	for _, id := range b.pending {
		b.terminate(id, transfer.StateCancelled, transfer.ErrCancelled, now)
	}
	b.running = make(map[transfer.ID]engine.Handle)
	b.pending = nil
	b.allDone = true
	b.emit(Event{Type: EventCancelled})
}

func (b *Batch) terminate(id transfer.ID, state transfer.State, err error, now time.Time) {
	rec, ok := b.records[id]
	if !ok {
		return
	}
	rec.State = state
	rec.Err = err
	rec.FinishedAt = now
}

// Clear cancels outstanding work and drops all records.
func (b *Batch) Clear() {
	b.CancelAll()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = make(map[transfer.ID]*transfer.Record)
	b.started = false
}

// Stats is a consistent snapshot over the record pool.
func (b *Batch) Stats() transfer.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

func (b *Batch) statsLocked() transfer.Stats {
	st := transfer.Stats{
		Total:   len(b.records),
		Pending: len(b.pending),
		Running: len(b.running),
	}
	for _, rec := range b.records {
		switch {
		case rec.State == transfer.StateCancelled:
			st.Cancelled++
		case rec.Completed && rec.Success:
			st.Completed++
			st.Success++
		case rec.Completed:
			st.Completed++
			st.Failed++
		}
	}
	return st
}

// Record returns a copy of one transfer's record.
func (b *Batch) Record(id transfer.ID) (transfer.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return transfer.Record{}, false
	}
	return *rec, true
}

// dispatch fills free concurrency slots from the head of the pending
// queue and emits all_completed exactly once when everything drained.
// Callers hold b.mu.
func (b *Batch) dispatch() {
	if !b.started || b.paused {
		return
	}
	for len(b.running) < b.cfg.MaxConcurrent && len(b.pending) > 0 {
		id := b.pending[0]
		b.pending = b.pending[1:]
		b.startTransfer(id)
	}
	if len(b.running) == 0 && len(b.pending) == 0 && !b.allDone {
		b.allDone = true
		b.emit(Event{Type: EventAllCompleted})
	}
}

// startTransfer hands one record to the engine. Callers hold b.mu.
func (b *Batch) startTransfer(id transfer.ID) {
	rec, ok := b.records[id]
	if !ok {
		return
	}
	rec.State = transfer.StateRunning
	rec.StartedAt = time.Now()

	gen := b.gen
	req := engine.Request{
		URL:      rec.URL,
		Method:   rec.Method,
		Body:     rec.Body,
		Deadline: time.Now().Add(time.Duration(b.cfg.TimeoutSeconds) * time.Second),
	}
	h, err := b.eng.Start(context.Background(), req, engine.Callbacks{
		OnData: func(chunk []byte) (int, error) {
			b.appendResponse(gen, id, chunk)
			return len(chunk), nil
		},
		OnDone: func(res engine.Result) {
			b.onDone(gen, id, res)
		},
	})
	if err != nil {
		b.finishLocked(rec, engine.Result{Err: err})
		return
	}
	b.running[id] = h
	b.emit(Event{Type: EventTransferStarted, ID: id})
}

// appendResponse buffers a delivered chunk, unless the transfer was
// cancelled in the meantime.
func (b *Batch) appendResponse(gen uint64, id transfer.ID, chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		return
	}
	if _, ok := b.running[id]; !ok {
		return
	}
	rec := b.records[id]
	rec.Response = append(rec.Response, chunk...)
}

// onDone marshals an engine completion onto the batch lock. Stale
// notifications from a cancelled generation are dropped.
func (b *Batch) onDone(gen uint64, id transfer.ID, res engine.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen {
		return
	}
	if _, ok := b.running[id]; !ok {
		return
	}
	delete(b.running, id)

	rec := b.records[id]
	rec.HTTPStatus = res.HTTPStatus

	if res.Success() {
		rec.State = transfer.StateDone
		rec.Completed = true
		rec.Success = true
		rec.FinishedAt = time.Now()
		b.emit(Event{Type: EventTransferCompleted, ID: id, Success: true})
		b.dispatch()
		return
	}

	if transfer.Retryable(res.Err) && rec.RetryCount < rec.MaxRetries {
		rec.RetryCount++
		rec.State = transfer.StatePending
		rec.Err = res.Err
		b.logger.Debug("retrying transfer", "id", id, "attempt", rec.RetryCount, "max", rec.MaxRetries, "error", res.Err)
		// A just-failed transfer goes to the queue front for immediate
		// reattempt, ahead of untouched lower-priority work.
		b.pending = append([]transfer.ID{id}, b.pending...)
		b.emit(Event{Type: EventTransferRetrying, ID: id, Err: res.Err})
		b.dispatch()
		return
	}

	b.finishLocked(rec, res)
	b.dispatch()
}

// finishLocked marks a record terminally failed. Callers hold b.mu.
func (b *Batch) finishLocked(rec *transfer.Record, res engine.Result) {
	rec.State = transfer.StateDone
	rec.Completed = true
	rec.Success = false
	rec.FinishedAt = time.Now()
	if transfer.Retryable(res.Err) && rec.RetryCount >= rec.MaxRetries {
		rec.Err = fmt.Errorf("%w: %v", transfer.ErrExhaustedRetries, res.Err)
	} else {
		rec.Err = res.Err
	}
	b.logger.Warn("transfer failed", "id", rec.ID, "url", rec.URL, "error", rec.Err)
	b.emit(Event{Type: EventTransferCompleted, ID: rec.ID, Success: false, Err: rec.Err})
}

// emit delivers an event without blocking the control path. Callers hold
// b.mu; slow consumers lose events rather than stalling dispatch.
func (b *Batch) emit(ev Event) {
	ev.Stats = b.statsLocked()
	select {
	case b.events <- ev:
	default:
		b.logger.Warn("event stream full, dropping event", "type", ev.Type)
	}
}
