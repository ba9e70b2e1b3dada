package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/pkg/transfer"
)

// Script describes how the mock engine behaves for one URL.
type Script struct {
	// Payload is the response body delivered on success.
	Payload []byte
	// ChunkSize controls delivery granularity (default 1024).
	ChunkSize int
	// FailuresBefore makes the first N starts fail with a transport error.
	FailuresBefore int
	// StartDelay is waited before the first chunk.
	StartDelay time.Duration
	// PerChunkDelay is waited between chunks.
	PerChunkDelay time.Duration
}

// MockEngine is an in-memory Engine for tests, scripted per URL.
// Delivery runs on its own goroutine like the real engine, honors byte
// ranges, the pause gate and receiver aborts.
type MockEngine struct {
	mu       sync.Mutex
	scripts  map[string]*Script
	attempts map[string]int
	started  []string
	active   int
	peak     int
}

// NewMockEngine returns an empty mock; URLs without a script yield a
// small default payload.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		scripts:  make(map[string]*Script),
		attempts: make(map[string]int),
	}
}

// SetScript installs the behavior for url.
func (m *MockEngine) SetScript(url string, s Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[url] = &s
}

// StartOrder returns the URLs in the order Start was called.
func (m *MockEngine) StartOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.started))
	copy(out, m.started)
	return out
}

// PeakConcurrency returns the highest number of simultaneously running
// transfers observed.
func (m *MockEngine) PeakConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

type mockHandle struct {
	cancel context.CancelFunc
	gate   *flowGate
}

func (h *mockHandle) Cancel() { h.cancel() }
func (h *mockHandle) Pause()  { h.gate.Pause() }
func (h *mockHandle) Resume() { h.gate.Resume() }

// Start begins a scripted transfer.
func (m *MockEngine) Start(ctx context.Context, req Request, cb Callbacks) (Handle, error) {
	m.mu.Lock()
	script, ok := m.scripts[req.URL]
	if !ok {
		script = &Script{Payload: []byte("mock")}
		m.scripts[req.URL] = script
	}
	attempt := m.attempts[req.URL]
	m.attempts[req.URL] = attempt + 1
	m.started = append(m.started, req.URL)
	m.active++
	if m.active > m.peak {
		m.peak = m.active
	}
	m.mu.Unlock()

	var cancel context.CancelFunc
	if !req.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	h := &mockHandle{cancel: cancel, gate: newFlowGate()}
	go m.run(ctx, req, script, attempt, h, cb)
	return h, nil
}

func (m *MockEngine) run(ctx context.Context, req Request, script *Script, attempt int, h *mockHandle, cb Callbacks) {
	finish := func(res Result) {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
		h.cancel()
		if cb.OnDone != nil {
			cb.OnDone(res)
		}
	}

	if script.StartDelay > 0 {
		select {
		case <-time.After(script.StartDelay):
		case <-ctx.Done():
			finish(Result{Err: classify(ctx.Err())})
			return
		}
	}

	if attempt < script.FailuresBefore {
		finish(Result{Err: fmt.Errorf("%w: scripted failure %d/%d", transfer.ErrTransport, attempt+1, script.FailuresBefore)})
		return
	}

	payload := script.Payload
	status := http.StatusOK
	if req.Range != nil {
		if req.Range.Start >= int64(len(payload)) || req.Range.End >= int64(len(payload)) {
			finish(Result{HTTPStatus: http.StatusRequestedRangeNotSatisfiable,
				Err: fmt.Errorf("%w: bad range", transfer.ErrTransport)})
			return
		}
		payload = payload[req.Range.Start : req.Range.End+1]
		status = http.StatusPartialContent
	}

	chunk := script.ChunkSize
	if chunk <= 0 {
		chunk = 1024
	}

	for off := 0; off < len(payload); off += chunk {
		if script.PerChunkDelay > 0 {
			select {
			case <-time.After(script.PerChunkDelay):
			case <-ctx.Done():
				finish(Result{HTTPStatus: status, Err: classify(ctx.Err())})
				return
			}
		}
		// The gate is checked immediately before delivery so a pause
		// becomes effective without further chunks reaching the callback.
		if err := h.gate.wait(ctx); err != nil {
			finish(Result{HTTPStatus: status, Err: classify(err)})
			return
		}
		end := off + chunk
		if end > len(payload) {
			end = len(payload)
		}
		if cb.OnData != nil {
			consumed, err := cb.OnData(payload[off:end])
			if err != nil {
				finish(Result{HTTPStatus: status, Err: err})
				return
			}
			if consumed < end-off {
				finish(Result{HTTPStatus: status, Err: ErrReceiverAbort})
				return
			}
		}
	}
	finish(Result{HTTPStatus: status})
}
