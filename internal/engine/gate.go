package engine

import (
	"context"
	"sync"
)

// flowGate blocks chunk delivery while a transfer is paused. Pause and
// Resume are idempotent; waiters unblock the moment Resume runs.
type flowGate struct {
	mu     sync.Mutex
	paused bool
	open   chan struct{}
}

func newFlowGate() *flowGate {
	g := &flowGate{open: make(chan struct{})}
	close(g.open)
	return g
}

func (g *flowGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.open = make(chan struct{})
}

func (g *flowGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.open)
}

// wait blocks until the gate is open or ctx is done.
func (g *flowGate) wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
