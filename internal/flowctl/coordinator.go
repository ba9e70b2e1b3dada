package flowctl

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/internal/engine"
)

// Flow is the pause/resume surface of an in-flight transfer.
type Flow interface {
	Pause()
	Resume()
}

// Coordinator applies receiver-side backpressure to one download: it
// requests a pause once a byte threshold is written, makes it effective on
// the following tick, and resumes after a configured delay. Every
// transition lands on the timeline. All flags are monotonic.
type Coordinator struct {
	mu          sync.Mutex
	flow        Flow
	timeline    *Timeline
	pauseOffset int64
	resumeDelay time.Duration

	bytesWritten    int64
	firstByte       bool
	pauseReq        bool
	pauseEffective  bool
	resumeReq       bool
	resumeEffective bool
	pausedAt        time.Time
}

// NewCoordinator watches one transfer. pauseOffset <= 0 disables pausing.
func NewCoordinator(flow Flow, pauseOffset int64, resumeDelay time.Duration, tl *Timeline) *Coordinator {
	return &Coordinator{
		flow:        flow,
		timeline:    tl,
		pauseOffset: pauseOffset,
		resumeDelay: resumeDelay,
	}
}

// OnChunk accounts n bytes written to the destination. The first chunk
// logs first_byte; crossing the pause threshold logs pause_req once.
func (c *Coordinator) OnChunk(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		return
	}
	c.bytesWritten += int64(n)
	if !c.firstByte {
		c.firstByte = true
		c.timeline.Record(EventFirstByte, c.bytesWritten)
	}
	if c.pauseOffset > 0 && !c.pauseReq && c.bytesWritten >= c.pauseOffset {
		c.pauseReq = true
		c.timeline.Record(EventPauseReq, c.bytesWritten)
	}
}

// Tick drives the pause and resume transitions. A requested pause becomes
// effective here; an effective pause resumes once the delay elapsed.
func (c *Coordinator) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pauseReq && !c.pauseEffective {
		c.flow.Pause()
		c.pauseEffective = true
		c.pausedAt = now
		c.timeline.Record(EventPauseEffective, c.bytesWritten)
		return
	}

	if c.pauseEffective && !c.resumeReq && now.Sub(c.pausedAt) >= c.resumeDelay {
		c.resumeReq = true
		c.timeline.Record(EventResumeReq, c.bytesWritten)
		c.flow.Resume()
		c.resumeEffective = true
		c.timeline.Record(EventResumeEffective, c.bytesWritten)
	}
}

// Finish closes the timeline with finished or failed.
func (c *Coordinator) Finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.timeline.Record(EventFailed, c.bytesWritten)
		return
	}
	c.timeline.Record(EventFinished, c.bytesWritten)
}

// BytesWritten returns the cumulative bytes written so far.
func (c *Coordinator) BytesWritten() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesWritten
}

// RunOptions configures a flow-controlled download.
type RunOptions struct {
	// PauseOffset is the written-byte threshold that triggers the pause.
	PauseOffset int64
	// ResumeDelay is how long the transfer stays paused.
	ResumeDelay time.Duration
	// TickInterval bounds the control loop's wait step (default 50ms).
	TickInterval time.Duration
	// Deadline is the absolute transfer deadline. Zero means none.
	Deadline time.Time
}

// Run downloads url through eng into dst under flow control and returns
// the recorded timeline and the HTTP status. The returned error reflects
// the transfer outcome; the timeline is valid either way.
func Run(ctx context.Context, eng engine.Engine, url string, dst io.Writer, opts RunOptions) (*Timeline, int, error) {
	tick := opts.TickInterval
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}

	tl := NewTimeline()
	tl.Record(EventStart, 0)

	coord := NewCoordinator(nil, opts.PauseOffset, opts.ResumeDelay, tl)

	done := make(chan engine.Result, 1)
	h, err := eng.Start(ctx, engine.Request{URL: url, Deadline: opts.Deadline}, engine.Callbacks{
		OnData: func(chunk []byte) (int, error) {
			n, werr := dst.Write(chunk)
			if n > 0 {
				coord.OnChunk(n)
			}
			if werr != nil {
				return n, fmt.Errorf("write destination: %w", werr)
			}
			return n, nil
		},
		OnDone: func(res engine.Result) { done <- res },
	})
	if err != nil {
		coord.Finish(err)
		return tl, 0, err
	}
	coord.mu.Lock()
	coord.flow = h
	coord.mu.Unlock()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case res := <-done:
			coord.Finish(res.Err)
			return tl, res.HTTPStatus, res.Err
		case now := <-ticker.C:
			coord.Tick(now)
		case <-ctx.Done():
			h.Cancel()
			res := <-done
			coord.Finish(res.Err)
			return tl, res.HTTPStatus, res.Err
		}
	}
}
