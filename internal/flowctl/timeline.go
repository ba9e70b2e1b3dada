package flowctl

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// EventType names one entry kind on a flow-control timeline.
type EventType string

const (
	EventStart           EventType = "start"
	EventFirstByte       EventType = "first_byte"
	EventPauseReq        EventType = "pause_req"
	EventPauseEffective  EventType = "pause_effective"
	EventResumeReq       EventType = "resume_req"
	EventResumeEffective EventType = "resume_effective"
	EventFinished        EventType = "finished"
	EventFailed          EventType = "failed"
)

// Event is one timeline entry. Byte counters reflect bytes actually written
// to the destination at the instant of recording.
type Event struct {
	Seq            int       `json:"seq"`
	ElapsedUS      int64     `json:"t_us"`
	Type           EventType `json:"type"`
	BytesDelivered int64     `json:"bytes_delivered_total"`
	BytesWritten   int64     `json:"bytes_written_total"`
}

// Timeline is an append-only, totally ordered event log for one transfer.
// Sequence numbers are strictly increasing and elapsed times non-decreasing.
type Timeline struct {
	mu      sync.Mutex
	started time.Time
	now     func() time.Time
	nextSeq int
	events  []Event
}

// NewTimeline starts a timeline clocked from now.
func NewTimeline() *Timeline {
	return NewTimelineWithNow(time.Now)
}

// NewTimelineWithNow uses a custom time source (for tests).
func NewTimelineWithNow(now func() time.Time) *Timeline {
	if now == nil {
		now = time.Now
	}
	return &Timeline{started: now(), now: now, nextSeq: 1}
}

// Record appends one event.
func (t *Timeline) Record(typ EventType, written int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, Event{
		Seq:            t.nextSeq,
		ElapsedUS:      t.now().Sub(t.started).Microseconds(),
		Type:           typ,
		BytesDelivered: written,
		BytesWritten:   written,
	})
	t.nextSeq++
}

// Events returns a copy of the log.
func (t *Timeline) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Report is the serialized form of a flow-control run.
type Report struct {
	Schema        string  `json:"schema"`
	URL           string  `json:"url"`
	PauseOffset   int64   `json:"pause_offset"`
	ResumeDelayMS int64   `json:"resume_delay_ms"`
	HTTPStatus    int     `json:"http_status"`
	Error         string  `json:"error,omitempty"`
	Events        []Event `json:"events"`
}

const reportSchema = "fluxgate/pause-resume@v1"

// WriteReport serializes the timeline and run outcome as JSON.
func WriteReport(w io.Writer, url string, opts RunOptions, status int, runErr error, tl *Timeline) error {
	rep := Report{
		Schema:        reportSchema,
		URL:           url,
		PauseOffset:   opts.PauseOffset,
		ResumeDelayMS: opts.ResumeDelay.Milliseconds(),
		HTTPStatus:    status,
		Events:        tl.Events(),
	}
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	enc := json.NewEncoder(w)
	return enc.Encode(rep)
}
