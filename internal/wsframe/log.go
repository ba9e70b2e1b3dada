package wsframe

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// LogEntry is one reassembled event in a connection's event log.
type LogEntry struct {
	Seq       int    `json:"seq"`
	ElapsedUS int64  `json:"t_us"`
	Kind      string `json:"kind"`
	Payload   []byte `json:"payload"`
}

// EventLog records reassembled messages and control events in arrival
// order. Entries are append-only with strictly increasing sequence numbers.
type EventLog struct {
	mu      sync.Mutex
	started time.Time
	now     func() time.Time
	nextSeq int
	entries []LogEntry
}

// NewEventLog starts an empty log clocked from now.
func NewEventLog() *EventLog {
	return NewEventLogWithNow(time.Now)
}

// NewEventLogWithNow uses a custom time source (for tests).
func NewEventLogWithNow(now func() time.Time) *EventLog {
	if now == nil {
		now = time.Now
	}
	return &EventLog{started: now(), now: now, nextSeq: 1}
}

// Add appends one message to the log.
func (l *EventLog) Add(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{
		Seq:       l.nextSeq,
		ElapsedUS: l.now().Sub(l.started).Microseconds(),
		Kind:      msg.Kind.String(),
		Payload:   append([]byte(nil), msg.Payload...),
	})
	l.nextSeq++
}

// Entries returns a copy of the log.
func (l *EventLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// WriteJSON serializes the log as line-delimited JSON records.
func (l *EventLog) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, e := range l.Entries() {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
