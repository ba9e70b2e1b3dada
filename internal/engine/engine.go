package engine

import (
	"context"
	"errors"
	"time"

	"github.com/fluxgate/fluxgate/pkg/transfer"
)

// ErrReceiverAbort is reported when the data callback consumed fewer bytes
// than delivered, deliberately terminating the transfer from the receiving
// side. It is distinct from a transport failure.
var ErrReceiverAbort = errors.New("transfer aborted by receiver")

// ByteRange selects an inclusive byte range of the target resource.
type ByteRange struct {
	Start int64
	End   int64
}

// Request describes one transfer handed to the engine.
type Request struct {
	URL     string
	Method  transfer.Method
	Headers map[string]string
	Body    []byte
	// Range, when non-nil, asks for exactly that byte range of the
	// response body. The engine fails the transfer if the target does
	// not honor it.
	Range *ByteRange
	// Deadline is an absolute per-transfer deadline. Zero means none.
	Deadline time.Time
}

// Result is the completion notification for a transfer.
type Result struct {
	HTTPStatus int
	Err        error
}

// Success reports whether the transfer finished cleanly.
func (r Result) Success() bool { return r.Err == nil }

// Callbacks carry the engine's asynchronous notifications. Both are invoked
// from the engine's own goroutine; callers marshal onto their control thread.
type Callbacks struct {
	// OnData delivers one chunk of response body. It returns the number of
	// bytes consumed; consuming fewer than len(chunk) aborts the transfer
	// with ErrReceiverAbort. A nil OnData discards the body.
	OnData func(chunk []byte) (int, error)
	// OnDone delivers the terminal outcome exactly once.
	OnDone func(res Result)
}

// Handle controls one in-flight transfer. Pause and Resume are synchronous
// and idempotent; Cancel is immediate and terminal.
type Handle interface {
	Cancel()
	Pause()
	Resume()
}

// Engine is the external transport collaborator. It performs the actual
// wire-level work on its own goroutines and reports back via Callbacks.
type Engine interface {
	Start(ctx context.Context, req Request, cb Callbacks) (Handle, error)
}
