package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/time/rate"

	"github.com/fluxgate/fluxgate/internal/bufpool"
	"github.com/fluxgate/fluxgate/pkg/transfer"
)

// Options configures an HTTPEngine.
type Options struct {
	// Proto selects the HTTP version: "http/1.1", "h2" (default) or "h3".
	Proto string
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool
	// ThrottleBytesPerSec caps delivered bandwidth across all transfers.
	// Zero disables throttling.
	ThrottleBytesPerSec int
	// ReadBufSize is the per-read buffer size (default 64 KiB).
	ReadBufSize int
}

// HTTPEngine performs transfers over net/http. HTTP/3 goes through
// quic-go's http3 transport; h2 and http/1.1 through the standard one.
type HTTPEngine struct {
	client  *http.Client
	limiter *rate.Limiter
	pool    *bufpool.Pool
	logger  *slog.Logger
}

// NewHTTPEngine builds an engine for the requested protocol.
func NewHTTPEngine(opts Options, logger *slog.Logger) (*HTTPEngine, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}

	var rt http.RoundTripper
	switch opts.Proto {
	case "", "h2":
		rt = &http.Transport{TLSClientConfig: tlsCfg, ForceAttemptHTTP2: true}
	case "http/1.1":
		rt = &http.Transport{
			TLSClientConfig: tlsCfg,
			TLSNextProto:    map[string]func(string, *tls.Conn) http.RoundTripper{},
		}
	case "h3":
		rt = &http3.Transport{TLSClientConfig: tlsCfg}
	default:
		return nil, fmt.Errorf("unsupported proto %q", opts.Proto)
	}

	bufSize := opts.ReadBufSize
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}

	e := &HTTPEngine{
		client: &http.Client{Transport: rt},
		pool:   bufpool.New(bufSize),
		logger: logger,
	}
	if opts.ThrottleBytesPerSec > 0 {
		// Burst must cover one full read, or WaitN rejects large chunks.
		burst := opts.ThrottleBytesPerSec
		if burst < bufSize {
			burst = bufSize
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.ThrottleBytesPerSec), burst)
	}
	return e, nil
}

type httpHandle struct {
	cancel context.CancelFunc
	gate   *flowGate
}

func (h *httpHandle) Cancel() { h.cancel() }
func (h *httpHandle) Pause()  { h.gate.Pause() }
func (h *httpHandle) Resume() { h.gate.Resume() }

// Start begins the transfer. The body is streamed to cb.OnData chunk by
// chunk; cb.OnDone fires exactly once with the terminal outcome.
func (e *HTTPEngine) Start(ctx context.Context, req Request, cb Callbacks) (Handle, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", transfer.ErrSubmission, req.URL)
	}

	var cancel context.CancelFunc
	if !req.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method.String(), u.String(), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", transfer.ErrSubmission, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Range != nil {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.Range.Start, req.Range.End))
	}

	h := &httpHandle{cancel: cancel, gate: newFlowGate()}
	go e.run(ctx, httpReq, req.Range != nil, h, cb)
	return h, nil
}

func (e *HTTPEngine) run(ctx context.Context, req *http.Request, ranged bool, h *httpHandle, cb Callbacks) {
	var once sync.Once
	finish := func(res Result) {
		once.Do(func() {
			h.cancel()
			if cb.OnDone != nil {
				cb.OnDone(res)
			}
		})
	}

	resp, err := e.client.Do(req)
	if err != nil {
		finish(Result{Err: classify(err)})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		finish(Result{
			HTTPStatus: resp.StatusCode,
			Err:        fmt.Errorf("%w: http status %d", transfer.ErrTransport, resp.StatusCode),
		})
		return
	}
	if ranged && resp.StatusCode != http.StatusPartialContent {
		finish(Result{
			HTTPStatus: resp.StatusCode,
			Err:        fmt.Errorf("%w: range not honored (status %d)", transfer.ErrTransport, resp.StatusCode),
		})
		return
	}

	buf := e.pool.Get()
	defer e.pool.Put(buf)

	for {
		if err := h.gate.wait(ctx); err != nil {
			finish(Result{HTTPStatus: resp.StatusCode, Err: classify(err)})
			return
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if e.limiter != nil {
				if err := e.limiter.WaitN(ctx, n); err != nil {
					finish(Result{HTTPStatus: resp.StatusCode, Err: classify(err)})
					return
				}
			}
			if cb.OnData != nil {
				consumed, derr := cb.OnData(buf[:n])
				if derr != nil {
					finish(Result{HTTPStatus: resp.StatusCode, Err: derr})
					return
				}
				if consumed < n {
					finish(Result{HTTPStatus: resp.StatusCode, Err: ErrReceiverAbort})
					return
				}
			}
		}
		if rerr == io.EOF {
			finish(Result{HTTPStatus: resp.StatusCode})
			return
		}
		if rerr != nil {
			finish(Result{HTTPStatus: resp.StatusCode, Err: classify(rerr)})
			return
		}
	}
}

// classify maps low-level errors onto the transfer error taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", transfer.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", transfer.ErrCancelled, err)
	default:
		return fmt.Errorf("%w: %v", transfer.ErrTransport, err)
	}
}
