package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fluxgate/fluxgate/pkg/transfer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) *HTTPEngine {
	t.Helper()
	e, err := NewHTTPEngine(Options{}, testLogger())
	if err != nil {
		t.Fatalf("NewHTTPEngine: %v", err)
	}
	return e
}

func runTransfer(t *testing.T, e *HTTPEngine, req Request) ([]byte, Result) {
	t.Helper()
	var body bytes.Buffer
	done := make(chan Result, 1)
	_, err := e.Start(context.Background(), req, Callbacks{
		OnData: func(chunk []byte) (int, error) { return body.Write(chunk) },
		OnDone: func(res Result) { done <- res },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case res := <-done:
		return body.Bytes(), res
	case <-time.After(10 * time.Second):
		t.Fatalf("transfer did not complete")
		return nil, Result{}
	}
}

func TestGetDeliversBody(t *testing.T) {
	payload := strings.Repeat("fluxgate", 512)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	}))
	defer srv.Close()

	body, res := runTransfer(t, newTestEngine(t), Request{URL: srv.URL, Method: transfer.MethodGet})
	if !res.Success() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.HTTPStatus != http.StatusOK {
		t.Fatalf("status = %d", res.HTTPStatus)
	}
	if string(body) != payload {
		t.Fatalf("body mismatch: got %d bytes want %d", len(body), len(payload))
	}
}

func TestHTTPErrorIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	_, res := runTransfer(t, newTestEngine(t), Request{URL: srv.URL, Method: transfer.MethodGet})
	if !errors.Is(res.Err, transfer.ErrTransport) {
		t.Fatalf("expected transport error, got %v", res.Err)
	}
	if res.HTTPStatus != http.StatusNotFound {
		t.Fatalf("status = %d", res.HTTPStatus)
	}
}

func TestDeadlineBecomesTimeoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, res := runTransfer(t, newTestEngine(t), Request{
		URL:      srv.URL,
		Method:   transfer.MethodGet,
		Deadline: time.Now().Add(100 * time.Millisecond),
	})
	if !errors.Is(res.Err, transfer.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", res.Err)
	}
}

func TestRangeRequestHonored(t *testing.T) {
	payload := []byte("0123456789abcdefghij")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "payload.bin", time.Now(), bytes.NewReader(payload))
	}))
	defer srv.Close()

	body, res := runTransfer(t, newTestEngine(t), Request{
		URL:    srv.URL,
		Method: transfer.MethodGet,
		Range:  &ByteRange{Start: 5, End: 14},
	})
	if !res.Success() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.HTTPStatus != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", res.HTTPStatus)
	}
	if string(body) != string(payload[5:15]) {
		t.Fatalf("range body mismatch: %q", body)
	}
}

func TestRangeNotHonoredFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "full body, range ignored")
	}))
	defer srv.Close()

	_, res := runTransfer(t, newTestEngine(t), Request{
		URL:    srv.URL,
		Method: transfer.MethodGet,
		Range:  &ByteRange{Start: 0, End: 9},
	})
	if !errors.Is(res.Err, transfer.ErrTransport) {
		t.Fatalf("expected transport error for ignored range, got %v", res.Err)
	}
}

func TestShortConsumeAbortsByReceiver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{0x42}, 1<<20))
	}))
	defer srv.Close()

	done := make(chan Result, 1)
	_, err := newTestEngine(t).Start(context.Background(), Request{URL: srv.URL, Method: transfer.MethodGet}, Callbacks{
		OnData: func(chunk []byte) (int, error) { return len(chunk) / 2, nil },
		OnDone: func(res Result) { done <- res },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := <-done
	if !errors.Is(res.Err, ErrReceiverAbort) {
		t.Fatalf("expected receiver abort, got %v", res.Err)
	}
}

func TestCancelMidTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		w.Write(bytes.Repeat([]byte{0x01}, 4096))
		f.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	firstChunk := make(chan struct{})
	var chunkOnce bool
	done := make(chan Result, 1)
	h, err := newTestEngine(t).Start(context.Background(), Request{URL: srv.URL, Method: transfer.MethodGet}, Callbacks{
		OnData: func(chunk []byte) (int, error) {
			if !chunkOnce {
				chunkOnce = true
				close(firstChunk)
			}
			return len(chunk), nil
		},
		OnDone: func(res Result) { done <- res },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-firstChunk
	h.Cancel()
	res := <-done
	if !errors.Is(res.Err, transfer.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", res.Err)
	}
}

func TestMalformedURLRejectedSynchronously(t *testing.T) {
	_, err := newTestEngine(t).Start(context.Background(), Request{URL: "not a url", Method: transfer.MethodGet}, Callbacks{})
	if !errors.Is(err, transfer.ErrSubmission) {
		t.Fatalf("expected submission error, got %v", err)
	}
}
