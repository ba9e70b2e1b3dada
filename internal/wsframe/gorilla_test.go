package wsframe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxgate/fluxgate/pkg/transfer"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestReadLoopDeliversScriptedEvents(t *testing.T) {
	pongCh := make(chan string, 1)
	pongSeen := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var pongOnce sync.Once
		conn.SetPongHandler(func(appData string) error {
			pongOnce.Do(func() {
				pongCh <- appData
				close(pongSeen)
			})
			return nil
		})
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second))
		conn.WriteMessage(websocket.TextMessage, []byte("hello"))
		// Give the client time to answer the ping before closing.
		select {
		case <-pongSeen:
		case <-time.After(5 * time.Second):
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1000, "done"), time.Now().Add(time.Second))
		<-readDone
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	re := NewReassembler(Options{AutoPong: true, Pong: conn})
	log := NewEventLog()
	err = conn.ReadLoop(context.Background(), func(f Frame) error {
		msg, perr := re.Push(f)
		if perr != nil {
			return perr
		}
		if msg != nil {
			log.Add(*msg)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read loop: %v", err)
	}

	entries := log.Entries()
	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	want := []string{"ping", "text", "close"}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", kinds, want)
		}
	}
	if string(entries[1].Payload) != "hello" {
		t.Fatalf("text payload = %q", entries[1].Payload)
	}
	code, reason, cerr := ParseClose(entries[2].Payload)
	if cerr != nil || code != 1000 || reason != "done" {
		t.Fatalf("close = (%d, %q, %v)", code, reason, cerr)
	}

	// Auto-pong must have answered the server's ping.
	select {
	case payload := <-pongCh:
		if payload != "ping" {
			t.Fatalf("pong payload = %q", payload)
		}
	default:
		t.Fatalf("server never received the pong")
	}
}

func TestAbruptDisconnectIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop the connection without a close handshake.
		conn.Close()
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	err = conn.ReadLoop(context.Background(), func(f Frame) error { return nil })
	if !errors.Is(err, transfer.ErrTransport) {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, payload); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.SendBinary([]byte{1, 2, 3}); err != nil {
		t.Fatalf("send: %v", err)
	}

	re := NewReassembler(Options{})
	got := make(chan Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loopErr := make(chan error, 1)
	go func() {
		loopErr <- conn.ReadLoop(ctx, func(f Frame) error {
			msg, perr := re.Push(f)
			if perr != nil {
				return perr
			}
			if msg != nil {
				got <- *msg
				cancel()
			}
			return nil
		})
	}()

	select {
	case msg := <-got:
		if msg.Kind != KindBinary || len(msg.Payload) != 3 {
			t.Fatalf("echo message = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no echo received")
	}
	<-loopErr
}
