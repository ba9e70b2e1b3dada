// fluxserv is a local test origin for exercising the flux client: it serves
// deterministic payloads with Range support, endpoints that fail a scripted
// number of times, throttled streams for pause/resume runs, and WebSocket
// echo and scripted scenarios.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxgate/fluxgate/internal/config"
	"github.com/fluxgate/fluxgate/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local test origin only
	},
}

const serverVersion = "v0.1.0"

const maxPayloadBytes = 256 << 20

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Println(serverVersion)
		return
	}
	cfg := config.ParseServerConfig()
	logger := logging.New("fluxserv", cfg.LogLevel)

	flaky := &flakyCounter{attempts: make(map[string]int)}

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	// /payload?size=N serves N deterministic pattern bytes with Range support.
	http.HandleFunc("/payload", func(w http.ResponseWriter, r *http.Request) {
		size, err := sizeParam(r, "size", 1<<20)
		if err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		http.ServeContent(w, r, "payload.bin", time.Time{}, bytes.NewReader(pattern(size)))
	})

	// /payload-noresume?size=N is the same body but ignores Range headers.
	http.HandleFunc("/payload-noresume", func(w http.ResponseWriter, r *http.Request) {
		size, err := sizeParam(r, "size", 1<<20)
		if err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(size))
		w.WriteHeader(http.StatusOK)
		w.Write(pattern(size))
	})

	// /flaky?id=X&fails=N returns 500 for the first N requests carrying the
	// same id, then succeeds. Exercises the client's automatic retry.
	http.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			sendError(w, http.StatusBadRequest, "missing id")
			return
		}
		fails, err := sizeParam(r, "fails", 2)
		if err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		attempt := flaky.next(id)
		if attempt <= fails {
			logger.Info("flaky failure", "id", id, "attempt", attempt)
			sendError(w, http.StatusInternalServerError, "scripted failure")
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "ok after %d attempts", attempt)
	})

	// /slow?size=N&chunk=N&delay_ms=N streams the pattern in paced chunks,
	// slow enough for a pause to land mid-transfer.
	http.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		size, err := sizeParam(r, "size", 1<<20)
		if err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		chunk, err := sizeParam(r, "chunk", 16<<10)
		if err != nil || chunk <= 0 {
			sendError(w, http.StatusBadRequest, "invalid chunk")
			return
		}
		delayMS, err := sizeParam(r, "delay_ms", 10)
		if err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			sendError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(size))
		w.WriteHeader(http.StatusOK)
		body := pattern(size)
		for off := 0; off < len(body); off += chunk {
			end := off + chunk
			if end > len(body) {
				end = len(body)
			}
			if _, err := w.Write(body[off:end]); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(time.Duration(delayMS) * time.Millisecond):
			}
		}
	})

	http.HandleFunc("/ws/echo", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
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
	})

	// /ws/script drives a fixed sequence: ping, text, binary, then a clean
	// close. Useful for verifying frame classification on the client side.
	http.HandleFunc("/ws/script", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		pongSeen := make(chan struct{})
		var pongOnce sync.Once
		conn.SetPongHandler(func(string) error {
			pongOnce.Do(func() { close(pongSeen) })
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

		conn.WriteControl(websocket.PingMessage, []byte("are you there"), time.Now().Add(time.Second))
		conn.WriteMessage(websocket.TextMessage, []byte("hello from fluxserv"))
		conn.WriteMessage(websocket.BinaryMessage, pattern(64))
		select {
		case <-pongSeen:
		case <-time.After(5 * time.Second):
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "script complete"),
			time.Now().Add(time.Second))
		<-readDone
	})

	logger.Info("starting test origin", "addr", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, nil); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// pattern produces the deterministic byte sequence used by all payload
// endpoints, so clients can verify content integrity at any offset.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

type flakyCounter struct {
	mu       sync.Mutex
	attempts map[string]int
}

func (f *flakyCounter) next(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[id]++
	return f.attempts[id]
}

func sizeParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 || v > maxPayloadBytes {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func printServerUsage() {
	fmt.Fprintln(os.Stderr, "usage: fluxserv [--addr HOST:PORT] [--log-level LEVEL]")
	fmt.Fprintln(os.Stderr, "  --addr HOST:PORT   listen address (default :8080)")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL  debug, info, warn or error (default info)")
	fmt.Fprintln(os.Stderr, "endpoints:")
	fmt.Fprintln(os.Stderr, "  /payload?size=N                     pattern bytes, Range supported")
	fmt.Fprintln(os.Stderr, "  /payload-noresume?size=N            pattern bytes, Range ignored")
	fmt.Fprintln(os.Stderr, "  /flaky?id=X&fails=N                 fail first N attempts per id")
	fmt.Fprintln(os.Stderr, "  /slow?size=N&chunk=N&delay_ms=N     paced chunked stream")
	fmt.Fprintln(os.Stderr, "  /ws/echo                            websocket echo")
	fmt.Fprintln(os.Stderr, "  /ws/script                          scripted ping/text/binary/close")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
