// flux is the command-line front end for the transfer orchestrator. It runs
// prioritized download batches, flow-controlled pause/resume captures,
// two-phase range-resumed downloads and WebSocket frame inspection.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fluxgate/fluxgate/internal/config"
	"github.com/fluxgate/fluxgate/internal/engine"
	"github.com/fluxgate/fluxgate/internal/flowctl"
	"github.com/fluxgate/fluxgate/internal/logging"
	"github.com/fluxgate/fluxgate/internal/progress"
	"github.com/fluxgate/fluxgate/internal/scheduler"
	"github.com/fluxgate/fluxgate/internal/wsframe"
	"github.com/fluxgate/fluxgate/pkg/transfer"
)

const version = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 || hasHelpFlag(args[:1]) {
		printUsage()
		return
	}
	if hasVersionFlag(args) {
		fmt.Println(version)
		return
	}

	var err error
	switch args[0] {
	case "batch":
		err = runBatch(args[1:])
	case "flow":
		err = runFlow(args[1:])
	case "resume":
		err = runResume(args[1:])
	case "ws":
		err = runWS(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "flux %s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func newEngine(cfg config.ClientConfig, logger *slog.Logger) (*engine.HTTPEngine, error) {
	return engine.NewHTTPEngine(engine.Options{
		Proto:               cfg.Proto,
		InsecureSkipVerify:  cfg.Insecure,
		ThrottleBytesPerSec: cfg.ThrottleBytesPerSec,
	}, logger)
}

// meteredEngine counts delivered bytes on the way through to the caller.
type meteredEngine struct {
	inner engine.Engine
	meter *progress.Meter
}

func (m *meteredEngine) Start(ctx context.Context, req engine.Request, cb engine.Callbacks) (engine.Handle, error) {
	onData := cb.OnData
	cb.OnData = func(chunk []byte) (int, error) {
		n, err := onData(chunk)
		if n > 0 {
			m.meter.Add(n)
		}
		return n, err
	}
	return m.inner.Start(ctx, req, cb)
}

// runBatch downloads every URL argument under the configured concurrency
// ceiling. A "high:" or "low:" prefix on a URL sets its priority.
func runBatch(args []string) error {
	fs := flag.NewFlagSet("flux batch", flag.ExitOnError)
	cfg := config.ParseClient(fs, args)
	urls := fs.Args()
	if len(urls) == 0 {
		return fmt.Errorf("no URLs given")
	}

	logger := logging.New("flux", cfg.LogLevel)
	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	meter := progress.NewMeter()
	meter.Start(0)

	batch := scheduler.New(&meteredEngine{inner: eng, meter: meter}, scheduler.Config{
		MaxConcurrent:  cfg.MaxConcurrent,
		MaxRetries:     cfg.MaxRetries,
		TimeoutSeconds: cfg.TimeoutSeconds,
	}, logger)

	for _, raw := range urls {
		prio := transfer.PriorityNormal
		u := raw
		switch {
		case strings.HasPrefix(raw, "high:"):
			prio, u = transfer.PriorityHigh, strings.TrimPrefix(raw, "high:")
		case strings.HasPrefix(raw, "low:"):
			prio, u = transfer.PriorityLow, strings.TrimPrefix(raw, "low:")
		}
		if _, err := batch.Submit(u, transfer.MethodGet, prio, nil); err != nil {
			return fmt.Errorf("submit %s: %w", u, err)
		}
	}

	batch.Start()
	for ev := range batch.Events() {
		switch ev.Type {
		case scheduler.EventTransferCompleted:
			rec, _ := batch.Record(ev.ID)
			if ev.Success {
				fmt.Printf("done  %-60s %d bytes (http %d)\n", rec.URL, len(rec.Response), rec.HTTPStatus)
			} else {
				fmt.Printf("fail  %-60s %v\n", rec.URL, rec.Err)
			}
		case scheduler.EventTransferRetrying:
			rec, _ := batch.Record(ev.ID)
			fmt.Printf("retry %-60s attempt %d\n", rec.URL, rec.RetryCount)
		case scheduler.EventAllCompleted:
			snap := meter.Snapshot()
			fmt.Printf("batch complete: %d ok, %d failed, %d bytes, %.0f B/s\n",
				ev.Stats.Success, ev.Stats.Failed, snap.BytesDone, snap.RateBps)
			return nil
		}
	}
	return nil
}

// runFlow downloads one URL under flow control, pausing at a byte offset
// and resuming after a delay, and emits the event timeline as JSON.
func runFlow(args []string) error {
	fs := flag.NewFlagSet("flux flow", flag.ExitOnError)
	pauseAt := fs.Int64("pause-at", 1<<20, "pause once this many bytes are written")
	resumeAfter := fs.Duration("resume-after", 2*time.Second, "how long to stay paused")
	out := fs.String("out", "", "destination file (default: discard body)")
	report := fs.String("report", "", "timeline report file (default: stdout)")
	cfg := config.ParseClient(fs, args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one URL")
	}
	url := fs.Arg(0)

	logger := logging.New("flux", cfg.LogLevel)
	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	dst := io.Discard
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		dst = f
	}
	meter := progress.NewMeter()
	meter.Start(0)

	opts := flowctl.RunOptions{
		PauseOffset: *pauseAt,
		ResumeDelay: *resumeAfter,
		Deadline:    time.Now().Add(time.Duration(cfg.TimeoutSeconds) * time.Second),
	}
	tl, status, runErr := flowctl.Run(context.Background(), eng, url, &meterWriter{dst: dst, meter: meter}, opts)

	repDst := os.Stdout
	if *report != "" {
		f, err := os.Create(*report)
		if err != nil {
			return err
		}
		defer f.Close()
		repDst = f
	}
	if err := flowctl.WriteReport(repDst, url, opts, status, runErr, tl); err != nil {
		return err
	}
	snap := meter.Snapshot()
	fmt.Fprintf(os.Stderr, "transferred %d bytes at %.0f B/s\n", snap.BytesDone, snap.RateBps)
	return runErr
}

type meterWriter struct {
	dst   io.Writer
	meter *progress.Meter
}

func (w *meterWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		w.meter.Add(n)
	}
	return n, err
}

// runResume performs the two-phase download: abort mid-body, then finish
// the file with a ranged request appending from the abort offset.
func runResume(args []string) error {
	fs := flag.NewFlagSet("flux resume", flag.ExitOnError)
	abortAt := fs.Int64("abort-at", 1<<20, "byte offset where phase one aborts")
	size := fs.Int64("size", 0, "expected total size in bytes (required)")
	out := fs.String("out", "download.bin", "destination file")
	cfg := config.ParseClient(fs, args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one URL")
	}
	url := fs.Arg(0)
	if *size <= 0 {
		return fmt.Errorf("-size is required")
	}

	logger := logging.New("flux", cfg.LogLevel)
	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.TimeoutSeconds)*time.Second)
	defer cancel()
	spec := flowctl.ResumeSpec{URL: url, AbortOffset: *abortAt, FinalSize: *size}
	if err := flowctl.TwoPhase(ctx, eng, spec, *out); err != nil {
		return err
	}
	fmt.Printf("resumed download complete: %s (%d bytes, abort at %d)\n", *out, *size, *abortAt)
	return nil
}

// runWS connects to a WebSocket endpoint, optionally sends a text message,
// and logs every reassembled message and control event as JSON lines.
func runWS(args []string) error {
	fs := flag.NewFlagSet("flux ws", flag.ExitOnError)
	send := fs.String("send", "", "text message to send after connecting")
	wait := fs.Duration("wait", 10*time.Second, "how long to listen before closing")
	cfg := config.ParseClient(fs, args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one WebSocket URL")
	}
	url := fs.Arg(0)

	logger := logging.New("flux", cfg.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	conn, err := wsframe.Dial(ctx, url, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	if *send != "" {
		if err := conn.SendText([]byte(*send)); err != nil {
			return err
		}
	}

	re := wsframe.NewReassembler(wsframe.Options{AutoPong: true, Pong: conn})
	log := wsframe.NewEventLog()
	err = conn.ReadLoop(ctx, func(f wsframe.Frame) error {
		msg, perr := re.Push(f)
		if perr != nil {
			return perr
		}
		if msg != nil {
			log.Add(*msg)
		}
		return nil
	})
	if werr := log.WriteJSON(os.Stdout); werr != nil {
		return werr
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: flux <command> [flags] [args]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  batch   download many URLs under a concurrency ceiling with retries")
	fmt.Fprintln(os.Stderr, "  flow    pause/resume one download at a byte threshold, emit a timeline")
	fmt.Fprintln(os.Stderr, "  resume  abort a download mid-body and finish it with a Range request")
	fmt.Fprintln(os.Stderr, "  ws      log WebSocket messages and control frames from an endpoint")
	fmt.Fprintln(os.Stderr, "quick examples:")
	fmt.Fprintln(os.Stderr, "  flux batch http://localhost:8080/payload?size=1000000 high:http://localhost:8080/flaky?id=a")
	fmt.Fprintln(os.Stderr, "  flux flow -pause-at 500000 -resume-after 2s 'http://localhost:8080/slow?size=2000000'")
	fmt.Fprintln(os.Stderr, "  flux resume -abort-at 300000 -size 1000000 'http://localhost:8080/payload?size=1000000'")
	fmt.Fprintln(os.Stderr, "  flux ws -send hello ws://localhost:8080/ws/script")
	fmt.Fprintln(os.Stderr, "to learn detailed usage:")
	fmt.Fprintln(os.Stderr, "  flux <command> --help")
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
