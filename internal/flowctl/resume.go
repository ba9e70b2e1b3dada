package flowctl

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fluxgate/fluxgate/internal/engine"
	"github.com/fluxgate/fluxgate/pkg/transfer"
)

// ResumeSpec describes a two-phase resumable download: phase 1 writes
// exactly AbortOffset bytes and deliberately aborts; phase 2 fetches the
// byte range [AbortOffset, FinalSize-1] and appends at that exact offset.
type ResumeSpec struct {
	URL         string
	AbortOffset int64
	FinalSize   int64
}

// TwoPhase performs a range-resume continuation into path. The destination
// ends up exactly FinalSize bytes, or an error is returned before any
// corrupting write happens.
func TwoPhase(ctx context.Context, eng engine.Engine, spec ResumeSpec, path string) error {
	if spec.AbortOffset <= 0 || spec.FinalSize <= spec.AbortOffset {
		return fmt.Errorf("%w: abort offset %d must be within (0,%d)", transfer.ErrSubmission, spec.AbortOffset, spec.FinalSize)
	}

	if err := downloadHead(ctx, eng, spec, path); err != nil {
		return fmt.Errorf("phase 1: %w", err)
	}
	if err := downloadTail(ctx, eng, spec, path); err != nil {
		return fmt.Errorf("phase 2: %w", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat destination: %w", err)
	}
	if fi.Size() != spec.FinalSize {
		return fmt.Errorf("final size mismatch: got %d want %d", fi.Size(), spec.FinalSize)
	}
	return nil
}

// downloadHead truncates path and writes the first AbortOffset bytes,
// then aborts the transfer from the receiving side.
func downloadHead(ctx context.Context, eng engine.Engine, spec ResumeSpec, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer f.Close()

	var written int64
	done := make(chan engine.Result, 1)
	_, err = eng.Start(ctx, engine.Request{URL: spec.URL}, engine.Callbacks{
		OnData: func(chunk []byte) (int, error) {
			remain := spec.AbortOffset - written
			if remain <= 0 {
				return 0, nil
			}
			take := int64(len(chunk))
			if take > remain {
				take = remain
			}
			n, werr := f.Write(chunk[:take])
			written += int64(n)
			if werr != nil {
				return n, fmt.Errorf("write destination: %w", werr)
			}
			// Short consume once the abort offset is reached.
			return n, nil
		},
		OnDone: func(res engine.Result) { done <- res },
	})
	if err != nil {
		return err
	}
	res := <-done
	// The deliberate receiver abort is the expected outcome; a payload
	// exactly AbortOffset bytes long finishes cleanly instead.
	if res.Err != nil && !errors.Is(res.Err, engine.ErrReceiverAbort) {
		return res.Err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync destination: %w", err)
	}
	if written != spec.AbortOffset {
		return fmt.Errorf("wrote %d bytes, want %d", written, spec.AbortOffset)
	}
	return nil
}

// downloadTail appends the byte range [AbortOffset, FinalSize-1] to path.
// It refuses to write unless the destination is exactly AbortOffset bytes.
func downloadTail(ctx context.Context, eng engine.Engine, spec ResumeSpec, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat destination: %w", err)
	}
	if fi.Size() != spec.AbortOffset {
		return fmt.Errorf("destination is %d bytes, cannot append at offset %d", fi.Size(), spec.AbortOffset)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open destination for append: %w", err)
	}
	defer f.Close()

	done := make(chan engine.Result, 1)
	_, err = eng.Start(ctx, engine.Request{
		URL:   spec.URL,
		Range: &engine.ByteRange{Start: spec.AbortOffset, End: spec.FinalSize - 1},
	}, engine.Callbacks{
		OnData: func(chunk []byte) (int, error) {
			n, werr := f.Write(chunk)
			if werr != nil {
				return n, fmt.Errorf("write destination: %w", werr)
			}
			return n, nil
		},
		OnDone: func(res engine.Result) { done <- res },
	})
	if err != nil {
		return err
	}
	res := <-done
	if res.Err != nil {
		return res.Err
	}
	return f.Sync()
}
