package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/skilder-ai/toolgate/telemetry"
)

// ServeStdio serves sess over newline-delimited JSON read from in and
// written to out. The session lives as long as in stays open: reaching EOF
// is the disconnect signal and releases every call still waiting for a
// reply. ServeStdio returns nil on EOF and ctx.Err() when ctx ends first.
func ServeStdio(ctx context.Context, d *Dispatcher, sess *Session, in io.Reader, out io.Writer) error {
	d.metrics.IncCounter(telemetry.MetricSessionsOpened, 1, "binding", BindingStdio)
	d.logger.Info(ctx, "session opened", "tenant", sess.Scope.Tenant, "session", sess.ID, "binding", BindingStdio)
	defer d.Forget(sess.ID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		br := bufio.NewReaderSize(in, 64<<10)
		for {
			frame, err := readFrame(br)
			switch {
			case errors.Is(err, errTooLarge):
				// nil marks an oversized frame.
				frame = nil
			case err != nil:
				readErr <- err
				return
			default:
				if frame = bytes.TrimSpace(frame); len(frame) == 0 {
					continue
				}
			}
			select {
			case lines <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	defer wg.Wait()
	w := bufio.NewWriter(out)
	write := func(resp *Response) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = w.Write(resp.Encode())
		_ = w.WriteByte('\n')
		if err := w.Flush(); err != nil {
			d.logger.Warn(ctx, "failed to write response", "session", sess.ID, "err", err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			cancel()
			d.logger.Info(ctx, "session closed", "session", sess.ID, "binding", BindingStdio)
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read stdin: %w", err)
			}
			return nil
		case line := <-lines:
			if line == nil {
				write(tooLarge())
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if resp := d.Handle(ctx, sess, line); resp != nil {
					write(resp)
				}
			}()
		}
	}
}
