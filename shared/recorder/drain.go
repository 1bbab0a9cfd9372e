package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// drainLocked empties the buffers at the end of a session. Caller holds
// e.mu, which also blocks any new flush from being armed. First waits out an
// in-flight flush (bounded, so a wedged storage write cannot hang End
// forever), then runs synchronous flush passes until the buffer is empty or
// the passes are used up. Whatever is still buffered after that is counted
// as lost.
func (e *Engine) drainLocked(ctx context.Context) []error {
	var errs []error

	done := make(chan struct{})
	go func() {
		e.flights.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.DrainTimeout):
		errs = append(errs, fmt.Errorf("drain: flush still in flight after %s", e.cfg.DrainTimeout))
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("drain interrupted: %w", ctx.Err()))
	}

	for i := 0; i < e.cfg.DrainPasses && e.buf.Len() > 0; i++ {
		if st := e.flushOnce(ctx); st.attempted == 0 {
			// Buffer is claimed by the flush we gave up waiting on; another
			// pass would spin on the same refusal.
			break
		}
	}

	if n := e.buf.Len(); n > 0 {
		e.metrics.lost.Add(int64(n))
		slog.Error("permanent sample loss at drain",
			"session", e.sess.ID, "unpersisted", n)
		errs = append(errs, fmt.Errorf("drain: %d samples unpersisted", n))
	}
	return errs
}

// Close ends any in-progress session so buffered samples drain before the
// process exits. Safe to call when nothing is recording.
func (e *Engine) Close(ctx context.Context) error {
	if _, err := e.End(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}
