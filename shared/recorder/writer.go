package recorder

import (
	"context"
	"log/slog"

	"github.com/squadsense/services/shared/storage"
)

// flushStats is the outcome of one persistence pass over a snapshot.
type flushStats struct {
	attempted int
	persisted int
}

func (s flushStats) lost() int { return s.attempted - s.persisted }

// batchWriter pushes snapshots into storage in fixed-size chunks. A failed
// chunk is retried record by record; records that fail individually too are
// logged and dropped — they are never re-queued, the loss is counted instead.
type batchWriter struct {
	store     storage.RecordWriter
	chunkSize int
}

func (w *batchWriter) persist(ctx context.Context, recs []storage.SensorRecord) flushStats {
	st := flushStats{attempted: len(recs)}
	for start := 0; start < len(recs); start += w.chunkSize {
		end := min(start+w.chunkSize, len(recs))
		chunk := recs[start:end]

		err := w.store.InsertBatch(ctx, chunk)
		if err == nil {
			st.persisted += len(chunk)
			continue
		}
		slog.Warn("chunk insert failed, retrying records individually",
			"size", len(chunk), "err", err)

		for _, rec := range chunk {
			if err := w.store.InsertOne(ctx, rec); err != nil {
				slog.Error("dropping sample",
					"session", rec.SessionID, "pod", rec.PodID,
					"elapsed", rec.Elapsed, "err", err)
				continue
			}
			st.persisted++
		}
	}
	return st
}

// flushOnce runs one complete flush: claim the single-flight slot, persist
// the snapshot, merge pending back in. Safe to call from any goroutine; a
// refused claim (flush already in flight, or empty buffer) returns zeros.
func (e *Engine) flushOnce(ctx context.Context) flushStats {
	snap, ok := e.buf.BeginFlush()
	if !ok {
		return flushStats{}
	}
	defer e.buf.EndFlush()

	st := e.bw.persist(ctx, snap)

	e.metrics.flushes.Add(1)
	e.metrics.persisted.Add(int64(st.persisted))
	if lost := st.lost(); lost > 0 {
		e.metrics.lost.Add(int64(lost))
		slog.Warn("flush completed with losses",
			"attempted", st.attempted, "persisted", st.persisted, "lost", lost)
	} else {
		slog.Debug("flush complete", "persisted", st.persisted)
	}
	return st
}
