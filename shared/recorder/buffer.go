package recorder

import (
	"sync"

	"github.com/squadsense/services/shared/storage"
)

// sampleBuffer is the two-slot buffer between the ingest hot path and batch
// persistence. Appends land in the active slot; while a flush is in flight
// they divert to the pending slot so the flush works on an immutable
// snapshot. At most one flush runs at a time (the flushing flag).
type sampleBuffer struct {
	mu       sync.Mutex
	active   []storage.SensorRecord
	pending  []storage.SensorRecord
	flushing bool
	sizeHint int
}

func newSampleBuffer(sizeHint int) *sampleBuffer {
	return &sampleBuffer{
		active:   make([]storage.SensorRecord, 0, sizeHint),
		sizeHint: sizeHint,
	}
}

// Add appends a record and returns the active slot's length, which drives
// the size-based flush trigger. During an in-flight flush the record goes to
// pending instead and the returned length stays flat.
func (b *sampleBuffer) Add(rec storage.SensorRecord) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushing {
		b.pending = append(b.pending, rec)
		return len(b.active)
	}
	b.active = append(b.active, rec)
	return len(b.active)
}

// BeginFlush claims the single-flight slot and hands back a snapshot of the
// active records, clearing the slot. Refused (nil, false) when a flush is
// already in flight or there is nothing to flush.
func (b *sampleBuffer) BeginFlush() ([]storage.SensorRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushing || len(b.active) == 0 {
		return nil, false
	}
	b.flushing = true
	snap := b.active
	b.active = make([]storage.SensorRecord, 0, b.sizeHint)
	return snap, true
}

// EndFlush releases the single-flight slot. Pending records collected during
// the flight merge back into active unconditionally, whatever happened to the
// snapshot.
func (b *sampleBuffer) EndFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) > 0 {
		b.active = append(b.active, b.pending...)
		b.pending = b.pending[:0]
	}
	b.flushing = false
}

// Len is the total number of unpersisted records in both slots.
func (b *sampleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active) + len(b.pending)
}

// Flushing reports whether a flush currently holds the single-flight slot.
func (b *sampleBuffer) Flushing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushing
}

// Reset drops everything. Called when a session's lifecycle ends; by then a
// drain has either persisted or accounted for every record.
func (b *sampleBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = make([]storage.SensorRecord, 0, b.sizeHint)
	b.pending = nil
	b.flushing = false
}
