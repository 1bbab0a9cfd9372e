// Package recorder implements the session recording engine: one squad
// session at a time, fed positional sample arrays from pods, persisted as
// timestamp-normalized batches.
//
// Lifecycle: Idle → Recording (Start) → Stopping (End drains) → Idle.
// Ingest accepts samples only while Recording and answers with a plain bool;
// the hot path never returns errors. Buffered records flush when the active
// slot reaches BatchSize or FlushInterval elapses, one flush in flight at a
// time. Records that fail both the chunk write and the per-record fallback
// are counted and dropped, never re-queued; the session row records how many
// samples made it and how many were lost.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/squadsense/services/shared/metadata"
	"github.com/squadsense/services/shared/storage"
)

var (
	ErrSessionActive = errors.New("recorder: a session is already in progress")
	ErrNoSession     = errors.New("recorder: no session in progress")
	ErrNoPods        = errors.New("recorder: no active pod assignments")
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
)

// minSampleFields is the shortest sample array Ingest accepts. Layout:
//
//	[0] pod serial   [1] raw timestamp  [2] battery
//	[3..5]  orientation XYZ
//	[6..8]  acceleration XYZ
//	[9..11] gyro XYZ
//	[12..14] magnetometer XYZ
const minSampleFields = 15

// Pod firmware ships 10–50 Hz sample rates; clock intervals clamp to that.
const (
	minSampleInterval = 0.02
	maxSampleInterval = 0.1
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 5 * time.Second
	defaultChunkSize     = 10
	defaultDrainTimeout  = 10 * time.Second
	defaultDrainPasses   = 3
)

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	BatchSize     int           // active-slot size that triggers a flush
	FlushInterval time.Duration // age-based flush cadence
	ChunkSize     int           // records per storage InsertBatch call
	DrainTimeout  time.Duration // bound on waiting out an in-flight flush at drain
	DrainPasses   int           // final flush passes at drain
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.DrainPasses <= 0 {
		c.DrainPasses = defaultDrainPasses
	}
	return c
}

// SessionInit describes the session an operator wants to record.
type SessionInit struct {
	SquadID  string
	OrgID    string
	Activity string
	Notes    string
}

// Summary reports what a finished session ingested and persisted.
type Summary struct {
	SessionID string `json:"session_id"`
	Accepted  int64  `json:"accepted"`
	Persisted int64  `json:"persisted"`
	Lost      int64  `json:"lost"`
}

// MetricsSnapshot is a point-in-time copy of the engine's lifetime counters.
type MetricsSnapshot struct {
	Accepted  int64 `json:"accepted"`
	Rejected  int64 `json:"rejected"`
	Persisted int64 `json:"persisted"`
	Lost      int64 `json:"lost"`
	Flushes   int64 `json:"flushes"`
}

type engineMetrics struct {
	accepted  atomic.Int64
	rejected  atomic.Int64
	persisted atomic.Int64
	lost      atomic.Int64
	flushes   atomic.Int64
}

func (m *engineMetrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Accepted:  m.accepted.Load(),
		Rejected:  m.rejected.Load(),
		Persisted: m.persisted.Load(),
		Lost:      m.lost.Load(),
		Flushes:   m.flushes.Load(),
	}
}

// Engine records one session at a time. All exported methods are safe for
// concurrent use.
type Engine struct {
	cfg     Config
	meta    metadata.SessionStore
	reg     metadata.PodRegistry
	bw      batchWriter
	buf     *sampleBuffer
	metrics engineMetrics

	// flights tracks in-flight flush goroutines. Adds happen under mu so the
	// drain's Wait can never race a concurrent Add.
	flights sync.WaitGroup

	mu        sync.Mutex
	state     State
	sess      metadata.Session
	expected  map[string]float64 // pod serial → clock interval, seconds
	clocks    map[string]*sampleClock
	lastFlush time.Time
	loopDone  chan struct{}
	baseline  MetricsSnapshot
}

func NewEngine(store storage.RecordWriter, meta metadata.SessionStore, reg metadata.PodRegistry, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:   cfg,
		meta:  meta,
		reg:   reg,
		bw:    batchWriter{store: store, chunkSize: cfg.ChunkSize},
		buf:   newSampleBuffer(cfg.BatchSize),
		state: StateIdle,
	}
}

// Start begins recording: resolves the squad's pod assignments, persists the
// session row, resets clocks and buffers, and arms the flush loop. Fails
// without side effects when a session is already in progress, the squad has
// no active assignments, or the metadata write fails.
func (e *Engine) Start(ctx context.Context, init SessionInit) (metadata.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return metadata.Session{}, ErrSessionActive
	}

	assigns, err := e.reg.Assignments(ctx, init.SquadID)
	if err != nil {
		return metadata.Session{}, fmt.Errorf("resolve pod assignments: %w", err)
	}
	expected := make(map[string]float64, len(assigns))
	for _, a := range assigns {
		expected[a.PodID] = clampInterval(a.SampleRateHz)
	}
	if len(expected) == 0 {
		return metadata.Session{}, fmt.Errorf("%w for squad %s", ErrNoPods, init.SquadID)
	}

	sess := metadata.Session{
		ID:        uuid.NewString(),
		SquadID:   init.SquadID,
		OrgID:     init.OrgID,
		Activity:  init.Activity,
		Notes:     init.Notes,
		Status:    metadata.StatusRecording,
		StartedAt: time.Now().UTC(),
	}
	if err := e.meta.CreateSession(ctx, sess); err != nil {
		return metadata.Session{}, fmt.Errorf("create session: %w", err)
	}

	e.sess = sess
	e.expected = expected
	e.clocks = make(map[string]*sampleClock, len(expected))
	e.buf.Reset()
	e.baseline = e.metrics.snapshot()
	e.lastFlush = time.Now()
	e.loopDone = make(chan struct{})
	go e.flushLoop(e.loopDone)
	e.state = StateRecording

	slog.Info("recording started",
		"session", sess.ID, "squad", sess.SquadID, "pods", len(expected))
	return sess, nil
}

// Ingest offers one positional sample array to the engine. Returns true when
// the sample was stamped and buffered; false when the engine is not
// recording, the array is short, or the pod is not assigned to this session.
func (e *Engine) Ingest(sample []float64) bool {
	if len(sample) < minSampleFields {
		e.metrics.rejected.Add(1)
		return false
	}

	e.mu.Lock()
	if e.state != StateRecording {
		e.mu.Unlock()
		e.metrics.rejected.Add(1)
		return false
	}
	key := podKey(sample[0])
	interval, ok := e.expected[key]
	if !ok {
		e.mu.Unlock()
		e.metrics.rejected.Add(1)
		return false
	}

	clock := e.clocks[key]
	if clock == nil {
		clock = newSampleClock(interval)
		e.clocks[key] = clock
	}
	elapsed := clock.next()

	rec := storage.SensorRecord{
		SessionID:  e.sess.ID,
		PodID:      key,
		CapturedAt: e.sess.StartedAt.Add(time.Duration(elapsed * float64(time.Second))),
		Elapsed:    elapsed,
		RawTS:      sample[1],
		Battery:    sample[2],
		OrientX:    sample[3],
		OrientY:    sample[4],
		OrientZ:    sample[5],
		AccelX:     sample[6],
		AccelY:     sample[7],
		AccelZ:     sample[8],
		GyroX:      sample[9],
		GyroY:      sample[10],
		GyroZ:      sample[11],
		MagX:       sample[12],
		MagY:       sample[13],
		MagZ:       sample[14],
	}

	if n := e.buf.Add(rec); n >= e.cfg.BatchSize {
		e.flushAsyncLocked()
	}
	e.mu.Unlock()

	e.metrics.accepted.Add(1)
	return true
}

// End stops recording: drains the buffers, persists the end of the session,
// and resets to Idle. The reset happens no matter which of those steps
// failed; every failure is collected into the returned error.
func (e *Engine) End(ctx context.Context) (Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecording {
		return Summary{}, ErrNoSession
	}
	e.state = StateStopping
	close(e.loopDone)

	errs := e.drainLocked(ctx)

	// Confirm the row still exists before completing it; metadata may have
	// been pruned mid-session and that should surface, not block the reset.
	if _, err := e.meta.GetSessionByID(ctx, e.sess.ID); err != nil {
		errs = append(errs, fmt.Errorf("load session for completion: %w", err))
	}

	cur := e.metrics.snapshot()
	sum := Summary{
		SessionID: e.sess.ID,
		Accepted:  cur.Accepted - e.baseline.Accepted,
		Persisted: cur.Persisted - e.baseline.Persisted,
		Lost:      cur.Lost - e.baseline.Lost,
	}

	upd := metadata.SessionUpdate{
		Status:      metadata.StatusCompleted,
		EndedAt:     time.Now().UTC(),
		SampleCount: sum.Persisted,
		LostCount:   sum.Lost,
	}
	if err := e.meta.UpdateSession(ctx, e.sess.ID, upd); err != nil {
		errs = append(errs, fmt.Errorf("persist session end: %w", err))
	}

	slog.Info("recording ended", "session", sum.SessionID,
		"accepted", sum.Accepted, "persisted", sum.Persisted, "lost", sum.Lost)

	e.sess = metadata.Session{}
	e.expected = nil
	e.clocks = nil
	e.buf.Reset()
	e.state = StateIdle

	return sum, errors.Join(errs...)
}

// Status returns the current state and, while recording, the session row.
func (e *Engine) Status() (State, metadata.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.sess
}

// Metrics returns the engine's lifetime counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.snapshot()
}

// flushLoop is the age-based flush trigger. A size-triggered flush resets
// the age window, so a busy session flushes on size alone.
func (e *Engine) flushLoop(done chan struct{}) {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.state == StateRecording &&
				time.Since(e.lastFlush) >= e.cfg.FlushInterval && e.buf.Len() > 0 {
				e.flushAsyncLocked()
			}
			e.mu.Unlock()
		}
	}
}

// flushAsyncLocked fires a fire-and-forget flush. Caller holds e.mu. If a
// flush is already in flight the new one bows out inside BeginFlush.
func (e *Engine) flushAsyncLocked() {
	e.lastFlush = time.Now()
	e.flights.Add(1)
	go func() {
		defer e.flights.Done()
		e.flushOnce(context.Background())
	}()
}

// podKey canonicalizes sample element 0 (the pod serial) for set lookups.
func podKey(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// clampInterval converts a configured sample rate to a clock interval,
// bounded to the rates pod firmware actually ships.
func clampInterval(rateHz int) float64 {
	if rateHz <= 0 {
		return minSampleInterval
	}
	iv := 1.0 / float64(rateHz)
	if iv < minSampleInterval {
		return minSampleInterval
	}
	if iv > maxSampleInterval {
		return maxSampleInterval
	}
	return iv
}
