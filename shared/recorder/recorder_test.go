package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/squadsense/services/shared/metadata"
	"github.com/squadsense/services/shared/storage"
)

// fakeStore is an in-memory RecordWriter that fails on demand.
type fakeStore struct {
	mu        sync.Mutex
	rows      []storage.SensorRecord
	batches   int
	singles   int
	batchErrs int              // fail this many InsertBatch calls, then succeed
	oneErrFor map[float64]bool // fail InsertOne for these elapsed stamps
}

func (s *fakeStore) InsertBatch(ctx context.Context, recs []storage.SensorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	if s.batchErrs > 0 {
		s.batchErrs--
		return errors.New("ilp write refused")
	}
	s.rows = append(s.rows, recs...)
	return nil
}

func (s *fakeStore) InsertOne(ctx context.Context, rec storage.SensorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singles++
	if s.oneErrFor[rec.Elapsed] {
		return errors.New("ilp write refused")
	}
	s.rows = append(s.rows, rec)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeStore) batchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

func (s *fakeStore) singleCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.singles
}

func (s *fakeStore) elapsedByPod() map[string][]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]float64)
	for _, r := range s.rows {
		out[r.PodID] = append(out[r.PodID], r.Elapsed)
	}
	return out
}

type memMeta struct {
	mu        sync.Mutex
	sessions  map[string]metadata.Session
	updates   map[string]metadata.SessionUpdate
	createErr error
	updateErr error
}

func newMemMeta() *memMeta {
	return &memMeta{
		sessions: map[string]metadata.Session{},
		updates:  map[string]metadata.SessionUpdate{},
	}
}

func (m *memMeta) CreateSession(ctx context.Context, s metadata.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *memMeta) UpdateSession(ctx context.Context, id string, upd metadata.SessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.sessions[id]; !ok {
		return metadata.ErrNotFound
	}
	m.updates[id] = upd
	return nil
}

func (m *memMeta) GetSessionByID(ctx context.Context, id string) (metadata.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return metadata.Session{}, metadata.ErrNotFound
	}
	return s, nil
}

func (m *memMeta) drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *memMeta) update(id string) (metadata.SessionUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	upd, ok := m.updates[id]
	return upd, ok
}

type memRegistry struct {
	assigns []metadata.PodAssignment
	err     error
}

func (r *memRegistry) Assignments(ctx context.Context, squadID string) ([]metadata.PodAssignment, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.assigns, nil
}

func onePodRegistry(pod string) *memRegistry {
	return &memRegistry{assigns: []metadata.PodAssignment{
		{PodID: pod, PlayerID: "p1", SampleRateHz: 50},
	}}
}

// podSample builds a full 15-element positional array for the given pod
// serial.
func podSample(pod float64) []float64 {
	s := make([]float64, minSampleFields)
	s[0] = pod
	s[1] = 123456.78 // raw pod timestamp, ignored for stamping
	s[2] = 88        // battery %
	for i := 3; i < minSampleFields; i++ {
		s[i] = float64(i) / 10
	}
	return s
}

func TestStartRejectsSquadWithoutPods(t *testing.T) {
	eng := NewEngine(&fakeStore{}, newMemMeta(), &memRegistry{}, Config{})
	_, err := eng.Start(context.Background(), SessionInit{SquadID: "sq1"})
	require.ErrorIs(t, err, ErrNoPods)

	state, _ := eng.Status()
	require.Equal(t, StateIdle, state)
}

func TestStartSurfacesRegistryFailure(t *testing.T) {
	reg := &memRegistry{err: errors.New("pg down")}
	eng := NewEngine(&fakeStore{}, newMemMeta(), reg, Config{})
	_, err := eng.Start(context.Background(), SessionInit{SquadID: "sq1"})
	require.ErrorContains(t, err, "resolve pod assignments")
}

func TestStartMetadataFailureLeavesIdle(t *testing.T) {
	meta := newMemMeta()
	meta.createErr = errors.New("pg down")
	eng := NewEngine(&fakeStore{}, meta, onePodRegistry("7"), Config{})

	_, err := eng.Start(context.Background(), SessionInit{SquadID: "sq1"})
	require.ErrorContains(t, err, "create session")

	state, _ := eng.Status()
	require.Equal(t, StateIdle, state)
	require.False(t, eng.Ingest(podSample(7)))
}

func TestStartWhileRecording(t *testing.T) {
	eng := NewEngine(&fakeStore{}, newMemMeta(), onePodRegistry("7"), Config{})
	_, err := eng.Start(context.Background(), SessionInit{SquadID: "sq1"})
	require.NoError(t, err)
	defer eng.End(context.Background())

	_, err = eng.Start(context.Background(), SessionInit{SquadID: "sq2"})
	require.ErrorIs(t, err, ErrSessionActive)
}

func TestIngestLifecycleGating(t *testing.T) {
	eng := NewEngine(&fakeStore{}, newMemMeta(), onePodRegistry("7"), Config{})

	require.False(t, eng.Ingest(podSample(7)), "idle engine must refuse samples")

	_, err := eng.Start(context.Background(), SessionInit{SquadID: "sq1"})
	require.NoError(t, err)
	require.True(t, eng.Ingest(podSample(7)))

	_, err = eng.End(context.Background())
	require.NoError(t, err)
	require.False(t, eng.Ingest(podSample(7)), "ended engine must refuse samples")

	m := eng.Metrics()
	require.Equal(t, int64(1), m.Accepted)
	require.Equal(t, int64(2), m.Rejected)
}

func TestIngestRejectsShortAndUnknown(t *testing.T) {
	eng := NewEngine(&fakeStore{}, newMemMeta(), onePodRegistry("7"), Config{})
	_, err := eng.Start(context.Background(), SessionInit{SquadID: "sq1"})
	require.NoError(t, err)
	defer eng.End(context.Background())

	require.False(t, eng.Ingest(podSample(7)[:10]), "short array")
	require.False(t, eng.Ingest(podSample(999)), "pod not assigned to the squad")
	require.True(t, eng.Ingest(podSample(7)))
	require.Equal(t, int64(2), eng.Metrics().Rejected)
}

func TestSizeTriggeredFlush(t *testing.T) {
	store := &fakeStore{}
	eng := NewEngine(store, newMemMeta(), onePodRegistry("7"), Config{})
	_, err := eng.Start(context.Background(), SessionInit{SquadID: "sq1"})
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		require.True(t, eng.Ingest(podSample(7)))
	}

	// The 50th append crosses the batch size and flushes without End's help.
	require.Eventually(t, func() bool { return store.count() >= 50 },
		2*time.Second, 5*time.Millisecond)

	sum, err := eng.End(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(60), sum.Accepted)
	require.Equal(t, int64(60), sum.Persisted)
	require.Equal(t, int64(0), sum.Lost)
	require.Equal(t, 60, store.count())
	require.GreaterOrEqual(t, eng.Metrics().Flushes, int64(1))
}

func TestAgeTriggeredFlush(t *testing.T) {
	store := &fakeStore{}
	cfg := Config{BatchSize: 1000, FlushInterval: 30 * time.Millisecond}
	eng := NewEngine(store, newMemMeta(), onePodRegistry("7"), cfg)
	_, err := eng.Start(context.Background(), SessionInit{SquadID: "sq1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.True(t, eng.Ingest(podSample(7)))
	}
	require.Eventually(t, func() bool { return store.count() == 5 },
		2*time.Second, 5*time.Millisecond)

	_, err = eng.End(context.Background())
	require.NoError(t, err)
}

func TestEndDrainsPersistsAndResets(t *testing.T) {
	store := &fakeStore{}
	meta := newMemMeta()
	eng := NewEngine(store, meta, onePodRegistry("7"), Config{})

	sess, err := eng.Start(context.Background(), SessionInit{SquadID: "sq1", Activity: "match"})
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		require.True(t, eng.Ingest(podSample(7)))
	}

	sum, err := eng.End(context.Background())
	require.NoError(t, err)
	require.Equal(t, sess.ID, sum.SessionID)
	require.Equal(t, int64(7), sum.Persisted)
	require.Equal(t, 7, store.count())

	upd, ok := meta.update(sess.ID)
	require.True(t, ok)
	require.Equal(t, metadata.StatusCompleted, upd.Status)
	require.Equal(t, int64(7), upd.SampleCount)
	require.Equal(t, int64(0), upd.LostCount)
	require.False(t, upd.EndedAt.IsZero())

	state, cur := eng.Status()
	require.Equal(t, StateIdle, state)
	require.Empty(t, cur.ID)

	_, err = eng.End(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
}

func TestEndResetsDespiteFailures(t *testing.T) {
	store := &fakeStore{}
	meta := newMemMeta()
	eng := NewEngine(store, meta, onePodRegistry("7"), Config{})

	sess, err := eng.Start(context.Background(), SessionInit{SquadID: "sq1"})
	require.NoError(t, err)
	require.True(t, eng.Ingest(podSample(7)))

	// The row disappears mid-session; End must surface it and still reset.
	meta.drop(sess.ID)

	_, err = eng.End(context.Background())
	require.ErrorContains(t, err, "load session for completion")
	require.ErrorContains(t, err, "persist session end")

	state, _ := eng.Status()
	require.Equal(t, StateIdle, state)

	// A fresh session starts cleanly after the failed finish.
	_, err = eng.Start(context.Background(), SessionInit{SquadID: "sq1"})
	require.NoError(t, err)
	_, err = eng.End(context.Background())
	require.NoError(t, err)
}

func TestPerPodClocksAreIndependent(t *testing.T) {
	store := &fakeStore{}
	reg := &memRegistry{assigns: []metadata.PodAssignment{
		{PodID: "7", PlayerID: "p1", SampleRateHz: 50},
		{PodID: "9", PlayerID: "p2", SampleRateHz: 50},
	}}
	eng := NewEngine(store, newMemMeta(), reg, Config{})
	_, err := eng.Start(context.Background(), SessionInit{SquadID: "sq1"})
	require.NoError(t, err)

	// Interleaved arrival must not advance the other pod's clock.
	for i := 0; i < 3; i++ {
		require.True(t, eng.Ingest(podSample(7)))
		require.True(t, eng.Ingest(podSample(9)))
	}
	_, err = eng.End(context.Background())
	require.NoError(t, err)

	byPod := store.elapsedByPod()
	require.Equal(t, []float64{0, 0.02, 0.04}, byPod["7"])
	require.Equal(t, []float64{0, 0.02, 0.04}, byPod["9"])
}

func TestEndAccountsChunkFallbackLoss(t *testing.T) {
	store := &fakeStore{batchErrs: 1, oneErrFor: map[float64]bool{0.04: true}}
	meta := newMemMeta()
	eng := NewEngine(store, meta, onePodRegistry("7"), Config{})

	sess, err := eng.Start(context.Background(), SessionInit{SquadID: "sq1"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.True(t, eng.Ingest(podSample(7)))
	}

	sum, err := eng.End(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5), sum.Accepted)
	require.Equal(t, int64(4), sum.Persisted)
	require.Equal(t, int64(1), sum.Lost)

	upd, ok := meta.update(sess.ID)
	require.True(t, ok)
	require.Equal(t, int64(1), upd.LostCount)
}

func TestCloseDrainsActiveSession(t *testing.T) {
	store := &fakeStore{}
	eng := NewEngine(store, newMemMeta(), onePodRegistry("7"), Config{})

	require.NoError(t, eng.Close(context.Background()), "idle close is a no-op")

	_, err := eng.Start(context.Background(), SessionInit{SquadID: "sq1"})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.True(t, eng.Ingest(podSample(7)))
	}
	require.NoError(t, eng.Close(context.Background()))
	require.Equal(t, 4, store.count())
}
