package recorder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/squadsense/services/shared/storage"
)

func bufRec(elapsed float64) storage.SensorRecord {
	return storage.SensorRecord{PodID: "4417", Elapsed: elapsed}
}

func TestBufferAddAndSwap(t *testing.T) {
	b := newSampleBuffer(4)
	require.Equal(t, 1, b.Add(bufRec(0)))
	require.Equal(t, 2, b.Add(bufRec(0.02)))
	require.Equal(t, 2, b.Len())

	snap, ok := b.BeginFlush()
	require.True(t, ok)
	require.Len(t, snap, 2)
	require.Equal(t, 0.0, snap[0].Elapsed)
	require.True(t, b.Flushing())
	require.Equal(t, 0, b.Len())

	// Appends during the flight divert to pending; the size trigger stays flat.
	require.Equal(t, 0, b.Add(bufRec(0.04)))
	require.Equal(t, 0, b.Add(bufRec(0.06)))
	require.Equal(t, 2, b.Len())

	// Single flight: a second claim is refused while the first is out.
	_, ok = b.BeginFlush()
	require.False(t, ok)

	b.EndFlush()
	require.False(t, b.Flushing())
	require.Equal(t, 2, b.Len())

	snap, ok = b.BeginFlush()
	require.True(t, ok)
	require.Equal(t, 0.04, snap[0].Elapsed)
	require.Equal(t, 0.06, snap[1].Elapsed)
	b.EndFlush()
}

func TestBufferRefusesEmptyFlush(t *testing.T) {
	b := newSampleBuffer(4)
	_, ok := b.BeginFlush()
	require.False(t, ok)
}

func TestBufferPendingMergesEvenWhenSnapshotIsDropped(t *testing.T) {
	b := newSampleBuffer(4)
	b.Add(bufRec(0))
	snap, ok := b.BeginFlush()
	require.True(t, ok)
	require.Len(t, snap, 1)

	b.Add(bufRec(0.02))

	// The caller walks away from the snapshot (failed persist). The merge
	// still happens; the snapshot is never re-queued.
	b.EndFlush()
	require.Equal(t, 1, b.Len())

	snap, ok = b.BeginFlush()
	require.True(t, ok)
	require.Equal(t, 0.02, snap[0].Elapsed)
	b.EndFlush()
}

func TestBufferReset(t *testing.T) {
	b := newSampleBuffer(4)
	b.Add(bufRec(0))
	b.BeginFlush()
	b.Add(bufRec(0.02))

	b.Reset()
	require.Equal(t, 0, b.Len())
	require.False(t, b.Flushing())
}
