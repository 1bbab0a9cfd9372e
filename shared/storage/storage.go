// Package storage defines the RecordWriter interface for time-series sensor data.
// The interface decouples the recording engine from a specific database.
// Swap the database by providing a different implementation — no engine code changes.
package storage

import (
	"context"
	"time"
)

// SensorRecord is a single normalized pod sample ready for storage.
// One record per pod per sample tick: 9-axis IMU plus battery, stamped with
// the engine's synthetic session clock.
type SensorRecord struct {
	SessionID string // recording session UUID (partition key)
	PodID     string // pod serial, decimal string

	// CapturedAt is the absolute sample time: session start plus Elapsed.
	// Stored as the designated timestamp (int64 ns since epoch).
	CapturedAt time.Time
	Elapsed    float64 // seconds since session start, synthetic clock
	RawTS      float64 // pod-reported clock, kept for drift diagnostics only

	Battery float64 // percent

	OrientX, OrientY, OrientZ float64 // degrees
	AccelX, AccelY, AccelZ    float64 // m/s^2
	GyroX, GyroY, GyroZ       float64 // rad/s
	MagX, MagY, MagZ          float64 // uT
}

// RecordWriter is the interface all sensor storage backends implement.
// All methods must be safe to call from multiple goroutines concurrently.
type RecordWriter interface {
	// InsertBatch writes multiple records in a single I/O operation.
	// On error the whole batch is unconfirmed; the caller decides whether to
	// fall back to per-record inserts.
	InsertBatch(ctx context.Context, recs []SensorRecord) error

	// InsertOne writes a single record. Used as the fallback path when a
	// batch write fails.
	InsertOne(ctx context.Context, rec SensorRecord) error

	// Close releases resources. No further writes after Close.
	Close() error
}
