// Package metadata holds the relational side of a recording: session rows,
// squads, players, pods, and the player-pod assignments the engine uses to
// decide which pods belong in a session. Sample data itself never lands here;
// that is shared/storage's job.
package metadata

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("metadata: not found")

// Session statuses.
const (
	StatusRecording = "recording"
	StatusCompleted = "completed"
)

// Session is one recording session for a squad.
type Session struct {
	ID          string
	SquadID     string
	OrgID       string
	Activity    string // free-form: "match", "sprint drills", …
	Notes       string
	Status      string
	StartedAt   time.Time
	EndedAt     *time.Time // nil while recording
	SampleCount int64
	LostCount   int64
}

// SessionUpdate carries the fields persisted when a session ends.
type SessionUpdate struct {
	Status      string
	EndedAt     time.Time
	SampleCount int64
	LostCount   int64
}

// PodAssignment links a pod to the player wearing it, with the pod's
// configured sample rate. The engine derives its per-pod clock interval
// from SampleRateHz.
type PodAssignment struct {
	PodID        string // pod serial, decimal string
	PlayerID     string
	SampleRateHz int
}

// SessionStore is the session persistence surface the recording engine needs.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	UpdateSession(ctx context.Context, id string, upd SessionUpdate) error
	GetSessionByID(ctx context.Context, id string) (Session, error)
}

// PodRegistry resolves which pods are expected to stream for a squad.
type PodRegistry interface {
	Assignments(ctx context.Context, squadID string) ([]PodAssignment, error)
}
