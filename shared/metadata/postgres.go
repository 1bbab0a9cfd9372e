package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// PostgresStore implements SessionStore and PodRegistry over a Postgres-wire
// database (CockroachDB in production). The caller owns the *sql.DB.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ApplySchema creates the metadata tables if they do not exist. Safe to run
// on every service start.
func (s *PostgresStore) ApplySchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS squads (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			sport TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS players (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			squad_id UUID NOT NULL,
			name TEXT NOT NULL,
			jersey INT NOT NULL DEFAULT 0,
			position TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS pods (
			id BIGINT PRIMARY KEY,
			org_id TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			firmware TEXT NOT NULL DEFAULT '',
			sample_rate_hz INT NOT NULL DEFAULT 50,
			enrolled_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS player_pods (
			player_id UUID NOT NULL,
			pod_id BIGINT NOT NULL,
			squad_id UUID NOT NULL,
			active BOOL NOT NULL DEFAULT true,
			assigned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (player_id, pod_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			squad_id UUID NOT NULL,
			org_id TEXT NOT NULL DEFAULT '',
			activity TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'recording',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			sample_count BIGINT NOT NULL DEFAULT 0,
			lost_count BIGINT NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, squad_id, org_id, activity, notes, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.SquadID, sess.OrgID, sess.Activity, sess.Notes, sess.Status, sess.StartedAt)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, id string, upd SessionUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2, ended_at = $3, sample_count = $4, lost_count = $5
		 WHERE id = $1`,
		id, upd.Status, upd.EndedAt, upd.SampleCount, upd.LostCount)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetSessionByID(ctx context.Context, id string) (Session, error) {
	var (
		sess    Session
		endedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, squad_id, org_id, activity, notes, status, started_at, ended_at,
		        sample_count, lost_count
		 FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.SquadID, &sess.OrgID, &sess.Activity, &sess.Notes,
		&sess.Status, &sess.StartedAt, &endedAt, &sess.SampleCount, &sess.LostCount)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return sess, nil
}

// Assignments returns the active pod assignments for a squad, joined with
// each pod's configured sample rate.
func (s *PostgresStore) Assignments(ctx context.Context, squadID string) ([]PodAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pp.pod_id, pp.player_id, p.sample_rate_hz
		 FROM player_pods pp
		 JOIN pods p ON p.id = pp.pod_id
		 WHERE pp.squad_id = $1 AND pp.active = true
		 ORDER BY pp.pod_id`, squadID)
	if err != nil {
		return nil, fmt.Errorf("assignments for squad %s: %w", squadID, err)
	}
	defer rows.Close()

	out := make([]PodAssignment, 0)
	for rows.Next() {
		var (
			podID int64
			a     PodAssignment
		)
		if err := rows.Scan(&podID, &a.PlayerID, &a.SampleRateHz); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.PodID = strconv.FormatInt(podID, 10)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("assignments rows: %w", err)
	}
	return out, nil
}

var (
	_ SessionStore = (*PostgresStore)(nil)
	_ PodRegistry  = (*PostgresStore)(nil)
)
