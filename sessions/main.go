// sessions-api: the relational backbone — squads, players, pods, player-pod
// assignments, recorded-session listings, and pod credentials.
//
// Pods do not hold OIDC accounts. A gateway exchanges a pod serial plus an
// org enrollment key at POST /v1/token for a short-lived JWT (role "pod"),
// signed with this service's RSA key and verifiable by every other service
// through GET /v1/.well-known/jwks.json. Coaches and analysts authenticate
// with their regular OIDC tokens; both token kinds flow through the same
// shared/auth validator.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "github.com/lib/pq"

	"github.com/squadsense/services/shared/auth"
	"github.com/squadsense/services/shared/metadata"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

type config struct {
	HTTPAddr        string
	DatabaseURL     string
	JWKSURLs        string
	CORSAllowOrigin string
}

func loadConfig() config {
	return config{
		HTTPAddr:        envOr("HTTP_ADDR", ":8083"),
		DatabaseURL:     envOr("DATABASE_URL", "postgresql://squadsense@localhost:5432/squadsense?sslmode=disable"),
		JWKSURLs:        envOr("JWKS_URLS", ""),
		CORSAllowOrigin: envOr("CORS_ALLOW_ORIGIN", "*"),
	}
}

// ---------------------------------------------------------------------------
// Database schema — enrollment keys (the rest lives in shared/metadata)
// ---------------------------------------------------------------------------

func applyKeySchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS enroll_keys (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			key_hash TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked BOOL NOT NULL DEFAULT false,
			revoked_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS enroll_keys_hash_idx ON enroll_keys (key_hash)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply key schema: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

type server struct {
	db        *sql.DB
	store     *metadata.PostgresStore
	validator *auth.Validator
	signer    *auth.Signer
}

// ---------------------------------------------------------------------------
// Handlers — health
// ---------------------------------------------------------------------------

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		http.Error(w, "db unreachable", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprint(w, "ok")
}

// ---------------------------------------------------------------------------
// Handlers — pod token exchange (unauthenticated endpoints)
// ---------------------------------------------------------------------------

// handleToken exchanges a pod serial + enrollment key for a 24h JWT.
// The token's squad_set is pinned to the pod's active assignment so a pod's
// credentials are useless outside its own squad.
func (s *server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PodSerial     string `json:"pod_serial"`
		EnrollmentKey string `json:"enrollment_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PodSerial == "" || req.EnrollmentKey == "" {
		http.Error(w, "Bad Request: pod_serial and enrollment_key required", http.StatusBadRequest)
		return
	}
	serial, err := strconv.ParseInt(req.PodSerial, 10, 64)
	if err != nil {
		http.Error(w, "Bad Request: pod_serial must be a decimal serial", http.StatusBadRequest)
		return
	}

	hash := sha256.Sum256([]byte(req.EnrollmentKey))
	hashHex := hex.EncodeToString(hash[:])

	var (
		orgID   string
		revoked bool
	)
	err = s.db.QueryRowContext(r.Context(),
		`SELECT org_id, revoked FROM enroll_keys WHERE key_hash = $1`, hashHex,
	).Scan(&orgID, &revoked)
	if err == sql.ErrNoRows {
		http.Error(w, "Unauthorized: unknown enrollment key", http.StatusUnauthorized)
		return
	}
	if err != nil {
		slog.Error("enrollment key lookup", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if revoked {
		http.Error(w, "Unauthorized: enrollment key revoked", http.StatusUnauthorized)
		return
	}

	var sampleRate int
	err = s.db.QueryRowContext(r.Context(),
		`SELECT sample_rate_hz FROM pods WHERE id = $1 AND org_id = $2`, serial, orgID,
	).Scan(&sampleRate)
	if err == sql.ErrNoRows {
		http.Error(w, "Not Found: pod not registered in this org", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("pod lookup", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	squadSet := []string{}
	var squadID string
	err = s.db.QueryRowContext(r.Context(),
		`SELECT squad_id FROM player_pods WHERE pod_id = $1 AND active = true LIMIT 1`, serial,
	).Scan(&squadID)
	if err == nil {
		squadSet = append(squadSet, squadID)
	} else if err != sql.ErrNoRows {
		slog.Error("assignment lookup", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	expiry := now.Add(24 * time.Hour)
	claims := jwt.MapClaims{
		"sub":       "pod:" + req.PodSerial,
		"org_id":    orgID,
		"role":      "pod",
		"squad_set": squadSet,
		"iss":       "squadsense-sessions",
		"iat":       now.Unix(),
		"exp":       expiry.Unix(),
	}
	tokenStr, err := s.signer.SignToken(claims)
	if err != nil {
		slog.Error("sign pod token", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":   tokenStr,
		"token_type":     "bearer",
		"expires_in":     86400,
		"sample_rate_hz": sampleRate,
	})
}

func (s *server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.signer.JWKS())
}

// ---------------------------------------------------------------------------
// Handlers — squads
// ---------------------------------------------------------------------------

type squadRow struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	Sport     string    `json:"sport"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *server) handleListSquads(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	rows, err := s.db.QueryContext(r.Context(),
		`SELECT id, org_id, name, sport, created_at
		 FROM squads WHERE org_id = $1 ORDER BY created_at DESC`, claims.OrgID)
	if err != nil {
		slog.Error("list squads", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	squads := make([]squadRow, 0)
	for rows.Next() {
		var sq squadRow
		if err := rows.Scan(&sq.ID, &sq.OrgID, &sq.Name, &sq.Sport, &sq.CreatedAt); err != nil {
			slog.Error("scan squad", "err", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if !claims.CanAccessSquad(sq.ID) {
			continue
		}
		squads = append(squads, sq)
	}
	if err := rows.Err(); err != nil {
		slog.Error("rows squads", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"squads": squads,
		"count":  len(squads),
	})
}

func (s *server) handleCreateSquad(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !claims.Role.CanRecord() {
		http.Error(w, "Forbidden: coach or admin role required", http.StatusForbidden)
		return
	}

	var req struct {
		Name  string `json:"name"`
		Sport string `json:"sport"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "Bad Request: name required", http.StatusBadRequest)
		return
	}

	var sq squadRow
	err := s.db.QueryRowContext(r.Context(),
		`INSERT INTO squads (org_id, name, sport) VALUES ($1, $2, $3)
		 RETURNING id, org_id, name, sport, created_at`,
		claims.OrgID, req.Name, req.Sport,
	).Scan(&sq.ID, &sq.OrgID, &sq.Name, &sq.Sport, &sq.CreatedAt)
	if err != nil {
		slog.Error("create squad", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, sq)
}

func (s *server) handleGetSquad(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	squadID := r.PathValue("id")
	if !claims.CanAccessSquad(squadID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var sq squadRow
	err := s.db.QueryRowContext(r.Context(),
		`SELECT id, org_id, name, sport, created_at
		 FROM squads WHERE id = $1 AND org_id = $2`, squadID, claims.OrgID,
	).Scan(&sq.ID, &sq.OrgID, &sq.Name, &sq.Sport, &sq.CreatedAt)
	if err == sql.ErrNoRows {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("get squad", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	var players, assigned int
	s.db.QueryRowContext(r.Context(),
		`SELECT count(*) FROM players WHERE squad_id = $1`, squadID).Scan(&players)
	s.db.QueryRowContext(r.Context(),
		`SELECT count(*) FROM player_pods WHERE squad_id = $1 AND active = true`, squadID).Scan(&assigned)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"squad":         sq,
		"player_count":  players,
		"assigned_pods": assigned,
	})
}

// ---------------------------------------------------------------------------
// Handlers — players
// ---------------------------------------------------------------------------

type playerRow struct {
	ID        string    `json:"id"`
	SquadID   string    `json:"squad_id"`
	Name      string    `json:"name"`
	Jersey    int       `json:"jersey"`
	Position  string    `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// squadInOrg verifies the squad exists and belongs to the caller's org.
func (s *server) squadInOrg(ctx context.Context, squadID, orgID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM squads WHERE id = $1 AND org_id = $2`, squadID, orgID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *server) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	squadID := r.PathValue("id")
	if !claims.CanAccessSquad(squadID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	found, err := s.squadInOrg(r.Context(), squadID, claims.OrgID)
	if err != nil {
		slog.Error("lookup squad", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "Not Found: squad not found", http.StatusNotFound)
		return
	}

	rows, err := s.db.QueryContext(r.Context(),
		`SELECT id, squad_id, name, jersey, position, created_at
		 FROM players WHERE squad_id = $1 ORDER BY jersey, name`, squadID)
	if err != nil {
		slog.Error("list players", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	players := make([]playerRow, 0)
	for rows.Next() {
		var p playerRow
		if err := rows.Scan(&p.ID, &p.SquadID, &p.Name, &p.Jersey, &p.Position, &p.CreatedAt); err != nil {
			slog.Error("scan player", "err", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		slog.Error("rows players", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"players": players,
		"count":   len(players),
	})
}

func (s *server) handleCreatePlayer(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !claims.Role.CanRecord() {
		http.Error(w, "Forbidden: coach or admin role required", http.StatusForbidden)
		return
	}

	squadID := r.PathValue("id")
	if !claims.CanAccessSquad(squadID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	found, err := s.squadInOrg(r.Context(), squadID, claims.OrgID)
	if err != nil {
		slog.Error("lookup squad", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "Not Found: squad not found", http.StatusNotFound)
		return
	}

	var req struct {
		Name     string `json:"name"`
		Jersey   int    `json:"jersey"`
		Position string `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "Bad Request: name required", http.StatusBadRequest)
		return
	}

	var p playerRow
	err = s.db.QueryRowContext(r.Context(),
		`INSERT INTO players (squad_id, name, jersey, position) VALUES ($1, $2, $3, $4)
		 RETURNING id, squad_id, name, jersey, position, created_at`,
		squadID, req.Name, req.Jersey, req.Position,
	).Scan(&p.ID, &p.SquadID, &p.Name, &p.Jersey, &p.Position, &p.CreatedAt)
	if err != nil {
		slog.Error("create player", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// ---------------------------------------------------------------------------
// Handlers — pods
// ---------------------------------------------------------------------------

type podRow struct {
	Serial       string    `json:"serial"`
	OrgID        string    `json:"org_id"`
	Model        string    `json:"model"`
	Firmware     string    `json:"firmware"`
	SampleRateHz int       `json:"sample_rate_hz"`
	EnrolledAt   time.Time `json:"enrolled_at"`
}

func (s *server) handleListPods(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	rows, err := s.db.QueryContext(r.Context(),
		`SELECT id, org_id, model, firmware, sample_rate_hz, enrolled_at
		 FROM pods WHERE org_id = $1 ORDER BY id`, claims.OrgID)
	if err != nil {
		slog.Error("list pods", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	pods := make([]podRow, 0)
	for rows.Next() {
		var (
			p  podRow
			id int64
		)
		if err := rows.Scan(&id, &p.OrgID, &p.Model, &p.Firmware, &p.SampleRateHz, &p.EnrolledAt); err != nil {
			slog.Error("scan pod", "err", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		p.Serial = strconv.FormatInt(id, 10)
		pods = append(pods, p)
	}
	if err := rows.Err(); err != nil {
		slog.Error("rows pods", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pods":  pods,
		"count": len(pods),
	})
}

func (s *server) handleRegisterPod(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !claims.Role.IsAdmin() {
		http.Error(w, "Forbidden: admin role required", http.StatusForbidden)
		return
	}

	var req struct {
		Serial       string `json:"serial"`
		Model        string `json:"model"`
		Firmware     string `json:"firmware"`
		SampleRateHz int    `json:"sample_rate_hz"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Serial == "" {
		http.Error(w, "Bad Request: serial required", http.StatusBadRequest)
		return
	}
	serial, err := strconv.ParseInt(req.Serial, 10, 64)
	if err != nil {
		http.Error(w, "Bad Request: serial must be decimal", http.StatusBadRequest)
		return
	}
	if req.SampleRateHz == 0 {
		req.SampleRateHz = 50
	}
	if req.SampleRateHz < 10 || req.SampleRateHz > 50 {
		http.Error(w, "Bad Request: sample_rate_hz must be 10-50", http.StatusBadRequest)
		return
	}

	var p podRow
	var id int64
	err = s.db.QueryRowContext(r.Context(),
		`INSERT INTO pods (id, org_id, model, firmware, sample_rate_hz)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, org_id, model, firmware, sample_rate_hz, enrolled_at`,
		serial, claims.OrgID, req.Model, req.Firmware, req.SampleRateHz,
	).Scan(&id, &p.OrgID, &p.Model, &p.Firmware, &p.SampleRateHz, &p.EnrolledAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			http.Error(w, "Conflict: pod serial already registered", http.StatusConflict)
			return
		}
		slog.Error("register pod", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	p.Serial = strconv.FormatInt(id, 10)

	writeJSON(w, http.StatusCreated, p)
}

// ---------------------------------------------------------------------------
// Handlers — assignments
// ---------------------------------------------------------------------------

func (s *server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	squadID := r.PathValue("id")
	if !claims.CanAccessSquad(squadID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	found, err := s.squadInOrg(r.Context(), squadID, claims.OrgID)
	if err != nil {
		slog.Error("lookup squad", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "Not Found: squad not found", http.StatusNotFound)
		return
	}

	assigns, err := s.store.Assignments(r.Context(), squadID)
	if err != nil {
		slog.Error("list assignments", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	type assignItem struct {
		PodSerial    string `json:"pod_serial"`
		PlayerID     string `json:"player_id"`
		SampleRateHz int    `json:"sample_rate_hz"`
	}
	items := make([]assignItem, 0, len(assigns))
	for _, a := range assigns {
		items = append(items, assignItem{
			PodSerial:    a.PodID,
			PlayerID:     a.PlayerID,
			SampleRateHz: a.SampleRateHz,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assignments": items,
		"count":       len(items),
	})
}

func (s *server) handleAssignPod(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !claims.Role.CanRecord() {
		http.Error(w, "Forbidden: coach or admin role required", http.StatusForbidden)
		return
	}

	squadID := r.PathValue("id")
	if !claims.CanAccessSquad(squadID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		PlayerID  string `json:"player_id"`
		PodSerial string `json:"pod_serial"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" || req.PodSerial == "" {
		http.Error(w, "Bad Request: player_id and pod_serial required", http.StatusBadRequest)
		return
	}
	serial, err := strconv.ParseInt(req.PodSerial, 10, 64)
	if err != nil {
		http.Error(w, "Bad Request: pod_serial must be decimal", http.StatusBadRequest)
		return
	}

	// Player must be in this squad, pod must be enrolled in this org.
	var one int
	err = s.db.QueryRowContext(r.Context(),
		`SELECT 1 FROM players WHERE id = $1 AND squad_id = $2`, req.PlayerID, squadID).Scan(&one)
	if err == sql.ErrNoRows {
		http.Error(w, "Not Found: player not in squad", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("lookup player", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	err = s.db.QueryRowContext(r.Context(),
		`SELECT 1 FROM pods WHERE id = $1 AND org_id = $2`, serial, claims.OrgID).Scan(&one)
	if err == sql.ErrNoRows {
		http.Error(w, "Not Found: pod not registered", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("lookup pod", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	// A pod straps to one player at a time.
	if _, err := s.db.ExecContext(r.Context(),
		`UPDATE player_pods SET active = false WHERE pod_id = $1 AND active = true`, serial); err != nil {
		slog.Error("deactivate assignment", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if _, err := s.db.ExecContext(r.Context(),
		`INSERT INTO player_pods (player_id, pod_id, squad_id, active)
		 VALUES ($1, $2, $3, true)
		 ON CONFLICT (player_id, pod_id)
		 DO UPDATE SET active = true, squad_id = EXCLUDED.squad_id, assigned_at = now()`,
		req.PlayerID, serial, squadID); err != nil {
		slog.Error("assign pod", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "assigned",
		"pod_serial": req.PodSerial,
		"player_id":  req.PlayerID,
	})
}

func (s *server) handleUnassignPod(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !claims.Role.CanRecord() {
		http.Error(w, "Forbidden: coach or admin role required", http.StatusForbidden)
		return
	}

	squadID := r.PathValue("id")
	if !claims.CanAccessSquad(squadID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	serial, err := strconv.ParseInt(r.PathValue("podSerial"), 10, 64)
	if err != nil {
		http.Error(w, "Bad Request: pod serial must be decimal", http.StatusBadRequest)
		return
	}

	res, err := s.db.ExecContext(r.Context(),
		`UPDATE player_pods SET active = false
		 WHERE pod_id = $1 AND squad_id = $2 AND active = true`, serial, squadID)
	if err != nil {
		slog.Error("unassign pod", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		http.Error(w, "Not Found: no active assignment", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "unassigned"})
}

// ---------------------------------------------------------------------------
// Handlers — sessions (read-only; session-ingest owns the writes)
// ---------------------------------------------------------------------------

type sessionItem struct {
	ID          string     `json:"id"`
	SquadID     string     `json:"squad_id"`
	Activity    string     `json:"activity"`
	Notes       string     `json:"notes,omitempty"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	SampleCount int64      `json:"sample_count"`
	LostCount   int64      `json:"lost_count"`
}

func sessionToItem(sess metadata.Session) sessionItem {
	return sessionItem{
		ID:          sess.ID,
		SquadID:     sess.SquadID,
		Activity:    sess.Activity,
		Notes:       sess.Notes,
		Status:      sess.Status,
		StartedAt:   sess.StartedAt,
		EndedAt:     sess.EndedAt,
		SampleCount: sess.SampleCount,
		LostCount:   sess.LostCount,
	}
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	query := `SELECT id, squad_id, org_id, activity, notes, status, started_at, ended_at,
	                 sample_count, lost_count
	          FROM sessions WHERE org_id = $1`
	args := []interface{}{claims.OrgID}
	if squadID := r.URL.Query().Get("squad_id"); squadID != "" {
		if !claims.CanAccessSquad(squadID) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		query += ` AND squad_id = $2`
		args = append(args, squadID)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		slog.Error("list sessions", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	sessions := make([]sessionItem, 0)
	for rows.Next() {
		var (
			sess    metadata.Session
			endedAt sql.NullTime
		)
		if err := rows.Scan(&sess.ID, &sess.SquadID, &sess.OrgID, &sess.Activity, &sess.Notes,
			&sess.Status, &sess.StartedAt, &endedAt, &sess.SampleCount, &sess.LostCount); err != nil {
			slog.Error("scan session", "err", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if endedAt.Valid {
			sess.EndedAt = &endedAt.Time
		}
		if !claims.CanAccessSquad(sess.SquadID) {
			continue
		}
		sessions = append(sessions, sessionToItem(sess))
	}
	if err := rows.Err(); err != nil {
		slog.Error("rows sessions", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sess, err := s.store.GetSessionByID(r.Context(), r.PathValue("id"))
	if err == metadata.ErrNotFound {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("get session", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if sess.OrgID != claims.OrgID || !claims.CanAccessSquad(sess.SquadID) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, sessionToItem(sess))
}

// ---------------------------------------------------------------------------
// Handlers — enrollment keys
// ---------------------------------------------------------------------------

func (s *server) handleCreateEnrollKey(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !claims.Role.IsAdmin() {
		http.Error(w, "Forbidden: admin role required", http.StatusForbidden)
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "Bad Request: name required", http.StatusBadRequest)
		return
	}

	randomBytes := make([]byte, 16)
	if _, err := rand.Read(randomBytes); err != nil {
		slog.Error("generate key random", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	randomHex := hex.EncodeToString(randomBytes)
	fullKey := "sqp_live_" + randomHex
	keyPrefix := randomHex[:12]

	hash := sha256.Sum256([]byte(fullKey))
	hashHex := hex.EncodeToString(hash[:])

	var (
		id        string
		createdAt time.Time
	)
	err := s.db.QueryRowContext(r.Context(),
		`INSERT INTO enroll_keys (org_id, name, key_prefix, key_hash, created_by)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		claims.OrgID, req.Name, keyPrefix, hashHex, claims.Email,
	).Scan(&id, &createdAt)
	if err != nil {
		slog.Error("create enroll key", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	// The full key is shown exactly once; only the hash is stored.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":             id,
		"name":           req.Name,
		"key_prefix":     "sqp_live_" + keyPrefix,
		"enrollment_key": fullKey,
		"created_at":     createdAt,
	})
}

func (s *server) handleListEnrollKeys(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !claims.Role.IsAdmin() {
		http.Error(w, "Forbidden: admin role required", http.StatusForbidden)
		return
	}

	rows, err := s.db.QueryContext(r.Context(),
		`SELECT id, name, key_prefix, created_by, created_at
		 FROM enroll_keys WHERE org_id = $1 AND revoked = false ORDER BY created_at DESC`,
		claims.OrgID)
	if err != nil {
		slog.Error("list enroll keys", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	type keyItem struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		KeyPrefix string    `json:"key_prefix"`
		CreatedBy string    `json:"created_by"`
		CreatedAt time.Time `json:"created_at"`
	}

	keys := make([]keyItem, 0)
	for rows.Next() {
		var k keyItem
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyPrefix, &k.CreatedBy, &k.CreatedAt); err != nil {
			slog.Error("scan enroll key", "err", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		k.KeyPrefix = "sqp_live_" + k.KeyPrefix
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		slog.Error("rows enroll keys", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

func (s *server) handleRevokeEnrollKey(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !claims.Role.IsAdmin() {
		http.Error(w, "Forbidden: admin role required", http.StatusForbidden)
		return
	}

	res, err := s.db.ExecContext(r.Context(),
		`UPDATE enroll_keys SET revoked = true, revoked_at = now()
		 WHERE id = $1 AND org_id = $2 AND revoked = false`,
		r.PathValue("id"), claims.OrgID)
	if err != nil {
		slog.Error("revoke enroll key", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	protect := auth.HTTPMiddleware(s.validator)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/token", s.handleToken)
	mux.HandleFunc("GET /v1/.well-known/jwks.json", s.handleJWKS)

	mux.Handle("GET /v1/squads", protect(http.HandlerFunc(s.handleListSquads)))
	mux.Handle("POST /v1/squads", protect(http.HandlerFunc(s.handleCreateSquad)))
	mux.Handle("GET /v1/squads/{id}", protect(http.HandlerFunc(s.handleGetSquad)))
	mux.Handle("GET /v1/squads/{id}/players", protect(http.HandlerFunc(s.handleListPlayers)))
	mux.Handle("POST /v1/squads/{id}/players", protect(http.HandlerFunc(s.handleCreatePlayer)))
	mux.Handle("GET /v1/squads/{id}/assignments", protect(http.HandlerFunc(s.handleListAssignments)))
	mux.Handle("PUT /v1/squads/{id}/assignments", protect(http.HandlerFunc(s.handleAssignPod)))
	mux.Handle("DELETE /v1/squads/{id}/assignments/{podSerial}", protect(http.HandlerFunc(s.handleUnassignPod)))

	mux.Handle("GET /v1/pods", protect(http.HandlerFunc(s.handleListPods)))
	mux.Handle("POST /v1/pods", protect(http.HandlerFunc(s.handleRegisterPod)))

	mux.Handle("GET /v1/sessions", protect(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET /v1/sessions/{id}", protect(http.HandlerFunc(s.handleGetSession)))

	mux.Handle("POST /v1/enroll-keys", protect(http.HandlerFunc(s.handleCreateEnrollKey)))
	mux.Handle("GET /v1/enroll-keys", protect(http.HandlerFunc(s.handleListEnrollKeys)))
	mux.Handle("DELETE /v1/enroll-keys/{id}", protect(http.HandlerFunc(s.handleRevokeEnrollKey)))

	return auth.RequestIDMiddleware(corsMiddleware(mux))
}

// ---------------------------------------------------------------------------
// Middleware & helpers
// ---------------------------------------------------------------------------

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := envOr("CORS_ALLOW_ORIGIN", "*")
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := loadConfig()
	slog.Info("starting sessions-api", "addr", cfg.HTTPAddr)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		slog.Error("db open", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		slog.Error("db ping", "err", err)
		os.Exit(1)
	}

	store := metadata.NewPostgresStore(db)
	if err := store.ApplySchema(ctx); err != nil {
		slog.Error("apply schema", "err", err)
		os.Exit(1)
	}
	if err := applyKeySchema(db); err != nil {
		slog.Error("apply key schema", "err", err)
		os.Exit(1)
	}
	slog.Info("schema applied")

	signer, err := auth.NewSigner()
	if err != nil {
		slog.Error("signer init", "err", err)
		os.Exit(1)
	}

	validator, err := auth.NewValidator(cfg.JWKSURLs)
	if err != nil {
		slog.Error("auth validator init", "err", err)
		os.Exit(1)
	}

	srv := &server{
		db:        db,
		store:     store,
		validator: validator,
		signer:    signer,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("graceful shutdown initiated")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := httpServer.Shutdown(shutCtx); err != nil {
			slog.Error("http shutdown", "err", err)
		}
	}()

	slog.Info("sessions-api ready", "addr", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http serve", "err", err)
		os.Exit(1)
	}
}
