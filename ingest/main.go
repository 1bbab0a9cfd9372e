// session-ingest: hosts the recording engine for squad training sessions.
//
// Pod frames arrive two ways: gateways POST varint-delimited PodFrame batches
// to /v1/frames (published into JetStream with per-frame dedup IDs), and a
// durable consumer on "frames.ingest" feeds every stored frame to the engine.
// Accepted frames are re-published to "live.<session_id>" over core NATS for
// the live-api fan-out. Coaches drive the session lifecycle through
// /v1/record/start, /v1/record/stop, and /v1/record/status.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/squadsense/services/shared/auth"
	"github.com/squadsense/services/shared/frames"
	"github.com/squadsense/services/shared/metadata"
	"github.com/squadsense/services/shared/recorder"
	"github.com/squadsense/services/shared/router"
	"github.com/squadsense/services/shared/storage"
)

// ──────────────────────────────────────────────────────────────────────────────
// Configuration
// ──────────────────────────────────────────────────────────────────────────────

type config struct {
	HTTPAddr      string
	NATSUrl       string
	QuestDBAddr   string
	DatabaseURL   string
	JWKSURLs      string
	BatchSize     int
	FlushInterval time.Duration
}

func loadConfig() config {
	batchSize := 0
	if s := os.Getenv("BATCH_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			batchSize = n
		}
	}

	var flushInterval time.Duration
	if s := os.Getenv("FLUSH_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			flushInterval = d
		}
	}

	return config{
		HTTPAddr:      envOr("HTTP_ADDR", ":8084"),
		NATSUrl:       envOr("NATS_URL", "nats://localhost:4222"),
		QuestDBAddr:   envOr("QUESTDB_ADDR", "localhost:9009"),
		DatabaseURL:   envOr("DATABASE_URL", "postgresql://squadsense@localhost:5432/squadsense?sslmode=disable"),
		JWKSURLs:      envOr("JWKS_URLS", "http://localhost:8083/v1/.well-known/jwks.json"),
		BatchSize:     batchSize,
		FlushInterval: flushInterval,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Frame consumer — JetStream durable "session-recorder"
// ──────────────────────────────────────────────────────────────────────────────

// consumeFrames feeds stored frames to the engine. Rejections are normal
// traffic (pods streaming outside a session, stray pods), so they are counted
// rather than logged per frame.
func consumeFrames(ch <-chan *router.Message, eng *recorder.Engine, bus router.Bus) {
	var accepted, rejected uint64
	for msg := range ch {
		frame, err := frames.Decode(msg.Data)
		if err != nil {
			slog.Warn("decode pod frame", "err", err, "subject", msg.Subject)
			continue
		}
		if !eng.Ingest(frame.Sample()) {
			rejected++
			continue
		}
		accepted++

		// Live fan-out is fire-and-forget core NATS; a dropped frame only
		// affects spectating dashboards, never storage.
		if state, sess := eng.Status(); state == recorder.StateRecording {
			if err := bus.Publish(context.Background(), "live."+sess.ID, msg.Data); err != nil {
				slog.Warn("live publish", "err", err, "pod", frame.PodID)
			}
		}

		if accepted%10000 == 0 {
			slog.Info("ingest progress", "accepted", accepted, "rejected", rejected)
		}
	}
	slog.Info("frame channel closed", "accepted", accepted, "rejected", rejected)
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP API
// ──────────────────────────────────────────────────────────────────────────────

// maxFrameBody bounds a POST /v1/frames body. A gateway batch tops out around
// 120 frames (~15 KB); 1 MB leaves room without inviting abuse.
const maxFrameBody = 1 << 20

type api struct {
	eng *recorder.Engine
	bus router.Bus
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
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
		SquadID  string `json:"squad_id"`
		Activity string `json:"activity"`
		Notes    string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SquadID == "" {
		http.Error(w, "Bad Request: squad_id required", http.StatusBadRequest)
		return
	}
	if !claims.CanAccessSquad(req.SquadID) {
		http.Error(w, "Forbidden: squad not in squad_set", http.StatusForbidden)
		return
	}

	sess, err := a.eng.Start(r.Context(), recorder.SessionInit{
		SquadID:  req.SquadID,
		OrgID:    claims.OrgID,
		Activity: req.Activity,
		Notes:    req.Notes,
	})
	switch {
	case errors.Is(err, recorder.ErrSessionActive):
		http.Error(w, "Conflict: a session is already recording", http.StatusConflict)
		return
	case errors.Is(err, recorder.ErrNoPods):
		http.Error(w, "Bad Request: squad has no active pod assignments", http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("start session", "err", err, "squad", req.SquadID)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": sess.ID,
		"squad_id":   sess.SquadID,
		"activity":   sess.Activity,
		"status":     sess.Status,
		"started_at": sess.StartedAt.Format(time.RFC3339Nano),
	})
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !claims.Role.CanRecord() {
		http.Error(w, "Forbidden: coach or admin role required", http.StatusForbidden)
		return
	}

	sum, err := a.eng.End(r.Context())
	if errors.Is(err, recorder.ErrNoSession) {
		http.Error(w, "Conflict: nothing is recording", http.StatusConflict)
		return
	}
	if err != nil {
		// The engine already reset; the session data is as persisted as it
		// will get. Hand the caller the summary plus what went wrong.
		slog.Error("end session", "err", err, "session", sum.SessionID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"summary": sum,
			"warning": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": sum})
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, sess := a.eng.Status()
	resp := map[string]interface{}{
		"state":   state,
		"metrics": a.eng.Metrics(),
	}
	if state != recorder.StateIdle {
		resp["session"] = map[string]interface{}{
			"id":         sess.ID,
			"squad_id":   sess.SquadID,
			"activity":   sess.Activity,
			"started_at": sess.StartedAt.Format(time.RFC3339Nano),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFrames accepts a varint-delimited PodFrame batch and publishes each
// frame into JetStream. The dedup ID makes gateway retries harmless.
func (a *api) handleFrames(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBody))
	if err != nil {
		http.Error(w, "Bad Request: unreadable body", http.StatusBadRequest)
		return
	}
	batch, err := frames.DecodeDelimited(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}
	if len(batch) == 0 {
		http.Error(w, "Bad Request: empty batch", http.StatusBadRequest)
		return
	}

	for _, f := range batch {
		var opts router.PubOptions
		if f.CapturedNS > 0 {
			opts.DeduplicationID = fmt.Sprintf("%d-%d", f.PodID, f.CapturedNS)
		}
		if err := a.bus.Publish(r.Context(), "frames.ingest", f.Encode(), opts); err != nil {
			slog.Error("publish frame", "err", err, "pod", f.PodID)
			http.Error(w, "Service Unavailable: broker publish failed", http.StatusServiceUnavailable)
			return
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"published": len(batch)})
}

func (a *api) routes(v *auth.Validator) http.Handler {
	mux := http.NewServeMux()
	protect := auth.HTTPMiddleware(v)

	mux.Handle("POST /v1/record/start", protect(http.HandlerFunc(a.handleStart)))
	mux.Handle("POST /v1/record/stop", protect(http.HandlerFunc(a.handleStop)))
	mux.Handle("GET /v1/record/status", protect(http.HandlerFunc(a.handleStatus)))
	mux.Handle("POST /v1/frames", protect(http.HandlerFunc(a.handleFrames)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})

	return auth.RequestIDMiddleware(corsMiddleware(mux))
}

// ──────────────────────────────────────────────────────────────────────────────
// Main
// ──────────────────────────────────────────────────────────────────────────────

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := loadConfig()
	slog.Info("starting session-ingest",
		"addr", cfg.HTTPAddr,
		"nats", cfg.NATSUrl,
		"questdb", cfg.QuestDBAddr,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		slog.Error("db open", "err", err)
		os.Exit(1)
	}
	if err := db.PingContext(ctx); err != nil {
		slog.Error("db ping", "err", err)
		os.Exit(1)
	}
	store := metadata.NewPostgresStore(db)
	slog.Info("metadata store connected")

	writer, err := storage.NewQuestDBWriter(cfg.QuestDBAddr)
	if err != nil {
		slog.Error("QuestDB ILP writer init", "err", err)
		os.Exit(1)
	}
	slog.Info("QuestDB ILP writer ready")

	bus, err := router.NewNATSBus(cfg.NATSUrl, "session-ingest")
	if err != nil {
		slog.Error("NATS connect", "err", err)
		os.Exit(1)
	}
	if err := bus.EnsureStream(ctx, "FRAMES", []string{"frames.>"}); err != nil {
		slog.Error("ensure FRAMES stream", "err", err)
		os.Exit(1)
	}
	slog.Info("JetStream FRAMES stream ready")

	validator, err := auth.NewValidator(cfg.JWKSURLs)
	if err != nil {
		slog.Error("auth validator init", "err", err)
		os.Exit(1)
	}

	eng := recorder.NewEngine(writer, store, store, recorder.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	})

	ch, err := bus.Subscribe(ctx, "frames.ingest", router.SubOptions{Durable: "session-recorder"})
	if err != nil {
		slog.Error("subscribe frames.ingest", "err", err)
		os.Exit(1)
	}
	go consumeFrames(ch, eng, bus)

	a := &api{eng: eng, bus: bus}
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      a.routes(validator),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http serve", "err", err)
		}
	}()

	slog.Info("session-ingest ready", "addr", cfg.HTTPAddr)
	<-ctx.Done()

	// Stop intake first, then drain the engine through the still-open writer.
	slog.Info("shutting down session-ingest")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	httpServer.Shutdown(shutCtx)
	if err := eng.Close(shutCtx); err != nil {
		slog.Error("engine close", "err", err)
	}
	writer.Close()
	bus.Close()
	db.Close()
}

// ──────────────────────────────────────────────────────────────────────────────
// Utility
// ──────────────────────────────────────────────────────────────────────────────

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := envOr("CORS_ALLOW_ORIGIN", "*")
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
