// live-api: gRPC streaming feed of in-session samples for sideline dashboards.
//
// session-ingest republishes every accepted sample to live.<sessionID> on
// core NATS. This service bridges those subjects to gRPC server streams:
//
//	Watch(WatchRequest{session_id, pods, max_hz}) → stream SampleEvent
//
// Frame bytes are passed through from the bus without re-encoding; each event
// wraps them with the session ID and a server timestamp. Slow viewers are
// handled upstream: the bus subscription drops messages when its delivery
// buffer fills, so one stalled dashboard cannot back-pressure the feed.
//
// The wire types are hand-rolled (see codec.go) — the message surface is two
// small types, not worth a protoc toolchain in the build.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	_ "github.com/lib/pq"

	"github.com/squadsense/services/shared/auth"
	"github.com/squadsense/services/shared/metadata"
	"github.com/squadsense/services/shared/router"
)

// ──────────────────────────────────────────────────────────────────────────────
// Configuration
// ──────────────────────────────────────────────────────────────────────────────

type config struct {
	GRPCAddr    string
	HTTPAddr    string
	NATSUrl     string
	DatabaseURL string
	JWKSURLs    string
}

func loadConfig() config {
	return config{
		GRPCAddr:    envOr("GRPC_ADDR", ":50052"),
		HTTPAddr:    envOr("HTTP_ADDR", ":8086"),
		NATSUrl:     envOr("NATS_URL", "nats://localhost:4222"),
		DatabaseURL: envOr("DATABASE_URL", "postgresql://squadsense@localhost:5432/squadsense?sslmode=disable"),
		JWKSURLs:    envOr("JWKS_URLS", "http://localhost:8083/v1/.well-known/jwks.json"),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Feed server
// ──────────────────────────────────────────────────────────────────────────────

// LiveFeedServer is the service contract, shaped the way protoc-gen-go-grpc
// would emit it. RegisterService checks implementations against it.
type LiveFeedServer interface {
	Watch(*WatchRequest, grpc.ServerStream) error
}

// FeedServer implements the LiveFeed gRPC service.
type FeedServer struct {
	bus  router.Bus
	meta *metadata.PostgresStore
}

var _ LiveFeedServer = (*FeedServer)(nil)

// Watch implements the server-streaming RPC from live/feed.proto. It resolves
// the session for access control, subscribes to its live subject, and pushes
// SampleEvents until the client goes away, filtered by pod and throttled to
// max_hz when requested.
func (s *FeedServer) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing auth claims")
	}
	if req.SessionID == "" {
		return status.Error(codes.InvalidArgument, "session_id required")
	}

	sess, err := s.meta.GetSessionByID(ctx, req.SessionID)
	if err == metadata.ErrNotFound {
		return status.Error(codes.NotFound, "session not found")
	}
	if err != nil {
		return status.Errorf(codes.Internal, "session lookup: %v", err)
	}
	// Inaccessible sessions read as not-found so existence does not leak.
	if sess.OrgID != claims.OrgID || !claims.CanAccessSquad(sess.SquadID) {
		return status.Error(codes.NotFound, "session not found")
	}

	ch, err := s.bus.Subscribe(ctx, "live."+req.SessionID)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe live feed: %v", err)
	}

	podFilter := make(map[uint32]bool, len(req.Pods))
	for _, p := range req.Pods {
		podFilter[p] = true
	}

	var minInterval time.Duration
	if req.MaxHz > 0 {
		minInterval = time.Second / time.Duration(req.MaxHz)
	}
	lastSend := time.Time{}

	slog.Info("live watch opened", "session", req.SessionID, "pods", len(req.Pods), "viewer", claims.Subject)

	for msg := range ch {
		if minInterval > 0 && time.Since(lastSend) < minInterval {
			continue
		}
		if len(podFilter) > 0 && !podFilter[peekPodID(msg.Data)] {
			continue
		}

		ev := &SampleEvent{
			SessionID: req.SessionID,
			Frame:     msg.Data,
			ServerNS:  uint64(time.Now().UnixNano()),
		}
		if err := stream.SendMsg(ev); err != nil {
			return err
		}
		lastSend = time.Now()
	}

	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// gRPC service descriptor (normally generated by protoc-gen-go-grpc)
// ──────────────────────────────────────────────────────────────────────────────

var _LiveFeed_serviceDesc = grpc.ServiceDesc{
	ServiceName: "squadsense.live.v1.LiveFeed",
	HandlerType: (*LiveFeedServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       _LiveFeed_Watch_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "live/feed.proto",
}

func _LiveFeed_Watch_Handler(srv interface{}, stream grpc.ServerStream) error {
	req := new(WatchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(LiveFeedServer).Watch(req, stream)
}

// ──────────────────────────────────────────────────────────────────────────────
// Main
// ──────────────────────────────────────────────────────────────────────────────

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := loadConfig()
	slog.Info("starting live-api", "grpc", cfg.GRPCAddr, "http", cfg.HTTPAddr)

	validator, err := auth.NewValidator(cfg.JWKSURLs)
	if err != nil {
		slog.Error("auth validator init", "err", err)
		os.Exit(1)
	}

	bus, err := router.NewNATSBus(cfg.NATSUrl, "live-api")
	if err != nil {
		slog.Error("nats connect", "err", err)
		os.Exit(1)
	}
	defer bus.Close()

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

	feed := &FeedServer{
		bus:  bus,
		meta: metadata.NewPostgresStore(db),
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(auth.GRPCUnaryInterceptor(validator)),
		grpc.StreamInterceptor(auth.GRPCStreamInterceptor(validator)),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	grpcServer.RegisterService(&_LiveFeed_serviceDesc, feed)
	slog.Info("gRPC LiveFeed registered", "service", _LiveFeed_serviceDesc.ServiceName)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		slog.Error("listen failed", "addr", cfg.GRPCAddr, "err", err)
		os.Exit(1)
	}

	// Plain HTTP listener for orchestrator health probes.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	httpServer := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health serve error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		slog.Info("graceful shutdown initiated")
		grpcServer.GracefulStop()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		httpServer.Shutdown(shutCtx)
	}()

	slog.Info("live-api gRPC server ready", "addr", cfg.GRPCAddr)
	if err := grpcServer.Serve(lis); err != nil {
		slog.Error("grpc serve error", "err", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
