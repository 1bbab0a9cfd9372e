package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var errNoBearer = errors.New("auth: authorization header missing bearer token")

// claimsFromAuthorization parses "Bearer <jwt>" (case-insensitive scheme) and
// validates the token. Both the HTTP and gRPC entry points funnel through
// here.
func claimsFromAuthorization(v *Validator, header string) (*Claims, error) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return nil, errNoBearer
	}
	return v.Validate(strings.TrimSpace(header[len(prefix):]))
}

// HTTPMiddleware enforces a valid bearer JWT on every request and stores the
// parsed Claims in the request context. Rejections carry no token
// diagnostics; the reason goes to the debug log instead.
func HTTPMiddleware(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := claimsFromAuthorization(v, r.Header.Get("Authorization"))
			if err != nil {
				slog.Debug("request rejected", "path", r.URL.Path, "reason", err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="squadsense"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

// GRPCUnaryInterceptor enforces bearer auth on unary RPCs.
func GRPCUnaryInterceptor(v *Validator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		authed, err := authenticate(ctx, v)
		if err != nil {
			return nil, err
		}
		return handler(authed, req)
	}
}

// GRPCStreamInterceptor enforces bearer auth when a stream opens. Claims are
// checked once per stream, not per message.
func GRPCStreamInterceptor(v *Validator) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		authed, err := authenticate(ss.Context(), v)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: authed})
	}
}

func authenticate(ctx context.Context, v *Validator) (context.Context, error) {
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
	}
	claims, err := claimsFromAuthorization(v, header)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid or missing bearer token")
	}
	return ContextWithClaims(ctx, claims), nil
}

// authedStream overrides Context so stream handlers see the claims-carrying
// context.
type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }
