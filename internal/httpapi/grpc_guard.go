package httpapi

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/bazaar-hub/gatekeeper/internal/audit"
	"github.com/bazaar-hub/gatekeeper/internal/auth"
)

// HealthCheckMethod is always reachable without a credential.
const HealthCheckMethod = "/grpc.health.v1.Health/Check"

// MethodRequirements maps full gRPC method names to requirements. Methods
// missing from the map use Fallback.
type MethodRequirements struct {
	Methods  map[string]auth.Requirement
	Fallback auth.Requirement
}

func (m MethodRequirements) lookup(fullMethod string) auth.Requirement {
	if req, ok := m.Methods[fullMethod]; ok {
		return req
	}
	return m.Fallback
}

// UnaryGuard enforces requirements on unary calls using the same resolver
// and engine as the HTTP guard.
func UnaryGuard(g *Guard, reqs MethodRequirements) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := g.authorizeRPC(ctx, info.FullMethod, reqs.lookup(info.FullMethod))
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamGuard is the streaming counterpart of UnaryGuard.
func StreamGuard(g *Guard, reqs MethodRequirements) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := g.authorizeRPC(ss.Context(), info.FullMethod, reqs.lookup(info.FullMethod))
		if err != nil {
			return err
		}
		return handler(srv, &guardedStream{ServerStream: ss, ctx: ctx})
	}
}

type guardedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *guardedStream) Context() context.Context { return s.ctx }

func (g *Guard) authorizeRPC(ctx context.Context, method string, req auth.Requirement) (context.Context, error) {
	id, d := g.Authorize(ctx, credentialFromMetadata(ctx), req, originFromPeer(ctx), method)
	if !d.Allowed {
		if d.Reason == auth.ReasonUnauthenticated {
			return ctx, status.Error(codes.Unauthenticated, "unauthenticated")
		}
		return ctx, status.Error(codes.PermissionDenied, "permission denied")
	}
	if err := ctx.Err(); err != nil {
		return ctx, status.FromContextError(err).Err()
	}
	return auth.ContextWithIdentity(ctx, id), nil
}

func credentialFromMetadata(ctx context.Context) auth.Credential {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return auth.Credential{}
	}
	values := md.Get("authorization")
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return auth.Credential{}
	}
	token, err := extractBearerToken(values[0])
	if err != nil {
		return auth.Credential{Token: values[0], Source: auth.SourceMetadata}
	}
	return auth.Credential{Token: token, Source: auth.SourceMetadata}
}

func originFromPeer(ctx context.Context) audit.Origin {
	var o audit.Origin
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		o.IP = p.Addr.String()
		if host, _, err := net.SplitHostPort(o.IP); err == nil {
			o.IP = host
		}
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ua := md.Get("user-agent"); len(ua) > 0 {
			o.UserAgent = ua[0]
		}
	}
	return o
}

// NewGRPCServer builds a gRPC server guarded by g with the standard health
// service registered. The health check is public unless reqs says otherwise.
func NewGRPCServer(g *Guard, reqs MethodRequirements, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	methods := make(map[string]auth.Requirement, len(reqs.Methods)+1)
	methods[HealthCheckMethod] = auth.Public()
	for m, r := range reqs.Methods {
		methods[m] = r
	}
	reqs.Methods = methods

	opts = append(opts,
		grpc.ChainUnaryInterceptor(UnaryGuard(g, reqs)),
		grpc.ChainStreamInterceptor(StreamGuard(g, reqs)),
	)
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}
