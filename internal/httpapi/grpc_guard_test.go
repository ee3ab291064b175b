package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/bazaar-hub/gatekeeper/internal/audit"
	"github.com/bazaar-hub/gatekeeper/internal/auth"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *grpc.Server) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		srv.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return conn
}

func withToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func TestGRPCHealthIsPublic(t *testing.T) {
	g := newTestGate(t)
	srv, hs := NewGRPCServer(g.guard, MethodRequirements{Fallback: auth.Authenticated()})
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	conn := startBufGRPC(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %v", resp.GetStatus())
	}
}

func TestGRPCGuardMapsDecisions(t *testing.T) {
	g := newTestGate(t)
	srv, hs := NewGRPCServer(g.guard, MethodRequirements{
		Methods: map[string]auth.Requirement{
			HealthCheckMethod: auth.MinRole(auth.RoleAdmin),
		},
	})
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	client := healthpb.NewHealthClient(startBufGRPC(t, srv))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("no credential: expected Unauthenticated, got %v", err)
	}

	userTok := g.token(t, auth.RoleUser, auth.LevelBasic, auth.StatusActive)
	_, err = client.Check(withToken(ctx, userTok), &healthpb.HealthCheckRequest{})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("user: expected PermissionDenied, got %v", err)
	}

	adminTok := g.token(t, auth.RoleAdmin, auth.LevelBasic, auth.StatusActive)
	if _, err := client.Check(withToken(ctx, adminTok), &healthpb.HealthCheckRequest{}); err != nil {
		t.Fatalf("admin: %v", err)
	}

	events := g.events.ofType(audit.AccessDenied)
	if len(events) != 1 {
		t.Fatalf("expected one recorded denial, got %d", len(events))
	}
	if events[0].Details["target"] != HealthCheckMethod || events[0].IPAddress == "" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestCredentialFromMetadata(t *testing.T) {
	if c := credentialFromMetadata(context.Background()); c.Present() {
		t.Fatal("no metadata should mean no credential")
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc"))
	if c := credentialFromMetadata(ctx); c.Token != "abc" || c.Source != auth.SourceMetadata {
		t.Fatalf("unexpected credential: %+v", c)
	}
	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic abc"))
	if c := credentialFromMetadata(ctx); !c.Present() {
		t.Fatal("unsupported scheme still counts as presented")
	}
}

const whoamiMethod = "/gate.test.Whoami/Watch"

// whoamiDesc is a server-streaming service that echoes the caller's subject
// back as the Service field of a health request message.
var whoamiDesc = grpc.ServiceDesc{
	ServiceName: "gate.test.Whoami",
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		ServerStreams: true,
		Handler: func(_ any, stream grpc.ServerStream) error {
			id, ok := auth.IdentityFromContext(stream.Context())
			if !ok {
				return status.Error(codes.Internal, "no identity on stream context")
			}
			return stream.SendMsg(&healthpb.HealthCheckRequest{Service: id.ID()})
		},
	}},
}

func firstWatchErr(ctx context.Context, client healthpb.HealthClient) error {
	stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	_, err = stream.Recv()
	return err
}

func TestGRPCStreamGuard(t *testing.T) {
	g := newTestGate(t)
	srv, hs := NewGRPCServer(g.guard, MethodRequirements{Fallback: auth.Authenticated()})
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.RegisterService(&whoamiDesc, struct{}{})
	conn := startBufGRPC(t, srv)
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := firstWatchErr(ctx, client); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("no metadata: expected Unauthenticated, got %v", err)
	}

	suspended := g.token(t, auth.RoleUser, auth.LevelBasic, auth.StatusSuspended)
	if err := firstWatchErr(withToken(ctx, suspended), client); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("suspended: expected PermissionDenied, got %v", err)
	}
	denials := g.events.ofType(audit.AccessDenied)
	if len(denials) != 1 || denials[0].Details["reason"] != string(auth.ReasonAccountDisabled) ||
		denials[0].Details["target"] != "/grpc.health.v1.Health/Watch" {
		t.Fatalf("unexpected denials: %+v", denials)
	}

	active := g.token(t, auth.RoleUser, auth.LevelBasic, auth.StatusActive)
	if err := firstWatchErr(withToken(ctx, active), client); err != nil {
		t.Fatalf("active Watch: %v", err)
	}

	cs, err := conn.NewStream(withToken(ctx, active), &grpc.StreamDesc{ServerStreams: true}, whoamiMethod)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := cs.SendMsg(&healthpb.HealthCheckRequest{}); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	if err := cs.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	var got healthpb.HealthCheckRequest
	if err := cs.RecvMsg(&got); err != nil {
		t.Fatalf("RecvMsg: %v", err)
	}
	if got.GetService() != "u-user-basic" {
		t.Fatalf("identity did not reach the stream handler: %q", got.GetService())
	}
}
