package supervise

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type fakeHTTPServer struct {
	listenErr error
	stop      chan struct{}
	shutdowns atomic.Int32
}

func newFakeHTTPServer() *fakeHTTPServer {
	return &fakeHTTPServer{stop: make(chan struct{})}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	f.shutdowns.Add(1)
	close(f.stop)
	return nil
}

func TestHTTPServiceShutsDownOnCancel(t *testing.T) {
	srv := newFakeHTTPServer()
	svc := NewHTTPService(srv, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	if srv.shutdowns.Load() != 1 {
		t.Fatalf("expected one shutdown, got %d", srv.shutdowns.Load())
	}
	if svc.String() != "http-server" {
		t.Fatalf("unexpected name %q", svc.String())
	}
}

func TestHTTPServiceReportsListenFailure(t *testing.T) {
	srv := newFakeHTTPServer()
	srv.listenErr = errors.New("address in use")
	err := NewHTTPService(srv, time.Second).Serve(context.Background())
	if err == nil || !errors.Is(err, srv.listenErr) {
		t.Fatalf("expected wrapped listen error, got %v", err)
	}
}

func TestGRPCServiceStopsOnCancel(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	svc := NewGRPCService(grpc.NewServer(), "bufnet")
	svc.listen = func(string, string) (net.Listener, error) { return lis, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("grpc service did not stop")
	}
}

func TestGRPCServiceListenFailure(t *testing.T) {
	svc := NewGRPCService(grpc.NewServer(), "bufnet")
	svc.listen = func(string, string) (net.Listener, error) { return nil, errors.New("denied") }
	if err := svc.Serve(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}

type flakyService struct{ runs atomic.Int32 }

func (f *flakyService) Serve(ctx context.Context) error {
	if f.runs.Add(1) == 1 {
		panic("first run explodes")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestSupervisorRestartsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	sup := New("gate-test", zerolog.New(&buf), time.Second)
	svc := &flakyService{}
	sup.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := sup.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for svc.runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-errCh

	if svc.runs.Load() < 2 {
		t.Fatalf("expected a restart after panic, runs=%d", svc.runs.Load())
	}
	if !bytes.Contains(buf.Bytes(), []byte("first run explodes")) {
		t.Fatalf("expected panic to be logged, got %s", buf.String())
	}
}
