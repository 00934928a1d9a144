package grpcserver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"posecapture/internal/events"
	"posecapture/internal/validate"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthTracksDetector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := New("", quietLogger())
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		cctx, ccancel := context.WithTimeout(ctx, 2*time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("check %s: %v", service, err)
		}
		return resp.Status
	}

	if got := check(ServiceCapture); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected capture serving, got %v", got)
	}

	srv.Notify(events.Event{Type: events.TypeDetectorError, Session: "s1", Error: "detector model not loaded"})
	if got := check(ServiceDetector); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected detector not serving, got %v", got)
	}

	srv.Notify(events.Event{Type: events.TypeVerdict, Session: "s1", Verdict: &validate.Verdict{Reason: validate.ReasonNoFace}})
	if got := check(ServiceDetector); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected detector serving again, got %v", got)
	}

	srv.Notify(events.Event{Type: events.TypeDetectorError, Session: "s2", Error: "detector model not loaded"})
	srv.Notify(events.Event{Type: events.TypeSessionClosed, Session: "s2"})
	if got := check(ServiceDetector); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("closing the session should clear its detector state, got %v", got)
	}
}
