package detection

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"evdetect/internal/pipeline"
)

func startHealthServer(t *testing.T) (string, *health.Server) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return lis.Addr().String(), hs
}

func TestHealthProbeServing(t *testing.T) {
	addr, hs := startHealthServer(t)
	hs.SetServingStatus("detector", healthpb.HealthCheckResponse_SERVING)

	if err := NewHealthProbe(addr, "detector").Check(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}
}

func TestHealthProbeNotServing(t *testing.T) {
	addr, hs := startHealthServer(t)
	hs.SetServingStatus("detector", healthpb.HealthCheckResponse_NOT_SERVING)

	err := NewHealthProbe(addr, "detector").Check(context.Background())
	if !pipeline.IsKind(err, pipeline.KindServerError) {
		t.Errorf("expected server_error, got %v", err)
	}
}

func TestHealthProbeUnknownService(t *testing.T) {
	addr, _ := startHealthServer(t)

	err := NewHealthProbe(addr, "missing").Check(context.Background())
	if !pipeline.IsKind(err, pipeline.KindUnreachable) {
		t.Errorf("expected unreachable for unknown service, got %v", err)
	}
}
