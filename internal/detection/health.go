package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"evdetect/internal/pipeline"
)

// HealthProbe checks the inference service through the standard gRPC health
// protocol. Used before stream mode starts so a dead backend is reported once
// instead of on every tick
type HealthProbe struct {
	endpoint string
	service  string
	timeout  time.Duration
}

// NewHealthProbe creates a probe for a gRPC endpoint (host:port).
// service is the registered service name; empty checks overall server health
func NewHealthProbe(endpoint, service string) *HealthProbe {
	return &HealthProbe{
		endpoint: endpoint,
		service:  service,
		timeout:  5 * time.Second,
	}
}

// Check returns nil when the service reports SERVING
func (p *HealthProbe) Check(ctx context.Context) error {
	conn, err := grpc.NewClient(p.endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return pipeline.NewError(pipeline.KindUnreachable, "Invalid inference health endpoint", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return pipeline.NewError(pipeline.KindUnreachable, "Inference service health check failed", err)
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return pipeline.NewError(pipeline.KindServerError,
			fmt.Sprintf("Inference service is %s", resp.GetStatus()), nil)
	}

	log.Debug().Str("component", "detection").Str("endpoint", p.endpoint).Msg("inference service healthy")
	return nil
}
