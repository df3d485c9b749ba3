package clients

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// HealthClient queries the gRPC health service of a node
type HealthClient struct {
	client healthpb.HealthClient
	conn   *grpc.ClientConn
	logger logger.Logger
}

// NewHealthClient creates a client for endpoint (host:port)
func NewHealthClient(endpoint string, log logger.Logger, opts ...grpc.DialOption) (*HealthClient, error) {
	if log == nil {
		log = logger.NewNop()
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	return &HealthClient{
		client: healthpb.NewHealthClient(conn),
		conn:   conn,
		logger: log,
	}, nil
}

// Check returns the serving status of service; "" asks for the node as a whole
func (c *HealthClient) Check(ctx context.Context, service string) (string, error) {
	resp, err := c.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		c.logger.Error("gRPC health check failed", "service", service, "error", err)
		return "", err
	}
	return resp.GetStatus().String(), nil
}

// Close closes the connection
func (c *HealthClient) Close() error {
	return c.conn.Close()
}
