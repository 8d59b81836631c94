package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthClient queries the standard gRPC health service of a server.
type HealthClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// NewHealthClient connects to addr (e.g. "localhost:9090").
func NewHealthClient(addr string) (*HealthClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &HealthClient{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Check returns the serving status of service. The empty service is the
// server as a whole; "indexsync.tenant.<id>" is one tenant's agent.
func (c *HealthClient) Check(ctx context.Context, service string) (string, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return "", err
	}
	return resp.GetStatus().String(), nil
}

func (c *HealthClient) Close() error {
	return c.conn.Close()
}
