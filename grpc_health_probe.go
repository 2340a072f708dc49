// grpc_health_probe.go: Responsiveness probe speaking the gRPC health protocol
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sync"

	"github.com/agilira/go-errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealthProbe checks dependencies that expose grpc.health.v1.Health.
// Dependencies without a registered endpoint fall back to the synthetic probe.
//
// Example usage:
//
//	probe := NewGRPCHealthProbe(logger)
//	probe.SetEndpoint("payments", "localhost:50051")
//	resolver, _ := NewDependencyResolver(sm, bus, logger, WithResponsivenessProbe(probe))
//	defer probe.Close()
type GRPCHealthProbe struct {
	logger      Logger
	dialOptions []grpc.DialOption

	mu        sync.Mutex
	endpoints map[string]string
	conns     map[string]*grpc.ClientConn
}

// NewGRPCHealthProbe creates a probe using insecure transport credentials
// unless dialOptions are supplied.
func NewGRPCHealthProbe(logger Logger, dialOptions ...grpc.DialOption) *GRPCHealthProbe {
	if len(dialOptions) == 0 {
		dialOptions = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCHealthProbe{
		logger:      NewLogger(logger),
		dialOptions: dialOptions,
		endpoints:   make(map[string]string),
		conns:       make(map[string]*grpc.ClientConn),
	}
}

// SetEndpoint registers the gRPC address serving dependency.
func (p *GRPCHealthProbe) SetEndpoint(dependency, address string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.conns[dependency]; ok && p.endpoints[dependency] != address {
		_ = old.Close()
		delete(p.conns, dependency)
	}
	p.endpoints[dependency] = address
}

// RemoveEndpoint forgets dependency and closes its connection.
func (p *GRPCHealthProbe) RemoveEndpoint(dependency string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[dependency]; ok {
		_ = conn.Close()
		delete(p.conns, dependency)
	}
	delete(p.endpoints, dependency)
}

func (p *GRPCHealthProbe) conn(dependency string) (*grpc.ClientConn, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	address, ok := p.endpoints[dependency]
	if !ok {
		return nil, false, nil
	}
	if conn, ok := p.conns[dependency]; ok {
		return conn, true, nil
	}
	conn, err := grpc.NewClient(address, p.dialOptions...)
	if err != nil {
		return nil, true, err
	}
	p.conns[dependency] = conn
	return conn, true, nil
}

// Probe implements ResponsivenessProbe.
func (p *GRPCHealthProbe) Probe(ctx context.Context, pluginName, dependency string) error {
	conn, registered, err := p.conn(dependency)
	if !registered {
		return SyntheticProbe{}.Probe(ctx, pluginName, dependency)
	}
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: dependency})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return errors.New(ErrCodeHealthProbeFailed, "dependency reports "+resp.GetStatus().String()).
			WithContext("dependency", dependency).
			WithSeverity("warning")
	}
	return nil
}

// Close closes every connection.
func (p *GRPCHealthProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for dependency, conn := range p.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, dependency)
	}
	return firstErr
}
