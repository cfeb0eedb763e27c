// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package etcd serves the store over the etcd v3 gRPC API so that stock etcd
// clients can read, write, lease and watch keys.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"revStore/internal/kvstore"
	"revStore/pkg/config"
	grpcserver "revStore/pkg/grpc"
	"revStore/pkg/log"
	"revStore/pkg/metrics"
	"revStore/pkg/reliability"
)

// Server is the etcd-compatible gRPC front end of a store.
type Server struct {
	store    *kvstore.Store
	cfg      *config.Config
	grpcSrv  *grpc.Server
	listener net.Listener
	health   *reliability.HealthManager
	tracker  *grpcserver.ConnectionTracker
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// stopc is closed when the server stops; long-lived streams end on it.
	stopc    chan struct{}
	stopOnce sync.Once
}

// ServerConfig holds what NewServer needs. Store and Config are required.
type ServerConfig struct {
	Store  *kvstore.Store
	Config *config.Config

	// Listener overrides Config.Server.ListenAddress, mostly for tests.
	Listener net.Listener

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// NewServer creates the gRPC server and registers the KV, Watch, Lease,
// Maintenance and health services.
func NewServer(sc ServerConfig) (*Server, error) {
	if sc.Store == nil {
		return nil, errors.New("etcd: store is required")
	}
	if sc.Config == nil {
		return nil, errors.New("etcd: config is required")
	}
	logger := sc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	lis := sc.Listener
	if lis == nil {
		addr := sc.Config.Server.ListenAddress
		var err error
		if lis, err = net.Listen("tcp", addr); err != nil {
			return nil, fmt.Errorf("etcd: listen on %s: %w", addr, err)
		}
	}

	builder := grpcserver.NewServerOptionsBuilder(sc.Config, logger).WithMetrics(sc.Metrics)
	s := &Server{
		store:    sc.Store,
		cfg:      sc.Config,
		grpcSrv:  grpc.NewServer(builder.Build()...),
		listener: lis,
		health:   reliability.NewHealthManager(),
		tracker:  builder.Tracker(),
		metrics:  sc.Metrics,
		logger:   logger.With(log.Component("etcd-server")),
		stopc:    make(chan struct{}),
	}

	pb.RegisterKVServer(s.grpcSrv, &KVServer{server: s})
	pb.RegisterWatchServer(s.grpcSrv, &WatchServer{server: s})
	pb.RegisterLeaseServer(s.grpcSrv, &LeaseServer{server: s})
	pb.RegisterMaintenanceServer(s.grpcSrv, &MaintenanceServer{server: s})

	if sc.Config.Server.Reliability.EnableHealthCheck {
		healthpb.RegisterHealthServer(s.grpcSrv, s.health.GetServer())
		s.health.RegisterChecker(reliability.NewChecker("kv", func(context.Context) error {
			if s.store.Corrupted() {
				return errors.New("store corrupted")
			}
			return nil
		}))
		s.health.RegisterChecker(reliability.NewChecker("lease", func(context.Context) error {
			if !s.store.Lessor().Running() {
				return errors.New("lease expiry not running")
			}
			return nil
		}))
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	return s, nil
}

// Serve accepts connections until Stop. It returns nil after a clean stop.
func (s *Server) Serve() error {
	s.logger.Info("serving etcd API",
		log.String("address", s.Address()),
		log.ClusterID(s.cfg.Server.ClusterID),
		log.MemberID(s.cfg.Server.MemberID))
	err := s.grpcSrv.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop ends open streams and waits for in-flight requests until ctx is done,
// then closes the remaining connections.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopc) })

	done := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, closing connections", zap.Error(ctx.Err()))
		s.grpcSrv.Stop()
		<-done
	}
}

// Address returns the listening address.
func (s *Server) Address() string {
	return s.listener.Addr().String()
}

// Health returns the health manager backing the gRPC health service.
func (s *Server) Health() *reliability.HealthManager { return s.health }

// Connections reports the number of tracked connections, or -1 when
// connection limits are off.
func (s *Server) Connections() int64 {
	if s.tracker == nil {
		return -1
	}
	return s.tracker.Count()
}

// RegisterShutdownHooks wires the server into gs. The store itself is closed
// by its owner in a later phase.
func (s *Server) RegisterShutdownHooks(gs *reliability.GracefulShutdown) {
	gs.RegisterHook(reliability.PhaseStopAccepting, func(context.Context) error {
		s.logger.Info("marking not serving", log.Phase(reliability.PhaseStopAccepting.String()))
		s.health.Shutdown()
		return nil
	})
	gs.RegisterHook(reliability.PhaseDrainConnections, func(ctx context.Context) error {
		s.logger.Info("draining connections", log.Phase(reliability.PhaseDrainConnections.String()))
		s.Stop(ctx)
		return nil
	})
}
