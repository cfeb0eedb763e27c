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

package grpc

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"revStore/pkg/config"
	"revStore/pkg/metrics"
)

// ServerOptionsBuilder turns the server configuration into gRPC options.
type ServerOptionsBuilder struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracker *ConnectionTracker
}

// NewServerOptionsBuilder creates a builder for cfg.
func NewServerOptionsBuilder(cfg *config.Config, logger *zap.Logger) *ServerOptionsBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServerOptionsBuilder{
		cfg:    cfg,
		logger: logger,
	}
}

// WithMetrics enables the metrics interceptor and metric hooks of the others.
func (b *ServerOptionsBuilder) WithMetrics(m *metrics.Metrics) *ServerOptionsBuilder {
	b.metrics = m
	return b
}

// Tracker returns the connection tracker shared by the unary and stream
// chains, or nil when limits are disabled. Valid after Build.
func (b *ServerOptionsBuilder) Tracker() *ConnectionTracker {
	return b.tracker
}

// Build returns server options with every configured interceptor chained.
func (b *ServerOptionsBuilder) Build() []grpc.ServerOption {
	g := b.cfg.Server.GRPC
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(g.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(g.MaxSendMsgSize),
		grpc.MaxConcurrentStreams(g.MaxConcurrentStreams),
		grpc.InitialWindowSize(g.InitialWindowSize),
		grpc.InitialConnWindowSize(g.InitialConnWindowSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:                  g.KeepaliveTime,
			Timeout:               g.KeepaliveTimeout,
			MaxConnectionIdle:     g.MaxConnectionIdle,
			MaxConnectionAge:      g.MaxConnectionAge,
			MaxConnectionAgeGrace: g.MaxConnectionAgeGrace,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             g.KeepaliveTime,
			PermitWithoutStream: true,
		}),
	}

	if b.cfg.Server.Limits.MaxConnections > 0 {
		b.tracker = NewConnectionTracker(b.cfg.Server.Limits.MaxConnections, b.logger)
	}

	if unary := b.buildUnaryInterceptors(); len(unary) > 0 {
		opts = append(opts, grpc.ChainUnaryInterceptor(unary...))
	}
	if stream := b.buildStreamInterceptors(); len(stream) > 0 {
		opts = append(opts, grpc.ChainStreamInterceptor(stream...))
	}
	return opts
}

// Order: metrics, panic recovery, slow logging, connection tracking, rate limiting.
func (b *ServerOptionsBuilder) buildUnaryInterceptors() []grpc.UnaryServerInterceptor {
	var interceptors []grpc.UnaryServerInterceptor
	s := b.cfg.Server

	if s.Monitoring.EnablePrometheus && b.metrics != nil {
		interceptors = append(interceptors, metrics.NewMetricsInterceptor(b.metrics).UnaryServerInterceptor())
	}
	if s.Reliability.EnablePanicRecovery {
		interceptors = append(interceptors, NewPanicRecoveryInterceptor(b.metrics, b.logger).UnaryServerInterceptor())
	}
	if s.Monitoring.SlowRequestThreshold > 0 {
		interceptors = append(interceptors, NewLoggingInterceptor(s.Monitoring.SlowRequestThreshold, b.logger).UnaryServerInterceptor())
	}
	if b.tracker != nil {
		interceptors = append(interceptors, b.tracker.UnaryServerInterceptor())
	}
	if s.GRPC.EnableRateLimit && s.GRPC.RateLimitQPS > 0 {
		rl := NewRateLimiter(s.GRPC.RateLimitQPS, s.GRPC.RateLimitBurst, b.metrics, b.logger)
		interceptors = append(interceptors, rl.UnaryServerInterceptor())
	}
	return interceptors
}

func (b *ServerOptionsBuilder) buildStreamInterceptors() []grpc.StreamServerInterceptor {
	var interceptors []grpc.StreamServerInterceptor
	s := b.cfg.Server

	if s.Monitoring.EnablePrometheus && b.metrics != nil {
		interceptors = append(interceptors, metrics.NewMetricsInterceptor(b.metrics).StreamServerInterceptor())
	}
	if s.Reliability.EnablePanicRecovery {
		interceptors = append(interceptors, NewPanicRecoveryInterceptor(b.metrics, b.logger).StreamServerInterceptor())
	}
	if s.Monitoring.SlowRequestThreshold > 0 {
		interceptors = append(interceptors, NewLoggingInterceptor(s.Monitoring.SlowRequestThreshold, b.logger).StreamServerInterceptor())
	}
	if b.tracker != nil {
		interceptors = append(interceptors, b.tracker.StreamServerInterceptor())
	}
	if s.GRPC.EnableRateLimit && s.GRPC.RateLimitQPS > 0 {
		rl := NewRateLimiter(s.GRPC.RateLimitQPS, s.GRPC.RateLimitBurst, b.metrics, b.logger)
		interceptors = append(interceptors, rl.StreamServerInterceptor())
	}
	return interceptors
}

// BuildServer creates a gRPC server configured from cfg.
func BuildServer(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := NewServerOptionsBuilder(cfg, logger).WithMetrics(m).Build()

	g := cfg.Server.GRPC
	logger.Info("creating gRPC server",
		zap.Int("max_recv_msg_size", g.MaxRecvMsgSize),
		zap.Uint32("max_concurrent_streams", g.MaxConcurrentStreams),
		zap.Duration("keepalive_time", g.KeepaliveTime),
		zap.Bool("enable_rate_limit", g.EnableRateLimit),
		zap.Int("rate_limit_qps", g.RateLimitQPS),
		zap.Int("max_connections", cfg.Server.Limits.MaxConnections),
		zap.Bool("enable_panic_recovery", cfg.Server.Reliability.EnablePanicRecovery),
		zap.Duration("slow_request_threshold", cfg.Server.Monitoring.SlowRequestThreshold))

	return grpc.NewServer(opts...)
}
