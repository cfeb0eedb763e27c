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
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"revStore/pkg/metrics"
)

// ConnectionTracker bounds the number of RPCs in flight. Watch and keepalive
// streams count for as long as they stay open.
type ConnectionTracker struct {
	maxConnections int64
	activeConns    atomic.Int64
	logger         *zap.Logger
}

// NewConnectionTracker creates a tracker admitting at most maxConnections.
func NewConnectionTracker(maxConnections int, logger *zap.Logger) *ConnectionTracker {
	return &ConnectionTracker{
		maxConnections: int64(maxConnections),
		logger:         logger,
	}
}

// Track admits one RPC or returns ResourceExhausted.
func (ct *ConnectionTracker) Track() error {
	current := ct.activeConns.Add(1)
	if current > ct.maxConnections {
		ct.activeConns.Add(-1)
		ct.logger.Warn("connection limit reached",
			zap.Int64("current", current-1),
			zap.Int64("max", ct.maxConnections))
		return status.Errorf(codes.ResourceExhausted,
			"connection limit reached: %d/%d", current-1, ct.maxConnections)
	}
	return nil
}

// Untrack releases a slot taken by Track.
func (ct *ConnectionTracker) Untrack() {
	ct.activeConns.Add(-1)
}

func (ct *ConnectionTracker) Count() int64 {
	return ct.activeConns.Load()
}

func (ct *ConnectionTracker) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := ct.Track(); err != nil {
			return nil, err
		}
		defer ct.Untrack()
		return handler(ctx, req)
	}
}

func (ct *ConnectionTracker) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := ct.Track(); err != nil {
			return err
		}
		defer ct.Untrack()
		return handler(srv, ss)
	}
}

// RateLimiter is a global token bucket in front of every RPC.
type RateLimiter struct {
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRateLimiter allows qps requests per second with bursts up to burst.
// A burst of 0 defaults to qps.
func NewRateLimiter(qps int, burst int, m *metrics.Metrics, logger *zap.Logger) *RateLimiter {
	if burst <= 0 {
		burst = qps
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
		metrics: m,
		logger:  logger,
	}
}

func (rl *RateLimiter) allow(ctx context.Context, method string) error {
	if rl.limiter.Allow() {
		return nil
	}
	rl.metrics.RecordRateLimitHit(method)
	rl.logger.Warn("rate limit exceeded",
		zap.String("method", method),
		zap.String("client", extractClientInfo(ctx)))
	return status.Errorf(codes.ResourceExhausted, "rate limit exceeded for method: %s", method)
}

func (rl *RateLimiter) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := rl.allow(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (rl *RateLimiter) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := rl.allow(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// LoggingInterceptor logs requests slower than a threshold. Streams are
// long-lived by nature, so only their setup failures are logged.
type LoggingInterceptor struct {
	slowThreshold time.Duration
	logger        *zap.Logger
}

func NewLoggingInterceptor(slowThreshold time.Duration, logger *zap.Logger) *LoggingInterceptor {
	return &LoggingInterceptor{
		slowThreshold: slowThreshold,
		logger:        logger,
	}
}

func (li *LoggingInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		if duration > li.slowThreshold {
			fields := []zap.Field{
				zap.String("method", info.FullMethod),
				zap.Duration("duration", duration),
				zap.String("client", extractClientInfo(ctx)),
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}
			li.logger.Warn("slow request detected", fields...)
		}
		return resp, err
	}
}

func (li *LoggingInterceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, ss)
		if err != nil && status.Code(err) != codes.Canceled {
			li.logger.Warn("stream ended with error",
				zap.String("method", info.FullMethod),
				zap.String("client", extractClientInfo(ss.Context())),
				zap.Error(err))
		}
		return err
	}
}

// PanicRecoveryInterceptor turns handler panics into Internal errors.
type PanicRecoveryInterceptor struct {
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewPanicRecoveryInterceptor(m *metrics.Metrics, logger *zap.Logger) *PanicRecoveryInterceptor {
	return &PanicRecoveryInterceptor{
		metrics: m,
		logger:  logger,
	}
}

func (pri *PanicRecoveryInterceptor) recovered(ctx context.Context, method string, r interface{}) error {
	pri.metrics.RecordPanicRecovered(method)
	pri.logger.Error("panic recovered in RPC",
		zap.String("method", method),
		zap.String("client", extractClientInfo(ctx)),
		zap.Any("panic", r),
		zap.Stack("stack"))
	return status.Errorf(codes.Internal, "internal server error")
}

func (pri *PanicRecoveryInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = pri.recovered(ctx, info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}

func (pri *PanicRecoveryInterceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = pri.recovered(ss.Context(), info.FullMethod, r)
			}
		}()
		return handler(srv, ss)
	}
}

// extractClientInfo names the caller for logs: peer address, else user agent.
func extractClientInfo(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if userAgent := md.Get("user-agent"); len(userAgent) > 0 {
			return fmt.Sprintf("user-agent:%s", userAgent[0])
		}
	}
	return "unknown"
}
