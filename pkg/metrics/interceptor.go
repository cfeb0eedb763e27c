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

package metrics

import (
	"context"
	"path"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// methodName trims "/etcdserverpb.KV/Range" down to "KV/Range".
func methodName(fullMethod string) string {
	service, method := path.Split(fullMethod)
	service = path.Base(service)
	if i := strings.LastIndexByte(service, '.'); i >= 0 {
		service = service[i+1:]
	}
	return service + "/" + method
}

// MetricsInterceptor provides gRPC interceptors with metrics collection
type MetricsInterceptor struct {
	metrics *Metrics
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(m *Metrics) *MetricsInterceptor {
	return &MetricsInterceptor{
		metrics: m,
	}
}

// UnaryServerInterceptor returns a unary RPC interceptor with metrics collection
func (mi *MetricsInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		method := methodName(info.FullMethod)
		mi.metrics.GrpcRequestInFlight.WithLabelValues(method).Inc()
		defer mi.metrics.GrpcRequestInFlight.WithLabelValues(method).Dec()

		start := time.Now()
		resp, err := handler(ctx, req)
		mi.metrics.RecordGrpcRequest(method, status.Code(err).String(), time.Since(start))

		return resp, err
	}
}

// StreamServerInterceptor returns a stream RPC interceptor with metrics collection
func (mi *MetricsInterceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		method := methodName(info.FullMethod)
		mi.metrics.GrpcRequestInFlight.WithLabelValues(method).Inc()
		defer mi.metrics.GrpcRequestInFlight.WithLabelValues(method).Dec()

		start := time.Now()
		err := handler(srv, ss)
		mi.metrics.RecordGrpcRequest(method, status.Code(err).String(), time.Since(start))

		return err
	}
}
