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

package reliability

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthChecker reports the health of one component.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// CheckerFunc adapts a function to HealthChecker.
type CheckerFunc struct {
	name  string
	check func(ctx context.Context) error
}

// NewChecker creates a named checker from fn.
func NewChecker(name string, fn func(ctx context.Context) error) *CheckerFunc {
	return &CheckerFunc{name: name, check: fn}
}

func (c *CheckerFunc) Name() string                    { return c.name }
func (c *CheckerFunc) Check(ctx context.Context) error { return c.check(ctx) }

// HealthManager runs registered checkers and publishes their results on a
// gRPC health server. The empty service name aggregates every checker.
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	server   *health.Server
	shutdown bool
}

// NewHealthManager creates a manager with its own gRPC health server.
func NewHealthManager() *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		server:   health.NewServer(),
	}
}

// RegisterChecker adds checker under its name.
func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[checker.Name()] = checker
}

// Check evaluates one checker, or all of them for the empty service name.
func (hm *HealthManager) Check(ctx context.Context, serviceName string) healthpb.HealthCheckResponse_ServingStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	if hm.shutdown {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	if serviceName != "" {
		checker, ok := hm.checkers[serviceName]
		if !ok {
			return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
		}
		if err := checker.Check(ctx); err != nil {
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
		return healthpb.HealthCheckResponse_SERVING
	}
	for _, checker := range hm.checkers {
		if err := checker.Check(ctx); err != nil {
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Refresh runs every checker once and pushes the results to the health server.
func (hm *HealthManager) Refresh(ctx context.Context) {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		names = append(names, name)
	}
	hm.mu.RUnlock()

	for _, name := range names {
		hm.server.SetServingStatus(name, hm.Check(ctx, name))
	}
	hm.server.SetServingStatus("", hm.Check(ctx, ""))
}

// Run refreshes the health server every interval until ctx is done.
func (hm *HealthManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	hm.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.Refresh(ctx)
		}
	}
}

// SetServingStatus sets the status of a service directly.
func (hm *HealthManager) SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus) {
	hm.server.SetServingStatus(service, status)
}

// Shutdown marks every service NOT_SERVING and keeps it that way.
func (hm *HealthManager) Shutdown() {
	hm.mu.Lock()
	hm.shutdown = true
	hm.mu.Unlock()
	hm.server.Shutdown()
}

// GetServer returns the gRPC health service implementation.
func (hm *HealthManager) GetServer() *health.Server {
	return hm.server
}
