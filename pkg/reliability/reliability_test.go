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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestSafeGoRecovers(t *testing.T) {
	var seen atomic.Value
	SetPanicHandler(func(name string, v interface{}, _ []byte) {
		seen.Store(name)
	})
	defer SetPanicHandler(nil)

	before := GetPanicCount()
	done := make(chan struct{})
	SafeGo("boom", func() {
		defer close(done)
		panic("oops")
	})
	<-done

	require.Eventually(t, func() bool { return GetPanicCount() == before+1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "boom", seen.Load())
}

func TestGuard(t *testing.T) {
	err := Guard("guarded", func() error { panic("bad") })
	assert.Error(t, err)

	want := errors.New("plain")
	assert.Equal(t, want, Guard("guarded", func() error { return want }))
}

func TestGracefulShutdownPhaseOrder(t *testing.T) {
	gs := NewGracefulShutdown(time.Second)

	var mu sync.Mutex
	var order []ShutdownPhase
	record := func(p ShutdownPhase) ShutdownHook {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			return nil
		}
	}
	gs.RegisterHook(PhaseCloseResources, record(PhaseCloseResources))
	gs.RegisterHook(PhaseStopAccepting, record(PhaseStopAccepting))
	gs.RegisterHook(PhaseStopBackground, record(PhaseStopBackground))
	gs.RegisterHook(PhaseDrainConnections, func(context.Context) error { return errors.New("drain failed") })

	err := gs.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain failed")
	assert.Equal(t, []ShutdownPhase{PhaseStopAccepting, PhaseStopBackground, PhaseCloseResources}, order)
	assert.True(t, gs.IsShuttingDown())

	// second call is a no-op
	assert.NoError(t, gs.Shutdown())
	assert.Len(t, order, 3)
}

func TestGracefulShutdownWaitReturnsAfterShutdown(t *testing.T) {
	gs := NewGracefulShutdown(time.Second)
	waited := make(chan struct{})
	go func() {
		gs.Wait()
		close(waited)
	}()

	go gs.Shutdown()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestGracefulShutdownTimeout(t *testing.T) {
	gs := NewGracefulShutdown(20 * time.Millisecond)
	gs.RegisterHook(PhaseDrainConnections, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	err := gs.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHealthManager(t *testing.T) {
	hm := NewHealthManager()
	var broken atomic.Bool
	hm.RegisterChecker(NewChecker("kv", func(context.Context) error { return nil }))
	hm.RegisterChecker(NewChecker("lease", func(context.Context) error {
		if broken.Load() {
			return errors.New("down")
		}
		return nil
	}))

	ctx := context.Background()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hm.Check(ctx, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN, hm.Check(ctx, "nope"))

	broken.Store(true)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, hm.Check(ctx, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hm.Check(ctx, "kv"))

	hm.Refresh(ctx)
	resp, err := hm.GetServer().Check(ctx, &healthpb.HealthCheckRequest{Service: "lease"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	hm.Shutdown()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, hm.Check(ctx, "kv"))
}
