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
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"revStore/pkg/log"
)

// ShutdownHook runs during one shutdown phase.
type ShutdownHook func(ctx context.Context) error

// ShutdownPhase orders shutdown hooks.
type ShutdownPhase int

const (
	// PhaseStopAccepting stops listeners and marks health NOT_SERVING.
	PhaseStopAccepting ShutdownPhase = iota
	// PhaseDrainConnections lets in-flight RPCs and watch streams finish.
	PhaseDrainConnections
	// PhaseStopBackground stops lease expiry, compaction and watch routing.
	PhaseStopBackground
	// PhaseCloseResources flushes logs and closes the metrics server.
	PhaseCloseResources
)

var phases = []ShutdownPhase{
	PhaseStopAccepting,
	PhaseDrainConnections,
	PhaseStopBackground,
	PhaseCloseResources,
}

func (p ShutdownPhase) String() string {
	switch p {
	case PhaseStopAccepting:
		return "Stop Accepting"
	case PhaseDrainConnections:
		return "Drain Connections"
	case PhaseStopBackground:
		return "Stop Background"
	case PhaseCloseResources:
		return "Close Resources"
	default:
		return fmt.Sprintf("Unknown Phase %d", int(p))
	}
}

// GracefulShutdown runs registered hooks phase by phase. Hooks of the same
// phase run concurrently; a failing phase does not stop later ones.
type GracefulShutdown struct {
	mu       sync.Mutex
	hooks    map[ShutdownPhase][]ShutdownHook
	timeout  time.Duration
	started  chan struct{}
	finished chan struct{}
	once     sync.Once
	signals  chan os.Signal
}

// NewGracefulShutdown creates a manager. The timeout bounds the whole run.
func NewGracefulShutdown(timeout time.Duration) *GracefulShutdown {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{
		hooks:    make(map[ShutdownPhase][]ShutdownHook),
		timeout:  timeout,
		started:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// RegisterHook adds a hook to phase.
func (gs *GracefulShutdown) RegisterHook(phase ShutdownPhase, hook ShutdownHook) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.hooks[phase] = append(gs.hooks[phase], hook)
}

// Wait blocks until SIGINT or SIGTERM, or until Shutdown is called elsewhere,
// and returns after the shutdown has finished.
func (gs *GracefulShutdown) Wait() {
	gs.mu.Lock()
	if gs.signals == nil {
		gs.signals = make(chan os.Signal, 1)
		signal.Notify(gs.signals, syscall.SIGTERM, syscall.SIGINT)
	}
	sigs := gs.signals
	gs.mu.Unlock()
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		log.Info("Received shutdown signal",
			log.String("signal", sig.String()),
			log.Component("shutdown"))
		gs.Shutdown()
	case <-gs.started:
		<-gs.finished
	}
}

// Shutdown runs every phase once. Concurrent callers wait for the first run.
func (gs *GracefulShutdown) Shutdown() error {
	var err error
	ran := false
	gs.once.Do(func() {
		ran = true
		close(gs.started)
		err = gs.run()
		close(gs.finished)
	})
	if !ran {
		<-gs.finished
	}
	return err
}

func (gs *GracefulShutdown) run() error {
	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	var errs []error
	for _, phase := range phases {
		log.Info("Shutdown phase started", log.Phase(phase.String()), log.Component("shutdown"))

		gs.mu.Lock()
		hooks := append([]ShutdownHook(nil), gs.hooks[phase]...)
		gs.mu.Unlock()

		if err := gs.executeHooks(ctx, hooks, phase); err != nil {
			log.Error("Shutdown phase failed",
				log.Phase(phase.String()),
				log.Err(err),
				log.Component("shutdown"))
			errs = append(errs, err)
		}
	}

	log.Info("Graceful shutdown completed", log.Component("shutdown"))
	return errors.Join(errs...)
}

func (gs *GracefulShutdown) executeHooks(ctx context.Context, hooks []ShutdownHook, phase ShutdownPhase) error {
	if len(hooks) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(hooks))
	for i, hook := range hooks {
		wg.Add(1)
		go func(idx int, h ShutdownHook) {
			defer wg.Done()
			err := Guard(fmt.Sprintf("shutdown-hook-%d-%d", phase, idx), func() error {
				return h(ctx)
			})
			if err != nil {
				errCh <- fmt.Errorf("hook %d failed: %w", idx, err)
			}
		}(i, hook)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errCh)
		var errs []error
		for err := range errCh {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("phase %s: %w", phase, errors.Join(errs...))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("phase %s timeout: %w", phase, ctx.Err())
	}
}

// Done is closed once shutdown has started.
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.started
}

// IsShuttingDown reports whether Shutdown has been called.
func (gs *GracefulShutdown) IsShuttingDown() bool {
	select {
	case <-gs.started:
		return true
	default:
		return false
	}
}
