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

package mvcc

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CompactionMode defines the auto-compaction mode.
type CompactionMode string

const (
	// CompactionModeRevision keeps the last Retention global indices.
	CompactionModeRevision CompactionMode = "revision"
	// CompactionModePeriodic keeps the history written during the last Period.
	CompactionModePeriodic CompactionMode = "periodic"
)

// CompactorConfig configures the auto compactor.
type CompactorConfig struct {
	Enable bool
	Mode   CompactionMode

	// Retention is the number of indices kept in revision mode.
	Retention int64

	// Period is the age of history kept in periodic mode.
	Period time.Duration

	// CheckInterval is how often the compactor wakes up.
	CheckInterval time.Duration
}

// DefaultCompactorConfig returns the default compactor configuration.
func DefaultCompactorConfig() CompactorConfig {
	return CompactorConfig{
		Enable:        true,
		Mode:          CompactionModeRevision,
		Retention:     1000,
		Period:        time.Hour,
		CheckInterval: time.Minute,
	}
}

// compactable is the part of Store the compactor drives.
type compactable interface {
	Rev() int64
	CompactRevision() int64
	Compact(rev int64) error
}

type revSample struct {
	at  time.Time
	rev int64
}

// Compactor compacts a store in the background according to its retention policy.
type Compactor struct {
	config CompactorConfig
	store  compactable
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	samples []revSample

	compactCount atomic.Int64
	lastRevision atomic.Int64
}

// NewCompactor creates a new auto compactor.
func NewCompactor(store compactable, config CompactorConfig, logger *zap.Logger) *Compactor {
	if config.Mode == "" {
		config.Mode = CompactionModeRevision
	}
	if config.Retention <= 0 {
		config.Retention = 1000
	}
	if config.Period <= 0 {
		config.Period = time.Hour
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{
		config: config,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Start starts the auto compactor.
func (c *Compactor) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	if !c.config.Enable {
		c.logger.Info("auto compaction disabled", zap.String("component", "compactor"))
		return
	}

	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run()

	c.logger.Info("auto compactor started",
		zap.String("mode", string(c.config.Mode)),
		zap.Int64("retention", c.config.Retention),
		zap.Duration("period", c.config.Period),
		zap.String("component", "compactor"))
}

// Stop stops the auto compactor and waits for the loop to exit.
func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	<-c.doneCh
}

// IsRunning returns whether the compactor is running.
func (c *Compactor) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// CompactCount returns the number of compactions performed.
func (c *Compactor) CompactCount() int64 {
	return c.compactCount.Load()
}

// LastRevision returns the target of the last successful compaction.
func (c *Compactor) LastRevision() int64 {
	return c.lastRevision.Load()
}

func (c *Compactor) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.Tick(); err != nil {
				c.logger.Warn("auto compaction failed",
					zap.Error(err),
					zap.String("component", "compactor"))
			}
		}
	}
}

// Tick runs one compaction round.
func (c *Compactor) Tick() error {
	target := c.target()
	if target <= 0 || target <= c.store.CompactRevision() {
		return nil
	}
	if err := c.store.Compact(target); err != nil {
		if errors.Is(err, ErrCompacted) {
			return nil
		}
		return err
	}
	c.compactCount.Add(1)
	c.lastRevision.Store(target)
	return nil
}

func (c *Compactor) target() int64 {
	rev := c.store.Rev()
	switch c.config.Mode {
	case CompactionModeRevision:
		return rev - c.config.Retention
	case CompactionModePeriodic:
		c.mu.Lock()
		defer c.mu.Unlock()

		now := c.now()
		c.samples = append(c.samples, revSample{at: now, rev: rev})
		cutoff := now.Add(-c.config.Period)
		target := int64(0)
		keep := 0
		for i, s := range c.samples {
			if s.at.After(cutoff) {
				break
			}
			target = s.rev
			keep = i
		}
		c.samples = c.samples[keep:]
		return target
	}
	return 0
}
