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

package watch

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"revStore/internal/mvcc"
	"revStore/pkg/log"
	"revStore/pkg/metrics"
	"revStore/pkg/reliability"
)

// History is the retained history the router replays from.
type History interface {
	Rev() int64
	CompactRevision() int64
	History(key, end []byte, from, to int64) ([]mvcc.Event, error)
}

// Config configures a Router.
type Config struct {
	// MaxPending is the number of undelivered events a subscription may hold
	// before it is canceled as a slow consumer. 0 disables the bound.
	MaxPending int

	// ChanSize is the buffer of each subscription channel.
	ChanSize int

	// ProgressInterval is how often idle subscriptions that asked for it get a
	// progress notification. 0 disables the timer.
	ProgressInterval time.Duration

	// SyncInterval bounds how long a replaying subscription waits for the
	// sync loop when no wake-up arrives.
	SyncInterval time.Duration
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		MaxPending:       10000,
		ChanSize:         128,
		ProgressInterval: 10 * time.Minute,
		SyncInterval:     100 * time.Millisecond,
	}
}

// Router fans committed batches out to subscriptions. Writers hand it each
// committed batch with Publish; subscriptions that start in the past are
// replayed from History until they catch up with the published stream.
type Router struct {
	mu       sync.Mutex
	hist     History
	synced   map[int64]*Subscription
	unsynced map[int64]*Subscription
	lastRev  int64
	pending  map[int64][]mvcc.Event
	closed   bool

	nextID atomic.Int64

	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	syncCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRouter creates a router positioned at the current index of hist and
// starts its background loops.
func NewRouter(hist History, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Router {
	def := DefaultConfig()
	if cfg.ChanSize <= 0 {
		cfg.ChanSize = def.ChanSize
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		hist:     hist,
		synced:   make(map[int64]*Subscription),
		unsynced: make(map[int64]*Subscription),
		lastRev:  hist.Rev(),
		pending:  make(map[int64][]mvcc.Event),
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		syncCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}

	r.wg.Add(1)
	reliability.SafeGo("watch-sync", func() {
		defer r.wg.Done()
		r.syncLoop()
	})
	if cfg.ProgressInterval > 0 {
		r.wg.Add(1)
		reliability.SafeGo("watch-progress", func() {
			defer r.wg.Done()
			r.progressLoop()
		})
	}
	return r
}

// Rev returns the last published index.
func (r *Router) Rev() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRev
}

// Watch registers a subscription.
func (r *Router) Watch(req Request) (*Subscription, error) {
	if err := mvcc.ValidateRange(req.Key, req.RangeEnd); err != nil {
		return nil, err
	}
	if req.StartRevision < 0 || req.EndRevision < 0 {
		return nil, ErrInvalidRevisionRange
	}
	if req.EndRevision > 0 && req.StartRevision > 0 && req.EndRevision <= req.StartRevision {
		return nil, ErrInvalidRevisionRange
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRouterClosed
	}

	cursor := req.StartRevision
	if cursor == 0 {
		cursor = r.lastRev + 1
		if cur := r.hist.Rev(); cur >= cursor {
			cursor = cur + 1
		}
	} else if compacted := r.hist.CompactRevision(); cursor < compacted {
		return nil, mvcc.ErrCompacted
	}

	id := r.nextID.Add(1) - 1
	sub := newSubscription(id, req, r.cfg.MaxPending, r.cfg.ChanSize, r.ended)
	sub.cursor = cursor
	r.metrics.RecordWatchCreated()

	if req.EndRevision > 0 && cursor >= req.EndRevision {
		sub.finish(ErrEndReached, 0)
		return sub, nil
	}
	if cursor > r.lastRev {
		r.synced[id] = sub
	} else {
		r.unsynced[id] = sub
		r.metrics.SetUnsyncedWatches(len(r.unsynced))
		r.wakeSync()
	}

	r.logger.Debug("watch created",
		zap.Int64("watch_id", id),
		log.Key(req.Key),
		zap.Int64("start_revision", req.StartRevision),
		zap.Bool("replay", cursor <= r.lastRev),
		log.Component("watch"))
	return sub, nil
}

func (r *Router) ended(s *Subscription, reason error) {
	label := "canceled"
	switch {
	case errors.Is(reason, ErrEndReached):
		label = "end_reached"
	case errors.Is(reason, ErrSlowConsumer):
		label = "slow_consumer"
	case errors.Is(reason, mvcc.ErrCompacted):
		label = "compacted"
	case errors.Is(reason, ErrRouterClosed):
		label = "closed"
	}
	r.metrics.RecordWatchCanceled(label)
}

// Publish hands the router the events committed at rev. Batches published
// out of order are held until the missing indices arrive.
func (r *Router) Publish(rev int64, events []mvcc.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || rev <= r.lastRev {
		return
	}
	if rev != r.lastRev+1 {
		r.pending[rev] = events
		return
	}
	r.deliver(rev, events)
	for {
		next, ok := r.pending[r.lastRev+1]
		if !ok {
			return
		}
		delete(r.pending, r.lastRev+1)
		r.deliver(r.lastRev+1, next)
	}
}

// deliver offers one batch to every synced subscription. Callers hold r.mu.
func (r *Router) deliver(rev int64, events []mvcc.Event) {
	r.lastRev = rev
	for id, sub := range r.synced {
		if sub.ended() {
			delete(r.synced, id)
			continue
		}
		if rev < sub.cursor {
			continue
		}
		r.send(sub, rev, sub.filter(events))
		sub.cursor = rev + 1
		if end := sub.req.EndRevision; end > 0 && sub.cursor >= end {
			sub.finish(ErrEndReached, 0)
			delete(r.synced, id)
		}
	}
}

// send queues one batch, ending the subscription if it cannot keep up.
func (r *Router) send(sub *Subscription, rev int64, events []mvcc.Event) {
	if len(events) == 0 {
		return
	}
	if !sub.enqueue(Response{Revision: rev, Events: events}) {
		sub.finish(ErrSlowConsumer, 0)
		r.logger.Warn("canceled slow watch consumer",
			zap.Int64("watch_id", sub.id),
			zap.Int("max_pending", r.cfg.MaxPending),
			log.Component("watch"))
		return
	}
	sub.delivered = true
	for _, ev := range events {
		r.metrics.RecordWatchEvent(ev.Type.String())
	}
}

// RequestProgress queues a progress notification for sub if it has caught
// up with the published stream. It reports whether one was queued.
func (r *Router) RequestProgress(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.synced[sub.id]; !ok || sub.ended() {
		return false
	}
	return sub.enqueue(Response{Revision: r.lastRev})
}

func (r *Router) wakeSync() {
	select {
	case r.syncCh <- struct{}{}:
	default:
	}
}

func (r *Router) syncLoop() {
	ticker := time.NewTicker(r.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.syncCh:
		case <-ticker.C:
		}
		for r.syncOnce() {
		}
	}
}

// syncOnce replays history for every unsynced subscription up to the last
// published index and moves the ones that caught up to the synced set. It
// reports whether another pass should follow at once: some subscription is
// still replaying and no history read failed. After a failed read the loop
// waits for the next tick.
func (r *Router) syncOnce() bool {
	type work struct {
		sub    *Subscription
		cursor int64
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	target := r.lastRev
	var subs []work
	for id, sub := range r.unsynced {
		if sub.ended() {
			delete(r.unsynced, id)
			continue
		}
		subs = append(subs, work{sub: sub, cursor: sub.cursor})
	}
	r.metrics.SetUnsyncedWatches(len(r.unsynced))
	r.mu.Unlock()

	if len(subs) == 0 {
		return false
	}

	stalled := false
	for _, w := range subs {
		if !r.replay(w.sub, w.cursor, target) {
			stalled = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range subs {
		sub := w.sub
		if _, ok := r.unsynced[sub.id]; !ok {
			continue
		}
		if sub.ended() {
			delete(r.unsynced, sub.id)
			continue
		}
		if sub.cursor > r.lastRev {
			delete(r.unsynced, sub.id)
			r.synced[sub.id] = sub
		}
	}
	r.metrics.SetUnsyncedWatches(len(r.unsynced))
	return !stalled && len(r.unsynced) > 0
}

// replay delivers the history of sub in [from, target] and advances its
// cursor. Only the sync loop touches the cursor of an unsynced subscription.
// It returns false when history could not be read and the cursor is unchanged.
func (r *Router) replay(sub *Subscription, from, target int64) bool {
	to := target
	end := sub.req.EndRevision
	if end > 0 && end-1 < to {
		to = end - 1
	}

	if from <= to {
		events, err := r.hist.History(sub.req.Key, sub.req.RangeEnd, from, to)
		if err != nil {
			if errors.Is(err, mvcc.ErrCompacted) {
				sub.finish(mvcc.ErrCompacted, r.hist.CompactRevision())
				return true
			}
			r.logger.Error("watch replay failed",
				zap.Int64("watch_id", sub.id),
				zap.Int64("from", from),
				zap.Int64("to", to),
				zap.Error(err),
				log.Component("watch"))
			return false
		}

		r.mu.Lock()
		for start := 0; start < len(events); {
			rev := events[start].Revision.Main
			stop := start
			for stop < len(events) && events[stop].Revision.Main == rev {
				stop++
			}
			r.send(sub, rev, sub.filter(events[start:stop]))
			start = stop
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if to+1 > sub.cursor {
		sub.cursor = to + 1
	}
	if end > 0 && sub.cursor >= end {
		sub.finish(ErrEndReached, 0)
	}
	return true
}

func (r *Router) progressLoop() {
	ticker := time.NewTicker(r.cfg.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.progressTick()
		}
	}
}

// progressTick notifies synced subscriptions that asked for progress and had
// nothing delivered since the previous tick.
func (r *Router) progressTick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sub := range r.synced {
		if sub.ended() {
			delete(r.synced, id)
			continue
		}
		if !sub.req.ProgressNotify {
			continue
		}
		if !sub.delivered {
			sub.enqueue(Response{Revision: r.lastRev})
		}
		sub.delivered = false
	}
}

// Close ends every subscription and stops the background loops.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, set := range []map[int64]*Subscription{r.synced, r.unsynced} {
		for id, sub := range set {
			sub.finish(ErrRouterClosed, 0)
			delete(set, id)
		}
	}
	r.pending = nil
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
}
