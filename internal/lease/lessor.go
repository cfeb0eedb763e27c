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

package lease

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"revStore/internal/mvcc"
	"revStore/pkg/log"
	"revStore/pkg/metrics"
	"revStore/pkg/reliability"
)

// NoLease is the id of "no lease".
const NoLease int64 = 0

// Remover deletes the keys attached to a lease as one batch and reports how
// many it removed. The lessor calls it without holding its own lock, after the
// lease is marked revoking; the remover reads the key set through Keys.
type Remover interface {
	RemoveLeased(id int64, expired bool) (int, error)
}

// Config configures a Lessor. TTLs are in seconds.
type Config struct {
	MinTTL        int64
	MaxTTL        int64
	CheckInterval time.Duration
}

// DefaultConfig returns the default lessor configuration.
func DefaultConfig() Config {
	return Config{
		MinTTL:        1,
		MaxTTL:        math.MaxInt32,
		CheckInterval: 500 * time.Millisecond,
	}
}

// Status describes a lease for TimeToLive.
type Status struct {
	ID int64

	// GrantedTTL is the TTL the lease was granted with.
	GrantedTTL int64

	// TTL is the number of seconds left before expiry.
	TTL int64

	Keys [][]byte
}

type lease struct {
	id       int64
	ttl      int64
	expiry   time.Time
	keys     map[string]struct{}
	revoking bool
}

func (l *lease) expired(now time.Time) bool {
	return !now.Before(l.expiry)
}

func (l *lease) keyList() [][]byte {
	keys := make([][]byte, 0, len(l.keys))
	for k := range l.keys {
		keys = append(keys, []byte(k))
	}
	sort.Slice(keys, func(i, j int) bool { return string(keys[i]) < string(keys[j]) })
	return keys
}

// Option configures a Lessor.
type Option func(*Lessor)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Lessor) { l.now = now }
}

// WithMetrics enables metric collection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Lessor) { l.metrics = m }
}

// Lessor owns the lease table and the key to lease relation. It never calls
// the store while holding its lock; the store may call it while holding the
// store's write lock.
type Lessor struct {
	mu       sync.RWMutex
	leases   map[int64]*lease
	keyLease map[string]int64
	nextID   int64

	cfg     Config
	remover Remover
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics

	runMu   sync.Mutex
	running bool
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLessor creates a lessor. remover may be set later with SetRemover.
func NewLessor(cfg Config, remover Remover, logger *zap.Logger, opts ...Option) *Lessor {
	def := DefaultConfig()
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = def.MinTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = def.MaxTTL
	}
	if cfg.MaxTTL < cfg.MinTTL {
		cfg.MaxTTL = cfg.MinTTL
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Lessor{
		leases:   make(map[int64]*lease),
		keyLease: make(map[string]int64),
		cfg:      cfg,
		remover:  remover,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetRemover sets the collaborator that deletes leased keys.
func (l *Lessor) SetRemover(r Remover) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remover = r
}

func (l *Lessor) clamp(ttl int64) int64 {
	if ttl < l.cfg.MinTTL {
		return l.cfg.MinTTL
	}
	if ttl > l.cfg.MaxTTL {
		return l.cfg.MaxTTL
	}
	return ttl
}

// Grant creates a lease. A zero id lets the lessor pick one. The returned TTL
// is the requested one clamped to the configured bounds.
func (l *Lessor) Grant(id, ttl int64) (int64, int64, error) {
	if id < 0 {
		return 0, 0, ErrInvalidLeaseID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isClosed() {
		return 0, 0, ErrLessorClosed
	}
	if id == NoLease {
		for {
			l.nextID++
			if _, ok := l.leases[l.nextID]; !ok {
				break
			}
		}
		id = l.nextID
	} else if _, ok := l.leases[id]; ok {
		return 0, 0, ErrLeaseExists
	}

	granted := l.clamp(ttl)
	l.leases[id] = &lease{
		id:     id,
		ttl:    granted,
		expiry: l.now().Add(time.Duration(granted) * time.Second),
		keys:   make(map[string]struct{}),
	}
	l.metrics.RecordLeaseGranted()
	l.logger.Debug("lease granted", log.LeaseID(id), log.TTL(granted), log.Component("lessor"))
	return id, granted, nil
}

// live returns the lease if it can still be used. Callers hold l.mu.
func (l *Lessor) live(id int64) *lease {
	le, ok := l.leases[id]
	if !ok || le.revoking || le.expired(l.now()) {
		return nil
	}
	return le
}

// Attach attaches key to the lease, moving it off any previous lease.
func (l *Lessor) Attach(id int64, key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.live(id) == nil {
		return ErrLeaseNotFound
	}
	l.attach(id, string(key))
	return nil
}

func (l *Lessor) attach(id int64, key string) {
	if prev, ok := l.keyLease[key]; ok {
		if prev == id {
			return
		}
		if le, ok := l.leases[prev]; ok {
			delete(le.keys, key)
		}
	}
	if le, ok := l.leases[id]; ok {
		le.keys[key] = struct{}{}
		l.keyLease[key] = id
	}
}

func (l *Lessor) detach(key string) {
	id, ok := l.keyLease[key]
	if !ok {
		return
	}
	delete(l.keyLease, key)
	if le, ok := l.leases[id]; ok {
		delete(le.keys, key)
	}
}

// Detach removes key from the lease. Detaching a key that is not attached to
// the lease does nothing.
func (l *Lessor) Detach(id int64, key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.leases[id]; !ok {
		return ErrLeaseNotFound
	}
	if l.keyLease[string(key)] == id {
		l.detach(string(key))
	}
	return nil
}

// KeepAlive pushes the deadline of the lease to now plus its granted TTL.
func (l *Lessor) KeepAlive(id int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	le := l.live(id)
	if le == nil {
		return 0, ErrLeaseNotFound
	}
	le.expiry = l.now().Add(time.Duration(le.ttl) * time.Second)
	l.metrics.RecordLeaseKeepAlive()
	return le.ttl, nil
}

// TimeToLive reports the remaining TTL of a lease, and its keys if asked.
func (l *Lessor) TimeToLive(id int64, withKeys bool) (Status, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	le := l.live(id)
	if le == nil {
		return Status{}, ErrLeaseNotFound
	}
	remaining := le.expiry.Sub(l.now())
	st := Status{
		ID:         id,
		GrantedTTL: le.ttl,
		TTL:        int64(math.Ceil(remaining.Seconds())),
	}
	if withKeys {
		st.Keys = le.keyList()
	}
	return st, nil
}

// Leases lists the ids of the current leases in ascending order.
func (l *Lessor) Leases() []int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]int64, 0, len(l.leases))
	for id, le := range l.leases {
		if !le.revoking {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Revoke deletes every key attached to the lease in one batch and destroys
// the lease.
func (l *Lessor) Revoke(id int64) error {
	l.mu.Lock()
	le, ok := l.leases[id]
	if !ok || le.revoking {
		l.mu.Unlock()
		return ErrLeaseNotFound
	}
	le.revoking = true
	remover := l.remover
	l.mu.Unlock()

	return l.finish(le, remover, false)
}

// finish removes the keys of a lease that is marked revoking. On failure the
// lease is handed back so a later revoke or expiry can retry.
func (l *Lessor) finish(le *lease, remover Remover, expired bool) error {
	removed := 0
	if remover != nil {
		n, err := remover.RemoveLeased(le.id, expired)
		if err != nil {
			l.mu.Lock()
			le.revoking = false
			l.mu.Unlock()
			l.logger.Warn("failed to remove leased keys",
				log.LeaseID(le.id),
				log.Bool("expired", expired),
				log.Err(err),
				log.Component("lessor"))
			return err
		}
		removed = n
	}

	l.mu.Lock()
	delete(l.leases, le.id)
	for k := range le.keys {
		if l.keyLease[k] == le.id {
			delete(l.keyLease, k)
		}
	}
	l.mu.Unlock()

	l.metrics.RecordLeaseRemoved(expired)
	l.logger.Debug("lease removed",
		log.LeaseID(le.id),
		log.Int("keys", removed),
		log.Bool("expired", expired),
		log.Component("lessor"))
	return nil
}

// ExpireDue revokes every lease whose deadline has passed, one batch per
// lease, and returns how many were removed.
func (l *Lessor) ExpireDue() int {
	l.mu.Lock()
	now := l.now()
	var expired []*lease
	for _, le := range l.leases {
		if le.revoking || !le.expired(now) {
			continue
		}
		le.revoking = true
		expired = append(expired, le)
	}
	remover := l.remover
	l.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].id < expired[j].id })
	removed := 0
	for _, le := range expired {
		if err := l.finish(le, remover, true); err == nil {
			removed++
		}
	}
	return removed
}

// Exists reports whether the lease can accept keys.
func (l *Lessor) Exists(id int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.live(id) != nil
}

// Keys returns the keys attached to the lease in key order. A lease that is
// being revoked still reports its keys.
func (l *Lessor) Keys(id int64) [][]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	le, ok := l.leases[id]
	if !ok {
		return nil
	}
	return le.keyList()
}

// Attached returns the lease key is attached to, or NoLease.
func (l *Lessor) Attached(key []byte) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.keyLease[string(key)]
}

// Applied keeps the key relation in step with a committed batch. A put
// carrying a lease attaches the key; a removal detaches it.
func (l *Lessor) Applied(events []mvcc.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range events {
		key := string(ev.Kv.Key)
		if ev.IsRemoval() {
			l.detach(key)
			continue
		}
		if ev.Kv.Lease != NoLease {
			l.attach(ev.Kv.Lease, key)
		}
	}
}

var _ mvcc.LeaseTracker = (*Lessor)(nil)

// Start launches the expiry loop.
func (l *Lessor) Start() {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if l.running || l.closed {
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	reliability.SafeGo("lease-expiry", l.run)

	l.logger.Info("lessor started",
		log.Duration("check_interval", l.cfg.CheckInterval),
		log.Component("lessor"))
}

func (l *Lessor) run() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if n := l.ExpireDue(); n > 0 {
				l.logger.Info("expired leases", log.Int("count", n), log.Component("lessor"))
			}
		}
	}
}

// Stop stops the expiry loop. Grant fails afterwards.
func (l *Lessor) Stop() {
	l.runMu.Lock()
	l.closed = true
	if !l.running {
		l.runMu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	l.runMu.Unlock()

	<-l.doneCh
}

func (l *Lessor) isClosed() bool {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	return l.closed
}

// Running reports whether the expiry loop is active.
func (l *Lessor) Running() bool {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	return l.running
}
