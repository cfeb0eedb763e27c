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
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"revStore/pkg/metrics"
)

// ErrApplyFailed wraps a panic raised while a batch was being applied.
var ErrApplyFailed = errors.New("mvcc: apply failed")

// ErrMissingValue is returned when the index points at a revision the value
// store does not hold.
var ErrMissingValue = errors.New("mvcc: value missing for indexed revision")

// LeaseTracker is consulted by the store while it holds the write lock, so the
// key to lease relation always matches the batch being applied.
type LeaseTracker interface {
	// Exists reports whether the lease can accept keys.
	Exists(id int64) bool

	// Attached returns the lease key is attached to, or 0.
	Attached(key []byte) int64

	// Keys returns the keys attached to the lease, including one that is
	// being revoked.
	Keys(id int64) [][]byte

	// Applied is called with the events of every committed batch.
	Applied(events []Event)
}

// StoreConfig limits what a single request may do.
type StoreConfig struct {
	// MaxTxnOps caps the operations in one branch, 0 means unlimited.
	MaxTxnOps int

	// MaxValueSize caps the size of a value in bytes, 0 means unlimited.
	MaxValueSize int
}

// Option configures a Store.
type Option func(*Store)

// WithLeaseTracker wires the lease manager into the write path.
func WithLeaseTracker(t LeaseTracker) Option {
	return func(s *Store) { s.leases = t }
}

// WithMetrics enables metric collection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is the multi-version key-value engine. All mutations pass through one
// write lock which assigns the global index; reads go straight to the
// versioned index bounded by the last committed index.
type Store struct {
	mu sync.Mutex

	index  *KeyIndex
	values *ValueStore

	currentRev atomic.Int64
	compactRev atomic.Int64
	corrupted  atomic.Bool
	closed     atomic.Bool

	cfg     StoreConfig
	leases  LeaseTracker
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewStore creates an empty store at revision 0.
func NewStore(cfg StoreConfig, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		index:  NewKeyIndex(),
		values: NewValueStore(),
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetLeaseTracker replaces the lease tracker. It must be called before the
// store serves writes.
func (s *Store) SetLeaseTracker(t LeaseTracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases = t
}

// Rev returns the latest committed global index.
func (s *Store) Rev() int64 {
	return s.currentRev.Load()
}

// CompactRevision returns the index of the last compaction.
func (s *Store) CompactRevision() int64 {
	return s.compactRev.Load()
}

// Corrupted reports whether the store refuses writes after a failed rollback.
func (s *Store) Corrupted() bool {
	return s.corrupted.Load()
}

// Size returns the approximate number of value bytes held.
func (s *Store) Size() int64 {
	return s.values.Size()
}

// Range reads [key, end) at opts.Rev, or at the latest committed index.
func (s *Store) Range(key, end []byte, opts RangeOptions) (*RangeResult, error) {
	if err := ValidateRange(key, end); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	cur := s.currentRev.Load()
	rev := opts.Rev
	if rev <= 0 {
		rev = cur
	}
	if rev > cur {
		return nil, ErrFutureRevision
	}
	if rev < s.compactRev.Load() {
		return nil, ErrCompacted
	}

	res, err := s.rangeAt(key, end, rev, opts)
	if err != nil {
		return nil, err
	}
	// A compaction that overlapped the read may have pruned what it saw.
	if rev < s.compactRev.Load() {
		return nil, ErrCompacted
	}
	return res, nil
}

func (s *Store) rangeAt(key, end []byte, rev int64, opts RangeOptions) (*RangeResult, error) {
	res := &RangeResult{Rev: rev}
	var entries []IndexEntry
	s.index.Range(key, end, latest(rev), func(e IndexEntry) bool {
		res.Count++
		if opts.CountOnly {
			return true
		}
		if opts.Limit > 0 && int64(len(entries)) >= opts.Limit {
			res.More = true
			return true
		}
		entries = append(entries, e)
		return true
	})

	for _, e := range entries {
		kv, err := s.kvOf(e, rev)
		if err != nil {
			return nil, err
		}
		if opts.KeysOnly {
			kv.Value = nil
		}
		res.KVs = append(res.KVs, kv)
	}
	return res, nil
}

// kvOf joins an index entry with its stored value.
func (s *Store) kvOf(e IndexEntry, readRev int64) (*KeyValue, error) {
	rec, ok := s.values.Get(e.Revision)
	if !ok {
		if readRev < s.compactRev.Load() {
			return nil, ErrCompacted
		}
		return nil, fmt.Errorf("%w: key %q at %s", ErrMissingValue, e.Key, e.Revision)
	}
	return &KeyValue{
		Key:            e.Key,
		Value:          rec.Value,
		CreateRevision: e.CreateRevision,
		ModRevision:    e.Revision.Main,
		Version:        e.Version,
		Lease:          rec.Lease,
	}, nil
}

// Put writes one key. It is a transaction with a single put operation.
func (s *Store) Put(key, value []byte, lease int64) (*TxnResult, error) {
	return s.Txn(TxnRequest{Success: []Op{OpPutKey(key, value, lease)}})
}

// DeleteRange removes every live key in [key, end).
func (s *Store) DeleteRange(key, end []byte) (*TxnResult, error) {
	return s.Txn(TxnRequest{Success: []Op{OpDelete(key, end)}})
}

// Txn evaluates the guards and applies one branch atomically.
func (s *Store) Txn(req TxnRequest) (*TxnResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	var succeeded bool
	var responses []OpResult
	w, err := s.write(func(w *writer) error {
		ok, err := w.evaluate(req.Compare)
		if err != nil {
			return err
		}
		succeeded = ok
		ops := req.Failure
		if ok {
			ops = req.Success
		}
		responses, err = w.run(ops)
		return err
	})
	if err != nil {
		s.metrics.RecordTxn("error", 0)
		return nil, err
	}

	result := "failure"
	if succeeded {
		result = "success"
	}
	s.metrics.RecordTxn(result, w.elapsed)
	return &TxnResult{
		Succeeded: succeeded,
		Responses: responses,
		Revision:  w.committedRev(),
		Events:    w.events,
	}, nil
}

// RemoveLeased deletes the keys attached to lease as one batch. The key set
// is read under the write lock, so a put that attached a key to the lease
// before the batch is part of it. kind is EventTypeDelete for a revoke and
// EventTypeExpire for a timeout.
func (s *Store) RemoveLeased(lease int64, kind EventType) (*TxnResult, error) {
	w, err := s.write(func(w *writer) error {
		if s.leases == nil {
			return nil
		}
		keys := s.leases.Keys(lease)
		sort.Slice(keys, func(i, j int) bool { return string(keys[i]) < string(keys[j]) })
		for _, key := range keys {
			if _, _, err := w.remove(key, kind); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &TxnResult{Succeeded: true, Revision: w.committedRev(), Events: w.events}, nil
}

func (s *Store) validate(req TxnRequest) error {
	if limit := s.cfg.MaxTxnOps; limit > 0 && (len(req.Success) > limit || len(req.Failure) > limit) {
		return ErrTooManyOps
	}
	for _, c := range req.Compare {
		if len(c.Key) == 0 {
			return ErrEmptyKey
		}
	}
	for _, branch := range [][]Op{req.Success, req.Failure} {
		for _, op := range branch {
			switch op.Type {
			case OpRange, OpDeleteRange:
				if err := ValidateRange(op.Key, op.RangeEnd); err != nil {
					return err
				}
			case OpPut:
				if len(op.Key) == 0 {
					return ErrEmptyKey
				}
				if limit := s.cfg.MaxValueSize; limit > 0 && len(op.Value) > limit {
					return ErrValueTooLarge
				}
			default:
				return fmt.Errorf("mvcc: unknown operation type %d", op.Type)
			}
		}
	}
	return nil
}

// write runs fn under the write lock against the next global index. On
// error the partial batch is reverted and nothing is committed.
func (s *Store) write(fn func(*writer) error) (*writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.corrupted.Load() {
		return nil, ErrCorrupted
	}

	start := time.Now()
	w := &writer{s: s, rev: s.currentRev.Load() + 1}
	if err := w.apply(fn); err != nil {
		s.rollback(w, err)
		return nil, err
	}
	w.elapsed = time.Since(start)

	if len(w.events) == 0 {
		return w, nil
	}
	s.currentRev.Store(w.rev)
	if s.leases != nil {
		s.leases.Applied(w.events)
	}
	if s.metrics != nil {
		types := make([]string, len(w.events))
		for i, ev := range w.events {
			types[i] = ev.Type.String()
		}
		s.metrics.RecordCommit(w.rev, types, s.index.Len())
	}
	return w, nil
}

// rollback removes every trace of the failed batch. If that itself fails the
// store is marked corrupted.
func (s *Store) rollback(w *writer, cause error) {
	defer func() {
		if r := recover(); r != nil {
			s.corrupted.Store(true)
			s.logger.Error("rollback failed, store marked corrupted",
				zap.Int64("revision", w.rev),
				zap.Any("panic", r),
				zap.NamedError("cause", cause),
				zap.String("component", "mvcc"))
		}
	}()

	if len(w.touched) == 0 {
		return
	}
	for _, key := range w.touched {
		s.index.Revert(key, w.rev)
	}
	s.values.Truncate(w.rev)
	s.metrics.RecordRollback()
	s.logger.Warn("rolled back partially applied batch",
		zap.Int64("revision", w.rev),
		zap.Int("keys", len(w.touched)),
		zap.Error(cause),
		zap.String("component", "mvcc"))
}

// Compact discards history below rev. Compacting to the current compaction
// point again is a no-op; going backwards fails with ErrCompacted.
func (s *Store) Compact(rev int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if rev > s.currentRev.Load() {
		return ErrFutureRevision
	}
	compacted := s.compactRev.Load()
	if rev == compacted {
		return nil
	}
	if rev < compacted {
		return ErrCompacted
	}

	start := time.Now()
	s.compactRev.Store(rev)
	freed := s.index.Compact(rev)
	s.values.Delete(freed)

	s.metrics.RecordCompaction(rev, len(freed))
	s.logger.Info("compacted history",
		zap.Int64("compact_revision", rev),
		zap.Int("freed", len(freed)),
		zap.Duration("took", time.Since(start)),
		zap.String("component", "mvcc"))
	return nil
}

// History rebuilds the events for keys in [key, end) committed in [from, to],
// ordered by revision. to is clamped to the current index.
func (s *Store) History(key, end []byte, from, to int64) ([]Event, error) {
	if from < s.compactRev.Load() {
		return nil, ErrCompacted
	}
	if cur := s.currentRev.Load(); to > cur {
		to = cur
	}
	if from > to {
		return nil, nil
	}

	var hs []HistoryEntry
	s.index.History(key, end, from, to, func(h HistoryEntry) {
		hs = append(hs, h)
	})
	sort.Slice(hs, func(i, j int) bool {
		return hs[i].Revision.LessThan(hs[j].Revision)
	})

	events := make([]Event, 0, len(hs))
	for _, h := range hs {
		ev, err := s.eventOf(h, from)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if from < s.compactRev.Load() {
		return nil, ErrCompacted
	}
	return events, nil
}

func (s *Store) eventOf(h HistoryEntry, readRev int64) (Event, error) {
	var prev *KeyValue
	if h.Prev != nil {
		kv, err := s.kvOf(*h.Prev, readRev)
		if err != nil {
			return Event{}, err
		}
		prev = kv
	}

	if !h.Tombstone() {
		kv, err := s.kvOf(h.IndexEntry, readRev)
		if err != nil {
			return Event{}, err
		}
		return Event{Type: EventTypePut, Kv: kv, PrevKv: prev, Revision: h.Revision}, nil
	}

	rec, ok := s.values.Get(h.Revision)
	if !ok {
		return Event{}, fmt.Errorf("%w: tombstone of %q at %s", ErrMissingValue, h.Key, h.Revision)
	}
	if prev == nil {
		prev = &KeyValue{Key: h.Key, CreateRevision: h.CreateRevision, Lease: rec.Lease}
	}
	return Event{Type: rec.Kind, Kv: prev, PrevKv: prev, Revision: h.Revision}, nil
}

// Close stops the store from serving requests.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed.Store(true)
	return nil
}

// writer accumulates one batch. It only lives while the write lock is held.
type writer struct {
	s   *Store
	rev int64
	sub int64

	events  []Event
	touched [][]byte
	elapsed time.Duration
}

// at is the read bound that includes the batch's own writes.
func (w *writer) at() Revision {
	return latest(w.rev)
}

func (w *writer) committedRev() int64 {
	if len(w.events) == 0 {
		return w.rev - 1
	}
	return w.rev
}

func (w *writer) apply(fn func(*writer) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: revision %d: %v", ErrApplyFailed, w.rev, r)
		}
	}()
	return fn(w)
}

// evaluate checks every guard against the state before the batch.
func (w *writer) evaluate(cmps []Compare) (bool, error) {
	ok := true
	for _, c := range cmps {
		var kv *KeyValue
		if e, found := w.s.index.Get(c.Key, w.at()); found {
			v, err := w.s.kvOf(e, w.rev)
			if err != nil {
				return false, err
			}
			kv = v
		}
		if !c.holds(kv) {
			ok = false
		}
	}
	return ok, nil
}

func (w *writer) run(ops []Op) ([]OpResult, error) {
	results := make([]OpResult, 0, len(ops))
	for _, op := range ops {
		res := OpResult{Type: op.Type}
		switch op.Type {
		case OpRange:
			r, err := w.rangeOp(op)
			if err != nil {
				return nil, err
			}
			res.Range = r
		case OpPut:
			prev, err := w.put(op.Key, op.Value, op.Lease)
			if err != nil {
				return nil, err
			}
			res.Put = &PutResult{}
			if op.PrevKV {
				res.Put.PrevKV = prev
			}
		case OpDeleteRange:
			prevs, err := w.deleteRange(op.Key, op.RangeEnd)
			if err != nil {
				return nil, err
			}
			res.Delete = &DeleteResult{Deleted: int64(len(prevs))}
			if op.PrevKV {
				res.Delete.PrevKVs = prevs
			}
		}
		results = append(results, res)
	}
	return results, nil
}

func (w *writer) rangeOp(op Op) (*RangeResult, error) {
	rev := op.Range.Rev
	if rev <= 0 {
		// Reads inside the batch see the batch's earlier writes.
		return w.s.rangeAt(op.Key, op.RangeEnd, w.rev, op.Range)
	}
	if rev >= w.rev {
		return nil, ErrFutureRevision
	}
	if rev < w.s.compactRev.Load() {
		return nil, ErrCompacted
	}
	return w.s.rangeAt(op.Key, op.RangeEnd, rev, op.Range)
}

func (w *writer) put(key, value []byte, lease int64) (*KeyValue, error) {
	s := w.s
	switch {
	case lease != 0 && (s.leases == nil || !s.leases.Exists(lease)):
		return nil, fmt.Errorf("%w: %d", ErrLeaseNotFound, lease)
	case lease == 0 && s.leases != nil:
		lease = s.leases.Attached(key)
	}

	rev := Revision{Main: w.rev, Sub: w.sub}
	w.sub++
	w.touched = append(w.touched, key)

	entry, prevEntry := s.index.Put(key, rev)
	s.values.Put(rev, Record{
		Key:   entry.Key,
		Value: append([]byte(nil), value...),
		Lease: lease,
		Kind:  EventTypePut,
	})

	kv, err := s.kvOf(entry, w.rev)
	if err != nil {
		return nil, err
	}
	var prev *KeyValue
	if prevEntry != nil {
		if prev, err = s.kvOf(*prevEntry, w.rev); err != nil {
			return nil, err
		}
	}
	w.events = append(w.events, Event{Type: EventTypePut, Kv: kv, PrevKv: prev, Revision: rev})
	return prev, nil
}

// remove tombstones key if it is live and returns the removed version.
func (w *writer) remove(key []byte, kind EventType) (*KeyValue, bool, error) {
	s := w.s
	rev := Revision{Main: w.rev, Sub: w.sub}
	prevEntry, ok := s.index.Tombstone(key, rev)
	if !ok {
		return nil, false, nil
	}
	w.sub++
	w.touched = append(w.touched, prevEntry.Key)

	prev, err := s.kvOf(prevEntry, w.rev)
	if err != nil {
		return nil, false, err
	}
	s.values.Put(rev, Record{Key: prevEntry.Key, Lease: prev.Lease, Kind: kind})
	w.events = append(w.events, Event{Type: kind, Kv: prev, PrevKv: prev, Revision: rev})
	return prev, true, nil
}

func (w *writer) deleteRange(key, end []byte) ([]*KeyValue, error) {
	var keys [][]byte
	w.s.index.Range(key, end, w.at(), func(e IndexEntry) bool {
		keys = append(keys, e.Key)
		return true
	})

	var prevs []*KeyValue
	for _, k := range keys {
		prev, ok, err := w.remove(k, EventTypeDelete)
		if err != nil {
			return nil, err
		}
		if ok {
			prevs = append(prevs, prev)
		}
	}
	return prevs, nil
}
