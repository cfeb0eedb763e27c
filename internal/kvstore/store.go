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

package kvstore

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"revStore/internal/lease"
	"revStore/internal/mvcc"
	"revStore/internal/watch"
	"revStore/pkg/log"
	"revStore/pkg/metrics"
)

// Config groups the settings of the store components.
type Config struct {
	Store     mvcc.StoreConfig
	Lease     lease.Config
	Watch     watch.Config
	Compactor mvcc.CompactorConfig
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Lease:     lease.DefaultConfig(),
		Watch:     watch.DefaultConfig(),
		Compactor: mvcc.DefaultCompactorConfig(),
	}
}

type options struct {
	cluster Cluster
	metrics *metrics.Metrics
	clock   func() time.Time
}

// Option configures a Store.
type Option func(*options)

// WithCluster sets the source of the header identity and term values.
func WithCluster(c Cluster) Option {
	return func(o *options) { o.cluster = c }
}

// WithMetrics enables metric collection in every component.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces the time source of lease deadlines.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Store is the request-level entry point. It runs every mutation through the
// MVCC store, publishes the committed batch to the watch router, and fills
// the response headers.
type Store struct {
	kv        *mvcc.Store
	lessor    *lease.Lessor
	router    *watch.Router
	compactor *mvcc.Compactor
	cluster   Cluster
	logger    *zap.Logger

	closeOnce sync.Once
}

// New creates a store at index 0. Call Start to run the lease expiry loop and
// the auto compactor.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Store {
	o := options{cluster: StaticCluster{}}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{cluster: o.cluster, logger: logger}
	s.kv = mvcc.NewStore(cfg.Store, logger, mvcc.WithMetrics(o.metrics))

	leaseOpts := []lease.Option{lease.WithMetrics(o.metrics)}
	if o.clock != nil {
		leaseOpts = append(leaseOpts, lease.WithClock(o.clock))
	}
	s.lessor = lease.NewLessor(cfg.Lease, s, logger, leaseOpts...)
	s.kv.SetLeaseTracker(s.lessor)

	s.router = watch.NewRouter(s.kv, cfg.Watch, logger, o.metrics)
	s.compactor = mvcc.NewCompactor(s.kv, cfg.Compactor, logger)

	logger.Info("store created",
		log.ClusterID(o.cluster.ClusterID()),
		log.MemberID(o.cluster.MemberID()),
		log.Component("kvstore"))
	return s
}

// Start runs the background loops.
func (s *Store) Start() {
	s.lessor.Start()
	s.compactor.Start()
}

// Close stops the background loops, ends every watch and refuses further
// requests.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.compactor.Stop()
		s.lessor.Stop()
		s.router.Close()
		s.kv.Close()
	})
	return nil
}

// Lessor returns the lease manager.
func (s *Store) Lessor() *lease.Lessor { return s.lessor }

// Rev returns the latest committed index.
func (s *Store) Rev() int64 { return s.kv.Rev() }

// CompactRevision returns the compaction floor.
func (s *Store) CompactRevision() int64 { return s.kv.CompactRevision() }

// Header builds a success header at index, for responses assembled outside
// the store such as watch notifications.
func (s *Store) Header(index int64) ResponseHeader { return s.header(index, nil) }

func (s *Store) header(index int64, err error) ResponseHeader {
	h := ResponseHeader{
		ClusterID: s.cluster.ClusterID(),
		MemberID:  s.cluster.MemberID(),
		Index:     index,
		RaftTerm:  s.cluster.RaftTerm(),
	}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

// publish hands a committed batch to the router.
func (s *Store) publish(res *mvcc.TxnResult) {
	if len(res.Events) > 0 {
		s.router.Publish(res.Revision, res.Events)
	}
}

// Range reads a key or a range at the latest index, at req.Revision, or at
// the index of req.ConsistentToken.
func (s *Store) Range(req RangeRequest) (*RangeResponse, error) {
	rev := req.Revision
	if req.ConsistentToken != "" {
		tokenRev, err := ParseToken(req.ConsistentToken)
		if err != nil {
			return &RangeResponse{Header: s.header(s.kv.Rev(), err)}, err
		}
		if rev != 0 && rev != tokenRev {
			err = fmt.Errorf("%w: token is for index %d, request asks for %d", ErrInvalidToken, tokenRev, rev)
			return &RangeResponse{Header: s.header(s.kv.Rev(), err)}, err
		}
		rev = tokenRev
	}

	res, err := s.kv.Range(req.Key, req.RangeEnd, mvcc.RangeOptions{
		Limit:     req.Limit,
		Rev:       rev,
		CountOnly: req.CountOnly,
		KeysOnly:  req.KeysOnly,
	})
	if err != nil {
		return &RangeResponse{Header: s.header(s.kv.Rev(), err)}, err
	}
	return &RangeResponse{
		Header:          s.header(res.Rev, nil),
		KVs:             res.KVs,
		More:            res.More,
		Count:           res.Count,
		ConsistentToken: EncodeToken(res.Rev),
	}, nil
}

// Put writes one key, attaching it to req.Lease when set.
func (s *Store) Put(req PutRequest) (*PutResponse, error) {
	op := mvcc.OpPutKey(req.Key, req.Value, req.Lease)
	op.PrevKV = req.PrevKV
	res, err := s.txn(mvcc.TxnRequest{Success: []mvcc.Op{op}})
	if err != nil {
		return &PutResponse{Header: s.header(s.kv.Rev(), err)}, err
	}
	return &PutResponse{
		Header: s.header(res.Revision, nil),
		PrevKV: res.Responses[0].Put.PrevKV,
	}, nil
}

// DeleteRange removes a key or a range.
func (s *Store) DeleteRange(req DeleteRangeRequest) (*DeleteRangeResponse, error) {
	op := mvcc.OpDelete(req.Key, req.RangeEnd)
	op.PrevKV = req.PrevKV
	res, err := s.txn(mvcc.TxnRequest{Success: []mvcc.Op{op}})
	if err != nil {
		return &DeleteRangeResponse{Header: s.header(s.kv.Rev(), err)}, err
	}
	del := res.Responses[0].Delete
	return &DeleteRangeResponse{
		Header:  s.header(res.Revision, nil),
		Deleted: del.Deleted,
		PrevKVs: del.PrevKVs,
	}, nil
}

// Txn runs a guarded transaction.
func (s *Store) Txn(req mvcc.TxnRequest) (*TxnResponse, error) {
	res, err := s.txn(req)
	if err != nil {
		return &TxnResponse{Header: s.header(s.kv.Rev(), err)}, err
	}
	return &TxnResponse{
		Header:    s.header(res.Revision, nil),
		Succeeded: res.Succeeded,
		Responses: res.Responses,
	}, nil
}

func (s *Store) txn(req mvcc.TxnRequest) (*mvcc.TxnResult, error) {
	res, err := s.kv.Txn(req)
	if err != nil {
		if CodeOf(err) == CodeInternal {
			s.logger.Error("transaction failed", zap.Error(err), log.Component("kvstore"))
		}
		return nil, err
	}
	s.publish(res)
	return res, nil
}

// Compact discards history below rev.
func (s *Store) Compact(rev int64) (*CompactResponse, error) {
	err := s.kv.Compact(rev)
	return &CompactResponse{Header: s.header(s.kv.Rev(), err)}, err
}

// RemoveLeased deletes the keys of a revoked or expired lease as one batch
// and publishes it. It is the lessor's path into the write pipeline.
func (s *Store) RemoveLeased(id int64, expired bool) (int, error) {
	kind := mvcc.EventTypeDelete
	if expired {
		kind = mvcc.EventTypeExpire
	}
	res, err := s.kv.RemoveLeased(id, kind)
	if err != nil {
		return 0, err
	}
	s.publish(res)
	if expired && len(res.Events) > 0 {
		s.logger.Info("lease expired",
			log.LeaseID(id),
			log.Revision(res.Revision),
			log.Int("keys", len(res.Events)),
			log.Component("kvstore"))
	}
	return len(res.Events), nil
}

// LeaseCreate grants a lease. A zero id lets the store pick one.
func (s *Store) LeaseCreate(id, ttl int64) (*LeaseCreateResponse, error) {
	id, granted, err := s.lessor.Grant(id, ttl)
	resp := &LeaseCreateResponse{Header: s.header(s.kv.Rev(), err), ID: id, TTL: granted}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp, err
}

// LeaseAttach attaches key to a lease.
func (s *Store) LeaseAttach(id int64, key []byte) (*LeaseAttachResponse, error) {
	err := s.lessor.Attach(id, key)
	return &LeaseAttachResponse{Header: s.header(s.kv.Rev(), err)}, err
}

// LeaseDetach detaches key from a lease.
func (s *Store) LeaseDetach(id int64, key []byte) (*LeaseAttachResponse, error) {
	err := s.lessor.Detach(id, key)
	return &LeaseAttachResponse{Header: s.header(s.kv.Rev(), err)}, err
}

// LeaseKeepAlive renews a lease.
func (s *Store) LeaseKeepAlive(id int64) (*LeaseKeepAliveResponse, error) {
	ttl, err := s.lessor.KeepAlive(id)
	return &LeaseKeepAliveResponse{Header: s.header(s.kv.Rev(), err), ID: id, TTL: ttl}, err
}

// LeaseRevoke deletes the keys of a lease and destroys it.
func (s *Store) LeaseRevoke(id int64) (*LeaseRevokeResponse, error) {
	err := s.lessor.Revoke(id)
	return &LeaseRevokeResponse{Header: s.header(s.kv.Rev(), err)}, err
}

// LeaseTimeToLive reports the remaining TTL of a lease.
func (s *Store) LeaseTimeToLive(id int64, withKeys bool) (*LeaseTimeToLiveResponse, error) {
	st, err := s.lessor.TimeToLive(id, withKeys)
	if err != nil {
		// Unknown leases report a TTL of -1.
		return &LeaseTimeToLiveResponse{Header: s.header(s.kv.Rev(), err), ID: id, TTL: -1}, err
	}
	return &LeaseTimeToLiveResponse{
		Header:     s.header(s.kv.Rev(), nil),
		ID:         st.ID,
		TTL:        st.TTL,
		GrantedTTL: st.GrantedTTL,
		Keys:       st.Keys,
	}, nil
}

// LeaseLeases lists the current leases.
func (s *Store) LeaseLeases() *LeaseLeasesResponse {
	return &LeaseLeasesResponse{Header: s.header(s.kv.Rev(), nil), Leases: s.lessor.Leases()}
}

// Watch registers a subscription. The header index is the last index
// published to watchers.
func (s *Store) Watch(req watch.Request) (*watch.Subscription, ResponseHeader, error) {
	sub, err := s.router.Watch(req)
	if err != nil {
		return nil, s.header(s.router.Rev(), err), err
	}
	return sub, s.header(s.router.Rev(), nil), nil
}

// RequestProgress asks for a progress notification on sub.
func (s *Store) RequestProgress(sub *watch.Subscription) bool {
	return s.router.RequestProgress(sub)
}

// Status reports the current index, the compaction point and the size of the
// retained values.
func (s *Store) Status() *StatusResponse {
	return &StatusResponse{
		Header:          s.header(s.kv.Rev(), nil),
		CompactRevision: s.kv.CompactRevision(),
		DBSize:          s.kv.Size(),
		Leases:          len(s.lessor.Leases()),
	}
}

// Corrupted reports whether writes are refused after a failed rollback.
func (s *Store) Corrupted() bool { return s.kv.Corrupted() }
