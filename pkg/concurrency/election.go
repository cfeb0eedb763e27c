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

package concurrency

import (
	"context"
	"errors"
	"sync"
	"time"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"revStore/pkg/reliability"
)

const releaseTimeout = 5 * time.Second

var (
	ErrElectionNotLeader = errors.New("concurrency: not the leader")
	ErrElectionNoLeader  = errors.New("concurrency: election has no leader")
)

// Election elects the session whose key under the prefix was created first.
type Election struct {
	s   *Session
	pfx string

	mu          sync.Mutex
	leaderKey   string
	leaderRev   int64
	leaderValue string
	hdr         *pb.ResponseHeader
}

// NewElection returns an election on pfx for session s.
func NewElection(s *Session, pfx string) *Election {
	return &Election{s: s, pfx: pfx + "/"}
}

// Campaign blocks until this session is the leader, then publishes val.
func (e *Election) Campaign(ctx context.Context, val string) error {
	if e.IsLeader() {
		return e.Proclaim(ctx, val)
	}
	key, rev, hdr, err := acquire(ctx, e.s, e.pfx, val)
	if err != nil {
		return err
	}
	if err := waitDeletes(ctx, e.s, e.pfx, rev-1); err != nil {
		rctx, cancel := context.WithTimeout(e.s.client.Ctx(), releaseTimeout)
		defer cancel()
		_, _ = e.s.client.Delete(rctx, key)
		return err
	}

	e.mu.Lock()
	e.leaderKey, e.leaderRev, e.hdr = key, rev, hdr
	e.mu.Unlock()
	// A key left over from an earlier campaign keeps its old value.
	return e.Proclaim(ctx, val)
}

// Proclaim replaces the leader value without another election.
func (e *Election) Proclaim(ctx context.Context, val string) error {
	e.mu.Lock()
	key, rev := e.leaderKey, e.leaderRev
	e.mu.Unlock()
	if key == "" {
		return ErrElectionNotLeader
	}

	resp, err := e.s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, val, clientv3.WithLease(e.s.Lease()))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		e.mu.Lock()
		e.leaderKey = ""
		e.mu.Unlock()
		return ErrElectionNotLeader
	}

	e.mu.Lock()
	e.leaderValue, e.hdr = val, resp.Header
	e.mu.Unlock()
	return nil
}

// Resign gives up leadership so the next campaigner can win.
func (e *Election) Resign(ctx context.Context) error {
	e.mu.Lock()
	key, rev := e.leaderKey, e.leaderRev
	e.leaderKey, e.leaderRev = "", 0
	e.mu.Unlock()
	if key == "" {
		return ErrElectionNotLeader
	}

	_, err := e.s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", rev)).
		Then(clientv3.OpDelete(key)).
		Commit()
	return err
}

// Leader returns the current leader's value.
func (e *Election) Leader(ctx context.Context) (*pb.ResponseHeader, string, error) {
	resp, err := e.s.client.Get(ctx, e.pfx, clientv3.WithFirstCreate()...)
	if err != nil {
		return nil, "", err
	}
	if len(resp.Kvs) == 0 {
		return resp.Header, "", ErrElectionNoLeader
	}
	return resp.Header, string(resp.Kvs[0].Value), nil
}

// Observe streams the leader value each time it changes. The channel is
// closed when ctx is done or the watch fails.
func (e *Election) Observe(ctx context.Context) <-chan string {
	ch := make(chan string, 1)
	reliability.SafeGo("election-observe", func() {
		defer close(ch)

		last := ""
		emit := func() (int64, bool) {
			h, leader, err := e.Leader(ctx)
			if err != nil && !errors.Is(err, ErrElectionNoLeader) {
				return 0, false
			}
			if leader != "" && leader != last {
				last = leader
				select {
				case ch <- leader:
				case <-ctx.Done():
					return 0, false
				}
			}
			return h.Revision, true
		}

		rev, ok := emit()
		if !ok {
			return
		}
		wch := e.s.client.Watch(ctx, e.pfx, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for wr := range wch {
			if wr.Err() != nil {
				return
			}
			if _, ok := emit(); !ok {
				return
			}
		}
	})
	return ch
}

// IsLeader reports whether this election believes it leads.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderKey != ""
}

// Key returns the leader key while leading.
func (e *Election) Key() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderKey
}

// Rev returns the create index of the leader key.
func (e *Election) Rev() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderRev
}

// Header returns the header of the last successful campaign write.
func (e *Election) Header() *pb.ResponseHeader {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hdr
}
