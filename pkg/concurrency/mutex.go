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

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrLocked is returned by TryLock when another session holds the mutex.
var ErrLocked = errors.New("concurrency: mutex is locked by another session")

// Mutex is a fair distributed lock. Waiters queue by the create index of
// their key under the prefix.
type Mutex struct {
	s   *Session
	pfx string

	mu    sync.Mutex
	myKey string
	myRev int64
	hdr   *pb.ResponseHeader
}

// NewMutex returns a mutex on pfx for session s.
func NewMutex(s *Session, pfx string) *Mutex {
	return &Mutex{s: s, pfx: pfx + "/"}
}

// Lock blocks until the mutex is held or ctx is done.
func (m *Mutex) Lock(ctx context.Context) error {
	if m.IsOwner() {
		return nil
	}
	key, rev, hdr, err := acquire(ctx, m.s, m.pfx, "")
	if err != nil {
		return err
	}
	if err := waitDeletes(ctx, m.s, m.pfx, rev-1); err != nil {
		m.release(key)
		return err
	}

	m.mu.Lock()
	m.myKey, m.myRev, m.hdr = key, rev, hdr
	m.mu.Unlock()
	return nil
}

// TryLock takes the mutex only if nobody holds or waits for it.
func (m *Mutex) TryLock(ctx context.Context) error {
	if m.IsOwner() {
		return nil
	}
	key, rev, hdr, err := acquire(ctx, m.s, m.pfx, "")
	if err != nil {
		return err
	}
	resp, err := m.s.client.Get(ctx, m.pfx, append(clientv3.WithLastCreate(), clientv3.WithMaxCreateRev(rev-1))...)
	if err != nil {
		m.release(key)
		return err
	}
	if len(resp.Kvs) > 0 {
		m.release(key)
		return ErrLocked
	}

	m.mu.Lock()
	m.myKey, m.myRev, m.hdr = key, rev, hdr
	m.mu.Unlock()
	return nil
}

// release deletes a key that was queued but never became the owner.
func (m *Mutex) release(key string) {
	ctx, cancel := context.WithTimeout(m.s.client.Ctx(), releaseTimeout)
	defer cancel()
	_, _ = m.s.client.Delete(ctx, key)
}

// Unlock releases the mutex. Unlocking an unheld mutex is a no-op.
func (m *Mutex) Unlock(ctx context.Context) error {
	m.mu.Lock()
	key := m.myKey
	m.myKey, m.myRev = "", 0
	m.mu.Unlock()
	if key == "" {
		return nil
	}
	_, err := m.s.client.Delete(ctx, key)
	return err
}

// IsOwner reports whether this mutex holds the lock.
func (m *Mutex) IsOwner() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.myKey != ""
}

// Key returns the owner key, or "" when not held.
func (m *Mutex) Key() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.myKey
}

// Header returns the header of the write that queued the lock.
func (m *Mutex) Header() *pb.ResponseHeader {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hdr
}
