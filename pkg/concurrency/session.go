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

// Package concurrency implements lease-backed coordination recipes on top of
// the etcd API served by revStore: sessions, mutexes and leader elections.
package concurrency

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"revStore/pkg/reliability"
)

const defaultSessionTTL = 60

// Session holds a lease that is kept alive until the session is closed or
// the lease is lost.
type Session struct {
	client  *clientv3.Client
	leaseID clientv3.LeaseID
	ttl     int
	donec   chan struct{}
	cancel  context.CancelFunc
}

// NewSession grants a lease and starts renewing it.
func NewSession(client *clientv3.Client, opts ...SessionOption) (*Session, error) {
	cfg := &sessionConfig{ttl: defaultSessionTTL, ctx: client.Ctx()}
	for _, opt := range opts {
		opt(cfg)
	}

	id := cfg.leaseID
	if id == clientv3.NoLease {
		resp, err := client.Grant(cfg.ctx, int64(cfg.ttl))
		if err != nil {
			return nil, err
		}
		id = resp.ID
	}

	ctx, cancel := context.WithCancel(cfg.ctx)
	kac, err := client.KeepAlive(ctx, id)
	if err != nil {
		cancel()
		return nil, err
	}

	donec := make(chan struct{})
	reliability.SafeGo("session-keepalive", func() {
		defer close(donec)
		for range kac {
		}
	})

	return &Session{
		client:  client,
		leaseID: id,
		ttl:     cfg.ttl,
		donec:   donec,
		cancel:  cancel,
	}, nil
}

// Client returns the client the session was created with.
func (s *Session) Client() *clientv3.Client { return s.client }

// Lease returns the session's lease ID.
func (s *Session) Lease() clientv3.LeaseID { return s.leaseID }

// Done is closed once the lease stops being renewed.
func (s *Session) Done() <-chan struct{} { return s.donec }

// Orphan stops renewing the lease and leaves it to expire.
func (s *Session) Orphan() {
	s.cancel()
	<-s.donec
}

// Close revokes the lease, which deletes every key the session holds.
func (s *Session) Close() error {
	s.Orphan()
	ctx, cancel := context.WithTimeout(s.client.Ctx(), time.Duration(s.ttl)*time.Second)
	defer cancel()
	_, err := s.client.Revoke(ctx, s.leaseID)
	return err
}

// SessionOption configures NewSession.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	ttl     int
	leaseID clientv3.LeaseID
	ctx     context.Context
}

// WithTTL sets the lease TTL in seconds.
func WithTTL(ttl int) SessionOption {
	return func(cfg *sessionConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithLease reuses an existing lease instead of granting one.
func WithLease(id clientv3.LeaseID) SessionOption {
	return func(cfg *sessionConfig) { cfg.leaseID = id }
}

// WithContext bounds the session's lifetime by ctx.
func WithContext(ctx context.Context) SessionOption {
	return func(cfg *sessionConfig) { cfg.ctx = ctx }
}
