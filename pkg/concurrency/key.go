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
	"fmt"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var (
	ErrSessionExpired = errors.New("concurrency: session expired")
	ErrWatchClosed    = errors.New("concurrency: watch closed before the key was deleted")
)

// acquire creates the session's key under pfx unless it already exists. It
// returns the key's create index, which orders waiters.
func acquire(ctx context.Context, s *Session, pfx, val string) (string, int64, *pb.ResponseHeader, error) {
	key := fmt.Sprintf("%s%x", pfx, s.Lease())
	cmp := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	put := clientv3.OpPut(key, val, clientv3.WithLease(s.Lease()))
	get := clientv3.OpGet(key)

	resp, err := s.client.Txn(ctx).If(cmp).Then(put).Else(get).Commit()
	if err != nil {
		return "", 0, nil, err
	}
	if resp.Succeeded {
		return key, resp.Header.Revision, resp.Header, nil
	}
	kvs := resp.Responses[0].GetResponseRange().Kvs
	if len(kvs) == 0 {
		// The key vanished between the guard and the read.
		return "", 0, nil, ErrSessionExpired
	}
	return key, kvs[0].CreateRevision, resp.Header, nil
}

// waitDeletes blocks until no key under pfx was created before maxCreateRev.
func waitDeletes(ctx context.Context, s *Session, pfx string, maxCreateRev int64) error {
	opts := append(clientv3.WithLastCreate(), clientv3.WithMaxCreateRev(maxCreateRev))
	for {
		resp, err := s.client.Get(ctx, pfx, opts...)
		if err != nil {
			return err
		}
		if len(resp.Kvs) == 0 {
			return nil
		}
		if err := waitDelete(ctx, s.client, string(resp.Kvs[0].Key), resp.Header.Revision); err != nil {
			return err
		}
		select {
		case <-s.Done():
			return ErrSessionExpired
		default:
		}
	}
}

// waitDelete watches key from rev until it is deleted.
func waitDelete(ctx context.Context, client *clientv3.Client, key string, rev int64) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for wr := range client.Watch(wctx, key, clientv3.WithRev(rev)) {
		if err := wr.Err(); err != nil {
			return err
		}
		for _, ev := range wr.Events {
			if ev.Type == mvccpb.DELETE {
				return nil
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrWatchClosed
}
