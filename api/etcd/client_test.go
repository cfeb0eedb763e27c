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

package etcd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"
)

func newClient(t *testing.T, e *testEnv) *clientv3.Client {
	t.Helper()
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{e.server.Address()},
		DialTimeout: 5 * time.Second,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	return cli
}

func TestClientV3KV(t *testing.T) {
	e := startTestServer(t)
	cli := newClient(t, e)
	ctx := testContext(t)

	_, err := cli.Put(ctx, "/app/a", "1")
	require.NoError(t, err)
	_, err = cli.Put(ctx, "/app/b", "2")
	require.NoError(t, err)

	resp, err := cli.Get(ctx, "/app/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend))
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 2)
	assert.Equal(t, "/app/b", string(resp.Kvs[0].Key))
	assert.Equal(t, int64(2), resp.Header.Revision)

	txn, err := cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Version("/app/a"), "=", 1)).
		Then(clientv3.OpPut("/app/a", "updated"), clientv3.OpGet("/app/a")).
		Else(clientv3.OpGet("/app/a")).
		Commit()
	require.NoError(t, err)
	assert.True(t, txn.Succeeded)
	got := txn.Responses[1].GetResponseRange()
	require.Len(t, got.Kvs, 1)
	assert.Equal(t, "updated", string(got.Kvs[0].Value))

	del, err := cli.Delete(ctx, "/app/", clientv3.WithPrefix())
	require.NoError(t, err)
	assert.Equal(t, int64(2), del.Deleted)
}

func TestClientV3LeaseAndWatch(t *testing.T) {
	e := startTestServer(t)
	cli := newClient(t, e)
	ctx := testContext(t)

	grant, err := cli.Grant(ctx, 30)
	require.NoError(t, err)
	_, err = cli.Put(ctx, "/lock", "me", clientv3.WithLease(grant.ID))
	require.NoError(t, err)

	ka, err := cli.KeepAliveOnce(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), ka.TTL)

	wch := cli.Watch(ctx, "/lock", clientv3.WithRev(1))
	_, err = cli.Revoke(ctx, grant.ID)
	require.NoError(t, err)

	var events []*clientv3.Event
	for len(events) < 2 {
		select {
		case wr, ok := <-wch:
			require.True(t, ok)
			require.NoError(t, wr.Err())
			events = append(events, wr.Events...)
		case <-ctx.Done():
			t.Fatal("timed out waiting for watch events")
		}
	}
	assert.Equal(t, mvccpb.PUT, events[0].Type)
	assert.Equal(t, mvccpb.DELETE, events[1].Type)

	ttl, err := cli.TimeToLive(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), ttl.TTL)
}

func TestClientV3WatchCompacted(t *testing.T) {
	e := startTestServer(t)
	cli := newClient(t, e)
	ctx := testContext(t)

	for i := 0; i < 3; i++ {
		_, err := cli.Put(ctx, "k", "v")
		require.NoError(t, err)
	}
	_, err := cli.Compact(ctx, 3)
	require.NoError(t, err)

	wr := <-cli.Watch(ctx, "k", clientv3.WithRev(1))
	assert.Equal(t, int64(3), wr.CompactRevision)
	assert.Error(t, wr.Err())
}
