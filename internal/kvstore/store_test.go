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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"revStore/internal/lease"
	"revStore/internal/mvcc"
	"revStore/internal/watch"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1700000000, 0)}
	cfg := DefaultConfig()
	cfg.Watch.SyncInterval = 5 * time.Millisecond
	s := New(cfg, zap.NewNop(),
		WithCluster(StaticCluster{Cluster: 0x1000, Member: 0x2, Term: 7}),
		WithClock(clock.Now))
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func put(t *testing.T, s *Store, key, value string) *PutResponse {
	t.Helper()
	resp, err := s.Put(PutRequest{Key: []byte(key), Value: []byte(value)})
	require.NoError(t, err)
	return resp
}

func nextResponse(t *testing.T, sub *watch.Subscription) watch.Response {
	t.Helper()
	select {
	case resp, ok := <-sub.Chan():
		require.True(t, ok, "watch channel closed")
		return resp
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a watch response")
	}
	return watch.Response{}
}

func TestPutRangeWithConsistentToken(t *testing.T) {
	s, _ := newTestStore(t)

	first := put(t, s, "a", "1")
	assert.Equal(t, int64(1), first.Header.Index)
	second := put(t, s, "a", "2")
	assert.Equal(t, int64(2), second.Header.Index)

	latest, err := s.Range(RangeRequest{Key: []byte("a")})
	require.NoError(t, err)
	require.Len(t, latest.KVs, 1)
	assert.Equal(t, "2", string(latest.KVs[0].Value))
	assert.Equal(t, int64(2), latest.KVs[0].Version)
	assert.Equal(t, int64(2), latest.KVs[0].ModRevision)

	resp, err := s.Range(RangeRequest{Key: []byte("a"), ConsistentToken: EncodeToken(1)})
	require.NoError(t, err)
	require.Len(t, resp.KVs, 1)
	assert.Equal(t, "1", string(resp.KVs[0].Value))
	assert.Equal(t, int64(1), resp.Header.Index)
	assert.Equal(t, EncodeToken(1), resp.ConsistentToken)

	resp, err = s.Range(RangeRequest{Key: []byte("a"), ConsistentToken: latest.ConsistentToken})
	require.NoError(t, err)
	assert.Equal(t, "2", string(resp.KVs[0].Value))
}

func TestHeaderCarriesClusterValues(t *testing.T) {
	s, _ := newTestStore(t)
	resp := put(t, s, "k", "v")

	assert.Equal(t, ResponseHeader{ClusterID: 0x1000, MemberID: 0x2, Index: 1, RaftTerm: 7}, resp.Header)
}

func TestVersionGuardScenario(t *testing.T) {
	s, _ := newTestStore(t)
	req := mvcc.TxnRequest{
		Compare: []mvcc.Compare{{Key: []byte("k"), Target: mvcc.CompareVersion, Result: mvcc.CompareEqual}},
		Success: []mvcc.Op{mvcc.OpPutKey([]byte("k"), []byte("new"), 0)},
		Failure: []mvcc.Op{mvcc.OpGet([]byte("k"), nil, mvcc.RangeOptions{})},
	}

	resp, err := s.Txn(req)
	require.NoError(t, err)
	assert.True(t, resp.Succeeded)
	assert.Equal(t, int64(1), resp.Header.Index)

	resp, err = s.Txn(req)
	require.NoError(t, err)
	assert.False(t, resp.Succeeded)
	require.Len(t, resp.Responses, 1)
	require.NotNil(t, resp.Responses[0].Range)
	assert.Equal(t, int64(1), resp.Responses[0].Range.KVs[0].Version)
}

func TestLeaseExpiryScenario(t *testing.T) {
	s, clock := newTestStore(t)

	created, err := s.LeaseCreate(0, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), created.TTL)
	id := created.ID

	_, err = s.LeaseAttach(id, []byte("x"))
	require.NoError(t, err)
	put(t, s, "x", "v")
	put(t, s, "y", "v")

	sub, _, err := s.Watch(watch.Request{Key: []byte("x")})
	require.NoError(t, err)

	clock.Advance(6 * time.Second)
	assert.Equal(t, 1, s.Lessor().ExpireDue())

	resp := nextResponse(t, sub)
	require.Len(t, resp.Events, 1)
	ev := resp.Events[0]
	assert.Equal(t, mvcc.EventTypeExpire, ev.Type)
	assert.Equal(t, "x", string(ev.Kv.Key))
	assert.Equal(t, int64(3), ev.Revision.Main)

	rr, err := s.Range(RangeRequest{Key: []byte("x")})
	require.NoError(t, err)
	assert.Empty(t, rr.KVs)

	_, err = s.LeaseKeepAlive(id)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestLeaseRevokeIsOneBatch(t *testing.T) {
	s, _ := newTestStore(t)

	created, err := s.LeaseCreate(0, 60)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		_, err := s.Put(PutRequest{Key: []byte(k), Value: []byte("v"), Lease: created.ID})
		require.NoError(t, err)
	}

	sub, _, err := s.Watch(watch.Request{Key: []byte("a"), RangeEnd: []byte("\x00")})
	require.NoError(t, err)

	_, err = s.LeaseRevoke(created.ID)
	require.NoError(t, err)

	resp := nextResponse(t, sub)
	require.Len(t, resp.Events, 3)
	for _, ev := range resp.Events {
		assert.Equal(t, mvcc.EventTypeDelete, ev.Type)
		assert.Equal(t, int64(4), ev.Revision.Main)
	}
	assert.Equal(t, int64(4), s.Rev())
}

func TestDeleteDetachesLeasedKey(t *testing.T) {
	s, _ := newTestStore(t)

	created, err := s.LeaseCreate(0, 60)
	require.NoError(t, err)
	_, err = s.Put(PutRequest{Key: []byte("x"), Value: []byte("v"), Lease: created.ID})
	require.NoError(t, err)

	_, err = s.DeleteRange(DeleteRangeRequest{Key: []byte("x")})
	require.NoError(t, err)
	put(t, s, "x", "again")

	ttl, err := s.LeaseTimeToLive(created.ID, true)
	require.NoError(t, err)
	assert.Empty(t, ttl.Keys)

	_, err = s.LeaseRevoke(created.ID)
	require.NoError(t, err)

	rr, err := s.Range(RangeRequest{Key: []byte("x")})
	require.NoError(t, err)
	require.Len(t, rr.KVs, 1, "a key deleted and recreated without a lease survives the revoke")
	assert.Equal(t, int64(0), rr.KVs[0].Lease)
}

func TestLeaseManagement(t *testing.T) {
	s, _ := newTestStore(t)

	a, err := s.LeaseCreate(10, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(10), a.ID)

	dup, err := s.LeaseCreate(10, 30)
	assert.Equal(t, CodeFailedPrecondition, CodeOf(err))
	assert.NotEmpty(t, dup.Error)
	assert.Equal(t, dup.Error, dup.Header.Error)

	_, err = s.LeaseAttach(99, []byte("k"))
	assert.Equal(t, CodeNotFound, CodeOf(err))

	_, err = s.Put(PutRequest{Key: []byte("k"), Value: []byte("v"), Lease: 99})
	assert.Equal(t, CodeNotFound, CodeOf(err))

	ka, err := s.LeaseKeepAlive(10)
	require.NoError(t, err)
	assert.Equal(t, int64(30), ka.TTL)

	_, err = s.LeaseAttach(10, []byte("k"))
	require.NoError(t, err)
	_, err = s.LeaseDetach(10, []byte("k"))
	require.NoError(t, err)

	ttl, err := s.LeaseTimeToLive(10, true)
	require.NoError(t, err)
	assert.Equal(t, int64(30), ttl.GrantedTTL)
	assert.Empty(t, ttl.Keys)

	missing, err := s.LeaseTimeToLive(77, false)
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.Equal(t, int64(-1), missing.TTL)

	assert.Equal(t, []int64{10}, s.LeaseLeases().Leases)
}

func TestWatchSeesEveryCommit(t *testing.T) {
	s, _ := newTestStore(t)
	put(t, s, "k0", "v")

	sub, hdr, err := s.Watch(watch.Request{Key: []byte("k"), RangeEnd: []byte("l"), StartRevision: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), hdr.Index)

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Put(PutRequest{Key: []byte(fmt.Sprintf("k%d", w)), Value: []byte("v")})
				assert.NoError(t, err)
			}
		}(w)
	}

	var revs []int64
	for len(revs) < writers*perWriter+1 {
		resp := nextResponse(t, sub)
		require.False(t, resp.Canceled)
		for _, ev := range resp.Events {
			revs = append(revs, ev.Revision.Main)
		}
	}
	wg.Wait()
	for i, rev := range revs {
		require.Equal(t, int64(i+1), rev)
	}
}

func TestErrorsFillHeader(t *testing.T) {
	s, _ := newTestStore(t)
	put(t, s, "a", "1")
	put(t, s, "a", "2")
	put(t, s, "a", "3")

	rr, err := s.Range(RangeRequest{Key: []byte("b"), RangeEnd: []byte("a")})
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
	assert.Equal(t, err.Error(), rr.Header.Error)

	_, err = s.Range(RangeRequest{Key: []byte("a"), Revision: 9})
	assert.Equal(t, CodeNotFound, CodeOf(err))

	_, err = s.Range(RangeRequest{Key: []byte("a"), ConsistentToken: "not-a-token"})
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	_, err = s.Range(RangeRequest{Key: []byte("a"), Revision: 2, ConsistentToken: EncodeToken(1)})
	assert.ErrorIs(t, err, ErrInvalidToken)

	cr, err := s.Compact(2)
	require.NoError(t, err)
	assert.Empty(t, cr.Header.Error)

	_, err = s.Compact(2)
	assert.NoError(t, err, "compacting to the same index again is a no-op")

	cr, err = s.Compact(1)
	assert.Equal(t, CodeAlreadyCompacted, CodeOf(err))
	assert.NotEmpty(t, cr.Header.Error)

	_, err = s.Compact(10)
	assert.Equal(t, CodeNotFound, CodeOf(err))

	_, err = s.Range(RangeRequest{Key: []byte("a"), ConsistentToken: EncodeToken(1)})
	assert.Equal(t, CodeAlreadyCompacted, CodeOf(err))

	_, _, err = s.Watch(watch.Request{Key: []byte("a"), StartRevision: 1})
	assert.Equal(t, CodeAlreadyCompacted, CodeOf(err))
}

func TestStatus(t *testing.T) {
	s, _ := newTestStore(t)
	put(t, s, "a", "12345")
	_, err := s.LeaseCreate(0, 10)
	require.NoError(t, err)

	st := s.Status()
	assert.Equal(t, int64(1), st.Header.Index)
	assert.Equal(t, 1, st.Leases)
	assert.Positive(t, st.DBSize)
}

func TestClosedStoreRefusesRequests(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Put(PutRequest{Key: []byte("a"), Value: []byte("1")})
	assert.Equal(t, CodeFailedPrecondition, CodeOf(err))

	_, _, err = s.Watch(watch.Request{Key: []byte("a")})
	assert.ErrorIs(t, err, watch.ErrRouterClosed)
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeOK},
		{mvcc.ErrInvalidRange, CodeInvalidArgument},
		{fmt.Errorf("%w: 5", mvcc.ErrLeaseNotFound), CodeNotFound},
		{lease.ErrLeaseNotFound, CodeNotFound},
		{lease.ErrLeaseExists, CodeFailedPrecondition},
		{mvcc.ErrCompacted, CodeAlreadyCompacted},
		{mvcc.ErrTooManyOps, CodeResourceExhausted},
		{mvcc.ErrCorrupted, CodeInternal},
		{errors.New("boom"), CodeInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CodeOf(c.err), "CodeOf(%v)", c.err)
	}
	assert.Equal(t, "AlreadyCompacted", CodeAlreadyCompacted.String())
}
