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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"revStore/internal/mvcc"
)

type fixture struct {
	t      *testing.T
	store  *mvcc.Store
	router *Router
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := mvcc.NewStore(mvcc.StoreConfig{}, zap.NewNop())
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = 5 * time.Millisecond
	}
	router := NewRouter(store, cfg, zap.NewNop(), nil)
	t.Cleanup(router.Close)
	return &fixture{t: t, store: store, router: router}
}

// commit applies a result to the router the way the server does after a write.
func (f *fixture) commit(res *mvcc.TxnResult, err error) *mvcc.TxnResult {
	f.t.Helper()
	require.NoError(f.t, err)
	if len(res.Events) > 0 {
		f.router.Publish(res.Revision, res.Events)
	}
	return res
}

func (f *fixture) put(key, value string) *mvcc.TxnResult {
	f.t.Helper()
	return f.commit(f.store.Put([]byte(key), []byte(value), 0))
}

func (f *fixture) del(key string) *mvcc.TxnResult {
	f.t.Helper()
	return f.commit(f.store.DeleteRange([]byte(key), nil))
}

func recv(t *testing.T, sub *Subscription) Response {
	t.Helper()
	select {
	case resp, ok := <-sub.Chan():
		require.True(t, ok, "subscription channel closed")
		return resp
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a watch response")
	}
	return Response{}
}

func recvRevisions(t *testing.T, sub *Subscription, n int) []int64 {
	t.Helper()
	var revs []int64
	for len(revs) < n {
		resp := recv(t, sub)
		require.False(t, resp.Canceled, "unexpected cancel: %s", resp.CancelReason)
		for _, ev := range resp.Events {
			revs = append(revs, ev.Revision.Main)
		}
	}
	return revs
}

func expectClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Chan():
		require.False(t, ok, "expected the channel to be closed")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the channel to close")
	}
}

func TestWatchFromNow(t *testing.T) {
	f := newFixture(t, Config{})
	f.put("a", "old")

	sub, err := f.router.Watch(Request{Key: []byte("a")})
	require.NoError(t, err)

	f.put("b", "ignored")
	f.put("a", "new")

	resp := recv(t, sub)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, int64(3), resp.Revision)
	assert.Equal(t, "new", string(resp.Events[0].Kv.Value))
	assert.Nil(t, resp.Events[0].PrevKv, "prev kv is only sent on request")
}

func TestWatchReplaysHistoryThenLive(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 1; i <= 5; i++ {
		f.put("k", fmt.Sprint(i))
	}

	sub, err := f.router.Watch(Request{Key: []byte("k"), StartRevision: 2, PrevKV: true})
	require.NoError(t, err)

	for i := 6; i <= 8; i++ {
		f.put("k", fmt.Sprint(i))
	}

	revs := recvRevisions(t, sub, 7)
	assert.Equal(t, []int64{2, 3, 4, 5, 6, 7, 8}, revs)
}

type flakyHistory struct {
	*mvcc.Store
	failing atomic.Bool
	calls   atomic.Int64
}

func (h *flakyHistory) History(key, end []byte, from, to int64) ([]mvcc.Event, error) {
	h.calls.Add(1)
	if h.failing.Load() {
		return nil, errors.New("history unavailable")
	}
	return h.Store.History(key, end, from, to)
}

func TestWatchReplayRetriesAfterHistoryError(t *testing.T) {
	store := mvcc.NewStore(mvcc.StoreConfig{}, zap.NewNop())
	hist := &flakyHistory{Store: store}
	hist.failing.Store(true)
	router := NewRouter(hist, Config{SyncInterval: 20 * time.Millisecond}, zap.NewNop(), nil)
	t.Cleanup(router.Close)

	for i := 1; i <= 3; i++ {
		res, err := store.Put([]byte("k"), []byte(fmt.Sprint(i)), 0)
		require.NoError(t, err)
		router.Publish(res.Revision, res.Events)
	}

	sub, err := router.Watch(Request{Key: []byte("k"), StartRevision: 1})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Less(t, hist.calls.Load(), int64(50), "failed replays are retried on the sync tick")

	hist.failing.Store(false)
	assert.Equal(t, []int64{1, 2, 3}, recvRevisions(t, sub, 3))
}

func TestWatchReplayWhileWriting(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 50; i++ {
		f.put("k", "v")
	}

	sub, err := f.router.Watch(Request{Key: []byte("k"), RangeEnd: []byte("l"), StartRevision: 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 150; i++ {
			f.put("k", "v")
		}
	}()

	revs := recvRevisions(t, sub, 200)
	wg.Wait()
	for i, rev := range revs {
		require.Equal(t, int64(i+1), rev, "gap or duplicate at position %d", i)
	}
}

func TestWatchBatchKeepsOperationOrder(t *testing.T) {
	f := newFixture(t, Config{})
	sub, err := f.router.Watch(Request{Key: []byte("a"), RangeEnd: []byte("\x00")})
	require.NoError(t, err)

	f.commit(f.store.Txn(mvcc.TxnRequest{Success: []mvcc.Op{
		mvcc.OpPutKey([]byte("c"), []byte("1"), 0),
		mvcc.OpPutKey([]byte("a"), []byte("1"), 0),
		mvcc.OpDelete([]byte("c"), nil),
	}}))

	resp := recv(t, sub)
	require.Len(t, resp.Events, 3)
	assert.Equal(t, "c", string(resp.Events[0].Kv.Key))
	assert.Equal(t, "a", string(resp.Events[1].Kv.Key))
	assert.Equal(t, mvcc.EventTypeDelete, resp.Events[2].Type)
	for _, ev := range resp.Events {
		assert.Equal(t, int64(1), ev.Revision.Main)
	}
}

func TestWatchEndRevision(t *testing.T) {
	f := newFixture(t, Config{})
	sub, err := f.router.Watch(Request{Key: []byte("k"), StartRevision: 1, EndRevision: 3})
	require.NoError(t, err)

	f.put("k", "1")
	f.put("k", "2")
	f.put("k", "3")

	assert.Equal(t, []int64{1, 2}, recvRevisions(t, sub, 2))
	resp := recv(t, sub)
	assert.True(t, resp.Canceled)
	expectClosed(t, sub)
	assert.ErrorIs(t, sub.Err(), ErrEndReached)
}

func TestWatchEndRevisionDuringReplay(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 5; i++ {
		f.put("k", "v")
	}

	sub, err := f.router.Watch(Request{Key: []byte("k"), StartRevision: 2, EndRevision: 4})
	require.NoError(t, err)

	assert.Equal(t, []int64{2, 3}, recvRevisions(t, sub, 2))
	resp := recv(t, sub)
	assert.True(t, resp.Canceled)
	expectClosed(t, sub)
}

func TestWatchCompactedStart(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 5; i++ {
		f.put("k", "v")
	}
	require.NoError(t, f.store.Compact(4))

	_, err := f.router.Watch(Request{Key: []byte("k"), StartRevision: 2})
	assert.ErrorIs(t, err, mvcc.ErrCompacted)

	sub, err := f.router.Watch(Request{Key: []byte("k"), StartRevision: 4})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, recvRevisions(t, sub, 2))
}

func TestWatchCompactedDuringReplay(t *testing.T) {
	hist := &compactingHistory{rev: 10}
	router := NewRouter(hist, Config{SyncInterval: 5 * time.Millisecond}, zap.NewNop(), nil)
	defer router.Close()

	sub, err := router.Watch(Request{Key: []byte("k"), StartRevision: 1})
	require.NoError(t, err)

	resp := recv(t, sub)
	assert.True(t, resp.Canceled)
	assert.Equal(t, int64(7), resp.CompactRevision)
	expectClosed(t, sub)
	assert.ErrorIs(t, sub.Err(), mvcc.ErrCompacted)
}

// compactingHistory is compacted to 7 as soon as a replay starts.
type compactingHistory struct {
	rev     int64
	compact atomic.Int64
}

func (h *compactingHistory) Rev() int64             { return h.rev }
func (h *compactingHistory) CompactRevision() int64 { return h.compact.Load() }
func (h *compactingHistory) History(key, end []byte, from, to int64) ([]mvcc.Event, error) {
	h.compact.Store(7)
	return nil, mvcc.ErrCompacted
}

func TestWatchFilters(t *testing.T) {
	f := newFixture(t, Config{})
	noPut, err := f.router.Watch(Request{Key: []byte("k"), Filters: []FilterType{FilterNoPut}, PrevKV: true})
	require.NoError(t, err)
	noDelete, err := f.router.Watch(Request{Key: []byte("k"), Filters: []FilterType{FilterNoDelete}})
	require.NoError(t, err)

	f.put("k", "v")
	f.del("k")

	resp := recv(t, noPut)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, mvcc.EventTypeDelete, resp.Events[0].Type)
	require.NotNil(t, resp.Events[0].PrevKv)
	assert.Equal(t, "v", string(resp.Events[0].PrevKv.Value))

	resp = recv(t, noDelete)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, mvcc.EventTypePut, resp.Events[0].Type)
}

func TestWatchCancel(t *testing.T) {
	f := newFixture(t, Config{})
	sub, err := f.router.Watch(Request{Key: []byte("k")})
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel()
	f.put("k", "v")

	expectClosed(t, sub)
	assert.ErrorIs(t, sub.Err(), ErrCanceled)
	assert.Equal(t, int64(1), f.router.Rev())
}

func TestWatchSlowConsumer(t *testing.T) {
	f := newFixture(t, Config{MaxPending: 3, ChanSize: 1})
	sub, err := f.router.Watch(Request{Key: []byte("k")})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		f.put("k", "v")
	}

	var canceled bool
	for resp := range sub.Chan() {
		if resp.Canceled {
			canceled = true
		}
	}
	assert.True(t, canceled)
	assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)
}

func TestWatchProgress(t *testing.T) {
	f := newFixture(t, Config{ProgressInterval: 20 * time.Millisecond})
	f.put("other", "v")

	sub, err := f.router.Watch(Request{Key: []byte("k"), ProgressNotify: true})
	require.NoError(t, err)

	resp := recv(t, sub)
	assert.Empty(t, resp.Events)
	assert.False(t, resp.Canceled)
	assert.Equal(t, int64(1), resp.Revision)

	quiet, err := f.router.Watch(Request{Key: []byte("k")})
	require.NoError(t, err)
	assert.True(t, f.router.RequestProgress(quiet))
	resp = recv(t, quiet)
	assert.Empty(t, resp.Events)
	assert.Equal(t, int64(1), resp.Revision)
}

func TestPublishOutOfOrder(t *testing.T) {
	f := newFixture(t, Config{})
	sub, err := f.router.Watch(Request{Key: []byte("k")})
	require.NoError(t, err)

	r1, err := f.store.Put([]byte("k"), []byte("1"), 0)
	require.NoError(t, err)
	r2, err := f.store.Put([]byte("k"), []byte("2"), 0)
	require.NoError(t, err)

	f.router.Publish(r2.Revision, r2.Events)
	f.router.Publish(r1.Revision, r1.Events)
	f.router.Publish(r1.Revision, r1.Events)

	assert.Equal(t, []int64{1, 2}, recvRevisions(t, sub, 2))
}

func TestWatchInvalidRequests(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.router.Watch(Request{Key: []byte("b"), RangeEnd: []byte("a")})
	assert.ErrorIs(t, err, mvcc.ErrInvalidRange)

	_, err = f.router.Watch(Request{Key: []byte("a"), StartRevision: 5, EndRevision: 5})
	assert.ErrorIs(t, err, ErrInvalidRevisionRange)
}

func TestRouterClose(t *testing.T) {
	f := newFixture(t, Config{})
	sub, err := f.router.Watch(Request{Key: []byte("k")})
	require.NoError(t, err)

	f.router.Close()
	resp := recv(t, sub)
	assert.True(t, resp.Canceled)
	expectClosed(t, sub)

	_, err = f.router.Watch(Request{Key: []byte("k")})
	assert.ErrorIs(t, err, ErrRouterClosed)
}
