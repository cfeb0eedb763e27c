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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"revStore/internal/kvstore"
	"revStore/pkg/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	store  *kvstore.Store
	server *Server
	clock  *fakeClock
	conn   *grpc.ClientConn

	kv          pb.KVClient
	watch       pb.WatchClient
	lease       pb.LeaseClient
	maintenance pb.MaintenanceClient
}

func startTestServer(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	kcfg := kvstore.DefaultConfig()
	kcfg.Lease.CheckInterval = time.Hour
	kcfg.Compactor.Enable = false
	store := kvstore.New(kcfg, logger,
		kvstore.WithCluster(kvstore.StaticCluster{Cluster: 7, Member: 9, Term: 2}),
		kvstore.WithClock(clock.Now))
	store.Start()

	cfg := config.DefaultConfig(7, 9, "127.0.0.1:0")
	srv, err := NewServer(ServerConfig{Store: store, Config: cfg, Logger: logger})
	require.NoError(t, err)
	go func() {
		if err := srv.Serve(); err != nil {
			t.Logf("serve: %v", err)
		}
	}()

	conn, err := grpc.NewClient(srv.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
		store.Close()
	})

	return &testEnv{
		store:       store,
		server:      srv,
		clock:       clock,
		conn:        conn,
		kv:          pb.NewKVClient(conn),
		watch:       pb.NewWatchClient(conn),
		lease:       pb.NewLeaseClient(conn),
		maintenance: pb.NewMaintenanceClient(conn),
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (e *testEnv) put(t *testing.T, key, value string) *pb.PutResponse {
	t.Helper()
	resp, err := e.kv.Put(testContext(t), &pb.PutRequest{Key: []byte(key), Value: []byte(value)})
	require.NoError(t, err)
	return resp
}

func TestPutRangeHeader(t *testing.T) {
	e := startTestServer(t)
	ctx := testContext(t)

	put := e.put(t, "foo", "bar")
	assert.Equal(t, uint64(7), put.Header.ClusterId)
	assert.Equal(t, uint64(9), put.Header.MemberId)
	assert.Equal(t, uint64(2), put.Header.RaftTerm)
	assert.Equal(t, int64(1), put.Header.Revision)

	resp, err := e.kv.Range(ctx, &pb.RangeRequest{Key: []byte("foo")})
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	kv := resp.Kvs[0]
	assert.Equal(t, "bar", string(kv.Value))
	assert.Equal(t, int64(1), kv.CreateRevision)
	assert.Equal(t, int64(1), kv.ModRevision)
	assert.Equal(t, int64(1), kv.Version)
	assert.Equal(t, int64(1), resp.Header.Revision)
}

func TestRangeConsistentToken(t *testing.T) {
	e := startTestServer(t)
	ctx := testContext(t)

	e.put(t, "a", "1")
	var md metadata.MD
	_, err := e.kv.Range(ctx, &pb.RangeRequest{Key: []byte("a")}, grpc.Header(&md))
	require.NoError(t, err)
	tokens := md.Get(TokenMetadataKey)
	require.Len(t, tokens, 1)

	e.put(t, "a", "2")

	tctx := metadata.AppendToOutgoingContext(ctx, TokenMetadataKey, tokens[0])
	resp, err := e.kv.Range(tctx, &pb.RangeRequest{Key: []byte("a")})
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Equal(t, "1", string(resp.Kvs[0].Value))
	assert.Equal(t, int64(1), resp.Header.Revision)

	bad := metadata.AppendToOutgoingContext(ctx, TokenMetadataKey, "not-a-token")
	_, err = e.kv.Range(bad, &pb.RangeRequest{Key: []byte("a")})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestTxnGuard(t *testing.T) {
	e := startTestServer(t)
	ctx := testContext(t)
	e.put(t, "lock", "free")

	req := &pb.TxnRequest{
		Compare: []*pb.Compare{{
			Key:         []byte("lock"),
			Target:      pb.Compare_VALUE,
			Result:      pb.Compare_EQUAL,
			TargetUnion: &pb.Compare_Value{Value: []byte("free")},
		}},
		Success: []*pb.RequestOp{{Request: &pb.RequestOp_RequestPut{
			RequestPut: &pb.PutRequest{Key: []byte("lock"), Value: []byte("held")},
		}}},
		Failure: []*pb.RequestOp{{Request: &pb.RequestOp_RequestRange{
			RequestRange: &pb.RangeRequest{Key: []byte("lock")},
		}}},
	}

	resp, err := e.kv.Txn(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Succeeded)
	assert.Equal(t, int64(2), resp.Header.Revision)
	require.Len(t, resp.Responses, 1)
	assert.NotNil(t, resp.Responses[0].GetResponsePut())

	resp, err = e.kv.Txn(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.Succeeded)
	assert.Equal(t, int64(2), resp.Header.Revision, "a failed guard with reads only must not advance the index")
	rr := resp.Responses[0].GetResponseRange()
	require.NotNil(t, rr)
	require.Len(t, rr.Kvs, 1)
	assert.Equal(t, "held", string(rr.Kvs[0].Value))
}

func TestTxnRejectsUnsupportedShapes(t *testing.T) {
	e := startTestServer(t)
	ctx := testContext(t)

	_, err := e.kv.Txn(ctx, &pb.TxnRequest{Compare: []*pb.Compare{{
		Key: []byte("a"), RangeEnd: []byte("b"),
		Target: pb.Compare_VERSION, Result: pb.Compare_EQUAL,
		TargetUnion: &pb.Compare_Version{Version: 0},
	}}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = e.kv.Txn(ctx, &pb.TxnRequest{Success: []*pb.RequestOp{{
		Request: &pb.RequestOp_RequestTxn{RequestTxn: &pb.TxnRequest{}},
	}}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = e.kv.Put(ctx, &pb.PutRequest{Key: []byte("a"), IgnoreValue: true})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestErrorsMapToEtcdErrors(t *testing.T) {
	e := startTestServer(t)
	ctx := testContext(t)

	_, err := e.kv.Put(ctx, &pb.PutRequest{Value: []byte("v")})
	assert.Equal(t, rpctypes.ErrorDesc(rpctypes.ErrGRPCEmptyKey), rpctypes.ErrorDesc(err))

	_, err = e.kv.Range(ctx, &pb.RangeRequest{Key: []byte("a"), Revision: 100})
	assert.Equal(t, rpctypes.ErrorDesc(rpctypes.ErrGRPCFutureRev), rpctypes.ErrorDesc(err))

	for i := 0; i < 3; i++ {
		e.put(t, "a", "v")
	}
	_, err = e.kv.Compact(ctx, &pb.CompactionRequest{Revision: 2})
	require.NoError(t, err)
	_, err = e.kv.Range(ctx, &pb.RangeRequest{Key: []byte("a"), Revision: 1})
	assert.Equal(t, rpctypes.ErrorDesc(rpctypes.ErrGRPCCompacted), rpctypes.ErrorDesc(err))
	assert.Equal(t, codes.OutOfRange, status.Code(err))

	_, err = e.kv.Put(ctx, &pb.PutRequest{Key: []byte("b"), Lease: 12345})
	assert.Equal(t, rpctypes.ErrorDesc(rpctypes.ErrGRPCLeaseNotFound), rpctypes.ErrorDesc(err))
}

func TestRangeSortFilterLimit(t *testing.T) {
	e := startTestServer(t)
	ctx := testContext(t)
	e.put(t, "k/b", "2") // rev 1
	e.put(t, "k/c", "1") // rev 2
	e.put(t, "k/a", "3") // rev 3

	resp, err := e.kv.Range(ctx, &pb.RangeRequest{
		Key:       []byte("k/"),
		RangeEnd:  []byte("k0"),
		SortOrder: pb.RangeRequest_DESCEND,
		Limit:     2,
	})
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 2)
	assert.Equal(t, "k/c", string(resp.Kvs[0].Key))
	assert.Equal(t, "k/b", string(resp.Kvs[1].Key))
	assert.True(t, resp.More)
	assert.Equal(t, int64(3), resp.Count)

	resp, err = e.kv.Range(ctx, &pb.RangeRequest{
		Key:        []byte("k/"),
		RangeEnd:   []byte("k0"),
		SortTarget: pb.RangeRequest_VALUE,
	})
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 3)
	assert.Equal(t, []string{"k/c", "k/b", "k/a"},
		[]string{string(resp.Kvs[0].Key), string(resp.Kvs[1].Key), string(resp.Kvs[2].Key)})

	resp, err = e.kv.Range(ctx, &pb.RangeRequest{
		Key:            []byte("k/"),
		RangeEnd:       []byte("k0"),
		MinModRevision: 2,
	})
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 2)
	assert.Equal(t, "k/a", string(resp.Kvs[0].Key))
	assert.Equal(t, "k/c", string(resp.Kvs[1].Key))
}

func TestDeleteRangePrevKV(t *testing.T) {
	e := startTestServer(t)
	ctx := testContext(t)
	e.put(t, "d/1", "x")
	e.put(t, "d/2", "y")

	resp, err := e.kv.DeleteRange(ctx, &pb.DeleteRangeRequest{Key: []byte("d/"), RangeEnd: []byte("d0"), PrevKv: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Deleted)
	assert.Len(t, resp.PrevKvs, 2)
	assert.Equal(t, int64(3), resp.Header.Revision)
}

func TestMaintenanceStatus(t *testing.T) {
	e := startTestServer(t)
	e.put(t, "s", "value")

	resp, err := e.maintenance.Status(testContext(t), &pb.StatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Header.Revision)
	assert.Equal(t, uint64(9), resp.Leader)
	assert.Equal(t, uint64(1), resp.RaftIndex)
	assert.Positive(t, resp.DbSize)
	assert.Empty(t, resp.Errors)
}

func TestHealthService(t *testing.T) {
	e := startTestServer(t)
	client := healthpb.NewHealthClient(e.conn)

	resp, err := client.Check(testContext(t), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.True(t, proto.Equal(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, resp))

	e.server.Health().Refresh(testContext(t))
	resp, err = client.Check(testContext(t), &healthpb.HealthCheckRequest{Service: "lease"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestRangeWithoutStreamLogsHeaderFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	kcfg := kvstore.DefaultConfig()
	kcfg.Compactor.Enable = false
	store := kvstore.New(kcfg, logger)
	t.Cleanup(func() { store.Close() })

	srv, err := NewServer(ServerConfig{Store: store, Config: config.DefaultConfig(1, 1, "127.0.0.1:0"), Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
		srv.listener.Close()
	})

	kv := &KVServer{server: srv}
	resp, err := kv.Range(context.Background(), &pb.RangeRequest{Key: []byte("a")})
	require.NoError(t, err)
	assert.Empty(t, resp.Kvs)
	assert.Equal(t, 1, logs.FilterMessage("failed to set consistent token header").Len())
}
