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

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"revStore/internal/kvstore"
	"revStore/internal/mvcc"
)

// TokenMetadataKey carries the consistent token of a read: clients send it
// to read at the same index again and find it in the response header.
const TokenMetadataKey = "consistent-token"

// KVServer implements the etcd KV service.
type KVServer struct {
	pb.UnimplementedKVServer
	server *Server
}

func tokenFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(TokenMetadataKey); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Range reads a key or a range. Sorting and revision filters are applied on
// top of the store's ascending key order.
func (s *KVServer) Range(ctx context.Context, req *pb.RangeRequest) (*pb.RangeResponse, error) {
	kreq := kvstore.RangeRequest{
		Key:             req.Key,
		RangeEnd:        req.RangeEnd,
		Limit:           req.Limit,
		Revision:        req.Revision,
		ConsistentToken: tokenFromContext(ctx),
		CountOnly:       req.CountOnly,
		KeysOnly:        req.KeysOnly,
	}
	post := needsPostProcessing(req)
	if post {
		kreq.Limit, kreq.CountOnly = 0, false
	}

	resp, err := s.server.store.Range(kreq)
	if err != nil {
		return nil, toGRPCError(err)
	}
	if err := grpc.SetHeader(ctx, metadata.Pairs(TokenMetadataKey, resp.ConsistentToken)); err != nil {
		s.server.logger.Debug("failed to set consistent token header", zap.Error(err))
	}

	out := &pb.RangeResponse{
		Header: toPBHeader(resp.Header),
		Kvs:    toPBKVs(resp.KVs),
		More:   resp.More,
		Count:  resp.Count,
	}
	if post {
		postProcess(out, req)
	}
	return out, nil
}

// Put writes one key.
func (s *KVServer) Put(ctx context.Context, req *pb.PutRequest) (*pb.PutResponse, error) {
	if req.IgnoreValue || req.IgnoreLease {
		return nil, errIgnoreFlags
	}
	resp, err := s.server.store.Put(kvstore.PutRequest{
		Key:    req.Key,
		Value:  req.Value,
		Lease:  req.Lease,
		PrevKV: req.PrevKv,
	})
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.PutResponse{
		Header: toPBHeader(resp.Header),
		PrevKv: toPBKV(resp.PrevKV),
	}, nil
}

// DeleteRange removes a key or a range.
func (s *KVServer) DeleteRange(ctx context.Context, req *pb.DeleteRangeRequest) (*pb.DeleteRangeResponse, error) {
	resp, err := s.server.store.DeleteRange(kvstore.DeleteRangeRequest{
		Key:      req.Key,
		RangeEnd: req.RangeEnd,
		PrevKV:   req.PrevKv,
	})
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.DeleteRangeResponse{
		Header:  toPBHeader(resp.Header),
		Deleted: resp.Deleted,
		PrevKvs: toPBKVs(resp.PrevKVs),
	}, nil
}

// Txn runs a guarded transaction as one batch.
func (s *KVServer) Txn(ctx context.Context, req *pb.TxnRequest) (*pb.TxnResponse, error) {
	treq := mvcc.TxnRequest{Compare: make([]mvcc.Compare, 0, len(req.Compare))}
	for _, c := range req.Compare {
		cmp, err := fromPBCompare(c)
		if err != nil {
			return nil, err
		}
		treq.Compare = append(treq.Compare, cmp)
	}
	var err error
	if treq.Success, err = fromPBOps(req.Success); err != nil {
		return nil, err
	}
	if treq.Failure, err = fromPBOps(req.Failure); err != nil {
		return nil, err
	}

	resp, err := s.server.store.Txn(treq)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return toPBTxnResponse(resp, req), nil
}

// Compact discards history below req.Revision. Compaction is in memory, so
// Physical needs no extra wait.
func (s *KVServer) Compact(ctx context.Context, req *pb.CompactionRequest) (*pb.CompactionResponse, error) {
	resp, err := s.server.store.Compact(req.Revision)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.CompactionResponse{Header: toPBHeader(resp.Header)}, nil
}
