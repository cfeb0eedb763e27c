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
	"errors"
	"io"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"

	"revStore/internal/kvstore"
	"revStore/pkg/reliability"
)

// LeaseServer implements the etcd Lease service.
type LeaseServer struct {
	pb.UnimplementedLeaseServer
	server *Server
}

// LeaseGrant creates a lease. A zero ID lets the store choose one.
func (s *LeaseServer) LeaseGrant(ctx context.Context, req *pb.LeaseGrantRequest) (*pb.LeaseGrantResponse, error) {
	resp, err := s.server.store.LeaseCreate(req.ID, req.TTL)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.LeaseGrantResponse{
		Header: toPBHeader(resp.Header),
		ID:     resp.ID,
		TTL:    resp.TTL,
	}, nil
}

// LeaseRevoke removes the keys of a lease in one batch and destroys it.
func (s *LeaseServer) LeaseRevoke(ctx context.Context, req *pb.LeaseRevokeRequest) (*pb.LeaseRevokeResponse, error) {
	resp, err := s.server.store.LeaseRevoke(req.ID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.LeaseRevokeResponse{Header: toPBHeader(resp.Header)}, nil
}

// LeaseKeepAlive renews leases for as long as the client streams requests.
// An unknown lease is answered with a TTL of 0 and the stream stays open.
func (s *LeaseServer) LeaseKeepAlive(stream pb.Lease_LeaseKeepAliveServer) error {
	errc := make(chan error, 1)
	reliability.SafeGo("lease-keepalive-recv", func() {
		errc <- s.keepAliveLoop(stream)
	})

	select {
	case err := <-errc:
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	case <-stream.Context().Done():
		return stream.Context().Err()
	case <-s.server.stopc:
		return errShuttingDown
	}
}

func (s *LeaseServer) keepAliveLoop(stream pb.Lease_LeaseKeepAliveServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}
		resp, err := s.server.store.LeaseKeepAlive(req.ID)
		if err != nil && kvstore.CodeOf(err) != kvstore.CodeNotFound {
			return toGRPCError(err)
		}
		out := &pb.LeaseKeepAliveResponse{
			Header: toPBHeader(resp.Header),
			ID:     req.ID,
			TTL:    resp.TTL,
		}
		if err != nil {
			out.TTL = 0
		}
		if err := stream.Send(out); err != nil {
			return err
		}
	}
}

// LeaseTimeToLive reports the remaining TTL. Unknown leases report -1.
func (s *LeaseServer) LeaseTimeToLive(ctx context.Context, req *pb.LeaseTimeToLiveRequest) (*pb.LeaseTimeToLiveResponse, error) {
	resp, err := s.server.store.LeaseTimeToLive(req.ID, req.Keys)
	if err != nil && kvstore.CodeOf(err) != kvstore.CodeNotFound {
		return nil, toGRPCError(err)
	}
	return &pb.LeaseTimeToLiveResponse{
		Header:     toPBHeader(resp.Header),
		ID:         req.ID,
		TTL:        resp.TTL,
		GrantedTTL: resp.GrantedTTL,
		Keys:       resp.Keys,
	}, nil
}

// LeaseLeases lists every lease.
func (s *LeaseServer) LeaseLeases(ctx context.Context, req *pb.LeaseLeasesRequest) (*pb.LeaseLeasesResponse, error) {
	resp := s.server.store.LeaseLeases()
	leases := make([]*pb.LeaseStatus, len(resp.Leases))
	for i, id := range resp.Leases {
		leases[i] = &pb.LeaseStatus{ID: id}
	}
	return &pb.LeaseLeasesResponse{Header: toPBHeader(resp.Header), Leases: leases}, nil
}
