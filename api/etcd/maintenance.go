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
	"go.etcd.io/etcd/api/v3/version"
)

// MaintenanceServer implements the read-only part of the etcd Maintenance
// service. Alarms, defragmentation, snapshots and leadership moves are left
// unimplemented.
type MaintenanceServer struct {
	pb.UnimplementedMaintenanceServer
	server *Server
}

// Status reports the member identity, the current index and the size of the
// retained values. This member always reports itself as leader.
func (s *MaintenanceServer) Status(ctx context.Context, _ *pb.StatusRequest) (*pb.StatusResponse, error) {
	st := s.server.store.Status()
	resp := &pb.StatusResponse{
		Header:           toPBHeader(st.Header),
		Version:          version.Version,
		DbSize:           st.DBSize,
		DbSizeInUse:      st.DBSize,
		Leader:           st.Header.MemberID,
		RaftIndex:        uint64(st.Header.Index),
		RaftTerm:         st.Header.RaftTerm,
		RaftAppliedIndex: uint64(st.Header.Index),
	}
	if s.server.store.Corrupted() {
		resp.Errors = append(resp.Errors, "store corrupted")
	}
	return resp, nil
}
