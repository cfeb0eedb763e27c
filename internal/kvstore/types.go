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
	"revStore/internal/mvcc"
)

// ResponseHeader is carried by every response.
type ResponseHeader struct {
	ClusterID uint64
	MemberID  uint64

	// Index is the global index the request was applied or read at.
	Index int64

	// RaftTerm is opaque and supplied by the replication collaborator.
	RaftTerm uint64

	// Error is the message of the error the request failed with, if any.
	Error string
}

// Cluster supplies the identity and term values of the headers. Consensus
// and membership live outside the store.
type Cluster interface {
	ClusterID() uint64
	MemberID() uint64
	RaftTerm() uint64
}

// StaticCluster is a Cluster with fixed values.
type StaticCluster struct {
	Cluster uint64
	Member  uint64
	Term    uint64
}

func (c StaticCluster) ClusterID() uint64 { return c.Cluster }
func (c StaticCluster) MemberID() uint64  { return c.Member }
func (c StaticCluster) RaftTerm() uint64  { return c.Term }

// RangeRequest reads a key or a range.
type RangeRequest struct {
	Key      []byte
	RangeEnd []byte
	Limit    int64

	// Revision reads at a fixed index, 0 means the latest.
	Revision int64

	// ConsistentToken reads at the index a previous response was issued at.
	ConsistentToken string

	CountOnly bool
	KeysOnly  bool
}

type RangeResponse struct {
	Header ResponseHeader
	KVs    []*mvcc.KeyValue
	More   bool
	Count  int64

	// ConsistentToken identifies the index this read was served at.
	ConsistentToken string
}

type PutRequest struct {
	Key    []byte
	Value  []byte
	Lease  int64
	PrevKV bool
}

type PutResponse struct {
	Header ResponseHeader
	PrevKV *mvcc.KeyValue
}

type DeleteRangeRequest struct {
	Key      []byte
	RangeEnd []byte
	PrevKV   bool
}

type DeleteRangeResponse struct {
	Header  ResponseHeader
	Deleted int64
	PrevKVs []*mvcc.KeyValue
}

type TxnResponse struct {
	Header    ResponseHeader
	Succeeded bool
	Responses []mvcc.OpResult
}

type CompactResponse struct {
	Header ResponseHeader
}

type LeaseCreateResponse struct {
	Header ResponseHeader
	ID     int64
	TTL    int64
	Error  string
}

type LeaseKeepAliveResponse struct {
	Header ResponseHeader
	ID     int64
	TTL    int64
}

type LeaseRevokeResponse struct {
	Header ResponseHeader
}

type LeaseAttachResponse struct {
	Header ResponseHeader
}

type LeaseTimeToLiveResponse struct {
	Header     ResponseHeader
	ID         int64
	TTL        int64
	GrantedTTL int64
	Keys       [][]byte
}

type LeaseLeasesResponse struct {
	Header ResponseHeader
	Leases []int64
}

// StatusResponse reports the state of the store.
type StatusResponse struct {
	Header          ResponseHeader
	CompactRevision int64
	DBSize          int64
	Leases          int
}
