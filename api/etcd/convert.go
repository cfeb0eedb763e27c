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
	"bytes"
	"sort"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"

	"revStore/internal/kvstore"
	"revStore/internal/mvcc"
	"revStore/internal/watch"
)

func toPBHeader(h kvstore.ResponseHeader) *pb.ResponseHeader {
	return &pb.ResponseHeader{
		ClusterId: h.ClusterID,
		MemberId:  h.MemberID,
		Revision:  h.Index,
		RaftTerm:  h.RaftTerm,
	}
}

func toPBKV(kv *mvcc.KeyValue) *mvccpb.KeyValue {
	if kv == nil {
		return nil
	}
	return &mvccpb.KeyValue{
		Key:            kv.Key,
		Value:          kv.Value,
		CreateRevision: kv.CreateRevision,
		ModRevision:    kv.ModRevision,
		Version:        kv.Version,
		Lease:          kv.Lease,
	}
}

func toPBKVs(kvs []*mvcc.KeyValue) []*mvccpb.KeyValue {
	if len(kvs) == 0 {
		return nil
	}
	out := make([]*mvccpb.KeyValue, len(kvs))
	for i, kv := range kvs {
		out[i] = toPBKV(kv)
	}
	return out
}

// toPBEvent renders an event the way etcd does. Removals carry a tombstone
// with the key and the removal index; EXPIRE is a DELETE on the wire.
func toPBEvent(ev mvcc.Event) *mvccpb.Event {
	out := &mvccpb.Event{PrevKv: toPBKV(ev.PrevKv)}
	if ev.IsRemoval() {
		out.Type = mvccpb.DELETE
		out.Kv = &mvccpb.KeyValue{Key: ev.Kv.Key, ModRevision: ev.Revision.Main}
		return out
	}
	out.Type = mvccpb.PUT
	out.Kv = toPBKV(ev.Kv)
	return out
}

func toPBEvents(evs []mvcc.Event) []*mvccpb.Event {
	if len(evs) == 0 {
		return nil
	}
	out := make([]*mvccpb.Event, len(evs))
	for i, ev := range evs {
		out[i] = toPBEvent(ev)
	}
	return out
}

func fromPBWatchRequest(cr *pb.WatchCreateRequest) watch.Request {
	req := watch.Request{
		Key:            cr.Key,
		RangeEnd:       cr.RangeEnd,
		StartRevision:  cr.StartRevision,
		ProgressNotify: cr.ProgressNotify,
		PrevKV:         cr.PrevKv,
	}
	for _, f := range cr.Filters {
		switch f {
		case pb.WatchCreateRequest_NOPUT:
			req.Filters = append(req.Filters, watch.FilterNoPut)
		case pb.WatchCreateRequest_NODELETE:
			req.Filters = append(req.Filters, watch.FilterNoDelete)
		}
	}
	return req
}

// fromPBCompare converts a guard. Ranged guards are rejected.
func fromPBCompare(c *pb.Compare) (mvcc.Compare, error) {
	if len(c.RangeEnd) > 0 {
		return mvcc.Compare{}, errRangedCompare
	}
	out := mvcc.Compare{Key: c.Key}
	switch c.Result {
	case pb.Compare_EQUAL:
		out.Result = mvcc.CompareEqual
	case pb.Compare_GREATER:
		out.Result = mvcc.CompareGreater
	case pb.Compare_LESS:
		out.Result = mvcc.CompareLess
	case pb.Compare_NOT_EQUAL:
		out.Result = mvcc.CompareNotEqual
	default:
		return mvcc.Compare{}, errUnknownCompare
	}
	switch c.Target {
	case pb.Compare_VERSION:
		out.Target, out.Version = mvcc.CompareVersion, c.GetVersion()
	case pb.Compare_CREATE:
		out.Target, out.CreateRevision = mvcc.CompareCreate, c.GetCreateRevision()
	case pb.Compare_MOD:
		out.Target, out.ModRevision = mvcc.CompareMod, c.GetModRevision()
	case pb.Compare_VALUE:
		out.Target, out.Value = mvcc.CompareValue, c.GetValue()
	case pb.Compare_LEASE:
		out.Target, out.Lease = mvcc.CompareLease, c.GetLease()
	default:
		return mvcc.Compare{}, errUnknownCompare
	}
	return out, nil
}

func fromPBOps(reqs []*pb.RequestOp) ([]mvcc.Op, error) {
	ops := make([]mvcc.Op, 0, len(reqs))
	for _, r := range reqs {
		switch {
		case r.GetRequestRange() != nil:
			rr := r.GetRequestRange()
			opts := mvcc.RangeOptions{
				Limit:     rr.Limit,
				Rev:       rr.Revision,
				CountOnly: rr.CountOnly,
				KeysOnly:  rr.KeysOnly,
			}
			if needsPostProcessing(rr) {
				opts.Limit, opts.CountOnly = 0, false
			}
			ops = append(ops, mvcc.OpGet(rr.Key, rr.RangeEnd, opts))
		case r.GetRequestPut() != nil:
			pr := r.GetRequestPut()
			if pr.IgnoreValue || pr.IgnoreLease {
				return nil, errIgnoreFlags
			}
			op := mvcc.OpPutKey(pr.Key, pr.Value, pr.Lease)
			op.PrevKV = pr.PrevKv
			ops = append(ops, op)
		case r.GetRequestDeleteRange() != nil:
			dr := r.GetRequestDeleteRange()
			op := mvcc.OpDelete(dr.Key, dr.RangeEnd)
			op.PrevKV = dr.PrevKv
			ops = append(ops, op)
		case r.GetRequestTxn() != nil:
			return nil, errNestedTxn
		default:
			return nil, errEmptyOp
		}
	}
	return ops, nil
}

func toPBTxnResponse(resp *kvstore.TxnResponse, req *pb.TxnRequest) *pb.TxnResponse {
	branch := req.Success
	if !resp.Succeeded {
		branch = req.Failure
	}
	header := toPBHeader(resp.Header)
	out := &pb.TxnResponse{
		Header:    header,
		Succeeded: resp.Succeeded,
		Responses: make([]*pb.ResponseOp, len(resp.Responses)),
	}
	for i, r := range resp.Responses {
		switch r.Type {
		case mvcc.OpRange:
			rr := &pb.RangeResponse{
				Header: header,
				Kvs:    toPBKVs(r.Range.KVs),
				More:   r.Range.More,
				Count:  r.Range.Count,
			}
			if i < len(branch) && branch[i].GetRequestRange() != nil {
				postProcess(rr, branch[i].GetRequestRange())
			}
			out.Responses[i] = &pb.ResponseOp{Response: &pb.ResponseOp_ResponseRange{ResponseRange: rr}}
		case mvcc.OpPut:
			out.Responses[i] = &pb.ResponseOp{Response: &pb.ResponseOp_ResponsePut{
				ResponsePut: &pb.PutResponse{Header: header, PrevKv: toPBKV(r.Put.PrevKV)},
			}}
		case mvcc.OpDeleteRange:
			out.Responses[i] = &pb.ResponseOp{Response: &pb.ResponseOp_ResponseDeleteRange{
				ResponseDeleteRange: &pb.DeleteRangeResponse{
					Header:  header,
					Deleted: r.Delete.Deleted,
					PrevKvs: toPBKVs(r.Delete.PrevKVs),
				},
			}}
		}
	}
	return out
}

// effectiveSortOrder applies etcd's rule that a non-key target without an
// order sorts ascending.
func effectiveSortOrder(r *pb.RangeRequest) pb.RangeRequest_SortOrder {
	if r.SortTarget != pb.RangeRequest_KEY && r.SortOrder == pb.RangeRequest_NONE {
		return pb.RangeRequest_ASCEND
	}
	return r.SortOrder
}

// needsPostProcessing reports whether the range must be fetched whole and
// then filtered, sorted and limited here. Keys already come out ascending.
func needsPostProcessing(r *pb.RangeRequest) bool {
	if r.MinModRevision != 0 || r.MaxModRevision != 0 ||
		r.MinCreateRevision != 0 || r.MaxCreateRevision != 0 {
		return true
	}
	order := effectiveSortOrder(r)
	if order == pb.RangeRequest_NONE {
		return false
	}
	return !(r.SortTarget == pb.RangeRequest_KEY && order == pb.RangeRequest_ASCEND)
}

// postProcess applies revision filters, sorting and the limit to a range
// fetched without a limit. Count keeps the unfiltered total as etcd does.
func postProcess(resp *pb.RangeResponse, r *pb.RangeRequest) {
	if !needsPostProcessing(r) {
		return
	}
	kvs := resp.Kvs[:0]
	for _, kv := range resp.Kvs {
		if r.MinModRevision != 0 && kv.ModRevision < r.MinModRevision {
			continue
		}
		if r.MaxModRevision != 0 && kv.ModRevision > r.MaxModRevision {
			continue
		}
		if r.MinCreateRevision != 0 && kv.CreateRevision < r.MinCreateRevision {
			continue
		}
		if r.MaxCreateRevision != 0 && kv.CreateRevision > r.MaxCreateRevision {
			continue
		}
		kvs = append(kvs, kv)
	}

	if order := effectiveSortOrder(r); order != pb.RangeRequest_NONE {
		less := kvLess(r.SortTarget)
		if order == pb.RangeRequest_DESCEND {
			asc := less
			less = func(a, b *mvccpb.KeyValue) bool { return asc(b, a) }
		}
		sort.SliceStable(kvs, func(i, j int) bool { return less(kvs[i], kvs[j]) })
	}

	resp.More = false
	if r.Limit > 0 && int64(len(kvs)) > r.Limit {
		kvs = kvs[:r.Limit]
		resp.More = true
	}
	if r.CountOnly {
		kvs = nil
	}
	resp.Kvs = kvs
}

func kvLess(target pb.RangeRequest_SortTarget) func(a, b *mvccpb.KeyValue) bool {
	switch target {
	case pb.RangeRequest_VERSION:
		return func(a, b *mvccpb.KeyValue) bool { return a.Version < b.Version }
	case pb.RangeRequest_CREATE:
		return func(a, b *mvccpb.KeyValue) bool { return a.CreateRevision < b.CreateRevision }
	case pb.RangeRequest_MOD:
		return func(a, b *mvccpb.KeyValue) bool { return a.ModRevision < b.ModRevision }
	case pb.RangeRequest_VALUE:
		return func(a, b *mvccpb.KeyValue) bool { return bytes.Compare(a.Value, b.Value) < 0 }
	default:
		return func(a, b *mvccpb.KeyValue) bool { return bytes.Compare(a.Key, b.Key) < 0 }
	}
}
