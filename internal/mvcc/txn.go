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

package mvcc

import "bytes"

// CompareTarget selects the attribute a guard inspects.
type CompareTarget int

const (
	CompareVersion CompareTarget = iota
	CompareCreate
	CompareMod
	CompareValue
	CompareLease
)

func (t CompareTarget) String() string {
	switch t {
	case CompareVersion:
		return "VERSION"
	case CompareCreate:
		return "CREATE"
	case CompareMod:
		return "MOD"
	case CompareValue:
		return "VALUE"
	case CompareLease:
		return "LEASE"
	}
	return "UNKNOWN"
}

// CompareResult is the relation a guard requires.
type CompareResult int

const (
	CompareEqual CompareResult = iota
	CompareGreater
	CompareLess
	CompareNotEqual
)

// Compare is a transaction guard: the key's current Target attribute must
// stand in relation Result to the matching literal field.
type Compare struct {
	Key    []byte
	Target CompareTarget
	Result CompareResult

	Version        int64
	CreateRevision int64
	ModRevision    int64
	Lease          int64
	Value          []byte
}

// holds applies the guard to kv. An absent key is nil and compares as zero
// counters with an empty value.
func (c Compare) holds(kv *KeyValue) bool {
	if kv == nil {
		kv = &KeyValue{}
	}
	var rel int
	switch c.Target {
	case CompareVersion:
		rel = compareInt64(kv.Version, c.Version)
	case CompareCreate:
		rel = compareInt64(kv.CreateRevision, c.CreateRevision)
	case CompareMod:
		rel = compareInt64(kv.ModRevision, c.ModRevision)
	case CompareLease:
		rel = compareInt64(kv.Lease, c.Lease)
	case CompareValue:
		rel = bytes.Compare(kv.Value, c.Value)
	default:
		return false
	}
	switch c.Result {
	case CompareEqual:
		return rel == 0
	case CompareGreater:
		return rel > 0
	case CompareLess:
		return rel < 0
	case CompareNotEqual:
		return rel != 0
	}
	return false
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// OpType specifies the operation type.
type OpType int

const (
	OpRange OpType = iota
	OpPut
	OpDeleteRange
)

func (t OpType) String() string {
	switch t {
	case OpRange:
		return "range"
	case OpPut:
		return "put"
	case OpDeleteRange:
		return "delete_range"
	}
	return "unknown"
}

// Op is one primitive operation of a transaction branch.
type Op struct {
	Type     OpType
	Key      []byte
	RangeEnd []byte
	Value    []byte
	Lease    int64
	PrevKV   bool
	Range    RangeOptions
}

// OpGet builds a range operation.
func OpGet(key, end []byte, opts RangeOptions) Op {
	return Op{Type: OpRange, Key: key, RangeEnd: end, Range: opts}
}

// OpPutKey builds a put operation.
func OpPutKey(key, value []byte, lease int64) Op {
	return Op{Type: OpPut, Key: key, Value: value, Lease: lease}
}

// OpDelete builds a delete-range operation.
func OpDelete(key, end []byte) Op {
	return Op{Type: OpDeleteRange, Key: key, RangeEnd: end}
}

// TxnRequest is a guarded pair of operation branches.
type TxnRequest struct {
	Compare []Compare
	Success []Op
	Failure []Op
}

// RangeOptions tunes a range read.
type RangeOptions struct {
	// Limit caps the number of returned pairs, 0 means no limit.
	Limit int64

	// Rev reads at a past revision, 0 means the latest committed one.
	Rev int64

	CountOnly bool
	KeysOnly  bool
}

// RangeResult is the outcome of a range read.
type RangeResult struct {
	KVs   []*KeyValue
	Count int64
	More  bool

	// Rev is the revision the read observed.
	Rev int64
}

// PutResult is the outcome of a put.
type PutResult struct {
	PrevKV *KeyValue
}

// DeleteResult is the outcome of a delete-range.
type DeleteResult struct {
	Deleted int64
	PrevKVs []*KeyValue
}

// OpResult carries the result of one operation; exactly one field is set.
type OpResult struct {
	Type   OpType
	Range  *RangeResult
	Put    *PutResult
	Delete *DeleteResult
}

// TxnResult is the outcome of an applied batch.
type TxnResult struct {
	Succeeded bool
	Responses []OpResult

	// Revision is the global index the batch committed at, or the current
	// index when the batch changed nothing.
	Revision int64

	// Events are the changes produced, in operation order.
	Events []Event
}
