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

// KeyValue is one version of a key together with its revision metadata.
type KeyValue struct {
	Key   []byte
	Value []byte

	// CreateRevision is the global index at which the current generation
	// of the key was created.
	CreateRevision int64

	// ModRevision is the global index of the last mutation.
	ModRevision int64

	// Version counts mutations since creation. Zero means absent.
	Version int64

	// Lease is the lease the key was attached to when this version was written.
	Lease int64
}

// Clone creates a deep copy of the KeyValue.
func (kv *KeyValue) Clone() *KeyValue {
	if kv == nil {
		return nil
	}
	clone := *kv
	if kv.Key != nil {
		clone.Key = append([]byte(nil), kv.Key...)
	}
	if kv.Value != nil {
		clone.Value = append([]byte(nil), kv.Value...)
	}
	return &clone
}

// Size returns the approximate size of the KeyValue in bytes.
func (kv *KeyValue) Size() int {
	return len(kv.Key) + len(kv.Value) + 32
}

// EventType is the type of an event.
type EventType int32

const (
	// EventTypePut indicates a key is created or updated.
	EventTypePut EventType = iota

	// EventTypeDelete indicates a key was removed by a client request or a lease revoke.
	EventTypeDelete

	// EventTypeExpire indicates a key was removed because its lease timed out.
	EventTypeExpire
)

func (t EventType) String() string {
	switch t {
	case EventTypePut:
		return "PUT"
	case EventTypeDelete:
		return "DELETE"
	case EventTypeExpire:
		return "EXPIRE"
	default:
		return "UNKNOWN"
	}
}

// Event is a single change produced by a committed batch.
type Event struct {
	Type EventType

	// Kv is the new version for PUT, and the version that existed
	// immediately before removal for DELETE and EXPIRE.
	Kv *KeyValue

	// PrevKv is the version replaced by a PUT, nil if the key was absent.
	// For removals it is the same version as Kv.
	PrevKv *KeyValue

	// Revision is where the event sits in the global order.
	Revision Revision
}

// IsRemoval reports whether the event removed its key.
func (e Event) IsRemoval() bool {
	return e.Type == EventTypeDelete || e.Type == EventTypeExpire
}
