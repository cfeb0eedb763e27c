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

import (
	"sync"

	"github.com/google/btree"
)

// Record is what the value store keeps for one revision.
type Record struct {
	Key   []byte
	Value []byte
	Lease int64

	// Kind tells why a tombstone was written. It is EventTypePut for live versions.
	Kind EventType
}

type valueItem struct {
	rev Revision
	rec Record
}

// Less implements btree.Item.
func (vi *valueItem) Less(other btree.Item) bool {
	return vi.rev.LessThan(other.(*valueItem).rev)
}

// ValueStore holds value bytes addressed by revision. It is append-only
// apart from compaction and the rollback of an unfinished batch.
type ValueStore struct {
	mu   sync.RWMutex
	tree *btree.BTree
	size int64
}

// NewValueStore creates an empty value store.
func NewValueStore() *ValueStore {
	return &ValueStore{tree: btree.New(32)}
}

// Put stores rec at rev.
func (vs *ValueStore) Put(rev Revision, rec Record) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if old := vs.tree.ReplaceOrInsert(&valueItem{rev: rev, rec: rec}); old != nil {
		vs.size -= recordSize(old.(*valueItem).rec)
	}
	vs.size += recordSize(rec)
}

// Get returns the record stored at rev.
func (vs *ValueStore) Get(rev Revision) (Record, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	it := vs.tree.Get(&valueItem{rev: rev})
	if it == nil {
		return Record{}, false
	}
	return it.(*valueItem).rec, true
}

// Delete removes the given revisions and returns how many were present.
func (vs *ValueStore) Delete(revs []Revision) int {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	n := 0
	for _, rev := range revs {
		if old := vs.tree.Delete(&valueItem{rev: rev}); old != nil {
			vs.size -= recordSize(old.(*valueItem).rec)
			n++
		}
	}
	return n
}

// Truncate removes every record at or after main.
func (vs *ValueStore) Truncate(main int64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	var drop []btree.Item
	vs.tree.AscendGreaterOrEqual(&valueItem{rev: Revision{Main: main}}, func(it btree.Item) bool {
		drop = append(drop, it)
		return true
	})
	for _, it := range drop {
		vs.tree.Delete(it)
		vs.size -= recordSize(it.(*valueItem).rec)
	}
}

// Len returns the number of stored records.
func (vs *ValueStore) Len() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.tree.Len()
}

// Size returns the approximate number of bytes held.
func (vs *ValueStore) Size() int64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.size
}

func recordSize(rec Record) int64 {
	return int64(len(rec.Key) + len(rec.Value) + 24)
}
