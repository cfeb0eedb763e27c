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
	"testing"
)

func TestKeyIndexPutAndGet(t *testing.T) {
	idx := NewKeyIndex()

	e, prev := idx.Put([]byte("foo"), Revision{1, 0})
	if prev != nil {
		t.Fatalf("first put should have no previous version, got %+v", prev)
	}
	if e.Version != 1 || e.CreateRevision != 1 || e.Revision != (Revision{1, 0}) {
		t.Errorf("first put entry = %+v", e)
	}

	e, prev = idx.Put([]byte("foo"), Revision{2, 0})
	if prev == nil || prev.Version != 1 {
		t.Fatalf("second put previous = %+v, want version 1", prev)
	}
	if e.Version != 2 || e.CreateRevision != 1 {
		t.Errorf("second put entry = %+v, want version 2 created at 1", e)
	}

	got, ok := idx.Get([]byte("foo"), latest(1))
	if !ok || got.Revision != (Revision{1, 0}) {
		t.Errorf("Get(foo, 1) = %+v, %v", got, ok)
	}
}

func TestKeyIndexGetAtRevision(t *testing.T) {
	idx := NewKeyIndex()
	idx.Put([]byte("foo"), Revision{1, 0})
	idx.Put([]byte("foo"), Revision{3, 0})
	idx.Put([]byte("foo"), Revision{5, 0})

	tests := []struct {
		at    int64
		found bool
		want  Revision
	}{
		{0, false, Zero},
		{1, true, Revision{1, 0}},
		{2, true, Revision{1, 0}},
		{3, true, Revision{3, 0}},
		{4, true, Revision{3, 0}},
		{6, true, Revision{5, 0}},
	}
	for _, tt := range tests {
		got, ok := idx.Get([]byte("foo"), latest(tt.at))
		if ok != tt.found || (ok && got.Revision != tt.want) {
			t.Errorf("Get(foo, %d) = %v, %v; want %v, %v", tt.at, got.Revision, ok, tt.want, tt.found)
		}
	}
}

func TestKeyIndexTombstone(t *testing.T) {
	idx := NewKeyIndex()
	idx.Put([]byte("foo"), Revision{1, 0})

	prev, ok := idx.Tombstone([]byte("foo"), Revision{2, 0})
	if !ok || prev.Version != 1 {
		t.Fatalf("Tombstone = %+v, %v", prev, ok)
	}
	if _, ok := idx.Get([]byte("foo"), latest(2)); ok {
		t.Error("foo should be absent at 2")
	}
	if _, ok := idx.Get([]byte("foo"), latest(1)); !ok {
		t.Error("foo should still be visible at 1")
	}
	if _, ok := idx.Tombstone([]byte("foo"), Revision{3, 0}); ok {
		t.Error("tombstoning an absent key should report false")
	}
	if _, ok := idx.Tombstone([]byte("missing"), Revision{3, 0}); ok {
		t.Error("tombstoning an unknown key should report false")
	}
}

func TestKeyIndexRecreateStartsNewGeneration(t *testing.T) {
	idx := NewKeyIndex()
	idx.Put([]byte("foo"), Revision{1, 0})
	idx.Put([]byte("foo"), Revision{2, 0})
	idx.Tombstone([]byte("foo"), Revision{3, 0})

	e, prev := idx.Put([]byte("foo"), Revision{4, 0})
	if prev != nil {
		t.Errorf("recreate should not report a previous version, got %+v", prev)
	}
	if e.Version != 1 || e.CreateRevision != 4 {
		t.Errorf("recreated entry = %+v, want version 1 created at 4", e)
	}

	old, ok := idx.Get([]byte("foo"), latest(2))
	if !ok || old.Version != 2 || old.CreateRevision != 1 {
		t.Errorf("Get(foo, 2) = %+v, %v", old, ok)
	}
}

func TestKeyIndexRange(t *testing.T) {
	idx := NewKeyIndex()
	for i, k := range []string{"a", "b", "c", "d"} {
		idx.Put([]byte(k), Revision{int64(i + 1), 0})
	}

	collect := func(start, end string, at int64) []string {
		var keys []string
		var endBytes []byte
		if end != "" {
			endBytes = []byte(end)
		}
		idx.Range([]byte(start), endBytes, latest(at), func(e IndexEntry) bool {
			keys = append(keys, string(e.Key))
			return true
		})
		return keys
	}

	if got := collect("a", "c", 4); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Range(a, c) = %v, want [a b]", got)
	}
	if got := collect("b", "\x00", 4); len(got) != 3 {
		t.Errorf("Range(b, \\x00) = %v, want [b c d]", got)
	}
	if got := collect("a", "z", 2); len(got) != 2 {
		t.Errorf("Range(a, z) at 2 = %v, want [a b]", got)
	}
	if got := collect("c", "", 4); len(got) != 1 || got[0] != "c" {
		t.Errorf("Range(c) = %v, want [c]", got)
	}
}

func TestKeyIndexRevert(t *testing.T) {
	idx := NewKeyIndex()
	idx.Put([]byte("a"), Revision{1, 0})

	idx.Put([]byte("a"), Revision{2, 0})
	idx.Tombstone([]byte("a"), Revision{2, 1})
	idx.Put([]byte("a"), Revision{2, 2})
	idx.Put([]byte("b"), Revision{2, 3})

	idx.Revert([]byte("a"), 2)
	idx.Revert([]byte("b"), 2)

	e, ok := idx.Get([]byte("a"), latest(2))
	if !ok || e.Revision != (Revision{1, 0}) || e.Version != 1 {
		t.Errorf("a after revert = %+v, %v", e, ok)
	}
	if idx.Len() != 1 {
		t.Errorf("Len() = %d, want 1", idx.Len())
	}
	if n := idx.RevisionCount(); n != 1 {
		t.Errorf("RevisionCount() = %d, want 1", n)
	}
}

func TestKeyIndexCompact(t *testing.T) {
	idx := NewKeyIndex()
	idx.Put([]byte("foo"), Revision{1, 0})
	idx.Put([]byte("foo"), Revision{2, 0})
	idx.Put([]byte("foo"), Revision{3, 0})

	idx.Put([]byte("bar"), Revision{2, 0})
	idx.Tombstone([]byte("bar"), Revision{3, 0})

	idx.Put([]byte("baz"), Revision{1, 0})

	idx.Put([]byte("qux"), Revision{1, 0})
	idx.Tombstone([]byte("qux"), Revision{2, 0})

	freed := idx.Compact(3)
	if len(freed) != 3 {
		t.Fatalf("freed %d revisions (%v), want 3", len(freed), freed)
	}
	if idx.Len() != 3 {
		t.Errorf("Len() = %d, want 3", idx.Len())
	}

	if e, ok := idx.Get([]byte("foo"), latest(2)); !ok || e.Revision.Main != 2 {
		t.Errorf("foo at 2 = %+v, %v; newest version below the compaction point must survive", e, ok)
	}
	if e, ok := idx.Get([]byte("foo"), latest(3)); !ok || e.Version != 3 {
		t.Errorf("foo at 3 = %+v, %v", e, ok)
	}
	if _, ok := idx.Get([]byte("bar"), latest(3)); ok {
		t.Error("bar should be absent at 3")
	}
	if e, ok := idx.Get([]byte("baz"), latest(3)); !ok || e.Revision.Main != 1 {
		t.Errorf("baz at 3 = %+v, %v", e, ok)
	}
	if _, ok := idx.Get([]byte("qux"), latest(3)); ok {
		t.Error("qux should have been removed entirely")
	}
}

func TestKeyIndexHistory(t *testing.T) {
	idx := NewKeyIndex()
	idx.Put([]byte("foo"), Revision{1, 0})
	idx.Put([]byte("foo"), Revision{2, 0})
	idx.Tombstone([]byte("foo"), Revision{3, 0})
	idx.Put([]byte("foo"), Revision{4, 0})
	idx.Put([]byte("other"), Revision{5, 0})

	var hs []HistoryEntry
	idx.History([]byte("foo"), nil, 2, 4, func(h HistoryEntry) {
		hs = append(hs, h)
	})
	if len(hs) != 3 {
		t.Fatalf("history has %d entries, want 3", len(hs))
	}
	if hs[0].Revision.Main != 2 || hs[0].Prev == nil || hs[0].Prev.Revision.Main != 1 {
		t.Errorf("entry 0 = %+v", hs[0])
	}
	if !hs[1].Tombstone() || hs[1].Prev == nil || hs[1].Prev.Version != 2 {
		t.Errorf("entry 1 = %+v", hs[1])
	}
	if hs[2].Version != 1 || hs[2].Prev != nil {
		t.Errorf("entry 2 = %+v", hs[2])
	}
}
