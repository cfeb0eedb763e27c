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
	"bytes"
	"sort"
	"sync"

	"github.com/google/btree"
)

// indexEntry is one stored version of a key. A version of zero marks a tombstone.
type indexEntry struct {
	rev     Revision
	version int64
}

func (e indexEntry) tombstone() bool {
	return e.version == 0
}

// generation is one lifetime of a key: it starts with a put on an absent key
// and is closed by a tombstone.
type generation struct {
	created Revision
	entries []indexEntry
}

func (g *generation) closed() bool {
	return len(g.entries) > 0 && g.entries[len(g.entries)-1].tombstone()
}

// floor returns the position of the newest entry <= at, or -1.
func (g *generation) floor(at Revision) int {
	return sort.Search(len(g.entries), func(i int) bool {
		return g.entries[i].rev.GreaterThan(at)
	}) - 1
}

// keyItem is the revision history of one key.
// It implements btree.Item for use in a B-tree index.
type keyItem struct {
	key  []byte
	gens []generation
}

// Less implements btree.Item.
func (ki *keyItem) Less(other btree.Item) bool {
	return bytes.Compare(ki.key, other.(*keyItem).key) < 0
}

func (ki *keyItem) last() *generation {
	if len(ki.gens) == 0 {
		return nil
	}
	return &ki.gens[len(ki.gens)-1]
}

func (ki *keyItem) live() bool {
	g := ki.last()
	return g != nil && !g.closed()
}

func (ki *keyItem) entryAt(g *generation, i int) IndexEntry {
	e := g.entries[i]
	return IndexEntry{
		Key:            ki.key,
		Revision:       e.rev,
		CreateRevision: g.created.Main,
		Version:        e.version,
	}
}

// find returns the version visible at the given revision.
func (ki *keyItem) find(at Revision) (IndexEntry, bool) {
	for i := len(ki.gens) - 1; i >= 0; i-- {
		g := &ki.gens[i]
		if g.created.GreaterThan(at) {
			continue
		}
		pos := g.floor(at)
		if pos < 0 {
			continue
		}
		if g.entries[pos].tombstone() {
			return IndexEntry{}, false
		}
		return ki.entryAt(g, pos), true
	}
	return IndexEntry{}, false
}

// IndexEntry describes one version of a key as seen by the index.
type IndexEntry struct {
	Key            []byte
	Revision       Revision
	CreateRevision int64
	Version        int64
}

// Tombstone reports whether the entry marks a removal.
func (e IndexEntry) Tombstone() bool {
	return e.Version == 0
}

// KeyIndex maps keys to their generations of revisions.
// Lookups take an upper bound revision so that versions written by an
// uncommitted batch stay invisible to readers.
type KeyIndex struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

// NewKeyIndex creates a new KeyIndex.
func NewKeyIndex() *KeyIndex {
	return &KeyIndex{
		tree: btree.New(32),
	}
}

func (idx *KeyIndex) item(key []byte) *keyItem {
	it := idx.tree.Get(&keyItem{key: key})
	if it == nil {
		return nil
	}
	return it.(*keyItem)
}

// Get returns the version of key visible at the given revision.
func (idx *KeyIndex) Get(key []byte, at Revision) (IndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ki := idx.item(key)
	if ki == nil {
		return IndexEntry{}, false
	}
	return ki.find(at)
}

// Range calls fn for every key in [start, end) that is live at the given
// revision, in key order. See InRange for the meaning of end.
func (idx *KeyIndex) Range(start, end []byte, at Revision, fn func(IndexEntry) bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	idx.ascend(start, end, func(ki *keyItem) bool {
		if e, ok := ki.find(at); ok {
			return fn(e)
		}
		return true
	})
}

// ascend visits the key items selected by start and end. Callers hold mu.
func (idx *KeyIndex) ascend(start, end []byte, fn func(*keyItem) bool) {
	if len(end) == 0 {
		if ki := idx.item(start); ki != nil {
			fn(ki)
		}
		return
	}
	idx.tree.AscendGreaterOrEqual(&keyItem{key: start}, func(it btree.Item) bool {
		ki := it.(*keyItem)
		if !isUnbounded(end) && bytes.Compare(ki.key, end) >= 0 {
			return false
		}
		return fn(ki)
	})
}

// Put records a new version of key at rev and returns it along with the
// version it replaced, if the key was live.
func (idx *KeyIndex) Put(key []byte, rev Revision) (IndexEntry, *IndexEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ki := idx.item(key)
	if ki == nil {
		ki = &keyItem{key: append([]byte(nil), key...)}
		idx.tree.ReplaceOrInsert(ki)
	}

	var prev *IndexEntry
	g := ki.last()
	if g == nil || g.closed() {
		ki.gens = append(ki.gens, generation{created: rev})
		g = ki.last()
	} else {
		p := ki.entryAt(g, len(g.entries)-1)
		prev = &p
	}

	version := int64(1)
	if prev != nil {
		version = prev.Version + 1
	}
	g.entries = append(g.entries, indexEntry{rev: rev, version: version})
	return ki.entryAt(g, len(g.entries)-1), prev
}

// Tombstone closes the live generation of key at rev and returns the version
// that was removed. It reports false when the key is already absent.
func (idx *KeyIndex) Tombstone(key []byte, rev Revision) (IndexEntry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ki := idx.item(key)
	if ki == nil || !ki.live() {
		return IndexEntry{}, false
	}
	g := ki.last()
	prev := ki.entryAt(g, len(g.entries)-1)
	g.entries = append(g.entries, indexEntry{rev: rev})
	return prev, true
}

// Revert drops every version of key written at or after main. It undoes the
// effects of a batch that failed before commit.
func (idx *KeyIndex) Revert(key []byte, main int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ki := idx.item(key)
	if ki == nil {
		return
	}
	for len(ki.gens) > 0 {
		g := ki.last()
		for len(g.entries) > 0 && g.entries[len(g.entries)-1].rev.Main >= main {
			g.entries = g.entries[:len(g.entries)-1]
		}
		if len(g.entries) > 0 {
			break
		}
		ki.gens = ki.gens[:len(ki.gens)-1]
	}
	if len(ki.gens) == 0 {
		idx.tree.Delete(ki)
	}
}

// Compact discards history older than upto. For each key the newest version
// below upto is kept so reads at upto still see it; if that version is a
// tombstone it goes too. Returns the revisions that were dropped.
func (idx *KeyIndex) Compact(upto int64) []Revision {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	below := latest(upto - 1)
	var freed []Revision
	var empty []*keyItem

	idx.tree.Ascend(func(it btree.Item) bool {
		ki := it.(*keyItem)

		gi, ei := -1, -1
		for i := len(ki.gens) - 1; i >= 0; i-- {
			if pos := ki.gens[i].floor(below); pos >= 0 {
				gi, ei = i, pos
				break
			}
		}
		if gi < 0 {
			return true
		}

		for i := 0; i < gi; i++ {
			for _, e := range ki.gens[i].entries {
				freed = append(freed, e.rev)
			}
		}
		g := &ki.gens[gi]
		drop := ei
		if g.entries[ei].tombstone() {
			drop = ei + 1
		}
		for _, e := range g.entries[:drop] {
			freed = append(freed, e.rev)
		}
		g.entries = append([]indexEntry(nil), g.entries[drop:]...)

		gens := ki.gens[gi:]
		if len(g.entries) == 0 {
			gens = gens[1:]
		}
		ki.gens = append([]generation(nil), gens...)
		if len(ki.gens) == 0 {
			empty = append(empty, ki)
		}
		return true
	})

	for _, ki := range empty {
		idx.tree.Delete(ki)
	}
	return freed
}

// HistoryEntry is a stored version together with the live version it replaced.
type HistoryEntry struct {
	IndexEntry
	Prev *IndexEntry
}

// History calls fn for every version of keys in [start, end) whose main
// revision lies in [from, to]. Versions of one key come in revision order.
// A nil end selects only start.
func (idx *KeyIndex) History(start, end []byte, from, to int64, fn func(HistoryEntry)) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	visit := func(ki *keyItem) {
		for gi := range ki.gens {
			g := &ki.gens[gi]
			for i := range g.entries {
				main := g.entries[i].rev.Main
				if main < from || main > to {
					continue
				}
				h := HistoryEntry{IndexEntry: ki.entryAt(g, i)}
				if i > 0 {
					p := ki.entryAt(g, i-1)
					h.Prev = &p
				}
				fn(h)
			}
		}
	}

	idx.ascend(start, end, func(ki *keyItem) bool {
		visit(ki)
		return true
	})
}

// Len returns the number of keys in the index, including keys that are
// currently absent but still have history.
func (idx *KeyIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tree.Len()
}

// RevisionCount returns the total number of revisions across all keys.
func (idx *KeyIndex) RevisionCount() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var count int64
	idx.tree.Ascend(func(it btree.Item) bool {
		for _, g := range it.(*keyItem).gens {
			count += int64(len(g.entries))
		}
		return true
	})
	return count
}
