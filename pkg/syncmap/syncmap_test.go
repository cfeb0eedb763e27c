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

package syncmap

import (
	"sync"
	"testing"
)

func TestMapBasic(t *testing.T) {
	m := NewMap[int64, string]()
	if _, ok := m.Load(1); ok {
		t.Fatal("empty map reported a value")
	}
	m.Store(1, "a")
	m.Store(2, "b")
	if v, ok := m.Load(1); !ok || v != "a" {
		t.Fatalf("Load(1) = %q, %v", v, ok)
	}
	if n := m.Len(); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
	if v, ok := m.LoadAndDelete(2); !ok || v != "b" {
		t.Fatalf("LoadAndDelete(2) = %q, %v", v, ok)
	}
	if _, ok := m.LoadAndDelete(2); ok {
		t.Fatal("second LoadAndDelete found a value")
	}
	m.Delete(1)
	if n := m.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestMapCompareAndDelete(t *testing.T) {
	type sub struct{ id int }
	a, b := &sub{1}, &sub{2}
	m := NewMap[int, *sub]()
	m.Store(7, a)
	if m.CompareAndDelete(7, b) {
		t.Fatal("deleted with a stale value")
	}
	if !m.CompareAndDelete(7, a) {
		t.Fatal("did not delete with the current value")
	}
}

func TestMapRangeDeleteWhileIterating(t *testing.T) {
	m := NewMap[int, int]()
	for i := 0; i < 10; i++ {
		m.Store(i, i*i)
	}
	seen := 0
	m.Range(func(k, v int) bool {
		if v != k*k {
			t.Errorf("value for %d = %d", k, v)
		}
		m.Delete(k)
		seen++
		return true
	})
	if seen != 10 || m.Len() != 0 {
		t.Fatalf("seen %d, left %d", seen, m.Len())
	}
}

func TestMapConcurrent(t *testing.T) {
	m := NewMap[int, int]()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Store(w*100+i, i)
			}
		}(w)
	}
	wg.Wait()
	if n := m.Len(); n != 800 {
		t.Fatalf("Len = %d, want 800", n)
	}
}
