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
	"math"
	"testing"
)

func TestRevisionCompare(t *testing.T) {
	tests := []struct {
		a, b Revision
		want int
	}{
		{Revision{1, 0}, Revision{1, 0}, 0},
		{Revision{1, 0}, Revision{2, 0}, -1},
		{Revision{2, 0}, Revision{1, 0}, 1},
		{Revision{1, 1}, Revision{1, 0}, 1},
		{Revision{1, 0}, Revision{1, 1}, -1},
		{Revision{1, 9}, Revision{2, 0}, -1},
	}
	for _, tt := range tests {
		if got := tt.a.Compare(tt.b); got != tt.want {
			t.Errorf("%v.Compare(%v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestRevisionComparisons(t *testing.T) {
	r1 := Revision{1, 0}
	r2 := Revision{1, 1}

	if !r1.LessThan(r2) {
		t.Error("r1 should be less than r2")
	}
	if !r2.GreaterThan(r1) {
		t.Error("r2 should be greater than r1")
	}
	if !r1.LessThanOrEqual(r1) {
		t.Error("r1 should be less than or equal to itself")
	}
	if r2.LessThanOrEqual(r1) {
		t.Error("r2 should not be less than or equal to r1")
	}
}

func TestRevisionIsZero(t *testing.T) {
	if !Zero.IsZero() {
		t.Error("Zero should be zero")
	}
	if (Revision{0, 1}).IsZero() {
		t.Error("{0, 1} should not be zero")
	}
}

func TestLatestCoversEverySub(t *testing.T) {
	at := latest(3)
	if at.Main != 3 || at.Sub != math.MaxInt64 {
		t.Fatalf("latest(3) = %v", at)
	}
	if !(Revision{3, 1 << 40}).LessThanOrEqual(at) {
		t.Error("any sub of main 3 should be visible at latest(3)")
	}
	if (Revision{4, 0}).LessThanOrEqual(at) {
		t.Error("main 4 should not be visible at latest(3)")
	}
}

func TestRevisionString(t *testing.T) {
	if got := (Revision{5, 2}).String(); got != "{main: 5, sub: 2}" {
		t.Errorf("String() = %q", got)
	}
}
