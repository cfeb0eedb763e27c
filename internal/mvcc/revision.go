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
	"fmt"
	"math"
)

// Revision identifies one stored version.
// Main is the global index of the committing batch, Sub orders the
// mutations made inside that batch.
type Revision struct {
	Main int64
	Sub  int64
}

// Zero is the zero revision, used as a sentinel value.
var Zero = Revision{}

// latest returns the highest revision that can exist at main.
func latest(main int64) Revision {
	return Revision{Main: main, Sub: math.MaxInt64}
}

// Compare compares two revisions.
// Returns -1 if r < other, 0 if r == other, 1 if r > other.
func (r Revision) Compare(other Revision) int {
	switch {
	case r.Main < other.Main:
		return -1
	case r.Main > other.Main:
		return 1
	case r.Sub < other.Sub:
		return -1
	case r.Sub > other.Sub:
		return 1
	}
	return 0
}

// GreaterThan returns true if r > other.
func (r Revision) GreaterThan(other Revision) bool {
	return r.Compare(other) > 0
}

// LessThan returns true if r < other.
func (r Revision) LessThan(other Revision) bool {
	return r.Compare(other) < 0
}

// LessThanOrEqual returns true if r <= other.
func (r Revision) LessThanOrEqual(other Revision) bool {
	return r.Compare(other) <= 0
}

// IsZero returns true if the revision is zero.
func (r Revision) IsZero() bool {
	return r.Main == 0 && r.Sub == 0
}

func (r Revision) String() string {
	return fmt.Sprintf("{main: %d, sub: %d}", r.Main, r.Sub)
}
