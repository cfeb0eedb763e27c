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

// isUnbounded reports whether end is the "\x00" marker meaning every key
// greater than or equal to the start key.
func isUnbounded(end []byte) bool {
	return len(end) == 1 && end[0] == 0
}

// ValidateRange checks a [key, end) pair. An empty end selects key alone.
func ValidateRange(key, end []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(end) == 0 || isUnbounded(end) {
		return nil
	}
	if bytes.Compare(end, key) < 0 {
		return ErrInvalidRange
	}
	return nil
}

// InRange reports whether k falls in the range selected by key and end.
// An empty end selects key alone and "\x00" selects every key >= key.
func InRange(k, key, end []byte) bool {
	if len(end) == 0 {
		return bytes.Equal(k, key)
	}
	if bytes.Compare(k, key) < 0 {
		return false
	}
	return isUnbounded(end) || bytes.Compare(k, end) < 0
}
