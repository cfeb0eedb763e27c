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

import "errors"

var (
	// ErrCompacted is returned when the requested revision has been compacted.
	ErrCompacted = errors.New("mvcc: required revision has been compacted")

	// ErrFutureRevision is returned when the requested revision is greater than current.
	ErrFutureRevision = errors.New("mvcc: required revision is a future revision")

	// ErrEmptyKey is returned when an empty key is provided.
	ErrEmptyKey = errors.New("mvcc: empty key is not allowed")

	// ErrInvalidRange is returned when range_end sorts before key.
	ErrInvalidRange = errors.New("mvcc: range end must be greater than key")

	// ErrTooManyOps is returned when a transaction exceeds the operation limit.
	ErrTooManyOps = errors.New("mvcc: too many operations in txn request")

	// ErrValueTooLarge is returned when a value exceeds the configured size limit.
	ErrValueTooLarge = errors.New("mvcc: value is too large")

	// ErrLeaseNotFound is returned when a put references a lease the tracker does not know.
	ErrLeaseNotFound = errors.New("mvcc: lease not found")

	// ErrCorrupted is returned for every write once a failed apply could not be rolled back.
	ErrCorrupted = errors.New("mvcc: store is corrupted, writes are refused until recovery")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("mvcc: store is closed")
)
