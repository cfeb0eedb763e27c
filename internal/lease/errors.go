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

package lease

import "errors"

var (
	// ErrLeaseNotFound is returned for an unknown, revoked or expired lease.
	ErrLeaseNotFound = errors.New("lease: lease not found")

	// ErrLeaseExists is returned when a caller-chosen id is already granted.
	ErrLeaseExists = errors.New("lease: lease already exists")

	// ErrInvalidLeaseID is returned for a negative lease id.
	ErrInvalidLeaseID = errors.New("lease: invalid lease id")

	// ErrLessorClosed is returned once the lessor has been stopped.
	ErrLessorClosed = errors.New("lease: lessor closed")
)
