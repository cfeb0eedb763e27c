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

package kvstore

import (
	"errors"

	"revStore/internal/lease"
	"revStore/internal/mvcc"
	"revStore/internal/watch"
)

// Code classifies every error the store returns.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidArgument
	CodeNotFound
	CodeFailedPrecondition
	CodeAlreadyCompacted
	CodeResourceExhausted
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeNotFound:
		return "NotFound"
	case CodeFailedPrecondition:
		return "FailedPrecondition"
	case CodeAlreadyCompacted:
		return "AlreadyCompacted"
	case CodeResourceExhausted:
		return "ResourceExhausted"
	default:
		return "Internal"
	}
}

// ErrInvalidToken is returned for a consistent token that cannot be parsed or
// that disagrees with an explicit revision.
var ErrInvalidToken = errors.New("kvstore: invalid consistent token")

// errorCodeMap maps sentinel errors to their class.
var errorCodeMap = map[error]Code{
	mvcc.ErrEmptyKey:              CodeInvalidArgument,
	mvcc.ErrInvalidRange:          CodeInvalidArgument,
	ErrInvalidToken:               CodeInvalidArgument,
	lease.ErrInvalidLeaseID:       CodeInvalidArgument,
	watch.ErrInvalidRevisionRange: CodeInvalidArgument,

	mvcc.ErrFutureRevision: CodeNotFound,
	mvcc.ErrLeaseNotFound:  CodeNotFound,
	lease.ErrLeaseNotFound: CodeNotFound,

	lease.ErrLeaseExists:  CodeFailedPrecondition,
	lease.ErrLessorClosed: CodeFailedPrecondition,
	mvcc.ErrClosed:        CodeFailedPrecondition,
	watch.ErrRouterClosed: CodeFailedPrecondition,

	mvcc.ErrCompacted: CodeAlreadyCompacted,

	mvcc.ErrTooManyOps:    CodeResourceExhausted,
	mvcc.ErrValueTooLarge: CodeResourceExhausted,
	watch.ErrSlowConsumer: CodeResourceExhausted,
}

// CodeOf returns the class of err. Unknown errors, including corruption and
// failed applies, are Internal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for known, code := range errorCodeMap {
		if errors.Is(err, known) {
			return code
		}
	}
	return CodeInternal
}
