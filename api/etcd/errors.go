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

package etcd

import (
	"errors"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"revStore/internal/kvstore"
	"revStore/internal/lease"
	"revStore/internal/mvcc"
)

var (
	errRangedCompare  = status.Error(codes.InvalidArgument, "revstore: compare on a key range is not supported")
	errNestedTxn      = status.Error(codes.InvalidArgument, "revstore: nested transactions are not supported")
	errIgnoreFlags    = status.Error(codes.InvalidArgument, "revstore: ignore_value and ignore_lease are not supported")
	errEmptyOp        = status.Error(codes.InvalidArgument, "revstore: empty request operation")
	errUnknownCompare = status.Error(codes.InvalidArgument, "revstore: unknown compare target or result")
	errShuttingDown   = status.Error(codes.Unavailable, "revstore: server is shutting down")
)

// grpcErrorMap maps store errors to the errors etcd clients recognize.
var grpcErrorMap = map[error]error{
	mvcc.ErrEmptyKey:       rpctypes.ErrGRPCEmptyKey,
	mvcc.ErrTooManyOps:     rpctypes.ErrGRPCTooManyOps,
	mvcc.ErrValueTooLarge:  rpctypes.ErrGRPCRequestTooLarge,
	mvcc.ErrCompacted:      rpctypes.ErrGRPCCompacted,
	mvcc.ErrFutureRevision: rpctypes.ErrGRPCFutureRev,
	mvcc.ErrLeaseNotFound:  rpctypes.ErrGRPCLeaseNotFound,
	mvcc.ErrCorrupted:      rpctypes.ErrGRPCCorrupt,
	lease.ErrLeaseNotFound: rpctypes.ErrGRPCLeaseNotFound,
	lease.ErrLeaseExists:   rpctypes.ErrGRPCLeaseExist,
}

var codeMap = map[kvstore.Code]codes.Code{
	kvstore.CodeInvalidArgument:    codes.InvalidArgument,
	kvstore.CodeNotFound:           codes.NotFound,
	kvstore.CodeFailedPrecondition: codes.FailedPrecondition,
	kvstore.CodeAlreadyCompacted:   codes.OutOfRange,
	kvstore.CodeResourceExhausted:  codes.ResourceExhausted,
	kvstore.CodeInternal:           codes.Internal,
}

// toGRPCError converts a store error to a gRPC status error.
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for known, grpcErr := range grpcErrorMap {
		if errors.Is(err, known) {
			return grpcErr
		}
	}
	code, ok := codeMap[kvstore.CodeOf(err)]
	if !ok {
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
