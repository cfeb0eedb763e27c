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

package log

import (
	"time"

	"go.etcd.io/etcd/client/pkg/v3/types"
	"go.uber.org/zap"
)

// Generic field constructors

func String(key, val string) zap.Field                 { return zap.String(key, val) }
func Int64(key string, val int64) zap.Field            { return zap.Int64(key, val) }
func Int(key string, val int) zap.Field                { return zap.Int(key, val) }
func Uint64(key string, val uint64) zap.Field          { return zap.Uint64(key, val) }
func Bool(key string, val bool) zap.Field              { return zap.Bool(key, val) }
func Duration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
func Err(err error) zap.Field                          { return zap.Error(err) }
func Any(key string, val interface{}) zap.Field        { return zap.Any(key, val) }

// Store fields

// Key logs a key as bytes.
func Key(key []byte) zap.Field {
	return zap.ByteString("key", key)
}

// Value logs small values inline and only the size of large ones.
func Value(value []byte) zap.Field {
	if len(value) > 1024 {
		return zap.Int("value_size", len(value))
	}
	return zap.ByteString("value", value)
}

// Revision is a global index.
func Revision(rev int64) zap.Field {
	return zap.Int64("revision", rev)
}

// CompactRevision is the compaction floor.
func CompactRevision(rev int64) zap.Field {
	return zap.Int64("compact_revision", rev)
}

func LeaseID(id int64) zap.Field {
	return zap.Int64("lease_id", id)
}

func TTL(ttl int64) zap.Field {
	return zap.Int64("ttl", ttl)
}

func WatchID(id int64) zap.Field {
	return zap.Int64("watch_id", id)
}

// MemberID and ClusterID are rendered in hex, as etcd tooling prints them.
func MemberID(id uint64) zap.Field {
	return zap.String("member_id", hexID(id))
}

func ClusterID(id uint64) zap.Field {
	return zap.String("cluster_id", hexID(id))
}

// Server fields

func Method(method string) zap.Field {
	return zap.String("method", method)
}

func RemoteAddr(addr string) zap.Field {
	return zap.String("remote_addr", addr)
}

func Component(name string) zap.Field {
	return zap.String("component", name)
}

func Phase(phase string) zap.Field {
	return zap.String("phase", phase)
}

func Count(count int64) zap.Field {
	return zap.Int64("count", count)
}

func Goroutine(name string) zap.Field {
	return zap.String("goroutine", name)
}

func hexID(id uint64) string {
	return types.ID(id).String()
}
