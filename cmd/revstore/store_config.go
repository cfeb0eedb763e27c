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

package main

import (
	"revStore/internal/kvstore"
	"revStore/internal/lease"
	"revStore/internal/mvcc"
	"revStore/internal/watch"
	"revStore/pkg/config"
)

// storeConfig maps the server configuration onto the store components.
func storeConfig(cfg *config.Config) kvstore.Config {
	s := cfg.Server
	return kvstore.Config{
		Store: mvcc.StoreConfig{
			MaxTxnOps:    s.Limits.MaxTxnOps,
			MaxValueSize: s.Limits.MaxValueSize,
		},
		Lease: lease.Config{
			MinTTL:        s.Lease.MinTTL,
			MaxTTL:        s.Lease.MaxTTL,
			CheckInterval: s.Lease.CheckInterval,
		},
		Watch: watch.Config{
			MaxPending:       s.Watch.MaxPendingEvents,
			ChanSize:         s.Watch.ChanSize,
			ProgressInterval: s.Watch.ProgressInterval,
			SyncInterval:     s.Watch.SyncInterval,
		},
		Compactor: mvcc.CompactorConfig{
			Enable:        s.Compaction.Enable,
			Mode:          mvcc.CompactionMode(s.Compaction.Mode),
			Retention:     s.Compaction.Retention,
			Period:        s.Compaction.Period,
			CheckInterval: s.Compaction.CheckInterval,
		},
	}
}
