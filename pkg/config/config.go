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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config unified configuration structure
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig server configuration
type ServerConfig struct {
	// Identity reported in every response header
	ClusterID     uint64 `yaml:"cluster_id"`
	MemberID      uint64 `yaml:"member_id"`
	RaftTerm      uint64 `yaml:"raft_term"`
	ListenAddress string `yaml:"listen_address"`

	GRPC        GRPCConfig        `yaml:"grpc"`
	Limits      LimitsConfig      `yaml:"limits"`
	Lease       LeaseConfig       `yaml:"lease"`
	Watch       WatchConfig       `yaml:"watch"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Log         LogConfig         `yaml:"log"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GRPCConfig gRPC configuration
type GRPCConfig struct {
	MaxRecvMsgSize       int    `yaml:"max_recv_msg_size"`      // Default 4MB
	MaxSendMsgSize       int    `yaml:"max_send_msg_size"`      // Default 4MB
	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams"` // Default 2048

	InitialWindowSize     int32 `yaml:"initial_window_size"`      // Default 8MB
	InitialConnWindowSize int32 `yaml:"initial_conn_window_size"` // Default 16MB

	KeepaliveTime         time.Duration `yaml:"keepalive_time"`           // Default 10s
	KeepaliveTimeout      time.Duration `yaml:"keepalive_timeout"`        // Default 10s
	MaxConnectionIdle     time.Duration `yaml:"max_connection_idle"`      // Default 5m
	MaxConnectionAge      time.Duration `yaml:"max_connection_age"`       // Default 10m
	MaxConnectionAgeGrace time.Duration `yaml:"max_connection_age_grace"` // Default 10s

	EnableRateLimit bool `yaml:"enable_rate_limit"` // Default false
	RateLimitQPS    int  `yaml:"rate_limit_qps"`
	RateLimitBurst  int  `yaml:"rate_limit_burst"`
}

// LimitsConfig resource limits configuration
type LimitsConfig struct {
	MaxConnections int `yaml:"max_connections"` // Default 1000
	MaxTxnOps      int `yaml:"max_txn_ops"`     // Default 128
	MaxValueSize   int `yaml:"max_value_size"`  // Default 1.5MB
}

// LeaseConfig lease configuration
type LeaseConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"` // Default 500ms
	MinTTL        int64         `yaml:"min_ttl"`        // Default 1s
	MaxTTL        int64         `yaml:"max_ttl"`        // Default 2^31-1
}

// WatchConfig watch configuration
type WatchConfig struct {
	ProgressInterval time.Duration `yaml:"progress_interval"` // Default 10m
	SyncInterval     time.Duration `yaml:"sync_interval"`     // Default 100ms
	MaxPendingEvents int           `yaml:"max_pending_events"`
	ChanSize         int           `yaml:"chan_size"` // Default 128
}

// CompactionConfig auto compaction configuration
type CompactionConfig struct {
	Enable        bool          `yaml:"enable"`
	Mode          string        `yaml:"mode"`      // revision or periodic
	Retention     int64         `yaml:"retention"` // Revision mode, default 1000
	Period        time.Duration `yaml:"period"`    // Periodic mode, default 1h
	CheckInterval time.Duration `yaml:"check_interval"`
}

// ReliabilityConfig reliability configuration
type ReliabilityConfig struct {
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`      // Default 30s
	DrainTimeout        time.Duration `yaml:"drain_timeout"`         // Default 5s
	EnableHealthCheck   bool          `yaml:"enable_health_check"`   // Default true
	EnablePanicRecovery bool          `yaml:"enable_panic_recovery"` // Default true
}

// LogConfig log configuration
type LogConfig struct {
	Level            string   `yaml:"level"`    // Default info
	Encoding         string   `yaml:"encoding"` // Default json
	OutputPaths      []string `yaml:"output_paths"`
	ErrorOutputPaths []string `yaml:"error_output_paths"`

	// Rotation of file outputs; stdout and stderr are never rotated
	MaxSizeMB  int  `yaml:"max_size_mb"` // Default 100
	MaxBackups int  `yaml:"max_backups"` // Default 10
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// MonitoringConfig monitoring configuration
type MonitoringConfig struct {
	EnablePrometheus     bool          `yaml:"enable_prometheus"`      // Default true
	PrometheusPort       int           `yaml:"prometheus_port"`        // Default 9090
	SlowRequestThreshold time.Duration `yaml:"slow_request_threshold"` // Default 100ms
}

// DefaultConfig returns a configuration with recommended default values
func DefaultConfig(clusterID, memberID uint64, listenAddress string) *Config {
	cfg := &Config{
		Server: ServerConfig{
			ClusterID:     clusterID,
			MemberID:      memberID,
			ListenAddress: listenAddress,
			Compaction:    CompactionConfig{Enable: true},
			Reliability: ReliabilityConfig{
				EnableHealthCheck:   true,
				EnablePanicRecovery: true,
			},
			Monitoring: MonitoringConfig{EnablePrometheus: true},
		},
	}
	cfg.SetDefaults()
	return cfg
}

// LoadConfig loads configuration from a file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and the environment, and
// validates the result. Switches missing from the document keep their
// defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig(0, 0, "")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	cfg.OverrideFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfigOrDefault attempts to load configuration from file, uses defaults if file doesn't exist
func LoadConfigOrDefault(path string, clusterID, memberID uint64, listenAddress string) (*Config, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return Parse(data)
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig(clusterID, memberID, listenAddress)
	cfg.OverrideFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SetDefaults fills zero values. Boolean switches are left as decoded.
func (c *Config) SetDefaults() {
	s := &c.Server
	if s.ListenAddress == "" {
		s.ListenAddress = ":2379"
	}

	// gRPC defaults (etcd, gRPC official, TiKV)
	if s.GRPC.MaxRecvMsgSize == 0 {
		s.GRPC.MaxRecvMsgSize = 4 * 1024 * 1024
	}
	if s.GRPC.MaxSendMsgSize == 0 {
		s.GRPC.MaxSendMsgSize = 4 * 1024 * 1024
	}
	if s.GRPC.MaxConcurrentStreams == 0 {
		s.GRPC.MaxConcurrentStreams = 2048
	}
	if s.GRPC.InitialWindowSize == 0 {
		s.GRPC.InitialWindowSize = 8 * 1024 * 1024
	}
	if s.GRPC.InitialConnWindowSize == 0 {
		s.GRPC.InitialConnWindowSize = 16 * 1024 * 1024
	}
	if s.GRPC.KeepaliveTime == 0 {
		s.GRPC.KeepaliveTime = 10 * time.Second
	}
	if s.GRPC.KeepaliveTimeout == 0 {
		s.GRPC.KeepaliveTimeout = 10 * time.Second
	}
	if s.GRPC.MaxConnectionIdle == 0 {
		s.GRPC.MaxConnectionIdle = 5 * time.Minute
	}
	if s.GRPC.MaxConnectionAge == 0 {
		s.GRPC.MaxConnectionAge = 10 * time.Minute
	}
	if s.GRPC.MaxConnectionAgeGrace == 0 {
		s.GRPC.MaxConnectionAgeGrace = 10 * time.Second
	}

	if s.Limits.MaxConnections == 0 {
		s.Limits.MaxConnections = 1000
	}
	if s.Limits.MaxTxnOps == 0 {
		s.Limits.MaxTxnOps = 128
	}
	if s.Limits.MaxValueSize == 0 {
		s.Limits.MaxValueSize = 1572864 // 1.5MB
	}

	if s.Lease.CheckInterval == 0 {
		s.Lease.CheckInterval = 500 * time.Millisecond
	}
	if s.Lease.MinTTL == 0 {
		s.Lease.MinTTL = 1
	}
	if s.Lease.MaxTTL == 0 {
		s.Lease.MaxTTL = 1<<31 - 1
	}

	if s.Watch.ProgressInterval == 0 {
		s.Watch.ProgressInterval = 10 * time.Minute
	}
	if s.Watch.SyncInterval == 0 {
		s.Watch.SyncInterval = 100 * time.Millisecond
	}
	if s.Watch.MaxPendingEvents == 0 {
		s.Watch.MaxPendingEvents = 10000
	}
	if s.Watch.ChanSize == 0 {
		s.Watch.ChanSize = 128
	}

	if s.Compaction.Mode == "" {
		s.Compaction.Mode = "revision"
	}
	if s.Compaction.Retention == 0 {
		s.Compaction.Retention = 1000
	}
	if s.Compaction.Period == 0 {
		s.Compaction.Period = time.Hour
	}
	if s.Compaction.CheckInterval == 0 {
		s.Compaction.CheckInterval = time.Minute
	}

	if s.Reliability.ShutdownTimeout == 0 {
		s.Reliability.ShutdownTimeout = 30 * time.Second
	}
	if s.Reliability.DrainTimeout == 0 {
		s.Reliability.DrainTimeout = 5 * time.Second
	}

	if s.Log.Level == "" {
		s.Log.Level = "info"
	}
	if s.Log.Encoding == "" {
		s.Log.Encoding = "json"
	}
	if len(s.Log.OutputPaths) == 0 {
		s.Log.OutputPaths = []string{"stdout"}
	}
	if len(s.Log.ErrorOutputPaths) == 0 {
		s.Log.ErrorOutputPaths = []string{"stderr"}
	}
	if s.Log.MaxSizeMB == 0 {
		s.Log.MaxSizeMB = 100
	}
	if s.Log.MaxBackups == 0 {
		s.Log.MaxBackups = 10
	}
	if s.Log.MaxAgeDays == 0 {
		s.Log.MaxAgeDays = 7
	}

	if s.Monitoring.PrometheusPort == 0 {
		s.Monitoring.PrometheusPort = 9090
	}
	if s.Monitoring.SlowRequestThreshold == 0 {
		s.Monitoring.SlowRequestThreshold = 100 * time.Millisecond
	}
}

// OverrideFromEnv overrides configuration from REVSTORE_* environment variables
func (c *Config) OverrideFromEnv() {
	if v := os.Getenv("REVSTORE_CLUSTER_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Server.ClusterID = id
		}
	}
	if v := os.Getenv("REVSTORE_MEMBER_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Server.MemberID = id
		}
	}
	if v := os.Getenv("REVSTORE_LISTEN_ADDRESS"); v != "" {
		c.Server.ListenAddress = v
	}
	if v := os.Getenv("REVSTORE_LOG_LEVEL"); v != "" {
		c.Server.Log.Level = v
	}
	if v := os.Getenv("REVSTORE_LOG_ENCODING"); v != "" {
		c.Server.Log.Encoding = v
	}
	if v := os.Getenv("REVSTORE_COMPACTION_RETENTION"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Server.Compaction.Retention = n
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	s := &c.Server
	if s.ClusterID == 0 {
		return fmt.Errorf("cluster_id is required and must be non-zero")
	}
	if s.MemberID == 0 {
		return fmt.Errorf("member_id is required and must be non-zero")
	}
	if s.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}

	if s.GRPC.MaxRecvMsgSize < 0 {
		return fmt.Errorf("grpc.max_recv_msg_size must be >= 0")
	}
	if s.GRPC.MaxSendMsgSize < 0 {
		return fmt.Errorf("grpc.max_send_msg_size must be >= 0")
	}
	if s.GRPC.EnableRateLimit && s.GRPC.RateLimitQPS <= 0 {
		return fmt.Errorf("grpc.rate_limit_qps must be > 0 when rate limiting is enabled")
	}

	if s.Limits.MaxConnections <= 0 {
		return fmt.Errorf("limits.max_connections must be > 0")
	}
	if s.Limits.MaxTxnOps < 0 {
		return fmt.Errorf("limits.max_txn_ops must be >= 0")
	}
	if s.Limits.MaxValueSize < 0 {
		return fmt.Errorf("limits.max_value_size must be >= 0")
	}

	if s.Lease.CheckInterval <= 0 {
		return fmt.Errorf("lease.check_interval must be > 0")
	}
	if s.Lease.MinTTL <= 0 {
		return fmt.Errorf("lease.min_ttl must be > 0")
	}
	if s.Lease.MaxTTL < s.Lease.MinTTL {
		return fmt.Errorf("lease.max_ttl must be >= lease.min_ttl")
	}

	if s.Watch.MaxPendingEvents < 0 {
		return fmt.Errorf("watch.max_pending_events must be >= 0")
	}
	if s.Watch.ChanSize <= 0 {
		return fmt.Errorf("watch.chan_size must be > 0")
	}

	switch s.Compaction.Mode {
	case "revision":
		if s.Compaction.Retention <= 0 {
			return fmt.Errorf("compaction.retention must be > 0")
		}
	case "periodic":
		if s.Compaction.Period <= 0 {
			return fmt.Errorf("compaction.period must be > 0")
		}
	default:
		return fmt.Errorf("compaction.mode must be either 'revision' or 'periodic'")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"error": true, "dpanic": true, "panic": true, "fatal": true,
	}
	if !validLogLevels[s.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error, dpanic, panic, fatal")
	}
	if s.Log.Encoding != "json" && s.Log.Encoding != "console" {
		return fmt.Errorf("log.encoding must be either 'json' or 'console'")
	}

	return nil
}
