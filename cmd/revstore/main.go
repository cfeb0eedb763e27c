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
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"revStore/api/etcd"
	"revStore/internal/kvstore"
	"revStore/pkg/config"
	"revStore/pkg/log"
	"revStore/pkg/metrics"
	"revStore/pkg/reliability"
)

func main() {
	configPath := flag.String("config", "", "path to the yaml configuration file")
	clusterID := flag.Uint64("cluster-id", 1, "cluster ID reported in response headers")
	memberID := flag.Uint64("member-id", 1, "member ID reported in response headers")
	listenAddr := flag.String("listen", ":2379", "gRPC listen address for the etcd API")
	flag.Parse()

	cfg, err := config.LoadConfigOrDefault(*configPath, *clusterID, *memberID, *listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	// Flags given explicitly win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "cluster-id":
			cfg.Server.ClusterID = *clusterID
		case "member-id":
			cfg.Server.MemberID = *memberID
		case "listen":
			cfg.Server.ListenAddress = *listenAddr
		}
	})

	logger, err := log.InitFromConfig(&cfg.Server.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger.Zap()); err != nil {
		logger.Error("revstore exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	reliability.SetPanicHandler(func(name string, v interface{}, stack []byte) {
		m.RecordPanicRecovered(name)
		logger.Error("recovered panic",
			log.Goroutine(name),
			zap.Any("panic", v),
			zap.ByteString("stack", stack))
	})

	store := kvstore.New(storeConfig(cfg), logger,
		kvstore.WithCluster(kvstore.StaticCluster{
			Cluster: cfg.Server.ClusterID,
			Member:  cfg.Server.MemberID,
			Term:    cfg.Server.RaftTerm,
		}),
		kvstore.WithMetrics(m))
	store.Start()

	srv, err := etcd.NewServer(etcd.ServerConfig{
		Store:   store,
		Config:  cfg,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		store.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gs := reliability.NewGracefulShutdown(cfg.Server.Reliability.ShutdownTimeout)
	srv.RegisterShutdownHooks(gs)
	gs.RegisterHook(reliability.PhaseStopBackground, func(context.Context) error {
		cancel()
		return store.Close()
	})

	if cfg.Server.Reliability.EnableHealthCheck {
		reliability.SafeGo("health-refresh", func() {
			srv.Health().Run(ctx, 5*time.Second)
		})
	}

	if cfg.Server.Monitoring.EnablePrometheus {
		addr := fmt.Sprintf(":%d", cfg.Server.Monitoring.PrometheusPort)
		ms := metrics.NewMetricsServer(addr, registry, func() error {
			if store.Corrupted() {
				return errors.New("store corrupted")
			}
			return nil
		}, logger)
		reliability.SafeGo("metrics-server", func() {
			if err := ms.Start(); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		})
		gs.RegisterHook(reliability.PhaseCloseResources, ms.Shutdown)
	}

	serveErr := make(chan error, 1)
	reliability.SafeGo("grpc-serve", func() {
		serveErr <- srv.Serve()
	})

	waitDone := make(chan struct{})
	reliability.SafeGo("shutdown-wait", func() {
		gs.Wait()
		close(waitDone)
	})

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
		shutdownErr := gs.Shutdown()
		<-waitDone
		return errors.Join(err, shutdownErr)
	case <-waitDone:
		logger.Info("revstore stopped")
		return nil
	}
}
