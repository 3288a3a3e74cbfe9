// VersionStore gRPC Server
// Serves schema-defined document collections with optimistic concurrency
// and an append-only snapshot history per versioned collection
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nainya/versionstore/internal/config"
	"github.com/nainya/versionstore/internal/logger"
	"github.com/nainya/versionstore/internal/metrics"
	"github.com/nainya/versionstore/internal/server"
	"github.com/nainya/versionstore/pkg/document"
	"github.com/nainya/versionstore/pkg/storage"
	"github.com/nainya/versionstore/pkg/versioning"
)

var envFile = flag.String("env", ".env", "Optional dotenv file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "versionstore: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.InitGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server failed").Err(err).Send()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.LogServerStart(cfg.GRPCPort, cfg.StorePath())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	kv := &storage.KV{
		Path:               cfg.StorePath(),
		CheckpointInterval: cfg.CheckpointInterval,
		Logger:             log.StorageLogger(),
	}
	if kv.Path != "" {
		if err := os.MkdirAll(filepath.Dir(kv.Path), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	if err := kv.Open(); err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	db := document.NewDB(kv)
	db.SetLogger(log.DbLogger())
	db.SetRecorder(m)

	schemas, err := config.LoadSchemaFile(cfg.SchemaFile)
	if err != nil {
		kv.Close()
		return err
	}
	versioned, err := schemas.Register(db, func(name string) []versioning.Option {
		return []versioning.Option{
			versioning.WithLogger(log.VersioningLogger(name)),
			versioning.WithRecorder(m),
		}
	})
	if err != nil {
		kv.Close()
		return fmt.Errorf("register collections: %w", err)
	}
	m.UpdateDbStats(kv.Len())

	srv := server.NewServer(kv, db, versioned, m, log)
	defer srv.Close()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log)),
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.MaxSendMsgSize(16*1024*1024),
	)
	server.RegisterVersionStoreServer(grpcServer, srv)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	var ready atomic.Bool
	obs := server.NewObservabilityServer(cfg.MetricsPort, reg, ready.Load, log)
	go func() {
		if err := obs.Start(); err != nil {
			log.Error("observability server failed").Err(err).Send()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.LogServerShutdown()
		ready.Store(false)
		healthServer.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := obs.Shutdown(ctx); err != nil {
			log.Warn("observability shutdown").Err(err).Send()
		}
		grpcServer.GracefulStop()
	}()

	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)
	ready.Store(true)
	log.LogServerReady(cfg.GRPCPort)

	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
