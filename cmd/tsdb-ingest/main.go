package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/tsdb-ingest/internal/cluster"
	"github.com/route-beacon/tsdb-ingest/internal/config"
	"github.com/route-beacon/tsdb-ingest/internal/db"
	"github.com/route-beacon/tsdb-ingest/internal/dispatch"
	"github.com/route-beacon/tsdb-ingest/internal/errbus"
	tsdbhttp "github.com/route-beacon/tsdb-ingest/internal/http"
	"github.com/route-beacon/tsdb-ingest/internal/maintenance"
	"github.com/route-beacon/tsdb-ingest/internal/metrics"
	"github.com/route-beacon/tsdb-ingest/internal/replica"
	"github.com/route-beacon/tsdb-ingest/internal/storage"
	"github.com/route-beacon/tsdb-ingest/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: tsdb-ingest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the ingestion service")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run shard partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// poolTopics maps a pool id to its insert/ack topic pair, derived from the
// configured prefixes. Both topics in the pair belong to poolID itself:
// topics(X).AckTopic is the topic X listens on for its own acks, whoever is
// asking. A peer transport sends an insert to topics(dest).InsertTopic and,
// once it has applied it, acks back to topics(pkt.SourcePool).AckTopic.
func poolTopics(cfg *config.Config) transport.PoolTopics {
	return func(poolID int) transport.TopicSet {
		return transport.TopicSet{
			InsertTopic: cfg.Kafka.Peers.InsertTopicPrefix + strconv.Itoa(poolID),
			AckTopic:    cfg.Kafka.Peers.AckTopicPrefix + strconv.Itoa(poolID),
		}
	}
}

func snapshotFromConfig(cfg *config.Config) cluster.Snapshot {
	lookup := cluster.NewXXHashLookup(cfg.Cluster.PoolCount)
	var prevLookup cluster.HashFn
	if cfg.Cluster.Reindexing {
		prevLookup = cluster.NewXXHashLookup(cfg.Cluster.PrevPoolCount)
	}
	return cluster.Snapshot{
		PoolCount:  cfg.Cluster.PoolCount,
		OwnPoolID:  cfg.Cluster.OwnPoolID,
		Lookup:     lookup,
		PrevLookup: prevLookup,
		Reindexing: cfg.Cluster.Reindexing,
		HasReplica: cfg.Replica.Enabled,
	}
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting tsdb-ingest",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Int("own_pool_id", cfg.Cluster.OwnPoolID),
		zap.Int("pool_count", cfg.Cluster.PoolCount),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database.
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	// Ensure today's and tomorrow's shard partitions exist on startup.
	pm := maintenance.NewPartitionManager(pool, cfg.Storage.Table, cfg.Storage.ShardRetainDays, "UTC", logger.Named("maintenance"))
	if err := pm.CreatePartitions(ctx); err != nil {
		logger.Fatal("failed to create partitions on startup", zap.Error(err))
	}

	engine, err := storage.NewEngine(pool, cfg.Storage.Table, cfg.Storage.CompressRaw, logger.Named("storage"))
	if err != nil {
		logger.Fatal("failed to construct storage engine", zap.Error(err))
	}

	bus := errbus.New()

	// Build TLS and SASL from config.
	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	peerTransport, err := transport.NewPeerTransport(
		cfg.Kafka.Brokers, cfg.Kafka.Peers.GroupID, cfg.Kafka.ClientID+"-peers",
		cfg.Cluster.OwnPoolID, tlsCfg, saslMech, logger.Named("transport"), poolTopics(cfg),
	)
	if err != nil {
		logger.Fatal("failed to create peer transport", zap.Error(err))
	}
	defer peerTransport.Close()

	var rep *replica.Replica
	if cfg.Replica.Enabled {
		rep, err = replica.New(cfg.Kafka.Brokers, cfg.Replica.ClientID, cfg.Replica.Topic, tlsCfg, saslMech, logger.Named("replica"))
		if err != nil {
			logger.Fatal("failed to create replica forwarder", zap.Error(err))
		}
		defer rep.Close()
	}

	snap := snapshotFromConfig(cfg)

	// dispatcher is the fan-out entry point for a decoded insert job
	// (internal/job.New followed by internal/ingest.Assign), and also the
	// receiving half of that same fan-out: peerTransport.SetApplier below
	// hands it every insert packet that arrives on this pool's own insert
	// topic. The client socket/packet layer that would call
	// dispatcher.Dispatch per client request is outside this core's scope
	// (see internal/job.ClientHandle); the dispatcher is constructed here
	// so every other collaborator it depends on is wired and ready the
	// moment that layer exists.
	dispatcher := &dispatch.Dispatcher{
		NodeName:  cfg.Service.InstanceID,
		Transport: peerTransport,
		Replica:   rep,
		Engine:    engine,
		Bus:       bus,
		Identity:  nil, // single-server-per-pool topology; no ownership map to consult
		Snapshot:  func() cluster.Snapshot { return snap },
		Logger:    logger.Named("dispatch"),
	}
	peerTransport.SetApplier(dispatcher)

	done := make(chan struct{})
	go func() {
		defer close(done)
		peerTransport.Run(ctx)
	}()

	// --- HTTP server ---
	var replicaStatus tsdbhttp.ReplicaStatus
	if rep != nil {
		replicaStatus = rep
	}
	httpServer := tsdbhttp.NewServer(cfg.Service.HTTPListen, pool, peerTransport, replicaStatus, bus, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("peer transport and HTTP server started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel context to stop the peer transport's poll loop.
	cancel()

	select {
	case <-done:
		logger.Info("peer transport stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, peer transport may not have finished")
	}

	logger.Info("tsdb-ingest stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.String("table", cfg.Storage.Table),
		zap.Int("shard_retain_days", cfg.Storage.ShardRetainDays),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Storage.Table, cfg.Storage.ShardRetainDays, "UTC", logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format: redact password=... portion
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
