package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Cluster: ClusterConfig{
			OwnPoolID: 0,
			PoolCount: 2,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			FetchMaxBytes: 52428800,
			Peers:         PeerConfig{GroupID: "g1"},
		},
		Postgres: PostgresConfig{
			DSN:      "postgres://localhost/test",
			MaxConns: 10,
			MinConns: 2,
		},
		Storage: StorageConfig{
			Table:           "points",
			ShardRetainDays: 30,
		},
		Time: TimeConfig{
			Precision:  "ms",
			MinSeconds: 0,
			MaxSeconds: 4102444800,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Brokers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty brokers")
	}
}

func TestValidate_NoDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestValidate_NoPeerGroupID(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Peers.GroupID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty peers group_id")
	}
}

func TestValidate_PoolCountZero(t *testing.T) {
	cfg := validConfig()
	cfg.Cluster.PoolCount = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for pool_count = 0")
	}
}

func TestValidate_OwnPoolIDOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Cluster.OwnPoolID = 5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for own_pool_id out of range")
	}
}

func TestValidate_ReindexingWithoutPrevPoolCount(t *testing.T) {
	cfg := validConfig()
	cfg.Cluster.Reindexing = true
	cfg.Cluster.PrevPoolCount = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for reindexing without prev_pool_count")
	}
}

func TestValidate_ReindexingWithPrevPoolCount(t *testing.T) {
	cfg := validConfig()
	cfg.Cluster.Reindexing = true
	cfg.Cluster.PrevPoolCount = 1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_EmptyStorageTable(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Table = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty storage.table")
	}
}

func TestValidate_ShardRetainDaysZero(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.ShardRetainDays = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shard_retain_days = 0")
	}
}

func TestValidate_ReplicaEnabledWithoutTopic(t *testing.T) {
	cfg := validConfig()
	cfg.Replica.Enabled = true
	cfg.Replica.Topic = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for replica enabled without a topic")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func TestValidate_InvalidPrecision(t *testing.T) {
	cfg := validConfig()
	cfg.Time.Precision = "fortnights"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid time.precision")
	}
}

func TestValidate_MaxSecondsNotGreaterThanMin(t *testing.T) {
	cfg := validConfig()
	cfg.Time.MaxSeconds = cfg.Time.MinSeconds
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when time.max_seconds does not exceed time.min_seconds")
	}
}

func TestValidTSFunc_RejectsOutOfRange(t *testing.T) {
	tc := TimeConfig{Precision: "s", MinSeconds: 0, MaxSeconds: 100}
	valid := tc.ValidTSFunc()
	if !valid(50) {
		t.Fatalf("expected 50 to be within [0,100]")
	}
	if valid(200) {
		t.Fatalf("expected 200 to be rejected")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
kafka:
  brokers:
    - "localhost:9092"
  peers:
    group_id: "g1"
cluster:
  pool_count: 1
  own_pool_id: 0
postgres:
  dsn: "postgres://localhost/test"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_EnvOverrideDSN(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("TSDB_INGEST_POSTGRES__DSN", "postgres://envhost/envdb")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://envhost/envdb" {
		t.Errorf("expected DSN from env, got %q", cfg.Postgres.DSN)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("TSDB_INGEST_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvEmptyGroupIDFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("TSDB_INGEST_KAFKA__PEERS__GROUP_ID", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty peers group_id via env")
	}
}
