package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	Cluster  ClusterConfig  `koanf:"cluster"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Postgres PostgresConfig `koanf:"postgres"`
	Storage  StorageConfig  `koanf:"storage"`
	Replica  ReplicaConfig  `koanf:"replica"`
	Time     TimeConfig     `koanf:"time"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// ClusterConfig describes this node's place in the pool topology: which
// pool it owns, how many pools exist, and whether a re-index is in flight
// (in which case PrevPoolCount fixes the hash modulus prev_lookup uses).
type ClusterConfig struct {
	OwnPoolID     int  `koanf:"own_pool_id"`
	PoolCount     int  `koanf:"pool_count"`
	Reindexing    bool `koanf:"reindexing"`
	PrevPoolCount int  `koanf:"prev_pool_count"`
}

type KafkaConfig struct {
	Brokers       []string   `koanf:"brokers"`
	ClientID      string     `koanf:"client_id"`
	TLS           TLSConfig  `koanf:"tls"`
	SASL          SASLConfig `koanf:"sasl"`
	Peers         PeerConfig `koanf:"peers"`
	FetchMaxBytes int32      `koanf:"fetch_max_bytes"`
}

// PeerConfig names the consumer group and per-pool topic naming scheme the
// peer transport uses to fan out insert packets and collect ACK_INSERT.
type PeerConfig struct {
	GroupID           string `koanf:"group_id"`
	InsertTopicPrefix string `koanf:"insert_topic_prefix"`
	AckTopicPrefix    string `koanf:"ack_topic_prefix"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// StorageConfig configures the reference storage engine: its shard table
// name and whether raw-typed values are zstd-compressed before the shard
// write.
type StorageConfig struct {
	Table           string `koanf:"table"`
	CompressRaw     bool   `koanf:"compress_raw"`
	ShardRetainDays int    `koanf:"shard_retain_days"`
}

// ReplicaConfig configures the optional replica mirror. Enabled false means
// no replica exists, matching Snapshot.HasReplica = false.
type ReplicaConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Topic    string `koanf:"topic"`
	ClientID string `koanf:"client_id"`
}

// TimeConfig bounds the valid timestamp range the Decoder enforces
// (spec §3, "the database's validity predicate").
type TimeConfig struct {
	Precision  string `koanf:"precision"` // "s", "ms", "us", or "ns"
	MinSeconds int64  `koanf:"min_seconds"`
	MaxSeconds int64  `koanf:"max_seconds"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: TSDB_INGEST_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("TSDB_INGEST_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "TSDB_INGEST_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "tsdb-ingest-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Cluster: ClusterConfig{
			OwnPoolID: 0,
			PoolCount: 1,
		},
		Kafka: KafkaConfig{
			ClientID:      "tsdb-ingest",
			FetchMaxBytes: 52428800,
			Peers: PeerConfig{
				GroupID:           "tsdb-ingest-peers",
				InsertTopicPrefix: "tsdb-insert-pool-",
				AckTopicPrefix:    "tsdb-ack-pool-",
			},
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Storage: StorageConfig{
			Table:           "points",
			CompressRaw:     true,
			ShardRetainDays: 30,
		},
		Replica: ReplicaConfig{
			ClientID: "tsdb-ingest-replica",
		},
		Time: TimeConfig{
			Precision:  "ms",
			MinSeconds: 0,
			MaxSeconds: 4102444800, // 2100-01-01
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Cluster.PoolCount <= 0 {
		return fmt.Errorf("config: cluster.pool_count must be > 0 (got %d)", c.Cluster.PoolCount)
	}
	if c.Cluster.OwnPoolID < 0 || c.Cluster.OwnPoolID >= c.Cluster.PoolCount {
		return fmt.Errorf("config: cluster.own_pool_id %d out of range [0, %d)", c.Cluster.OwnPoolID, c.Cluster.PoolCount)
	}
	if c.Cluster.Reindexing && c.Cluster.PrevPoolCount <= 0 {
		return fmt.Errorf("config: cluster.prev_pool_count is required while cluster.reindexing is true")
	}
	if c.Kafka.Peers.GroupID == "" {
		return fmt.Errorf("config: kafka.peers.group_id is required")
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Storage.Table == "" {
		return fmt.Errorf("config: storage.table is required")
	}
	if c.Storage.ShardRetainDays <= 0 {
		return fmt.Errorf("config: storage.shard_retain_days must be > 0 (got %d)", c.Storage.ShardRetainDays)
	}
	if c.Replica.Enabled && c.Replica.Topic == "" {
		return fmt.Errorf("config: replica.topic is required when replica.enabled is true")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	switch c.Time.Precision {
	case "s", "ms", "us", "ns":
	default:
		return fmt.Errorf("config: time.precision must be one of s, ms, us, ns (got %q)", c.Time.Precision)
	}
	if c.Time.MaxSeconds <= c.Time.MinSeconds {
		return fmt.Errorf("config: time.max_seconds must be greater than time.min_seconds")
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}

// ValidTSFunc builds the Decoder's timestamp validity predicate from the
// configured range (spec §3: "the database's validity predicate").
func (c *TimeConfig) ValidTSFunc() func(ts int64) bool {
	scale := scaleFor(c.Precision)
	min := c.MinSeconds * scale
	max := c.MaxSeconds * scale
	return func(ts int64) bool { return ts >= min && ts <= max }
}

func scaleFor(precision string) int64 {
	switch precision {
	case "s":
		return 1
	case "ms":
		return 1_000
	case "us":
		return 1_000_000
	case "ns":
		return 1_000_000_000
	default:
		return 1
	}
}
