package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ShardBackendSQLite = "sqlite"
	ShardBackendDynamo = "dynamo"

	ScannerModeStandalone = "standalone"
	ScannerModeDelegator  = "delegator"
	ScannerModeWorker     = "worker"
)

type Config struct {
	RPCURLs      []string
	RPCRateLimit float64
	ChainID      uint64
	ChainKind    string

	DBDSN         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	HTTPAddr        string
	OtelEndpoint    string
	OtelSampleRatio float64

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	KafkaBrokers     []string
	KafkaTopicPrefix string
	KafkaGroupID     string

	ScannerInstanceID string
	ScannerMode       string
	ScanPartitions    int
	// ScanWorkerReplica pins a scan worker to one RPC_URLS entry; the other
	// replicas stay as fallbacks. -1 keeps the configured order.
	ScanWorkerReplica int
	StartBlock        uint64
	Confirmations     uint64
	ReceiptBatchSize  int
	ReceiptWorkers    int
	PollInterval      time.Duration
	RetryDelay        time.Duration

	LockPollInterval    time.Duration
	LockTimeout         time.Duration
	LockTTL             time.Duration
	RecoverableDelay    time.Duration
	ConfirmationDelay   time.Duration
	ProcessingLease     time.Duration
	ReceiptPollAttempts int
	ReceiptPollInterval time.Duration
	SweepInterval       time.Duration
	LateSettleBlocks    uint64

	ShardBackend     string
	SQLitePath       string
	DynamoRegion     string
	DynamoEndpoint   string
	DynamoPrefix     string
	DynamoTokenTTL   time.Duration
	Shards           []string
	ClientShards     map[string]string
	TrackedContracts map[string]string

	WorkerKeys     map[string]string
	WorkerDisabled map[string]bool
	GasLimit       uint64
}

type EnvSource interface {
	Lookup(key string) (string, bool)
}

type EnvMap map[string]string

func (e EnvMap) Lookup(key string) (string, bool) {
	value, ok := e[key]
	return value, ok
}

func FromEnviron() EnvSource {
	env := make(EnvMap)
	for _, entry := range os.Environ() {
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

func Load(source EnvSource) (Config, error) {
	if source == nil {
		return Config{}, errors.New("env source is required")
	}
	p := parser{source: source}

	cfg := Config{
		RPCURLs:      p.list("RPC_URLS", ""),
		RPCRateLimit: p.float("RPC_RATE_LIMIT", 0),
		ChainID:      p.u64("CHAIN_ID", 0),
		ChainKind:    p.str("CHAIN_KIND", "evm"),

		DBDSN:         p.str("DB_DSN", "root:@tcp(127.0.0.1:3306)/txrelay?parseTime=true"),
		RedisAddr:     p.str("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: p.str("REDIS_PASSWORD", ""),
		RedisDB:       p.integer("REDIS_DB", 0),
		CacheTTL:      p.duration("CACHE_TTL", time.Hour),

		HTTPAddr:        p.str("HTTP_ADDR", ":8080"),
		OtelEndpoint:    p.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OtelSampleRatio: p.float("OTEL_SAMPLE_RATIO", 1),

		LogLevel:      p.str("LOG_LEVEL", "info"),
		LogFormat:     p.str("LOG_FORMAT", "text"),
		LogFile:       p.str("LOG_FILE", ""),
		LogMaxSizeMB:  p.integer("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: p.integer("LOG_MAX_BACKUPS", 5),

		KafkaBrokers:     p.list("KAFKA_BROKERS", "localhost:9092"),
		KafkaTopicPrefix: p.str("KAFKA_TOPIC_PREFIX", "txrelay"),
		KafkaGroupID:     p.str("KAFKA_GROUP_ID", "txrelay"),

		ScannerInstanceID: p.str("SCANNER_INSTANCE_ID", "scanner-0"),
		ScannerMode:       strings.ToLower(p.str("SCANNER_MODE", ScannerModeStandalone)),
		ScanPartitions:    p.integer("SCAN_PARTITIONS", 4),
		ScanWorkerReplica: p.integer("SCAN_WORKER_REPLICA", -1),
		StartBlock:        p.u64("START_BLOCK", 0),
		Confirmations:     p.u64("CONFIRMATIONS", 0),
		ReceiptBatchSize:  p.integer("RECEIPT_BATCH_SIZE", 50),
		ReceiptWorkers:    p.integer("RECEIPT_WORKERS", 4),
		PollInterval:      p.duration("POLL_INTERVAL", 5*time.Second),
		RetryDelay:        p.duration("RETRY_DELAY", 5*time.Second),

		LockPollInterval:    p.duration("LOCK_POLL_INTERVAL", 100*time.Millisecond),
		LockTimeout:         p.duration("LOCK_TIMEOUT", 50*time.Second),
		LockTTL:             p.duration("LOCK_TTL", 2*time.Minute),
		RecoverableDelay:    p.duration("RECOVERABLE_DELAY", 15*time.Second),
		ConfirmationDelay:   p.duration("CONFIRMATION_DELAY", time.Minute),
		ProcessingLease:     p.duration("PROCESSING_LEASE", 2*time.Minute),
		ReceiptPollAttempts: p.integer("RECEIPT_POLL_ATTEMPTS", 10),
		ReceiptPollInterval: p.duration("RECEIPT_POLL_INTERVAL", 3*time.Second),
		SweepInterval:       p.duration("SWEEP_INTERVAL", 30*time.Second),
		LateSettleBlocks:    p.u64("LATE_SETTLE_BLOCKS", 64),

		ShardBackend:     strings.ToLower(p.str("SHARD_BACKEND", ShardBackendSQLite)),
		SQLitePath:       p.str("SQLITE_PATH", "data"),
		DynamoRegion:     p.str("DYNAMO_REGION", "us-east-1"),
		DynamoEndpoint:   p.str("DYNAMO_ENDPOINT", ""),
		DynamoPrefix:     p.str("DYNAMO_TABLE_PREFIX", "txrelay_"),
		DynamoTokenTTL:   p.duration("DYNAMO_TOKEN_TTL", 30*24*time.Hour),
		Shards:           p.list("SHARDS", "shard-0"),
		ClientShards:     p.pairs("CLIENT_SHARDS"),
		TrackedContracts: p.pairs("TRACKED_CONTRACTS"),

		WorkerKeys: p.pairs("WORKER_KEYS"),
		GasLimit:   p.u64("GAS_LIMIT", 0),
	}
	cfg.WorkerDisabled = make(map[string]bool)
	for _, id := range p.list("WORKER_DISABLED", "") {
		cfg.WorkerDisabled[id] = true
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.RPCURLs) == 0 {
		return errors.New("RPC_URLS is required")
	}
	if c.ChainID == 0 {
		return errors.New("CHAIN_ID is required")
	}
	switch c.ScannerMode {
	case ScannerModeStandalone, ScannerModeDelegator, ScannerModeWorker:
	default:
		return fmt.Errorf("invalid SCANNER_MODE %q", c.ScannerMode)
	}
	switch c.ShardBackend {
	case ShardBackendSQLite, ShardBackendDynamo:
	default:
		return fmt.Errorf("invalid SHARD_BACKEND %q", c.ShardBackend)
	}
	if c.ScanPartitions <= 0 {
		return errors.New("SCAN_PARTITIONS must be positive")
	}
	if c.ScanWorkerReplica < -1 || c.ScanWorkerReplica >= len(c.RPCURLs) {
		return fmt.Errorf("SCAN_WORKER_REPLICA %d outside the %d configured replicas", c.ScanWorkerReplica, len(c.RPCURLs))
	}
	if c.OtelSampleRatio < 0 || c.OtelSampleRatio > 1 {
		return errors.New("OTEL_SAMPLE_RATIO must be within [0, 1]")
	}
	shards := make(map[string]bool, len(c.Shards))
	for _, shard := range c.Shards {
		shards[shard] = true
	}
	for client, shard := range c.ClientShards {
		if !shards[shard] {
			return fmt.Errorf("CLIENT_SHARDS: client %s assigned to unknown shard %s", client, shard)
		}
	}
	return nil
}

// parser keeps the first error so Load can read every key in one pass.
type parser struct {
	source EnvSource
	err    error
}

func (p *parser) raw(key string) (string, bool) {
	raw, ok := p.source.Lookup(key)
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != ""
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (p *parser) str(key, defaultValue string) string {
	if raw, ok := p.raw(key); ok {
		return raw
	}
	return defaultValue
}

func (p *parser) u64(key string, defaultValue uint64) uint64 {
	raw, ok := p.raw(key)
	if !ok {
		return defaultValue
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		p.fail(key, err)
	}
	return value
}

func (p *parser) integer(key string, defaultValue int) int {
	raw, ok := p.raw(key)
	if !ok {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, err)
	}
	return value
}

func (p *parser) float(key string, defaultValue float64) float64 {
	raw, ok := p.raw(key)
	if !ok {
		return defaultValue
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, err)
	}
	return value
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	raw, ok := p.raw(key)
	if !ok {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, err)
	}
	return value
}

func (p *parser) list(key, defaultValue string) []string {
	raw, ok := p.raw(key)
	if !ok {
		raw = defaultValue
	}
	var values []string
	for _, item := range strings.Split(raw, ",") {
		if value := strings.TrimSpace(item); value != "" {
			values = append(values, value)
		}
	}
	return values
}

// pairs parses "k1=v1,k2=v2".
func (p *parser) pairs(key string) map[string]string {
	values := make(map[string]string)
	for _, item := range p.list(key, "") {
		k, v, ok := strings.Cut(item, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			p.fail(key, fmt.Errorf("entry %q is not key=value", item))
			continue
		}
		values[k] = v
	}
	return values
}
