package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
	"LendLedger/internal/signer"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. It is built from Default(),
// then an optional YAML or TOML file named by LEND_CONFIG, then LEND_*
// environment overrides.
type Config struct {
	Network           signer.Network `yaml:"network" toml:"network"`
	FinalizeThreshold uint32         `yaml:"finalize_threshold" toml:"finalize_threshold"`
	MinTxValue        uint64         `yaml:"min_tx_value" toml:"min_tx_value"`

	// Authoritative settlement store (bbolt file)
	StorePath string `yaml:"store_path" toml:"store_path"`

	// Postgres; empty disables the event log, projections and snapshots
	PostgresURL string `yaml:"postgres_url" toml:"postgres_url"`

	// NATS; empty disables orchestrator ingestion and publishing
	NATSURL string `yaml:"nats_url" toml:"nats_url"`

	// gRPC/HTTP/Metrics
	GRPCAddr    string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr    string `yaml:"http_addr" toml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`

	// Channels
	PersistChanSize    int `yaml:"persist_chan_size" toml:"persist_chan_size"`
	ProjectionChanSize int `yaml:"projection_chan_size" toml:"projection_chan_size"`
	IngestChanSize     int `yaml:"ingest_chan_size" toml:"ingest_chan_size"`

	// Persistence worker
	PersistBatchSize    int           `yaml:"persist_batch_size" toml:"persist_batch_size"`
	PersistFlushTimeout time.Duration `yaml:"persist_flush_timeout" toml:"persist_flush_timeout"`

	SnapshotInterval time.Duration `yaml:"snapshot_interval" toml:"snapshot_interval"`

	// LRU
	IdempotencyLRUCapacity int `yaml:"idempotency_lru_capacity" toml:"idempotency_lru_capacity"`

	// Signer
	SignerSeed     string        `yaml:"signer_seed" toml:"signer_seed"` // hex
	SigningTimeout time.Duration `yaml:"signing_timeout" toml:"signing_timeout"`

	// Access
	AdminToken string  `yaml:"admin_token" toml:"admin_token"`
	RateLimit  float64 `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst  int     `yaml:"rate_burst" toml:"rate_burst"`

	// Migrations; empty uses the embedded set
	MigrationsDir string `yaml:"migrations_dir" toml:"migrations_dir"`

	Pools []PoolConfig `yaml:"pools" toml:"pools"`
}

// PoolConfig is a pool created at startup if it does not exist.
type PoolConfig struct {
	CollateralID string `yaml:"collateral_id" toml:"collateral_id"`
	Symbol       string `yaml:"symbol" toml:"symbol"`
	MinAmount    uint64 `yaml:"min_amount" toml:"min_amount"`
}

// Meta converts the entry to the pool's collateral description.
func (p PoolConfig) Meta() (ledger.CoinMeta, error) {
	id, err := ledger.ParseCoinID(p.CollateralID)
	if err != nil {
		return ledger.CoinMeta{}, err
	}
	return ledger.CoinMeta{ID: id, Symbol: p.Symbol, MinAmount: p.MinAmount}, nil
}

func Default() Config {
	return Config{
		Network:                signer.Mainnet,
		MinTxValue:             ledger.MinBTCValue,
		StorePath:              "data/lendledger.db",
		GRPCAddr:               ":9090",
		HTTPAddr:               ":8080",
		MetricsAddr:            ":9091",
		PersistChanSize:        1024,
		ProjectionChanSize:     2048,
		IngestChanSize:         4096,
		PersistBatchSize:       256,
		PersistFlushTimeout:    50 * time.Millisecond,
		SnapshotInterval:       5 * time.Minute,
		IdempotencyLRUCapacity: 100_000,
		SigningTimeout:         5 * time.Second,
		RateLimit:              50,
		RateBurst:              100,
		Pools: []PoolConfig{
			{CollateralID: ledger.DefaultCollateralID, Symbol: "LEND", MinAmount: 1},
		},
	}
}

// Load builds the configuration and validates it.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("LEND_CONFIG"); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile decodes a YAML (.yaml, .yml) or TOML (.toml) file over cfg.
func LoadFile(path string, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
		return nil
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
		return nil
	default:
		return fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
}

func (cfg *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		*dst = envOrDefault(key, *dst)
	}
	integer := func(key string, dst *int) {
		v, err := envIntOrDefault(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	duration := func(key string, dst *time.Duration) {
		v, err := envDurationOrDefault(key, *dst)
		errs = append(errs, err)
		*dst = v
	}

	cfg.Network = signer.Network(envOrDefault("LEND_NETWORK", string(cfg.Network)))
	threshold, err := envIntOrDefault("LEND_FINALIZE_THRESHOLD", int(cfg.FinalizeThreshold))
	errs = append(errs, err)
	cfg.FinalizeThreshold = uint32(threshold)
	minTx, err := envIntOrDefault("LEND_MIN_TX_VALUE", int(cfg.MinTxValue))
	errs = append(errs, err)
	cfg.MinTxValue = uint64(minTx)

	str("LEND_STORE_PATH", &cfg.StorePath)
	str("LEND_POSTGRES_DSN", &cfg.PostgresURL)
	str("LEND_NATS_URL", &cfg.NATSURL)
	str("LEND_GRPC_ADDR", &cfg.GRPCAddr)
	str("LEND_HTTP_ADDR", &cfg.HTTPAddr)
	str("LEND_METRICS_ADDR", &cfg.MetricsAddr)
	integer("LEND_PERSIST_CHAN_SIZE", &cfg.PersistChanSize)
	integer("LEND_PROJECTION_CHAN_SIZE", &cfg.ProjectionChanSize)
	integer("LEND_INGEST_CHAN_SIZE", &cfg.IngestChanSize)
	integer("LEND_PERSIST_BATCH_SIZE", &cfg.PersistBatchSize)
	duration("LEND_PERSIST_FLUSH_TIMEOUT", &cfg.PersistFlushTimeout)
	duration("LEND_SNAPSHOT_INTERVAL", &cfg.SnapshotInterval)
	integer("LEND_IDEMPOTENCY_LRU_CAPACITY", &cfg.IdempotencyLRUCapacity)
	str("LEND_SIGNER_SEED", &cfg.SignerSeed)
	duration("LEND_SIGNING_TIMEOUT", &cfg.SigningTimeout)
	str("LEND_ADMIN_TOKEN", &cfg.AdminToken)
	integer("LEND_RATE_BURST", &cfg.RateBurst)
	str("LEND_MIGRATIONS_DIR", &cfg.MigrationsDir)

	if v := os.Getenv("LEND_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("LEND_RATE_LIMIT: %w", err))
		} else {
			cfg.RateLimit = f
		}
	}
	return errors.Join(errs...)
}

// Validate rejects configurations the service cannot start with.
func (cfg *Config) Validate() error {
	var errs []error
	switch cfg.Network {
	case signer.Mainnet, signer.Testnet, signer.Regtest:
	default:
		errs = append(errs, fmt.Errorf("network %q: want mainnet, testnet or regtest", cfg.Network))
	}
	if cfg.MinTxValue < ledger.DustLimit {
		errs = append(errs, fmt.Errorf("min_tx_value %d below dust limit %d", cfg.MinTxValue, ledger.DustLimit))
	}
	if cfg.StorePath == "" {
		errs = append(errs, errors.New("store_path is required"))
	}
	if cfg.SignerSeed == "" {
		errs = append(errs, errors.New("signer_seed is required"))
	} else if seed, err := hex.DecodeString(cfg.SignerSeed); err != nil {
		errs = append(errs, fmt.Errorf("signer_seed: %w", err))
	} else if len(seed) < 16 {
		errs = append(errs, fmt.Errorf("signer_seed: %d bytes, want at least 16", len(seed)))
	}
	for name, v := range map[string]int{
		"persist_chan_size":        cfg.PersistChanSize,
		"projection_chan_size":     cfg.ProjectionChanSize,
		"ingest_chan_size":         cfg.IngestChanSize,
		"persist_batch_size":       cfg.PersistBatchSize,
		"idempotency_lru_capacity": cfg.IdempotencyLRUCapacity,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if cfg.SigningTimeout <= 0 {
		errs = append(errs, errors.New("signing_timeout must be positive"))
	}
	if cfg.RateLimit < 0 || cfg.RateBurst < 0 {
		errs = append(errs, errors.New("rate_limit and rate_burst must not be negative"))
	}
	seen := make(map[string]bool)
	for i, p := range cfg.Pools {
		meta, err := p.Meta()
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("pools[%d]: %w", i, err))
		case meta.ID.IsBTC():
			errs = append(errs, fmt.Errorf("pools[%d]: BTC cannot be pool collateral", i))
		case p.Symbol == "":
			errs = append(errs, fmt.Errorf("pools[%d]: symbol is required", i))
		case seen[meta.ID.String()]:
			errs = append(errs, fmt.Errorf("pools[%d]: duplicate collateral %s", i, meta.ID))
		}
		if err == nil {
			seen[meta.ID.String()] = true
		}
	}
	return errors.Join(errs...)
}

// Engine returns the settlement engine's configuration.
func (cfg *Config) Engine() core.Config {
	return core.Config{
		Network:             cfg.Network,
		FinalizeThreshold:   cfg.FinalizeThreshold,
		MinTxValue:          cfg.MinTxValue,
		SigningTimeout:      cfg.SigningTimeout,
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
	}
}

// Seed decodes the signer seed. Call after Validate.
func (cfg *Config) Seed() []byte {
	seed, _ := hex.DecodeString(cfg.SignerSeed)
	return seed
}

// --- Helpers ---

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
}

func envDurationOrDefault(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
