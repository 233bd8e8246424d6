package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"pool_sync/internal/domain"
)

// Config holds every setting of the application.
// After LoadConfig parses the file, environment variables override selected fields.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	RPC struct {
		WSURL            string `yaml:"ws_url"`
		RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	} `yaml:"rpc"`

	Ingestion struct {
		PollIntervalMS  int    `yaml:"poll_interval_ms"`
		FetchTimeoutMS  int    `yaml:"fetch_timeout_ms"`
		WatermarkPolicy string `yaml:"watermark_policy"`
	} `yaml:"ingestion"`

	Discovery struct {
		Enabled        bool   `yaml:"enabled"`
		StartBlock     uint64 `yaml:"start_block"` // 0 = latest
		BlockBatchSize uint64 `yaml:"block_batch_size"`
		NumBatches     int    `yaml:"num_batches"`
	} `yaml:"discovery"`

	Loader struct {
		MaxConcurrentFetches int `yaml:"max_concurrent_fetches"`
	} `yaml:"loader"`

	Bus struct {
		Backlog int `yaml:"backlog"`
	} `yaml:"bus"`

	Storage struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"storage"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`

	Strategy struct {
		PriceMoveThreshold decimal.Decimal `yaml:"price_move_threshold"`
		Alerts             []struct {
			Pool       string          `yaml:"pool"`
			Target     decimal.Decimal `yaml:"target"`
			Persistent bool            `yaml:"persistent"`
		} `yaml:"alerts"`
	} `yaml:"strategy"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	cfg := presetConfig()
	applyDefaults(&cfg)
	return &cfg
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies defaults and env overrides, then validates.
func ParseConfig(data []byte) (*Config, error) {
	cfg := presetConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	// Secrets such as authenticated RPC endpoints come from the environment
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// presetConfig holds defaults for fields where zero is a valid setting.
// They are filled in before decoding so that only an absent key keeps them.
func presetConfig() Config {
	var cfg Config
	cfg.Strategy.PriceMoveThreshold = decimal.NewFromFloat(0.01)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "pool-sync"
	}
	if cfg.RPC.RequestTimeoutMS == 0 {
		cfg.RPC.RequestTimeoutMS = 10000
	}
	if cfg.Ingestion.PollIntervalMS == 0 {
		cfg.Ingestion.PollIntervalMS = 2000
	}
	if cfg.Ingestion.FetchTimeoutMS == 0 {
		cfg.Ingestion.FetchTimeoutMS = 30000
	}
	if cfg.Ingestion.WatermarkPolicy == "" {
		cfg.Ingestion.WatermarkPolicy = "strict"
	}
	if cfg.Discovery.BlockBatchSize == 0 {
		cfg.Discovery.BlockBatchSize = 5
	}
	if cfg.Discovery.NumBatches == 0 {
		cfg.Discovery.NumBatches = 100
	}
	if cfg.Loader.MaxConcurrentFetches == 0 {
		cfg.Loader.MaxConcurrentFetches = 20
	}
	if cfg.Bus.Backlog == 0 {
		cfg.Bus.Backlog = 1000
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data/poolsync.db"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = "localhost:9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.RPC.WSURL == "" || (!strings.HasPrefix(c.RPC.WSURL, "ws://") && !strings.HasPrefix(c.RPC.WSURL, "wss://")) {
		return &domain.ConfigError{Field: "rpc.ws_url", Err: fmt.Errorf("invalid websocket URL: %q", c.RPC.WSURL)}
	}
	if c.RPC.RequestTimeoutMS <= 0 {
		return &domain.ConfigError{Field: "rpc.request_timeout_ms", Err: fmt.Errorf("must be positive")}
	}
	if c.Ingestion.PollIntervalMS <= 0 {
		return &domain.ConfigError{Field: "ingestion.poll_interval_ms", Err: fmt.Errorf("must be positive")}
	}
	if c.Ingestion.FetchTimeoutMS <= 0 {
		return &domain.ConfigError{Field: "ingestion.fetch_timeout_ms", Err: fmt.Errorf("must be positive")}
	}
	switch c.Ingestion.WatermarkPolicy {
	case "strict", "best_effort":
	default:
		return &domain.ConfigError{Field: "ingestion.watermark_policy", Err: fmt.Errorf("unknown policy %q", c.Ingestion.WatermarkPolicy)}
	}
	if c.Discovery.NumBatches < 0 {
		return &domain.ConfigError{Field: "discovery.num_batches", Err: fmt.Errorf("must not be negative")}
	}
	if c.Loader.MaxConcurrentFetches <= 0 {
		return &domain.ConfigError{Field: "loader.max_concurrent_fetches", Err: fmt.Errorf("must be positive")}
	}
	if c.Bus.Backlog <= 0 {
		return &domain.ConfigError{Field: "bus.backlog", Err: fmt.Errorf("must be positive")}
	}
	if c.Strategy.PriceMoveThreshold.IsNegative() {
		return &domain.ConfigError{Field: "strategy.price_move_threshold", Err: fmt.Errorf("must not be negative")}
	}
	for i, a := range c.Strategy.Alerts {
		if !common.IsHexAddress(a.Pool) {
			return &domain.ConfigError{Field: fmt.Sprintf("strategy.alerts[%d].pool", i), Err: fmt.Errorf("invalid address %q", a.Pool)}
		}
		if !a.Target.IsPositive() {
			return &domain.ConfigError{Field: fmt.Sprintf("strategy.alerts[%d].target", i), Err: fmt.Errorf("must be positive")}
		}
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Ingestion.PollIntervalMS) * time.Millisecond
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Ingestion.FetchTimeoutMS) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RPC.RequestTimeoutMS) * time.Millisecond
}

// overrideWithEnv overwrites settings with environment variables when present.
func overrideWithEnv(cfg *Config) {
	if url := os.Getenv("POOLSYNC_RPC_URL"); url != "" {
		cfg.RPC.WSURL = url
	}
	if level := os.Getenv("POOLSYNC_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
