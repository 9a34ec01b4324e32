package infra

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var userAgent = GetPlatformUserAgent()

// GetUserAgent returns the User-Agent sent on REST and websocket requests.
func GetUserAgent() string { return userAgent }

// GetPlatformUserAgent builds a User-Agent naming the app and the host platform.
func GetPlatformUserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s)", AppName, Version, runtime.GOOS, runtime.GOARCH)
}

// Trading modes.
const (
	ModePaper = "PAPER"
	ModeDemo  = "DEMO"
	ModeReal  = "REAL"
)

// Exchange kinds.
const (
	KindPaper         = "paper"
	KindBitgetSpot    = "bitget_spot"
	KindBitgetFutures = "bitget_futures"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
	BackendFile   = "file"
)

// Config holds every setting of the hedge daemon.
// Secrets from the file are overridden by environment variables after loading.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Trading struct {
		Mode string `yaml:"mode"`
	} `yaml:"trading"`

	Engine    EngineConfig     `yaml:"engine"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Hedges    []HedgeConfig    `yaml:"hedges"`

	Storage struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"storage"`

	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	API struct {
		Addr           string   `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"api"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`

	Bitget Credentials `yaml:"bitget"`
	// SecretsFile optionally points at a separate YAML holding the keys.
	SecretsFile string `yaml:"secrets_file"`
}

type EngineConfig struct {
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	MaxFailures      int    `yaml:"max_failures"`
	DumpDir          string `yaml:"dump_dir"`
}

func (e EngineConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMS) * time.Millisecond
}

func (e EngineConfig) RequestTimeout() time.Duration {
	return time.Duration(e.RequestTimeoutMS) * time.Millisecond
}

// ExchangeConfig declares one named venue.
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	RestURL string `yaml:"rest_url"`
	WSURL   string `yaml:"ws_url"`
	// Stream enables the websocket ticker feed for TopOfBook.
	Stream bool `yaml:"stream"`

	RateLimit struct {
		OrdersPerSec float64 `yaml:"orders_per_sec"`
		OrderBurst   int     `yaml:"order_burst"`
		MarketPerSec float64 `yaml:"market_per_sec"`
		MarketBurst  int     `yaml:"market_burst"`
	} `yaml:"rate_limit"`

	Breaker struct {
		FailureThreshold int `yaml:"failure_threshold"`
		OpenTimeoutMS    int `yaml:"open_timeout_ms"`
	} `yaml:"breaker"`

	Retry struct {
		MaxRetries int `yaml:"max_retries"`
		BaseMS     int `yaml:"base_ms"`
		MaxMS      int `yaml:"max_ms"`
	} `yaml:"retry"`

	// Paper venues only: read prices from this other venue.
	PriceSource string `yaml:"price_source"`
	// Paper venues only: starting deposits, asset -> decimal amount.
	Balances map[string]string `yaml:"balances"`
	// Paper venues without a price source serve these fixed rules and books.
	Symbols []PaperSymbolConfig `yaml:"symbols"`
}

type PaperSymbolConfig struct {
	Symbol       string `yaml:"symbol"`
	Base         string `yaml:"base"`
	Quote        string `yaml:"quote"`
	TickSize     string `yaml:"tick_size"`
	QtyStep      string `yaml:"qty_step"`
	MinQty       string `yaml:"min_qty"`
	MinNotional  string `yaml:"min_notional"`
	ContractSize string `yaml:"contract_size"`
	Bid          string `yaml:"bid"`
	Ask          string `yaml:"ask"`
}

// HedgeConfig declares an engine created at startup unless one with the same
// id was restored from storage.
type HedgeConfig struct {
	ID        string    `yaml:"id"`
	Symbol    string    `yaml:"symbol"`
	TotalQty  string    `yaml:"total_qty"`
	OrderQty  string    `yaml:"order_qty"`
	AutoStart bool      `yaml:"auto_start"`
	Buy       LegConfig `yaml:"buy"`
	Sell      LegConfig `yaml:"sell"`
}

type LegConfig struct {
	Venue         string `yaml:"venue"`
	Symbol        string `yaml:"symbol"`
	OffsetTicks   int    `yaml:"offset_ticks"`
	TickTolerance int    `yaml:"tick_tolerance"`
	Market        bool   `yaml:"market"`
}

// Credentials are the Bitget API keys. Prefer the HEDGE_BITGET_* variables
// over putting them in the file.
type Credentials struct {
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Passphrase string `yaml:"passphrase"`
}

func (c Credentials) Empty() bool {
	return c.AccessKey == "" || c.SecretKey == "" || c.Passphrase == ""
}

// LoadConfig reads the YAML file, applies .env and environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.setDefaults()

	if cfg.SecretsFile != "" {
		sec, err := LoadSecretConfig(cfg.SecretsFile)
		if err != nil {
			return nil, err
		}
		cfg.Bitget = sec.merge(cfg.Bitget)
	}
	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env", slog.Any("error", err))
	}
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = AppName
	}
	if c.Trading.Mode == "" {
		c.Trading.Mode = ModePaper
	}
	c.Trading.Mode = strings.ToUpper(c.Trading.Mode)
	if c.Engine.PollIntervalMS == 0 {
		c.Engine.PollIntervalMS = 1000
	}
	if c.Engine.RequestTimeoutMS == 0 {
		c.Engine.RequestTimeoutMS = 5000
	}
	if c.Engine.MaxFailures == 0 {
		c.Engine.MaxFailures = 10
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendSQLite
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "hedge-events"
	}
	if c.API.Addr == "" {
		c.API.Addr = "127.0.0.1:8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	switch c.Trading.Mode {
	case ModePaper, ModeDemo, ModeReal:
	default:
		return fmt.Errorf("unknown trading mode %q", c.Trading.Mode)
	}
	if c.Engine.PollIntervalMS <= 0 || c.Engine.RequestTimeoutMS <= 0 {
		return fmt.Errorf("engine intervals must be positive")
	}

	venues := make(map[string]ExchangeConfig, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchange without a name")
		}
		if _, dup := venues[ex.Name]; dup {
			return fmt.Errorf("duplicate exchange %q", ex.Name)
		}
		if err := ex.validate(); err != nil {
			return fmt.Errorf("exchange %s: %w", ex.Name, err)
		}
		venues[ex.Name] = ex
	}
	for _, ex := range c.Exchanges {
		if ex.PriceSource == "" {
			continue
		}
		src, ok := venues[ex.PriceSource]
		if !ok || src.Kind == KindPaper {
			return fmt.Errorf("exchange %s: price source %q must be a live venue", ex.Name, ex.PriceSource)
		}
	}

	ids := make(map[string]bool, len(c.Hedges))
	for _, h := range c.Hedges {
		if h.ID == "" {
			return fmt.Errorf("hedge without an id")
		}
		if ids[h.ID] {
			return fmt.Errorf("duplicate hedge %q", h.ID)
		}
		ids[h.ID] = true
		for _, leg := range []LegConfig{h.Buy, h.Sell} {
			if _, ok := venues[leg.Venue]; !ok {
				return fmt.Errorf("hedge %s: unknown venue %q", h.ID, leg.Venue)
			}
			if leg.Symbol == "" {
				return fmt.Errorf("hedge %s: leg on %s has no symbol", h.ID, leg.Venue)
			}
		}
	}

	switch c.Storage.Backend {
	case BackendSQLite, BackendPebble, BackendFile:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

func (e ExchangeConfig) validate() error {
	switch e.Kind {
	case KindPaper:
		return nil
	case KindBitgetSpot, KindBitgetFutures:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.RestURL != "" && !hasPrefix(e.RestURL, "https://") && !hasPrefix(e.RestURL, "http://") {
		return fmt.Errorf("invalid REST URL: %s", e.RestURL)
	}
	if e.WSURL != "" && !hasPrefix(e.WSURL, "ws://") && !hasPrefix(e.WSURL, "wss://") {
		return fmt.Errorf("invalid WS URL: %s", e.WSURL)
	}
	if len(e.Balances) > 0 || len(e.Symbols) > 0 || e.PriceSource != "" {
		return fmt.Errorf("balances, symbols and price_source apply to paper venues only")
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix)
}

// Venue returns the exchange declared under name.
func (c *Config) Venue(name string) (ExchangeConfig, bool) {
	for _, ex := range c.Exchanges {
		if ex.Name == name {
			return ex, true
		}
	}
	return ExchangeConfig{}, false
}

// overrideWithEnv applies environment variables on top of the file.
// 환경 변수는 설정 파일보다 우선합니다.
func overrideWithEnv(cfg *Config) {
	if cfg.Bitget.SecretKey != "" {
		slog.Warn("API secrets found in config file; use HEDGE_BITGET_KEY, HEDGE_BITGET_SECRET and HEDGE_BITGET_PASSPHRASE instead")
	}

	if key := os.Getenv("HEDGE_BITGET_KEY"); key != "" {
		cfg.Bitget.AccessKey = key
	}
	if secret := os.Getenv("HEDGE_BITGET_SECRET"); secret != "" {
		cfg.Bitget.SecretKey = secret
	}
	if pass := os.Getenv("HEDGE_BITGET_PASSPHRASE"); pass != "" {
		cfg.Bitget.Passphrase = pass
	}
	if addr := os.Getenv("HEDGE_API_ADDR"); addr != "" {
		cfg.API.Addr = addr
	}
	if brokers := os.Getenv("HEDGE_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
}
