package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/uhyunpark/estatex/pkg/app/matching"
)

const (
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

type Store struct {
	Backend     string // "pebble" or "postgres"
	PebblePath  string
	DatabaseURL string
}

type Engine struct {
	SweepInterval     time.Duration
	MaxMatches        int // per instrument per cycle
	SettlementTimeout time.Duration
	PricingPolicy     string
	MarketWindow      time.Duration // trailing window for market statistics
	Concurrency       int           // instruments processed in parallel
	// Instruments lists the registry as "ID[=Name],...". Empty runs in open
	// mode where any instrument id is accepted.
	Instruments string
}

// Chain configures on-chain settlement. With RPCURL empty trades settle
// locally with generated refs, which is only suitable for devnets.
type Chain struct {
	RPCURL      string
	Contract    string
	OperatorKey string
	ChainID     int64
}

type API struct {
	Addr        string
	SubmitRate  float64 // order submissions per second, 0 disables throttling
	SubmitBurst int
}

type Integrations struct {
	RedisAddr    string
	KafkaBrokers []string
	KafkaTopic   string
	P2PListen    string
	P2PBootstrap []string
}

type Node struct {
	LogLevel      string
	LogFile       string
	FeederEnabled bool
}

type Config struct {
	Store        Store
	Engine       Engine
	Chain        Chain
	API          API
	Integrations Integrations
	Node         Node
}

func Default() Config {
	return Config{
		Store: Store{
			Backend:    BackendPebble,
			PebblePath: "data/estatex",
		},
		Engine: Engine{
			SweepInterval:     5 * time.Second,
			MaxMatches:        100,
			SettlementTimeout: 30 * time.Second,
			PricingPolicy:     matching.DefaultPolicy().Name(),
			MarketWindow:      24 * time.Hour,
			Concurrency:       4,
		},
		Chain: Chain{
			ChainID: 1337,
		},
		API: API{
			Addr:        ":8080",
			SubmitRate:  20,
			SubmitBurst: 40,
		},
		Integrations: Integrations{
			KafkaTopic: "estatex.trades",
		},
		Node: Node{
			LogLevel: "info",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.PebblePath = getEnv("PEBBLE_PATH", cfg.Store.PebblePath)
	cfg.Store.DatabaseURL = getEnv("DATABASE_URL", cfg.Store.DatabaseURL)

	var errs []error
	durationMs := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			ms, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	durationMs("SWEEP_INTERVAL_MS", &cfg.Engine.SweepInterval)
	durationMs("SETTLEMENT_TIMEOUT_MS", &cfg.Engine.SettlementTimeout)
	durationMs("MARKET_WINDOW_MS", &cfg.Engine.MarketWindow)
	integer("MAX_MATCHES", &cfg.Engine.MaxMatches)
	integer("SWEEP_CONCURRENCY", &cfg.Engine.Concurrency)
	integer("SUBMIT_BURST", &cfg.API.SubmitBurst)
	cfg.Engine.PricingPolicy = getEnv("PRICING_POLICY", cfg.Engine.PricingPolicy)
	cfg.Engine.Instruments = getEnv("INSTRUMENTS", cfg.Engine.Instruments)

	cfg.Chain.RPCURL = getEnv("ETH_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.Contract = getEnv("SETTLEMENT_CONTRACT", cfg.Chain.Contract)
	cfg.Chain.OperatorKey = getEnv("OPERATOR_KEY", cfg.Chain.OperatorKey)
	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CHAIN_ID: %w", err))
		} else {
			cfg.Chain.ChainID = id
		}
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v := os.Getenv("SUBMIT_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SUBMIT_RATE: %w", err))
		} else {
			cfg.API.SubmitRate = r
		}
	}

	cfg.Integrations.RedisAddr = getEnv("REDIS_ADDR", cfg.Integrations.RedisAddr)
	cfg.Integrations.KafkaBrokers = splitList(getEnv("KAFKA_BROKERS", ""))
	cfg.Integrations.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Integrations.KafkaTopic)
	cfg.Integrations.P2PListen = getEnv("P2P_LISTEN", cfg.Integrations.P2PListen)
	cfg.Integrations.P2PBootstrap = splitList(getEnv("P2P_BOOTSTRAP", ""))

	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	if feeder := os.Getenv("FEEDER_ENABLED"); feeder != "" {
		cfg.Node.FeederEnabled = feeder == "true"
	}

	return cfg, errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendPebble:
		if c.Store.PebblePath == "" {
			errs = append(errs, errors.New("PEBBLE_PATH is required for the pebble backend"))
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	if c.Engine.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be positive, got %s", c.Engine.SweepInterval))
	}
	if c.Engine.SettlementTimeout <= 0 {
		errs = append(errs, fmt.Errorf("settlement timeout must be positive, got %s", c.Engine.SettlementTimeout))
	}
	if c.Engine.MarketWindow <= 0 {
		errs = append(errs, fmt.Errorf("market window must be positive, got %s", c.Engine.MarketWindow))
	}
	if c.Engine.MaxMatches <= 0 {
		errs = append(errs, fmt.Errorf("max matches must be positive, got %d", c.Engine.MaxMatches))
	}
	if c.Engine.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("sweep concurrency must be positive, got %d", c.Engine.Concurrency))
	}
	if _, err := matching.PolicyByName(c.Engine.PricingPolicy); err != nil {
		errs = append(errs, err)
	}

	if c.Chain.RPCURL != "" {
		if c.Chain.Contract == "" || c.Chain.OperatorKey == "" {
			errs = append(errs, errors.New("ETH_RPC_URL needs SETTLEMENT_CONTRACT and OPERATOR_KEY"))
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, fmt.Errorf("chain id must be positive, got %d", c.Chain.ChainID))
		}
	}
	if c.API.SubmitRate < 0 {
		errs = append(errs, fmt.Errorf("submit rate must not be negative, got %v", c.API.SubmitRate))
	}
	if c.API.SubmitRate > 0 && c.API.SubmitBurst <= 0 {
		errs = append(errs, fmt.Errorf("submit burst must be positive when throttling, got %d", c.API.SubmitBurst))
	}
	if len(c.Integrations.KafkaBrokers) > 0 && c.Integrations.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}
	return errors.Join(errs...)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
