package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moltbunker/usdstake/internal/chain"
	"github.com/moltbunker/usdstake/internal/ledger"
	"github.com/moltbunker/usdstake/internal/store"
)

// Config represents the complete service configuration
type Config struct {
	Daemon      DaemonConfig      `yaml:"daemon"`
	API         APIConfig         `yaml:"api"`
	Chain       ChainConfig       `yaml:"chain"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Token       TokenConfig       `yaml:"token"`
	Vault       VaultConfig       `yaml:"vault"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Store       StoreConfig       `yaml:"store"`
	Events      EventsConfig      `yaml:"events"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
}

// DaemonConfig contains process settings
type DaemonConfig struct {
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "text"
}

// APIConfig contains API server settings
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// Per-client rate limiting
	RateLimitRequests   int `yaml:"rate_limit_requests"`    // requests per window
	RateLimitWindowSecs int `yaml:"rate_limit_window_secs"` // window length
	RateLimitBurst      int `yaml:"rate_limit_burst"`

	MaxRequestSize int64 `yaml:"max_request_size"` // bytes

	ReadTimeoutSecs  int `yaml:"read_timeout_secs"`
	WriteTimeoutSecs int `yaml:"write_timeout_secs"`
	IdleTimeoutSecs  int `yaml:"idle_timeout_secs"`

	// WebSocket event stream
	MaxWebSocketClients int `yaml:"max_websocket_clients"`
	EventBuffer         int `yaml:"event_buffer"`

	// Lifetime of a wallet signing challenge
	ChallengeTTLSecs int `yaml:"challenge_ttl_secs"`
}

// DefaultAPIConfig returns the default API configuration
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		ListenAddr:          "127.0.0.1:8080",
		RateLimitRequests:   100,
		RateLimitWindowSecs: 60,
		RateLimitBurst:      20,
		MaxRequestSize:      64 * 1024,
		ReadTimeoutSecs:     30,
		WriteTimeoutSecs:    30,
		IdleTimeoutSecs:     120,
		MaxWebSocketClients: 100,
		EventBuffer:         64,
		ChallengeTTLSecs:    300,
	}
}

// ChainConfig contains RPC and signer settings
type ChainConfig struct {
	RPCURL             string  `yaml:"rpc_url"`
	ChainID            int64   `yaml:"chain_id"`
	BlockConfirmations uint64  `yaml:"block_confirmations"`
	GasLimitMultiplier float64 `yaml:"gas_limit_multiplier"`
	TxTimeoutSecs      int     `yaml:"tx_timeout_secs"` // bound on one mint, burn or release
	SignerKeyFile      string  `yaml:"signer_key_file"`
	SignerKeyring      string  `yaml:"signer_keyring"` // "", "system" or "file"
	KeyringDir         string  `yaml:"keyring_dir"`    // file keyring location
	Mock               bool    `yaml:"mock"`           // in-memory token, vault and price feed
}

// OracleConfig contains price feed settings
type OracleConfig struct {
	FeedAddress     string `yaml:"feed_address"`
	TimeoutSecs     int    `yaml:"timeout_secs"`
	Retries         uint   `yaml:"retries"`
	MaxStalenessSec int    `yaml:"max_staleness_secs"` // 0 disables the age check

	// Used when chain.mock is set
	MockPrice    int64 `yaml:"mock_price"`
	MockDecimals uint8 `yaml:"mock_decimals"`
}

// TokenConfig contains reward token settings
type TokenConfig struct {
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
}

// VaultConfig contains collateral custody settings
type VaultConfig struct {
	Address string `yaml:"address"`
}

// LedgerConfig contains staking rules
type LedgerConfig struct {
	LockPolicy         string `yaml:"lock_policy"`     // "fixed" or "caller"
	MinLockPeriod      string `yaml:"min_lock_period"` // Go duration, e.g. "4320h"
	WithdrawalMode     string `yaml:"withdrawal_mode"` // "full" or "partial"
	CollateralDecimals uint8  `yaml:"collateral_decimals"`
}

// StoreConfig selects the stake record backend
type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory" or "leveldb"
	Path    string `yaml:"path"`
}

// EventsConfig enables optional event sinks. Empty values disable a sink.
type EventsConfig struct {
	KafkaBrokers       []string `yaml:"kafka_brokers"`
	KafkaTopic         string   `yaml:"kafka_topic"`
	AMQPURL            string   `yaml:"amqp_url"`
	AMQPExchange       string   `yaml:"amqp_exchange"`
	MySQLDSN           string   `yaml:"mysql_dsn"`
	PublishTimeoutSecs int      `yaml:"publish_timeout_secs"`
}

// IdempotencyConfig selects where request keys are remembered
type IdempotencyConfig struct {
	Backend       string `yaml:"backend"` // "memory" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TTLSecs       int    `yaml:"ttl_secs"`
}

// DefaultConfig returns the default configuration: a local mock chain, the
// memory store and a fixed 180-day lock.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".usdstake")

	return &Config{
		Daemon: DaemonConfig{
			DataDir:   dataDir,
			LogLevel:  "info",
			LogFormat: "text",
		},
		API: DefaultAPIConfig(),
		Chain: ChainConfig{
			RPCURL:             "http://127.0.0.1:8545",
			ChainID:            31337,
			BlockConfirmations: 1,
			GasLimitMultiplier: 1.2,
			TxTimeoutSecs:      300,
			SignerKeyFile:      filepath.Join(dataDir, "signer.key"),
			KeyringDir:         filepath.Join(dataDir, "keyring"),
			Mock:               true,
		},
		Oracle: OracleConfig{
			TimeoutSecs:     3,
			Retries:         3,
			MaxStalenessSec: 3600,
			MockPrice:       300000000000,
			MockDecimals:    8,
		},
		Token: TokenConfig{
			Decimals: 18,
		},
		Ledger: LedgerConfig{
			LockPolicy:         string(ledger.LockPolicyFixed),
			MinLockPeriod:      (180 * 24 * time.Hour).String(),
			WithdrawalMode:     string(ledger.WithdrawalFull),
			CollateralDecimals: 18,
		},
		Store: StoreConfig{
			Backend: store.BackendMemory,
			Path:    filepath.Join(dataDir, "stakes"),
		},
		Events: EventsConfig{
			KafkaTopic:         "usdstake.events",
			AMQPExchange:       "usdstake",
			PublishTimeoutSecs: 5,
		},
		Idempotency: IdempotencyConfig{
			Backend: "memory",
			TTLSecs: 86400,
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Daemon.LogFormat != "json" && c.Daemon.LogFormat != "text" {
		return fmt.Errorf("invalid log_format: %s", c.Daemon.LogFormat)
	}

	if c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required")
	}
	if c.API.RateLimitRequests < 1 || c.API.RateLimitWindowSecs < 1 {
		return fmt.Errorf("rate limit must allow at least 1 request per window")
	}
	if c.API.MaxRequestSize < 1 {
		return fmt.Errorf("max_request_size must be positive")
	}

	if c.API.ChallengeTTLSecs < 1 {
		return fmt.Errorf("api.challenge_ttl_secs must be at least 1")
	}
	if c.Chain.TxTimeoutSecs < 1 {
		return fmt.Errorf("chain.tx_timeout_secs must be at least 1")
	}

	if c.Oracle.TimeoutSecs < 1 {
		return fmt.Errorf("oracle.timeout_secs must be at least 1")
	}
	if c.Oracle.MaxStalenessSec < 0 {
		return fmt.Errorf("oracle.max_staleness_secs must not be negative")
	}

	if _, err := c.LedgerConfig(); err != nil {
		return err
	}

	switch c.Store.Backend {
	case store.BackendMemory:
	case store.BackendLevelDB:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the leveldb backend")
		}
	default:
		return fmt.Errorf("invalid store backend: %s", c.Store.Backend)
	}

	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		return fmt.Errorf("events.kafka_topic is required when brokers are set")
	}
	if c.Events.AMQPURL != "" && c.Events.AMQPExchange == "" {
		return fmt.Errorf("events.amqp_exchange is required when amqp_url is set")
	}

	switch c.Idempotency.Backend {
	case "memory":
	case "redis":
		if c.Idempotency.RedisAddr == "" {
			return fmt.Errorf("idempotency.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid idempotency backend: %s", c.Idempotency.Backend)
	}

	switch c.Chain.SignerKeyring {
	case "", "system":
	case "file":
		if c.Chain.KeyringDir == "" {
			return fmt.Errorf("chain.keyring_dir is required for the file keyring")
		}
	default:
		return fmt.Errorf("invalid chain.signer_keyring: %s", c.Chain.SignerKeyring)
	}

	// Contract addresses are only needed against a real chain
	if !c.Chain.Mock {
		if c.Chain.ChainID < 1 {
			return fmt.Errorf("invalid chain_id: %d", c.Chain.ChainID)
		}
		addrs := map[string]string{
			"oracle.feed_address": c.Oracle.FeedAddress,
			"token.address":       c.Token.Address,
			"vault.address":       c.Vault.Address,
		}
		for name, addr := range addrs {
			if err := validateEthAddress(name, addr); err != nil {
				return err
			}
		}
		if c.Chain.SignerKeyFile == "" && c.Chain.SignerKeyring == "" {
			return fmt.Errorf("chain.signer_key_file or chain.signer_keyring is required when chain.mock is false")
		}
	} else if c.Oracle.MockPrice <= 0 {
		return fmt.Errorf("oracle.mock_price must be positive")
	}

	return nil
}

// LedgerConfig converts the ledger section into the ledger's own config.
func (c *Config) LedgerConfig() (ledger.Config, error) {
	minLock, err := time.ParseDuration(c.Ledger.MinLockPeriod)
	if err != nil {
		return ledger.Config{}, fmt.Errorf("invalid ledger.min_lock_period %q: %w", c.Ledger.MinLockPeriod, err)
	}
	lc := ledger.Config{
		LockPolicy:         ledger.LockPolicy(c.Ledger.LockPolicy),
		MinLockPeriod:      minLock,
		WithdrawalMode:     ledger.WithdrawalMode(c.Ledger.WithdrawalMode),
		CollateralDecimals: c.Ledger.CollateralDecimals,
		RewardDecimals:     c.Token.Decimals,
		CallTimeout:        c.TxTimeout(),
	}
	if err := lc.Validate(); err != nil {
		return ledger.Config{}, err
	}
	return lc, nil
}

// validateEthAddress checks that an Ethereum address is 0x-prefixed, 40 hex chars, and non-zero.
func validateEthAddress(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required when chain.mock is false", name)
	}
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("%s must start with 0x, got %q", name, addr)
	}
	hexPart := addr[2:]
	if len(hexPart) != 40 {
		return fmt.Errorf("%s must be 42 characters (0x + 40 hex), got %d", name, len(addr))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("%s contains invalid hex characters: %w", name, err)
	}
	if strings.Trim(hexPart, "0") == "" {
		return fmt.Errorf("%s must not be the zero address", name)
	}
	return nil
}

// expandPaths expands ~ in all path fields
func (c *Config) expandPaths() {
	c.Daemon.DataDir = expandPath(c.Daemon.DataDir)
	c.Chain.SignerKeyFile = expandPath(c.Chain.SignerKeyFile)
	c.Chain.KeyringDir = expandPath(c.Chain.KeyringDir)
	c.Store.Path = expandPath(c.Store.Path)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".usdstake", "config.yaml")
}

// EnsureDirectories creates the data directories the configured backends
// write to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Daemon.DataDir}
	if c.Store.Backend == store.BackendLevelDB {
		dirs = append(dirs, filepath.Dir(c.Store.Path))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SignerKeyringConfig describes the keyring holding the signer key. The
// backend defaults to the system keyring.
func (c *Config) SignerKeyringConfig() chain.KeyringConfig {
	backend := c.Chain.SignerKeyring
	if backend == "" {
		backend = chain.KeyringSystem
	}
	return chain.KeyringConfig{Backend: backend, FileDir: c.Chain.KeyringDir}
}

// Durations

func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.Oracle.TimeoutSecs) * time.Second
}

func (c *Config) OracleMaxStaleness() time.Duration {
	return time.Duration(c.Oracle.MaxStalenessSec) * time.Second
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Idempotency.TTLSecs) * time.Second
}

func (c *Config) TxTimeout() time.Duration {
	return time.Duration(c.Chain.TxTimeoutSecs) * time.Second
}

func (c *Config) ChallengeTTL() time.Duration {
	return time.Duration(c.API.ChallengeTTLSecs) * time.Second
}

func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.Events.PublishTimeoutSecs) * time.Second
}
