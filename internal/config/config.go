// Package config defines the top-level configuration for the raffle daemon
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by RAFFLE_* environment variables.
type Config struct {
	Raffle   RaffleConfig   `toml:"raffle"`
	VRF      VRFConfig      `toml:"vrf"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// RaffleConfig holds the parameters fixed for the life of a raffle instance.
type RaffleConfig struct {
	EntranceFee string   `toml:"entrance_fee"` // ether, e.g. "0.01"
	Interval    duration `toml:"interval"`
	// LockKey names the Redis leader lease guarding the raffle instance.
	LockKey string   `toml:"lock_key"`
	LockTTL duration `toml:"lock_ttl"`
}

// VRFConfig describes the randomness coordinator, from either side.
type VRFConfig struct {
	// Coordinator is the address whose signature a fulfilment must carry.
	Coordinator          string `toml:"coordinator"`
	KeyHash              string `toml:"key_hash"`
	SubscriptionID       uint64 `toml:"subscription_id"`
	RequestConfirmations int    `toml:"request_confirmations"`
	CallbackGasLimit     int    `toml:"callback_gas_limit"`

	// CoordinatorURL is where a raffle node sends its requests.
	CoordinatorURL string `toml:"coordinator_url"`
	// ConsumerURL is where an oracle node delivers fulfilments.
	ConsumerURL  string `toml:"consumer_url"`
	ConsumerName string `toml:"consumer_name"`
	// RequestKey and RequestSecret sign raffle-to-coordinator requests.
	RequestKey    string `toml:"request_key"`
	RequestSecret string `toml:"request_secret"`

	BaseFee    string   `toml:"base_fee"`    // ether charged per fulfilment
	FundAmount string   `toml:"fund_amount"` // ether credited to the dev subscription
	BlockTime  duration `toml:"block_time"`

	// DeliveryLimit fulfilments per DeliveryWindow, shared through redis by
	// every oracle delivering to the same consumer. Zero disables pacing.
	DeliveryLimit  int      `toml:"delivery_limit"`
	DeliveryWindow duration `toml:"delivery_window"`

	SigningKey       string `toml:"signing_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// KeeperConfig controls the in-process upkeep trigger.
type KeeperConfig struct {
	Enabled      bool     `toml:"enabled"`
	PollInterval duration `toml:"poll_interval"`
}

// PostgresConfig holds PostgreSQL connection parameters. An empty host and
// DSN disable persistence.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// Enabled reports whether a database is configured.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.DSN) != "" || p.Host != ""
}

// RedisConfig holds Redis connection parameters. An empty addr disables the
// bus, lock and rate limiter.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	StreamLen  int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters. An empty bucket
// disables the receipt archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	EnterRateLimit  int      `toml:"enter_rate_limit"`
	EnterRateWindow duration `toml:"enter_rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with values that run a local
// development raffle: a 0.01 ether fee, a 30 second interval and an
// in-process coordinator, the way the hardhat network is set up.
func Defaults() Config {
	return Config{
		Raffle: RaffleConfig{
			EntranceFee: "0.01",
			Interval:    duration{30 * time.Second},
			LockKey:     "raffle:leader",
			LockTTL:     duration{15 * time.Second},
		},
		VRF: VRFConfig{
			KeyHash:              "0xd89b2bf150e3b9e13446986e571fb9cab24b13cea0a43ea20a6049a85cc807cc",
			SubscriptionID:       1,
			RequestConfirmations: 3,
			CallbackGasLimit:     500_000,
			ConsumerName:         "raffle",
			BaseFee:              "0.25",
			FundAmount:           "10",
			BlockTime:            duration{time.Second},
			DeliveryLimit:        5,
			DeliveryWindow:       duration{time.Second},
		},
		Keeper: KeeperConfig{
			Enabled:      true,
			PollInterval: duration{5 * time.Second},
		},
		Postgres: PostgresConfig{
			Port:          5432,
			Database:      "raffle",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			StreamLen:  10_000,
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			EnterRateLimit:  10,
			EnterRateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{domain.EventRoundClosed, domain.EventWinnerPicked, domain.EventTransferFailed},
		},
		Mode:     "dev",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"raffle": true,
	"oracle": true,
	"dev":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RaffleParams converts the raffle and vrf sections into the core's
// configuration.
func (c *Config) RaffleParams() (domain.RaffleConfig, error) {
	fee, err := domain.ParseEther(c.Raffle.EntranceFee)
	if err != nil {
		return domain.RaffleConfig{}, fmt.Errorf("config: raffle.entrance_fee: %w", err)
	}
	out := domain.RaffleConfig{
		EntranceFee:          fee,
		Interval:             c.Raffle.Interval.Duration,
		KeyHash:              common.HexToHash(c.VRF.KeyHash),
		SubscriptionID:       c.VRF.SubscriptionID,
		RequestConfirmations: uint16(c.VRF.RequestConfirmations),
		CallbackGasLimit:     uint32(c.VRF.CallbackGasLimit),
	}
	if c.VRF.Coordinator != "" {
		out.Coordinator = common.HexToAddress(c.VRF.Coordinator)
	}
	return out, out.Validate()
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: raffle, oracle, dev)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Raffle
	if mode != "oracle" {
		if fee, err := domain.ParseEther(c.Raffle.EntranceFee); err != nil || fee.Sign() <= 0 {
			errs = append(errs, fmt.Sprintf("raffle: entrance_fee must be a positive ether amount, got %q", c.Raffle.EntranceFee))
		}
		if c.Raffle.Interval.Duration <= 0 {
			errs = append(errs, "raffle: interval must be > 0")
		}
	}

	// VRF
	if c.VRF.KeyHash != "" && !isHexHash(c.VRF.KeyHash) {
		errs = append(errs, "vrf: key_hash must be a 32-byte hex string")
	}
	if c.VRF.RequestConfirmations < 0 || c.VRF.RequestConfirmations > 200 {
		errs = append(errs, fmt.Sprintf("vrf: request_confirmations must be 0-200, got %d", c.VRF.RequestConfirmations))
	}
	if c.VRF.CallbackGasLimit <= 0 || c.VRF.CallbackGasLimit > 2_500_000 {
		errs = append(errs, fmt.Sprintf("vrf: callback_gas_limit must be 1-2500000, got %d", c.VRF.CallbackGasLimit))
	}
	if c.VRF.Coordinator != "" && !common.IsHexAddress(c.VRF.Coordinator) {
		errs = append(errs, fmt.Sprintf("vrf: coordinator %q is not an address", c.VRF.Coordinator))
	}
	for name, v := range map[string]string{"base_fee": c.VRF.BaseFee, "fund_amount": c.VRF.FundAmount} {
		if v == "" {
			continue
		}
		if _, err := domain.ParseEther(v); err != nil {
			errs = append(errs, fmt.Sprintf("vrf: %s: %v", name, err))
		}
	}
	hasKey := c.VRF.SigningKey != "" || c.VRF.EncryptedKeyPath != ""
	if c.VRF.EncryptedKeyPath != "" && c.VRF.KeyPassword == "" {
		errs = append(errs, "vrf: key_password is required when encrypted_key_path is set")
	}
	switch mode {
	case "raffle":
		if c.VRF.Coordinator == "" {
			errs = append(errs, "vrf: coordinator address is required for mode raffle")
		}
		if c.VRF.CoordinatorURL == "" {
			errs = append(errs, "vrf: coordinator_url is required for mode raffle")
		}
	case "oracle":
		if !hasKey {
			errs = append(errs, "vrf: signing_key or encrypted_key_path is required for mode oracle")
		}
		if c.VRF.ConsumerURL == "" {
			errs = append(errs, "vrf: consumer_url is required for mode oracle")
		}
	}
	if mode == "oracle" || mode == "raffle" {
		if (c.VRF.RequestKey == "") != (c.VRF.RequestSecret == "") {
			errs = append(errs, "vrf: request_key and request_secret must be set together")
		}
	}
	if c.VRF.BlockTime.Duration <= 0 {
		errs = append(errs, "vrf: block_time must be > 0")
	}
	if c.VRF.DeliveryLimit > 0 && c.VRF.DeliveryWindow.Duration <= 0 {
		errs = append(errs, "vrf: delivery_window must be > 0 when delivery_limit is set")
	}

	// Keeper
	if c.Keeper.Enabled && c.Keeper.PollInterval.Duration <= 0 {
		errs = append(errs, "keeper: poll_interval must be > 0 when enabled")
	}

	// Postgres
	if c.Postgres.Enabled() && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}
	if mode == "raffle" && !c.Postgres.Enabled() {
		errs = append(errs, "postgres: dsn or host is required for mode raffle")
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.Addr != "" && c.Raffle.LockTTL.Duration <= 0 {
		errs = append(errs, "raffle: lock_ttl must be > 0 when redis is configured")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.EnterRateLimit > 0 && c.Server.EnterRateWindow.Duration <= 0 {
			errs = append(errs, "server: enter_rate_window must be > 0 when enter_rate_limit is set")
		}
	}
	if (mode == "raffle" || mode == "oracle") && !c.Server.Enabled {
		errs = append(errs, "server: must be enabled for mode "+mode)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isHexHash(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
