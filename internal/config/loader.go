package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies RAFFLE_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known RAFFLE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Raffle ──
	setStr(&cfg.Raffle.EntranceFee, "RAFFLE_ENTRANCE_FEE")
	setDuration(&cfg.Raffle.Interval, "RAFFLE_INTERVAL")
	setStr(&cfg.Raffle.LockKey, "RAFFLE_LOCK_KEY")
	setDuration(&cfg.Raffle.LockTTL, "RAFFLE_LOCK_TTL")

	// ── VRF ──
	setStr(&cfg.VRF.Coordinator, "RAFFLE_VRF_COORDINATOR")
	setStr(&cfg.VRF.KeyHash, "RAFFLE_VRF_KEY_HASH")
	setUint64(&cfg.VRF.SubscriptionID, "RAFFLE_VRF_SUBSCRIPTION_ID")
	setInt(&cfg.VRF.RequestConfirmations, "RAFFLE_VRF_REQUEST_CONFIRMATIONS")
	setInt(&cfg.VRF.CallbackGasLimit, "RAFFLE_VRF_CALLBACK_GAS_LIMIT")
	setStr(&cfg.VRF.CoordinatorURL, "RAFFLE_VRF_COORDINATOR_URL")
	setStr(&cfg.VRF.ConsumerURL, "RAFFLE_VRF_CONSUMER_URL")
	setStr(&cfg.VRF.ConsumerName, "RAFFLE_VRF_CONSUMER_NAME")
	setStr(&cfg.VRF.RequestKey, "RAFFLE_VRF_REQUEST_KEY")
	setStr(&cfg.VRF.RequestSecret, "RAFFLE_VRF_REQUEST_SECRET")
	setStr(&cfg.VRF.BaseFee, "RAFFLE_VRF_BASE_FEE")
	setStr(&cfg.VRF.FundAmount, "RAFFLE_VRF_FUND_AMOUNT")
	setDuration(&cfg.VRF.BlockTime, "RAFFLE_VRF_BLOCK_TIME")
	setInt(&cfg.VRF.DeliveryLimit, "RAFFLE_VRF_DELIVERY_LIMIT")
	setDuration(&cfg.VRF.DeliveryWindow, "RAFFLE_VRF_DELIVERY_WINDOW")
	setStr(&cfg.VRF.SigningKey, "RAFFLE_VRF_SIGNING_KEY")
	setStr(&cfg.VRF.EncryptedKeyPath, "RAFFLE_VRF_ENCRYPTED_KEY_PATH")
	setStr(&cfg.VRF.KeyPassword, "RAFFLE_VRF_KEY_PASSWORD")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "RAFFLE_KEEPER_ENABLED")
	setDuration(&cfg.Keeper.PollInterval, "RAFFLE_KEEPER_POLL_INTERVAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "RAFFLE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "RAFFLE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RAFFLE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RAFFLE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RAFFLE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RAFFLE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RAFFLE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RAFFLE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RAFFLE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "RAFFLE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "RAFFLE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RAFFLE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RAFFLE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RAFFLE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "RAFFLE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "RAFFLE_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamLen, "RAFFLE_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "RAFFLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RAFFLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "RAFFLE_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "RAFFLE_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "RAFFLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RAFFLE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "RAFFLE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "RAFFLE_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "RAFFLE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "RAFFLE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "RAFFLE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "RAFFLE_SERVER_API_KEY")
	setInt(&cfg.Server.EnterRateLimit, "RAFFLE_SERVER_ENTER_RATE_LIMIT")
	setDuration(&cfg.Server.EnterRateWindow, "RAFFLE_SERVER_ENTER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "RAFFLE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RAFFLE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RAFFLE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "RAFFLE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "RAFFLE_MODE")
	setStr(&cfg.LogLevel, "RAFFLE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
