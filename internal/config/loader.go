package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the JSON configuration document at path, merges it on top of
// the built-in defaults, applies COPYRIG_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// LoadDocument reads the JSON document at path over the defaults without
// applying environment overrides. Route mutations from the operator API edit
// the document form and save it back, so env-injected secrets never end up
// on disk.
func LoadDocument(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the config document back to path atomically (temp file in the
// same directory, then rename) so a crash mid-write cannot corrupt it. Route
// mutations from the operator API persist through here.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("config: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// applyEnvOverrides reads well-known COPYRIG_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the JSON document.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.ApiHost, "COPYRIG_BROKER_API_HOST")
	setStr(&cfg.Broker.StreamHost, "COPYRIG_BROKER_STREAM_HOST")
	setStr(&cfg.Broker.Token, "COPYRIG_BROKER_TOKEN")
	setStr(&cfg.Broker.EncryptedTokenPath, "COPYRIG_BROKER_ENCRYPTED_TOKEN_PATH")
	setStr(&cfg.Broker.KeyPassphrase, "COPYRIG_KEY_PASSPHRASE")
	setStr(&cfg.Broker.DefaultRegion, "COPYRIG_BROKER_REGION")
	setDuration(&cfg.Broker.ExecuteTimeout, "COPYRIG_BROKER_EXECUTE_TIMEOUT")
	setDuration(&cfg.Broker.QueryTimeout, "COPYRIG_BROKER_QUERY_TIMEOUT")
	setDuration(&cfg.Broker.CloseTimeout, "COPYRIG_BROKER_CLOSE_TIMEOUT")
	setInt(&cfg.Broker.FailureThreshold, "COPYRIG_BROKER_FAILURE_THRESHOLD")

	// ── Squeeze ──
	setStr(&cfg.Squeeze.URL, "COPYRIG_SQUEEZE_URL")
	setDuration(&cfg.Squeeze.CacheTTL, "COPYRIG_SQUEEZE_CACHE_TTL")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "COPYRIG_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "COPYRIG_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COPYRIG_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COPYRIG_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COPYRIG_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COPYRIG_REDIS_MAX_RETRIES")

	// ── Postgres ──
	setStr(&cfg.Postgres.URL, "COPYRIG_POSTGRES_URL")
	setInt(&cfg.Postgres.PoolMaxConns, "COPYRIG_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COPYRIG_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COPYRIG_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "COPYRIG_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "COPYRIG_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COPYRIG_S3_REGION")
	setStr(&cfg.S3.Bucket, "COPYRIG_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COPYRIG_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COPYRIG_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "COPYRIG_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.ArchiveCron, "COPYRIG_S3_ARCHIVE_CRON")
	setInt(&cfg.S3.RetentionDays, "COPYRIG_S3_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "COPYRIG_SERVER_ENABLED")
	setStr(&cfg.Server.Addr, "COPYRIG_SERVER_ADDR")
	setStr(&cfg.Server.AuthToken, "COPYRIG_SERVER_AUTH_TOKEN")
	setStringSlice(&cfg.Server.CORSOrigins, "COPYRIG_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimitPerMinute, "COPYRIG_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "COPYRIG_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COPYRIG_NOTIFY_TELEGRAM_CHAT_ID")
	setStringSlice(&cfg.Notify.Events, "COPYRIG_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "COPYRIG_MODE")
	setStr(&cfg.LogLevel, "COPYRIG_LOG_LEVEL")
	setStr(&cfg.DataDir, "COPYRIG_DATA_DIR")
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

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
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
