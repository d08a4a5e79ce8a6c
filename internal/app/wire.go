package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/copyrig/copyrig/internal/blob/s3"
	"github.com/copyrig/copyrig/internal/broker"
	"github.com/copyrig/copyrig/internal/cache/redis"
	"github.com/copyrig/copyrig/internal/config"
	"github.com/copyrig/copyrig/internal/crypto"
	"github.com/copyrig/copyrig/internal/domain"
	"github.com/copyrig/copyrig/internal/notify"
	"github.com/copyrig/copyrig/internal/pipeline"
	"github.com/copyrig/copyrig/internal/platform/metatrader"
	"github.com/copyrig/copyrig/internal/platform/squeeze"
	"github.com/copyrig/copyrig/internal/stats"
	"github.com/copyrig/copyrig/internal/store/mapfile"
	"github.com/copyrig/copyrig/internal/store/postgres"
	"github.com/copyrig/copyrig/internal/store/suppress"
)

// Dependencies bundles every engine-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	Gateway  domain.Gateway
	Mappings domain.MappingStore
	Suppress domain.SuppressionStore

	// Optional: nil unless Postgres is configured.
	Audit   domain.AuditStore
	History domain.HistoryStore

	// Optional: nil unless Redis is enabled.
	RateLimiter domain.RateLimiter

	// Optional: nil unless S3 is enabled.
	Archiver *s3blob.Archiver

	Squeeze  pipeline.ScoreProvider
	Stats    *stats.Collector
	Notifier *notify.Notifier
}

// Wire constructs every concrete dependency from the configuration and
// returns it with a cleanup function releasing resources in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Stats: stats.NewCollector()}

	// Alerting first: the gateway and everything downstream needs it.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		tg, err := notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: telegram: %w", err)
		}
		senders = append(senders, tg)
	} else {
		senders = append(senders, notify.NewLogSender(logger))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// Mapping store: append-only log segments under the data dir.
	mappings, err := mapfile.Open(cfg.DataDir, cfg.Global.LogSegmentBytes, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: mapping store: %w", err)
	}
	closers = append(closers, func() { _ = mappings.Close() })
	deps.Mappings = mappings

	// Suppression: Redis when enabled, file backend otherwise.
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Suppress = redis.NewSuppressionStore(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
	} else {
		fileStore, err := suppress.OpenFile(cfg.DataDir)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: suppression store: %w", err)
		}
		deps.Suppress = fileStore
	}

	// Broker gateway.
	token, err := crypto.LoadToken(crypto.TokenConfig{
		RawToken:           cfg.Broker.Token,
		EncryptedTokenPath: cfg.Broker.EncryptedTokenPath,
		Passphrase:         cfg.Broker.KeyPassphrase,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: broker token: %w", err)
	}

	mtClient := metatrader.NewClient(metatrader.ClientOptions{
		APIHost:        cfg.Broker.ApiHost,
		Token:          token,
		DefaultRegion:  cfg.Broker.DefaultRegion,
		QueryTimeout:   cfg.Broker.QueryTimeout.Duration,
		ExecuteTimeout: cfg.Broker.ExecuteTimeout.Duration,
	})
	deps.Gateway = broker.NewGateway(mtClient, broker.Options{
		StreamHost:       cfg.Broker.StreamHost,
		Token:            token,
		DefaultRegion:    cfg.Broker.DefaultRegion,
		FailureThreshold: cfg.Broker.FailureThreshold,
		AlertWindow:      cfg.Broker.ConnAlertWindow.Duration,
		ExecuteTimeout:   cfg.Broker.ExecuteTimeout.Duration,
		QueryTimeout:     cfg.Broker.QueryTimeout.Duration,
		CloseTimeout:     cfg.Broker.CloseTimeout.Duration,
	}, deps.Suppress, deps.Notifier, logger)

	// Postgres: audit log and copy history.
	if cfg.Postgres.URL != "" {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			URL:      cfg.Postgres.URL,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Audit = postgres.NewAuditStore(pool)
		deps.History = postgres.NewHistoryStore(pool)
	}

	// S3: mapping-log segment archival.
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         true,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(cfg.DataDir, s3Client, cfg.S3.RetentionDays, logger)
	}

	// Squeeze score provider.
	if cfg.Squeeze.URL != "" {
		deps.Squeeze = squeeze.NewClient(cfg.Squeeze.URL, cfg.Squeeze.CacheTTL.Duration, logger)
	} else {
		deps.Squeeze = squeeze.Disabled{}
	}

	return deps, cleanup, nil
}
