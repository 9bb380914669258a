// Package app wires configuration into the running components shared by
// cmd/server and cmd/worker.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-webinar/livestream/config"
	"github.com/aura-webinar/livestream/internal/authz"
	"github.com/aura-webinar/livestream/internal/livestream"
	"github.com/aura-webinar/livestream/internal/metrics"
	"github.com/aura-webinar/livestream/internal/provider"
	"github.com/aura-webinar/livestream/internal/realtime"
	"github.com/aura-webinar/livestream/internal/recordings"
	"github.com/aura-webinar/livestream/internal/streams"
	"github.com/aura-webinar/livestream/pkg/database"
	"github.com/aura-webinar/livestream/pkg/queue"
	"github.com/aura-webinar/livestream/pkg/redis"
	"github.com/aura-webinar/livestream/pkg/response"
	"github.com/aura-webinar/livestream/pkg/storage"
)

const readyTimeout = 2 * time.Second

// App holds the wired components. Optional parts are nil when not configured.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Pool     *pgxpool.Pool      // nil with the memory store
	Redis    *goredis.Client    // nil without REDIS_ADDR
	Queue    *queue.Queue       // nil without Redis
	S3       *storage.S3        // nil without a recordings bucket
	Hub      *realtime.Hub
	Provider provider.Client
	Authz    authz.Authorizer
	Registry *streams.Registry
	Coord    *recordings.Coordinator
	Service  *livestream.Service
}

// Build connects to the configured backends and wires the domain services.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New(), Authz: authz.NewRoleAuthorizer()}

	var streamStore streams.Store = streams.NewMemoryStore()
	var recStore recordings.Store = recordings.NewMemoryStore()
	if cfg.Store == config.StorePostgres {
		pool, err := database.NewPostgresPool(ctx, database.PoolConfig{
			DSN:             cfg.Database.DSN(),
			MaxConns:        cfg.Database.MaxConns,
			MaxConnIdleTime: 5 * time.Minute,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		a.Pool = pool
		if err := database.Migrate(ctx, pool); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		streamStore = streams.NewPostgresStore(pool)
		recStore = recordings.NewPostgresStore(pool)
	} else {
		logger.Warn("using in-memory stores; records are lost on restart")
	}

	var locker streams.Locker = streams.NewKeyedMutex()
	var pubsub *realtime.RedisPubSub
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.Redis = rdb
		a.Queue = queue.NewQueue(rdb, logger)
		locker = redis.NewLocker(rdb, cfg.Redis.LockTTL(), logger)
		pubsub = realtime.NewRedisPubSub(rdb, logger)
	} else {
		logger.Warn("redis disabled; stream locks and events are local to this instance")
	}
	if pubsub != nil {
		a.Hub = realtime.NewHub(logger, pubsub, pubsub)
	} else {
		a.Hub = realtime.NewHub(logger, nil, nil)
	}

	if cfg.AWS.RecordingsBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			a.S3 = s3Client
		}
	}

	a.Provider = newProvider(cfg.Provider, a.Metrics, logger)

	a.Registry = streams.NewRegistry(streamStore, logger)
	a.Coord = recordings.NewCoordinator(recStore, a.Registry, a.Provider, locker, logger)
	a.Coord.SetFreshness(cfg.Reconcile.Freshness())
	a.Coord.SetMetrics(a.Metrics)
	a.Coord.SetPublisher(a.Hub)
	if a.Queue != nil && a.S3 != nil {
		a.Coord.SetArchiver(a.Queue)
	}

	a.Service = livestream.NewService(a.Registry, a.Coord, a.Provider, a.Authz, locker, logger)
	a.Service.SetMetrics(a.Metrics)
	a.Service.SetPublisher(a.Hub)
	return a, nil
}

func newProvider(cfg config.ProviderConfig, m *metrics.Metrics, logger *zap.Logger) provider.Client {
	var next provider.Client
	if cfg.Mode == config.ProviderFake {
		logger.Warn("using fake streaming provider")
		next = provider.NewFake()
	} else {
		next = provider.NewHTTPClient(provider.HTTPConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout(),
		}, logger)
	}
	bc := provider.DefaultBreakerConfig()
	bc.MinRequests = uint32(cfg.BreakerMinReqs)
	bc.FailureRatio = cfg.BreakerRatio
	bc.Timeout = time.Duration(cfg.BreakerOpenSec) * time.Second
	bc.MaxRequests = uint32(cfg.BreakerHalfOpenN)
	return provider.NewBreakerClient(next, bc, m, logger)
}

// Presigner returns the S3 client as a recordings.Presigner, or nil when archiving is off.
func (a *App) Presigner() recordings.Presigner {
	if a.S3 == nil {
		return nil
	}
	return a.S3
}

// Ready pings the configured backends.
func (a *App) Ready(ctx context.Context) error {
	if a.Pool != nil {
		if err := a.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Readiness handles GET /ready: 503 while a backend is unreachable.
func (a *App) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()
	if err := a.Ready(ctx); err != nil {
		a.Logger.Warn("readiness check failed", zap.Error(err))
		response.ServiceUnavailable(c, err.Error())
		return
	}
	response.OK(c, gin.H{"status": "ready"})
}

// Close releases backend connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
