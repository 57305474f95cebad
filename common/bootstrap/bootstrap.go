package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/nodeflow/common/config"
	"github.com/lyzr/nodeflow/common/db"
	"github.com/lyzr/nodeflow/common/logger"
	"github.com/lyzr/nodeflow/common/queue"
	"github.com/lyzr/nodeflow/common/redis"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger; every line carries the service name
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		).With("service", serviceName)
	}

	components.Logger.Info("initializing service",
		"environment", components.Config.Service.Environment,
	)

	// 3. Initialize database (if not skipped)
	if !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})

		// Run DB init hook if provided
		if options.dbInitHook != nil {
			components.Logger.Info("running database init hook")
			if err := components.dbInit(ctx, options.dbInitHook); err != nil {
				return nil, err
			}
		}
	}

	// 4. Initialize Redis (if not skipped)
	if !options.skipRedis {
		components.Logger.Info("connecting to redis",
			"addr", components.Config.Redis.Addr,
		)
		raw := goredis.NewClient(&goredis.Options{
			Addr:     components.Config.Redis.Addr,
			Password: components.Config.Redis.Password,
			DB:       components.Config.Redis.DB,
		})
		if err := raw.Ping(ctx).Err(); err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		components.Redis = redis.NewClient(raw, components.Logger)

		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return components.Redis.Close()
		})
	}

	// 5. Initialize job queue (if not skipped; requires Redis)
	if !options.skipQueue {
		if components.Redis == nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("queue requires redis: remove WithoutRedis or add WithoutQueue")
		}
		components.Logger.Info("initializing job queue",
			"stream", components.Config.Queue.Stream,
		)
		components.Queue = queue.NewRedisQueue(
			components.Redis,
			components.Config.Queue.Stream,
			components.Logger,
		)
	}

	components.Logger.Info("service initialization complete",
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"queue", components.Queue != nil,
	)

	return components, nil
}

func (c *Components) dbInit(ctx context.Context, hook func(*db.DB) error) error {
	if err := hook(c.DB); err != nil {
		c.Shutdown(ctx) // Cleanup what we've initialized
		return fmt.Errorf("database init hook failed: %w", err)
	}
	return nil
}

// MustSetup is like Setup but panics on error
// Useful for services that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
