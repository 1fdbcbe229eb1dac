package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plasticity/resultsync/internal/config"
	"github.com/plasticity/resultsync/internal/identity"
	"github.com/plasticity/resultsync/internal/queue"
	"github.com/plasticity/resultsync/internal/results"
	"github.com/plasticity/resultsync/internal/storage"
	"github.com/plasticity/resultsync/internal/storage/cassandra"
	"github.com/plasticity/resultsync/internal/storage/rest"
	"github.com/plasticity/resultsync/internal/storage/sqlite"
	"github.com/plasticity/resultsync/pkg/logger"
)

// App is a configured results service and the resources it holds open.
type App struct {
	Config  *config.Config
	Log     *logger.Logger
	Service *results.Service

	closers []func()
}

// Close stops the service and releases backend connections.
func (a *App) Close() {
	a.Service.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.Log.Sync()
}

// loadApp reads configuration and builds the App it describes.
func loadApp() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	log, err := logger.NewWithOptions(logger.Options{Level: logger.Level(cfg.LogLevel), File: cfg.LogFile})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid LOG_LEVEL", err)
	}
	app, err := NewApp(cfg, log)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to initialize", err)
	}
	return app, nil
}

// NewApp connects the configured store and queue backends.
func NewApp(cfg *config.Config, log *logger.Logger) (*App, error) {
	app := &App{Config: cfg, Log: log}

	store, err := app.openStore()
	if err != nil {
		app.closeAll()
		return nil, err
	}
	qs, err := app.openQueue()
	if err != nil {
		app.closeAll()
		return nil, err
	}

	resolver := identity.FromContext{Fallback: identity.Static(cfg.UserID)}
	app.Service = results.NewService(store, resolver, log, results.Options{
		Queue: qs,
		Backoff: queue.Options{
			BaseDelay: cfg.Queue.BaseDelay,
			MaxDelay:  cfg.Queue.MaxDelay,
		},
	})

	log.Info("Results service configured",
		logger.F("store", cfg.Store),
		logger.F("queue", cfg.Queue.Backend),
	)
	return app, nil
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *App) openStore() (storage.Store, error) {
	cfg := a.Config
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := sqlite.Open(cfg.SQLite.Path, nil, a.Log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { s.Close() })
		return s, nil

	case config.StoreCassandra:
		client, err := cassandra.NewClient(cfg.Cassandra, nil, a.Log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return cassandra.NewStore(client, a.Log, cfg.Cassandra.Timeout), nil

	case config.StoreREST:
		return rest.New(rest.Options{
			URL:     cfg.REST.URL,
			Key:     cfg.REST.Key,
			Timeout: cfg.REST.Timeout,
		}, a.Log)

	case config.StoreMemory:
		a.Log.Warn("Using in-memory store; results are lost on exit")
		return storage.NewMemoryStore(nil), nil

	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func (a *App) openQueue() (queue.Storage, error) {
	cfg := a.Config
	switch cfg.Queue.Backend {
	case config.QueueFile:
		return queue.NewFileStorage(cfg.Queue.Path, a.Log), nil

	case config.QueueRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.closers = append(a.closers, func() { client.Close() })
		return queue.NewRedisStorage(client, cfg.Queue.Key, a.Log), nil

	case config.QueueMemory:
		return queue.NewMemoryStorage(), nil

	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}
