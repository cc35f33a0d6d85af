// cmd/lobbyd/main.go runs the lobby, matchmaking and session engines until
// SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/cambia-lobby/internal/config"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/lobby"
	"github.com/jason-s-yu/cambia-lobby/internal/matchmaking"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/jason-s-yu/cambia-lobby/internal/outbox"
	"github.com/jason-s-yu/cambia-lobby/internal/session"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const statsInterval = time.Minute

func main() {
	logger := logrus.New()

	cfg, err := config.Load(config.Options{})
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("lobbyd exited")
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (database.Store, error) {
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("using in-memory store; lobbies are lost on restart")
		return database.NewMemoryStore(), nil
	}
	pool, err := database.ConnectDB(ctx, cfg.PostgresURL())
	if err != nil {
		return nil, err
	}
	store := database.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	logger.WithField("host", cfg.Postgres.Host).Info("connected to postgres")
	return store, nil
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	lobbies := lobby.NewLobbyManager(store,
		lobby.WithLogger(logger.WithField("component", "lobby")),
		lobby.WithRetryOptions(cfg.RetryOptions(logger.WithField("component", "retry"))),
	)

	g, ctx := errgroup.WithContext(ctx)

	var notifier session.LobbyNotifier = session.NewDirectNotifier(lobbies)
	if cfg.Outbox.Enabled {
		rdb, err := outbox.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()

		ob := outbox.NewRedisOutbox(rdb,
			outbox.WithQueueName(cfg.Outbox.QueueName),
			outbox.WithRedisLogger(logger.WithField("component", "outbox")),
		)
		relay := outbox.NewRelay(ob, lobbies, outbox.WithRelayLogger(logger.WithField("component", "relay")))
		g.Go(func() error { return relay.Run(ctx) })
		notifier = outbox.NewNotifier(ob)
		logger.WithFields(logrus.Fields{"addr": cfg.Redis.Addr, "queue": cfg.Outbox.QueueName}).Info("lobby event outbox enabled")
	}

	engine := matchmaking.NewEngine(lobbies,
		matchmaking.WithLogger(logger.WithField("component", "matchmaking")),
		matchmaking.WithMatchTimeout(cfg.MatchTimeout),
		matchmaking.WithDefaultInterval(cfg.QueueProcessInterval),
		matchmaking.WithDefaultMaxPlayers(cfg.DefaultQueueMax),
		matchmaking.WithPassTimeout(cfg.QueueProcessInterval),
	)
	defer engine.Close()
	if _, err := engine.CreateQueue(models.DefaultLobbyMode, matchmaking.QueueOptions{MaxPlayers: cfg.DefaultQueueMax}); err != nil {
		return fmt.Errorf("create default queue: %w", err)
	}

	sessions := session.NewManager(store, notifier,
		session.WithLogger(logger.WithField("component", "session")),
		session.WithTimeout(cfg.SessionTimeout),
		session.WithReapInterval(cfg.SessionReapInterval),
	)
	if err := sessions.Start(); err != nil {
		return fmt.Errorf("start session reaper: %w", err)
	}
	defer sessions.Close()

	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				mm := engine.Stats()
				reaper := sessions.ReaperStats()
				logger.WithFields(logrus.Fields{
					"passes":         mm.Passes,
					"matches":        mm.Matches,
					"failed_groups":  mm.FailedGroups,
					"skipped_ticks":  mm.SkippedTicks,
					"reaper_runs":    reaper.Runs,
					"reaper_fails":   reaper.Failures,
					"sessions_timed": sessions.Reaped(),
				}).Info("engine stats")
			}
		}
	})

	logger.WithField("backend", cfg.StoreBackend).Info("lobbyd started")
	<-ctx.Done()
	logger.Info("lobbyd shutting down")
	return g.Wait()
}
