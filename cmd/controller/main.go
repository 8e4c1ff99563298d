package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/settledrain/internal/api"
	"github.com/terminal-bench/settledrain/internal/config"
	"github.com/terminal-bench/settledrain/internal/controller"
	"github.com/terminal-bench/settledrain/internal/dispatch"
	"github.com/terminal-bench/settledrain/internal/guard"
	"github.com/terminal-bench/settledrain/internal/ledger"
	"github.com/terminal-bench/settledrain/internal/report"
	"github.com/terminal-bench/settledrain/internal/spend"
	"github.com/terminal-bench/settledrain/pkg/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", "settledrain").
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := api.NewHub(logger)
	publishers := messaging.Fanout{hub}

	var broker *messaging.Client
	if cfg.NATSUrl != "" {
		nc, err := messaging.NewClient(messaging.Config{
			URL:           cfg.NATSUrl,
			Name:          "settledrain-controller",
			ReconnectWait: time.Second,
			MaxReconnects: 5,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect failed")
		}
		defer nc.Drain()
		broker = nc
		publishers = append(publishers, nc)
		logger.Info().Str("url", cfg.NATSUrl).Msg("nats connected")
	}

	var keyStore guard.KeyStore
	if cfg.RedisURL != "" {
		store, err := guard.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connect failed")
		}
		keyStore = store
		logger.Info().Msg("redis idempotency store enabled")
	}

	schedule, err := report.NewSchedule(cfg.CheckpointCron, cfg.QuietLead)
	if err != nil {
		logger.Fatal().Err(err).Str("cron", cfg.CheckpointCron).Msg("invalid checkpoint schedule")
	}

	backlog := dispatch.NewBacklog()

	ctrl := controller.New(controller.Config{
		Logger:    logger,
		Publisher: publishers,
		KeyStore:  keyStore,
		Spend: spend.Config{
			GlobalCap:          cfg.GlobalGMVCap,
			ProviderHourlyCap:  cfg.ProviderHourlyCap,
			ConcentrationPct:   decimal.NewFromInt(cfg.ConcentrationPct),
			ConcentrationFloor: cfg.ConcentrationFloor,
		},
		Schedule:             schedule,
		HeartbeatMinInterval: cfg.HeartbeatMinInterval,
		BacklogFloor:         cfg.BacklogFloor,
		BacklogDepth:         backlog.Len,
	})

	if broker != nil {
		err := broker.Subscribe(messaging.SubjectControl, func(msg *nats.Msg) {
			if err := ctrl.HandleControl(context.Background(), msg.Data); err != nil {
				logger.Warn().Err(err).Msg("control command rejected")
			}
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("control subscribe failed")
		}
		defer broker.Unsubscribe(messaging.SubjectControl)
		logger.Info().Str("subject", messaging.SubjectControl).Msg("control channel enabled")
	}

	if cfg.DatabaseURL != "" {
		archive, err := ledger.OpenArchive(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("ledger archive open failed")
		}
		defer archive.Close()
		ctrl.Ledger().SetArchive(archive)

		rows, err := archive.Entries(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("ledger archive load failed")
		}
		if len(rows) > 0 {
			if err := ctrl.Ledger().Restore(rows); err != nil {
				logger.Fatal().Err(err).Msg("ledger restore failed")
			}
			logger.Info().Int("entries", len(rows)).Msg("ledger restored from archive")
		}
		logger.Info().Msg("ledger archive enabled")
	}

	var sink *report.InfluxSink
	if cfg.InfluxURL != "" && cfg.InfluxToken != "" {
		sink = report.NewInfluxSink(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer sink.Close()
		logger.Info().Str("bucket", cfg.InfluxBucket).Msg("influx checkpoint sink enabled")
	}

	checkpointer := report.NewCheckpointer(cfg.CheckpointCron, ctrl.CheckpointSnapshot, ctrl.RecordCheckpoint, sink, logger)
	if err := checkpointer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("checkpointer start failed")
	}
	defer checkpointer.Stop()

	var pool *dispatch.Pool
	if cfg.ProviderURL != "" {
		pool = dispatch.NewPool(dispatch.PoolConfig{
			Logger:  logger,
			Engine:  ctrl,
			Backlog: backlog,
			Client:  dispatch.NewHTTPProviderClient(cfg.ProviderURL),
			Workers: cfg.DrainWorkers,
		})
		logger.Info().Str("provider_url", cfg.ProviderURL).Msg("drain workers enabled")
	}

	serverCfg := api.Config{
		Logger:       logger,
		Controller:   ctrl,
		Backlog:      backlog,
		Pool:         pool,
		Checkpointer: checkpointer,
		Hub:          hub,
	}
	if broker != nil {
		serverCfg.Broker = broker
	}
	server := api.NewServer(serverCfg)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if pool != nil {
		g.Go(func() error {
			return pool.Run(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("controller exited")
	}
	logger.Info().Msg("controller stopped")
}
