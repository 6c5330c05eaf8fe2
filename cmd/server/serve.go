package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/lock"
	"github.com/warp/billing-engine/logger"
	"github.com/warp/billing-engine/metrics"
	"github.com/warp/billing-engine/store/sqlite"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the indexation monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyFlagOverrides(cmd)
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	log := logger.WithComponent("server")
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	locker, closeLocker, err := newLocker(ctx)
	if err != nil {
		return err
	}
	defer closeLocker()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	svc := billing.NewService(store, locker)
	svc.Logger = logger.WithComponent("billing")
	if m != nil {
		svc.Observer = m
	}

	handler := api.NewHandler(svc, store, logger.WithComponent("api"))
	handler.IndexationWarningDays = cfg.IndexationWarningDays

	router := api.NewRouter(handler, api.RouterConfig{
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		Metrics:           m,
	})

	monitor := api.NewIndexationMonitor(svc, logger.WithComponent("indexation"))
	monitor.CheckInterval = cfg.IndexationScanInterval
	monitor.WarningDays = cfg.IndexationWarningDays
	monitor.Metrics = m
	monitor.Start()
	defer monitor.Stop()

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.AppAddr).Str("db", cfg.DBPath).Bool("metrics", m != nil).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}

// newLocker returns the Redis lock when REDIS_ADDR is set, otherwise the
// in-process lock. Several server instances sharing one database need Redis.
func newLocker(ctx context.Context) (billing.AgreementLocker, func(), error) {
	log := logger.WithComponent("lock")
	if !cfg.UsesRedisLock() {
		log.Info().Msg("using in-process agreement lock")
		return lock.NewLocal(), func() {}, nil
	}

	client, err := lock.NewRedisClient(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("addr", cfg.RedisAddr).Dur("ttl", cfg.LockTTL).Msg("using redis agreement lock")
	return lock.NewRedis(client, cfg.LockTTL), func() { closeRedis(client) }, nil
}

func closeRedis(client *redis.Client) {
	if err := client.Close(); err != nil {
		l := logger.WithComponent("lock")
		l.Warn().Err(err).Msg("closing redis client")
	}
}
