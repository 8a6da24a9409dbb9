// Command seoengine is the single binary for the producer API, the batch
// worker, and the stuck-job recovery sweep, organized as cobra subcommands
// rather than separate flat mains.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/ficreative/seo-batch-engine/internal/api"
	"github.com/ficreative/seo-batch-engine/internal/config"
	"github.com/ficreative/seo-batch-engine/internal/engine"
	"github.com/ficreative/seo-batch-engine/internal/generator"
	"github.com/ficreative/seo-batch-engine/internal/lock"
	"github.com/ficreative/seo-batch-engine/internal/logging"
	"github.com/ficreative/seo-batch-engine/internal/queue"
	"github.com/ficreative/seo-batch-engine/internal/ratelimit"
	"github.com/ficreative/seo-batch-engine/internal/store"
	"github.com/ficreative/seo-batch-engine/internal/storeapi"
	"github.com/ficreative/seo-batch-engine/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{Use: "seoengine"}
	root.AddCommand(serveAPICmd(), workCmd(), recoverCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func redisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
}

func newGenerator(cfg config.Config) *generator.Client {
	return generator.New(generator.Config{
		APIURL: cfg.GeneratorAPIURL, APIKey: cfg.GeneratorAPIKey,
		MaxAttempts: cfg.GeneratorMaxAttempts, Timeout: cfg.GeneratorTimeout, BackoffBase: cfg.GeneratorBackoffBase,
	}, nil)
}

func newStoreAPI(cfg config.Config) *storeapi.Client {
	return storeapi.New(storeapi.Config{
		URL: cfg.StoreAPIURL, Key: cfg.StoreAPIKey,
		MaxAttempts: cfg.StoreAPIMaxAttempts, Timeout: cfg.StoreAPITimeout, BackoffBase: cfg.StoreAPIBackoffBase,
		ThrottleMinAvailable: cfg.ThrottleMinAvailable, ThrottleMaxWait: cfg.ThrottleMaxWait,
	}, nil)
}

func workerID(cfg config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pg.Close()

			if err := store.RunMigrations(ctx, pg.Pool()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Println("migrations applied")
			return nil
		},
	}
}

func serveAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-api",
		Short: "run the producer API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx, cancel := rootContext()
			defer cancel()

			pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pg.Close()
			if err := store.RunMigrations(ctx, pg.Pool()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			broker := queue.New(redisClient(cfg), cfg.LeaseTTL)
			limiter := ratelimit.NewTokenBucket(redisClient(cfg), 20, 2, time.Hour)
			sa := newStoreAPI(cfg)

			srv := api.New(cfg, pg, broker, sa, limiter)
			httpServer := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: srv.Router()}

			go func() {
				log.Printf("api listening on :%s", cfg.HTTPPort)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("listen: %v", err)
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
}

func workCmd() *cobra.Command {
	var maxDispatchPerSec float64
	cmd := &cobra.Command{
		Use:   "work",
		Short: "run the batch worker loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx, cancel := rootContext()
			defer cancel()

			pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pg.Close()

			logger, err := logging.NewZap(cfg.Env)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			broker := queue.New(redisClient(cfg), cfg.LeaseTTL)
			deps := engine.Deps{
				Store: pg, Lock: lock.New(redisClient(cfg)), Broker: broker,
				Generator: newGenerator(cfg), StoreAPI: newStoreAPI(cfg),
				Logger: logger, Config: cfg, WorkerID: workerID(cfg),
			}
			dispatcher := engine.NewDispatcher(deps)

			go func() {
				if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
					log.Printf("metrics server stopped: %v", err)
				}
			}()

			// A local smoothing limiter bounding how fast this process pulls
			// broker deliveries, independent of the distributed tenant lock —
			// a safety valve against one worker hammering the queue after a
			// burst of scheduled messages comes due at once.
			limiter := rate.NewLimiter(rate.Limit(maxDispatchPerSec), 1)

			log.Printf("worker %s started poll_interval=%s", deps.WorkerID, cfg.WorkerPollInterval)
			for {
				select {
				case <-ctx.Done():
					return nil
				default:
				}

				if err := limiter.Wait(ctx); err != nil {
					return nil
				}

				_, _ = broker.PromoteScheduled(ctx, time.Now(), 100)
				if reclaimed, _ := broker.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
					logger.Warnw("requeued expired in-flight messages", "count", len(reclaimed))
				}
				if gen, pub, err := broker.ReadyDepth(ctx); err == nil {
					telemetry.QueueDepth.WithLabelValues(string(queue.KindGenerate)).Set(float64(gen))
					telemetry.QueueDepth.WithLabelValues(string(queue.KindPublish)).Set(float64(pub))
				}

				msg, err := broker.Dequeue(ctx)
				if err != nil {
					logger.Errorw("dequeue failed", "error", err)
					time.Sleep(cfg.WorkerPollInterval)
					continue
				}
				if msg.JobID == "" {
					time.Sleep(cfg.WorkerPollInterval)
					continue
				}

				if err := dispatcher.Dispatch(ctx, msg); err != nil {
					logger.Errorw("dispatch failed", "jobId", msg.JobID, "kind", msg.Kind, "error", err)
				}
			}
		},
	}
	cmd.Flags().Float64Var(&maxDispatchPerSec, "max-dispatch-per-sec", 20, "local safety cap on broker deliveries processed per second")
	return cmd
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "run the stuck-job recovery sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx, cancel := rootContext()
			defer cancel()

			pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pg.Close()

			logger, err := logging.NewZap(cfg.Env)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			deps := engine.Deps{Store: pg, Logger: logger, Config: cfg, WorkerID: workerID(cfg)}

			interval := cfg.RecoveryInterval
			if interval <= 0 {
				interval = time.Minute
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			log.Printf("recovery sweep started interval=%s stuck_after=%s", interval, cfg.StuckAfter)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					n, err := engine.RunRecoveryTick(ctx, deps, time.Now())
					if err != nil {
						logger.Errorw("recovery tick failed", "error", err)
						continue
					}
					if n > 0 {
						logger.Infow("recovered stuck jobs", "count", n)
					}
				}
			}
		},
	}
}
