package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Simplici0/printflow/internal/config"
	"github.com/Simplici0/printflow/internal/db"
	"github.com/Simplici0/printflow/internal/idempotency"
	"github.com/Simplici0/printflow/internal/jobs"
	"github.com/Simplici0/printflow/internal/logging"
	"github.com/Simplici0/printflow/internal/migrations"
	"github.com/Simplici0/printflow/internal/order"
	"github.com/Simplici0/printflow/internal/outbox"
	"github.com/Simplici0/printflow/internal/pipeline"
	"github.com/Simplici0/printflow/internal/pricing"
	"github.com/Simplici0/printflow/internal/seed"
	"github.com/Simplici0/printflow/internal/slicer"
	"github.com/Simplici0/printflow/internal/storage"
	"github.com/Simplici0/printflow/internal/tracing"
)

const shutdownTimeout = 15 * time.Second

func main() {
	app := &cli.App{
		Name:  "printflow",
		Usage: "3D-print order fulfillment server",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP server, slicing workers and outbox relay",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply pending database migrations",
				Action: migrate,
			},
			{
				Name:   "seed",
				Usage:  "insert the admin user and default catalog profiles",
				Action: runSeed,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("printflow stopped")
	}
}

// setup loads configuration and builds the logger every command shares.
func setup() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}
	return cfg, log, nil
}

func openDB(ctx context.Context, cfg config.Config, log logrus.FieldLogger, migrate bool) (*sqlx.DB, error) {
	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if !migrate {
		return conn, nil
	}
	results, err := migrations.Up(ctx, conn.DB)
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "run database migrations"), conn.Close())
	}
	for _, r := range results {
		log.WithFields(logrus.Fields{
			"version":  r.Source.Version,
			"file":     r.Source.Path,
			"duration": r.Duration,
		}).Info("migration applied")
	}
	return conn, nil
}

func migrate(c *cli.Context) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	conn, err := openDB(c.Context, cfg, log, true)
	if err != nil {
		return err
	}
	defer conn.Close()

	version, err := migrations.Version(c.Context, conn.DB)
	if err != nil {
		return err
	}
	log.WithField("version", version).Info("database is up to date")
	return nil
}

func runSeed(c *cli.Context) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	conn, err := openDB(c.Context, cfg, log, false)
	if err != nil {
		return err
	}
	defer conn.Close()

	return seedDefaults(c.Context, conn, cfg, log)
}

func seedDefaults(ctx context.Context, conn *sqlx.DB, cfg config.Config, log logrus.FieldLogger) error {
	stats, err := seed.Run(ctx, conn, seed.Config{
		AdminEmail:    cfg.AdminEmail,
		AdminPassword: cfg.AdminPassword,
		HourlyRate:    cfg.PricingDefaultCostPerHour,
		FixedOverhead: cfg.PricingDefaultOverhead,
	})
	if err != nil {
		return errors.Wrap(err, "seed database")
	}
	log.WithFields(logrus.Fields{"inserts": stats.Inserts, "updates": stats.Updates}).Info("seed completed")
	return nil
}

func serve(c *cli.Context) (err error) {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i].Close())
		}
	}()

	conn, err := openDB(c.Context, cfg, log, cfg.IsDev())
	if err != nil {
		return err
	}
	closers = append(closers, conn)

	if cfg.IsDev() {
		if err := seedDefaults(c.Context, conn, cfg, log); err != nil {
			return err
		}
	}

	tracing.Init()

	publishEvents := len(cfg.KafkaBrokers) > 0
	orders := db.NewOrders(conn)
	orders.Outbox = publishEvents
	catalogStore := db.NewCatalog(conn)
	files := storage.NewLocal(cfg.StorageDir, cfg.StorageBaseURL, cfg.StorageSecret)
	slicerClient := slicer.New(cfg.SlicerURL, cfg.SlicerToken)
	machine := order.NewMachine(orders, nil)

	orch := pipeline.NewOrchestrator(log, machine, orders, catalogStore, files, slicerClient, pipeline.OrchestratorConfig{
		SlicerTimeout: cfg.SlicerTimeout,
		DownloadTTL:   cfg.DownloadTTL,
	})
	runner := jobs.NewRunner(log, orch.Handle, jobs.Options{
		Workers:      cfg.JobWorkers,
		QueueSize:    cfg.JobQueueSize,
		MaxRetries:   cfg.JobMaxRetries,
		Backoff:      cfg.JobBackoff,
		DrainTimeout: cfg.JobDrainTimeout,
	})
	svc := pipeline.NewService(pipeline.Deps{
		Log:     log,
		Machine: machine,
		Repo:    orders,
		Lister:  orders,
		Catalog: catalogStore,
		Resolver: pricing.NewResolver(pricing.Defaults{
			CostPerHour:      cfg.PricingDefaultCostPerHour,
			FixedOverhead:    cfg.PricingDefaultOverhead,
			MarginMultiplier: cfg.PricingDefaultMargin,
		}),
		Estimator:    slicerClient,
		Storage:      files,
		Orchestrator: orch,
		Trigger:      runner,
		DownloadTTL:  cfg.DownloadTTL,
	})

	var dedupe deliveryDedupe
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		closers = append(closers, rdb)
		if err := rdb.Ping(c.Context).Err(); err != nil {
			log.WithError(err).Warn("redis is unreachable; webhook deliveries are deduplicated by order status only")
		}
		dedupe = idempotency.NewStore(rdb, cfg.DeliveryTTL)
	}

	srv := newServer(serverDeps{
		Log:           log,
		Service:       svc,
		Users:         db.NewUsers(conn),
		Catalog:       catalogStore,
		Storage:       files,
		Dedupe:        dedupe,
		SessionSecret: cfg.SessionSecret,
		WebhookSecret: cfg.PaymentWebhookSecret,
		InternalToken: cfg.InternalToken,
		DownloadTTL:   cfg.DownloadTTL,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if err := svc.ResumeInterrupted(ctx); err != nil {
		log.WithError(err).Warn("could not resume interrupted slicing jobs")
	}
	g.Go(func() error { return runner.Run(ctx) })

	if publishEvents {
		writer := outbox.NewWriter(cfg.KafkaBrokers)
		closers = append(closers, writer)
		relay := outbox.NewRelay(log, db.NewOutboxStore(conn), outbox.NewDispatcher(log, writer, cfg.KafkaTopic))
		g.Go(func() error { return relay.Run(ctx) })
	}

	g.Go(func() error {
		log.WithField("addr", httpServer.Addr).Info("listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
