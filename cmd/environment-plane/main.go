// Package main is the entry point for the runtara environment plane.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/runtarahq/runtara/internal/config"
	"github.com/runtarahq/runtara/internal/environment"
	"github.com/runtarahq/runtara/internal/logger"
	"github.com/runtarahq/runtara/internal/observability"
	"github.com/runtarahq/runtara/internal/runner"
	"github.com/runtarahq/runtara/internal/store"
	"github.com/runtarahq/runtara/internal/store/postgres"
	"github.com/runtarahq/runtara/internal/store/sqlite"

	"golang.org/x/sync/errgroup"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (optional, env vars override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	slogger := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, *migrateFlag)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	shutdownTracer, err := observability.InitTracer(ctx, "runtara-environment-plane", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()
	metricsSrv := observability.ServeMetrics(metricsHandler, cfg.MetricsPort)
	defer metricsSrv.Close()

	planeMetrics, err := observability.NewPlaneMetrics("runtara-environment-plane")
	if err != nil {
		log.Fatalf("Failed to init plane metrics: %v", err)
	}

	rn, err := runner.New(cfg.Environment.RunnerKind, runner.Options{
		BundleDir:    cfg.Environment.BundleDir,
		CgroupDriver: cfg.Environment.CgroupDriver,
	})
	if err != nil {
		log.Fatalf("Failed to init runner: %v", err)
	}

	tlsConf, err := cfg.ServerTLS()
	if err != nil {
		log.Fatalf("Failed to load TLS config: %v", err)
	}
	if tlsConf == nil {
		slogger.Warn("TLS disabled, serving plaintext")
	}

	svc := environment.NewService(st, rn, cfg.Environment, slogger, planeMetrics, version)

	// Reconcile rows left behind by a previous run before accepting work.
	if err := svc.SweepOrphans(ctx); err != nil {
		log.Fatalf("Orphan sweep failed: %v", err)
	}

	srv := environment.NewServer(cfg.Environment.ListenAddr, tlsConf, svc, slogger)

	slogger.Info("environment plane starting",
		"addr", cfg.Environment.ListenAddr,
		"runner", rn.Kind(),
		"driver", cfg.DatabaseDriver,
		"version", version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return svc.RunWakeScheduler(gctx) })
	g.Go(func() error { return svc.RunHeartbeatMonitor(gctx) })

	if err := g.Wait(); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
	slogger.Info("environment plane exited")
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool) (store.Store, func() error, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		st, err := sqlite.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := sqlite.Migrate(st.DB()); err != nil {
				st.Close()
				return nil, nil, err
			}
		}
		return st, st.Close, nil
	default:
		st, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := postgres.Migrate(st.DB()); err != nil {
				st.Close()
				return nil, nil, err
			}
		}
		return st, st.Close, nil
	}
}
