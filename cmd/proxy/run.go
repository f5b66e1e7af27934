package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iTrooz/join-proxy/internal/cache"
	"github.com/iTrooz/join-proxy/internal/config"
	"github.com/iTrooz/join-proxy/internal/join"
	"github.com/iTrooz/join-proxy/internal/proxy"
	"github.com/iTrooz/join-proxy/internal/telemetry"
)

func run(opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := setupLogging(cfg.Logging); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing, version)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logrus.Errorf("Failed to flush traces: %v", err)
			}
		}()
	}

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	if err := store.Init(); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	if cfg.Cache.Clean {
		if err := store.Clear(); err != nil {
			return fmt.Errorf("failed to clean cache: %w", err)
		}
		logrus.Infof("Cache cleaned")
	}

	reg := prometheus.NewRegistry()
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	followerTimeout, err := cfg.GetFollowerTimeout()
	if err != nil {
		return err
	}
	coordinator := join.New(store, join.Options{
		FollowerTimeout: followerTimeout,
		MaxAttempts:     cfg.Join.MaxAttempts,
		Observer:        &telemetry.CoordinatorObserver{Metrics: metrics},
	})
	if metrics != nil {
		telemetry.RegisterInFlight(reg, coordinator.InFlight)
	}

	resolver := &dnscache.Resolver{}
	server, err := proxy.New(cfg, proxy.Deps{
		Coordinator:    coordinator,
		Transport:      proxy.NewTransport(resolver, cfg.Upstream.DialOverrides),
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     storeReady(store),
	})
	if err != nil {
		return fmt.Errorf("failed to create proxy server: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.GetProxy(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownTimeout, err := cfg.GetShutdownTimeout()
	if err != nil {
		return err
	}
	refresh, err := cfg.GetDNSCacheRefresh()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.Infof("Starting join proxy %s on port %d", version, cfg.Server.Port)
		logrus.Infof("Cache backend: %s, freshness: %s", cfg.Cache.Backend, cfg.Cache.Freshness)
		logrus.Infof("Rules mode: %s", cfg.Rules.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if refresh > 0 {
		g.Go(func() error {
			return proxy.RefreshDNS(gctx, resolver, refresh)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logrus.Infof("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logrus.Infof("Join proxy stopped")
	return nil
}

// loadConfig reads the config file and applies command line overrides. A
// missing file at the default path falls back to defaults.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		if opts.configPathExplicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = config.Default()
	}

	if opts.artificialDelay != "" {
		delay, err := parseDelay(opts.artificialDelay)
		if err != nil {
			return nil, err
		}
		cfg.Upstream.ArtificialDelay = delay.String()
	}
	if opts.clean {
		cfg.Cache.Clean = true
	}
	return cfg, nil
}

func newStore(cfg *config.Config) (cache.Store, error) {
	retention, err := cfg.GetRetention()
	if err != nil {
		return nil, err
	}
	switch cfg.Cache.Backend {
	case "bounded":
		return cache.NewBounded(cfg.Cache.MaxEntries, retention)
	case "disk":
		return cache.NewDisk(cfg.Cache.Folder), nil
	default:
		return cache.NewMemory(cache.WithRetention(retention)), nil
	}
}

// storeReady reports the store as ready while it can still be initialized,
// e.g. while the disk cache folder exists or can be recreated
func storeReady(store cache.Store) proxy.ReadyChecker {
	return func(context.Context) error {
		return store.Init()
	}
}

func setupLogging(cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
