package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/tabletdb/balancer/internal/allocator"
	"github.com/devrev/tabletdb/balancer/internal/balancer"
	"github.com/devrev/tabletdb/balancer/internal/config"
	"github.com/devrev/tabletdb/balancer/internal/handler"
	"github.com/devrev/tabletdb/balancer/internal/health"
	"github.com/devrev/tabletdb/balancer/internal/metrics"
	"github.com/devrev/tabletdb/balancer/internal/service"
	"github.com/devrev/tabletdb/balancer/internal/store"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting TabletDB Balancer Service",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.String("database_host", cfg.Database.Host),
		zap.Int("database_port", cfg.Database.Port),
		zap.String("database_name", cfg.Database.Database),
		zap.Duration("interval", cfg.Balancer.Interval))

	// Initialize metrics
	m := metrics.NewMetrics()
	logger.Info("Metrics initialized")

	// Initialize topology store (PostgreSQL)
	topologyStore, err := store.NewPostgresTopologyStore(
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize topology store", zap.Error(err))
	}
	defer topologyStore.Close()
	logger.Info("Topology store initialized")

	// Initialize lease store (Redis), optional for single-instance setups
	var leaseStore store.LeaseStore
	if cfg.Balancer.LeaseEnabled {
		leaseStore, err = store.NewRedisLeaseStore(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize lease store", zap.Error(err))
		}
		defer leaseStore.Close()
		logger.Info("Lease store initialized")
	} else {
		logger.Info("Planning lease disabled")
	}

	// Initialize services
	bal := balancer.New(logger)
	balanceService := service.NewBalanceService(
		topologyStore,
		leaseStore,
		bal,
		nil, // plans are recorded, execution is external
		m,
		cfg.Server.NodeID,
		cfg.Balancer.Interval,
		cfg.Balancer.LeaseTTL,
		logger,
	)

	// Schema allocation path
	notifier := allocator.NewSchemaNotifier()
	alloc := allocator.New(notifier, balanceService, m, logger)
	defer alloc.Stop()

	logger.Info("Services initialized")

	// Optional gossip between balancer instances
	var gossipService *service.GossipService
	if cfg.Gossip.Enabled {
		gossipService, err = service.NewGossipService(&service.GossipConfig{
			Enabled:        cfg.Gossip.Enabled,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, cfg.Server.NodeID, logger)
		if err != nil {
			logger.Fatal("Failed to initialize gossip service", zap.Error(err))
		}
		defer gossipService.Shutdown()
		balanceService.SetStatusReporter(gossipService)
		logger.Info("Gossip service initialized",
			zap.Int("bind_port", cfg.Gossip.BindPort),
			zap.Strings("seed_nodes", cfg.Gossip.SeedNodes))
	}

	// Admin HTTP server
	var instances handler.InstanceLister
	if gossipService != nil {
		instances = gossipService
	}
	adminHandler := handler.NewAdminHandler(balanceService, topologyStore, instances, logger)
	router := mux.NewRouter()
	adminHandler.RegisterRoutes(router)

	healthChecker := health.NewHealthChecker(topologyStore, leaseStore, logger)
	router.HandleFunc("/health/live", healthChecker.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", healthChecker.ReadinessHandler).Methods(http.MethodGet)

	adminServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// Balance loop
	g.Go(func() error {
		if err := balanceService.Run(gctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	// Admin server
	g.Go(func() error {
		logger.Info("Starting admin server", zap.String("address", adminServer.Addr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server failed: %w", err)
		}
		return nil
	})

	// Metrics server
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			metricsMux := http.NewServeMux()
			metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, metricsMux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
			return nil
		})
	}

	// Shutdown watcher
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin server shutdown timeout", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Service error", zap.Error(err))
	}

	logger.Info("Balancer service stopped")
}

// newLogger builds the zap logger from the logging configuration
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = level

	return zcfg.Build()
}
