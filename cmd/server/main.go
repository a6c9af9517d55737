// Package main is the entry point for the transfer distance job server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/soma-tiles/scmtl/internal/api"
	"github.com/soma-tiles/scmtl/internal/cache"
	"github.com/soma-tiles/scmtl/internal/config"
	"github.com/soma-tiles/scmtl/internal/dataset"
	"github.com/soma-tiles/scmtl/internal/genes"
	"github.com/soma-tiles/scmtl/internal/logutil"
	"github.com/soma-tiles/scmtl/internal/render"
	"github.com/soma-tiles/scmtl/internal/service"
)

type options struct {
	Config string `long:"config" short:"c" default:"config/server.yaml" description:"Path to configuration file"`
	Port   int    `long:"port" description:"Override the configured HTTP port"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if opts.Port > 0 {
		cfg.Server.Port = opts.Port
	}

	logger, err := logutil.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	logger.WithField("port", cfg.Server.Port).Info("starting transfer distance server")

	cacheManager, err := cache.NewManager(cache.Config{
		HeatmapCacheSizeMB: cfg.Cache.HeatmapSizeMB,
		HeatmapTTL:         time.Duration(cfg.Cache.HeatmapTTLMinutes) * time.Minute,
	})
	if err != nil {
		logger.Fatalf("failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	heatmaps := render.NewHeatmapRenderer(render.Config{
		Size:            cfg.Render.HeatmapSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	loader := dataset.NewLoader(logger)
	sources, err := cache.NewDatasetLoader(loader, cfg.Cache.DatasetCacheSize)
	if err != nil {
		logger.Fatalf("failed to initialize dataset cache: %v", err)
	}

	targetAdapter, err := cfg.Preprocess.Target.Adapter(logger)
	if err != nil {
		logger.Fatalf("invalid target preprocessing: %v", err)
	}

	var aliases *genes.AliasTable
	if cfg.Transfer.GeneAliasesPath != "" {
		aliases = genes.NewLazyAliasTable(cfg.Transfer.GeneAliasesPath)
	}

	transferService, err := service.NewTransferService(service.TransferServiceConfig{
		Distance: cfg.DistanceConfig(),
		Toy:      cfg.Transfer.Toy,
		Targets:  loader,
		Sources:  sources,
		Target:   targetAdapter,
		Aliases:  aliases,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatalf("failed to initialize transfer service: %v", err)
	}

	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatalf("failed to initialize job manager: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"max_concurrent": cfg.Jobs.MaxConcurrent,
		"retention_days": cfg.Jobs.RetentionDays,
		"sqlite":         cfg.Jobs.SQLitePath,
		"source":         cfg.Transfer.SourcePath,
		"metric":         cfg.Transfer.Metric,
		"mixture":        cfg.Transfer.Mixture,
	}).Info("job manager ready")

	jobManager.Executor = transferService.ExecuteJob
	jobManager.Start()
	defer jobManager.Stop()

	router := api.NewRouter(api.RouterConfig{
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Cache:       cacheManager,
		Renderer:    heatmaps,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server forced to shutdown")
	}

	logger.Info("server stopped")
}
