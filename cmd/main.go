// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/assetstate/internal/api"
	"github.com/antimetal/assetstate/internal/cache"
	"github.com/antimetal/assetstate/internal/config"
	"github.com/antimetal/assetstate/internal/guardian"
	"github.com/antimetal/assetstate/internal/monitor"
	"github.com/antimetal/assetstate/pkg/record"
	_ "github.com/antimetal/assetstate/pkg/sensor/sources"
)

var (
	setupLog logr.Logger

	// CLI Options (alphabetical order)
	apiAddr        string
	assetID        string
	assetsDir      string
	configPath     string
	devLogging     bool
	enableAPI      bool
	enableGuardian bool
	enableMonitor  bool
	redisURL       string
	shardID        int
	totalShards    int
)

func init() {
	flag.StringVar(&apiAddr, "api-bind-address", "",
		"The address the query API binds to. Overrides the config file.")
	flag.StringVar(&assetID, "asset-id", "",
		"Identifier of the local asset. Defaults to the hostname.")
	flag.StringVar(&assetsDir, "assets-dir", "",
		"Directory holding .aav record files. Overrides the config file.")
	flag.StringVar(&configPath, "config", "",
		"Path to the YAML configuration file. Missing files fall back to defaults.")
	flag.BoolVar(&devLogging, "dev-logging", false,
		"Use a human-readable development log encoder instead of JSON.")
	flag.BoolVar(&enableAPI, "enable-api", true,
		"Serve the read-only query API.")
	flag.BoolVar(&enableGuardian, "enable-guardian", true,
		"Run a guardian shard validating and repairing records.")
	flag.BoolVar(&enableMonitor, "enable-monitor", true,
		"Run sensors for the local asset.")
	flag.StringVar(&redisURL, "redis-url", "",
		"Redis URL for the record read cache. Empty disables caching.")
	flag.IntVar(&shardID, "shard-id", -1,
		"This guardian's shard number. Overrides the config file.")
	flag.IntVar(&totalShards, "total-shards", 0,
		"Total guardian shards in the deployment. Overrides the config file.")
}

func newLogger() logr.Logger {
	var zl *zap.Logger
	var err error
	if devLogging {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return zapr.NewLogger(zl)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if assetsDir != "" {
		cfg.AssetsDir = assetsDir
	}
	if assetID != "" {
		cfg.AssetID = assetID
	}
	if apiAddr != "" {
		cfg.API.ListenAddr = apiAddr
	}
	if redisURL != "" {
		cfg.Cache.RedisURL = redisURL
	}
	if shardID >= 0 {
		cfg.Guardian.ShardID = shardID
	}
	if totalShards > 0 {
		cfg.Guardian.TotalShards = totalShards
	}
	return cfg, nil
}

func main() {
	flag.Parse()

	logger := newLogger()
	setupLog = logger.WithName("setup")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.AssetsDir, 0o755); err != nil {
		setupLog.Error(err, "unable to create assets directory", "dir", cfg.AssetsDir)
		os.Exit(1)
	}
	store := record.NewStore(cfg.AssetsDir, logger)

	var recordCache cache.Cache
	if cfg.Cache.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(ctx, cfg.Cache.RedisURL, cfg.Cache.KeyPrefix, logger)
		if err != nil {
			// The cache is an optimization; run without it rather than die.
			setupLog.Error(err, "unable to connect record cache, running uncached")
		} else {
			defer redisCache.Close()
			recordCache = redisCache
		}
	}
	cached := cache.NewCachedStore(store, recordCache,
		time.Duration(cfg.Cache.TTLSeconds)*time.Second, logger)

	g, gctx := errgroup.WithContext(ctx)

	var svc *monitor.Service
	if enableMonitor {
		svc, err = monitor.New(store, monitor.Config{
			AssetID:    cfg.AssetID,
			AssetType:  cfg.AssetType,
			AssetName:  cfg.AssetID,
			Thresholds: cfg.ChangeThresholds(),
		}, logger)
		if err != nil {
			setupLog.Error(err, "unable to create monitor")
			os.Exit(1)
		}
		g.Go(func() error { return svc.Run(gctx) })
	}

	var shard *guardian.Guardian
	if enableGuardian && cfg.Guardian.Enabled {
		shard, err = guardian.NewGuardian(guardian.Config{
			ShardID:            cfg.Guardian.ShardID,
			TotalShards:        cfg.Guardian.TotalShards,
			ValidationInterval: time.Duration(cfg.Guardian.ValidationIntervalSeconds) * time.Second,
			RepairEnabled:      cfg.Guardian.RepairEnabled,
			MaxAge:             time.Duration(cfg.Guardian.MaxAgeSeconds) * time.Second,
		}, store, logger)
		if err != nil {
			setupLog.Error(err, "unable to create guardian shard")
			os.Exit(1)
		}
		g.Go(func() error { return shard.Run(gctx) })
	}

	if enableAPI {
		validator := guardian.NewValidator(time.Duration(cfg.Guardian.MaxAgeSeconds) * time.Second)
		server := api.NewServer(cfg.API.ListenAddr, store, cached, validator, shard, logger)
		if svc != nil {
			server.WithSensorStats(svc.SensorStats)
		}
		g.Go(func() error { return server.Run(gctx) })
	}

	setupLog.Info("agent started",
		"asset", cfg.AssetID,
		"assets_dir", cfg.AssetsDir,
		"monitor", enableMonitor,
		"guardian", enableGuardian && cfg.Guardian.Enabled,
		"api", enableAPI,
	)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		setupLog.Error(err, "agent exited with error")
		os.Exit(1)
	}
	setupLog.Info("agent stopped")
}
