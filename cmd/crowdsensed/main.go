package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crowdsense/internal/analytics"
	"crowdsense/internal/api"
	"crowdsense/internal/config"
	"crowdsense/internal/engine"
	"crowdsense/internal/feed"
	"crowdsense/internal/ingest"
	"crowdsense/internal/logging"
	"crowdsense/internal/model"
	"crowdsense/internal/snapshot"
	"crowdsense/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (JSON or YAML)")
	flag.Parse()

	var manager *config.Manager
	if *configPath != "" {
		m, err := config.NewManager(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		manager = m
	} else {
		cfg, err := config.FromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "build config: %v\n", err)
			os.Exit(1)
		}
		manager = config.NewStaticManager(cfg)
	}
	cfg := manager.Get()

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("crowdsense starting", "version", version, "config", manager.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("open storage", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		logger.Error("init storage", "err", err)
		os.Exit(1)
	}

	snapshots := snapshot.NewStore(cfg.Snapshots.StoreLimit)
	eng := engine.NewEngine(cfg, logger, snapshots, store)
	counter := engine.NewManagedClassifier(store, manager)
	agg := analytics.NewAggregator(store, counter, manager)

	sightings := make(chan model.Sighting, cfg.Ingest.ChannelBuffer)
	go eng.Start(ctx, sightings)

	parser := ingest.NewParser()
	ingest.StartREST(ctx, manager, sightings, logger)
	ingest.StartTCPStream(ctx, manager, parser, sightings, logger)
	ingest.StartFileTail(ctx, manager, parser, sightings, logger)
	ingest.StartKafka(ctx, manager, parser, sightings, logger)

	hub := feed.NewHub(logger, cfg.Feed.WriteTimeout)
	history := feed.NewHistory(cfg.Feed.HistoryLimit)
	if cfg.Feed.Enabled {
		liveFeed := feed.New(manager, store, hub, history, logger)
		go func() {
			if err := liveFeed.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("live feed stopped", "err", err)
			}
		}()
	} else {
		logger.Info("live feed disabled")
	}

	api.Start(ctx, manager, agg, snapshots, history, hub, eng, logger, version)

	if manager.Path() != "" {
		go manager.Watch(5*time.Second, func(next *config.Config) {
			logger.Info("config reloaded", "path", manager.Path())
			eng.UpdateConfig(next)
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	<-ctx.Done()
	logger.Info("shutting down")
	hub.CloseAll()
}
