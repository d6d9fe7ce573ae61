package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"rerum.dev/cache"
	"rerum.dev/cluster"
	"rerum.dev/httpapi"
	"rerum.dev/internal/agent"
	"rerum.dev/internal/config"
	"rerum.dev/internal/obslog"
	"rerum.dev/pipeline"
	"rerum.dev/store"
	"rerum.dev/versioning"
)

const envPrefix = "RERUM"

func main() {
	cfg, err := config.Load(envPrefix)
	if err != nil {
		obslog.Logger.WithError(err).Fatal("invalid configuration")
	}
	obslog.Configure(cfg.Service.LogLevel, cfg.Service.LogFormat == "json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter, err := store.NewMongoAdapter(ctx, store.MongoConfig{
		URI:        cfg.Store.URI,
		Database:   cfg.Store.Database,
		Collection: cfg.Store.Collection,
		Timeout:    cfg.Store.Timeout,
	})
	if err != nil {
		obslog.Logger.WithError(err).Fatal("failed to connect to document store")
	}
	defer adapter.Close(context.Background())

	cacheStore := cache.New(
		cache.WithMaxLength(cfg.Cache.MaxLength),
		cache.WithMaxBytes(cfg.Cache.MaxBytes),
		cache.WithTTL(cfg.Cache.TTL),
	)
	defer cacheStore.Stop()

	var bus *cluster.Bus
	if cfg.Cache.Enabled {
		bus, err = cluster.New(cluster.Config{
			RedisURL:     cfg.Bus.RedisURL,
			HeartbeatTTL: cfg.Bus.HeartbeatTTL,
			Deadline:     cfg.Bus.Deadline,
		})
		if err != nil {
			obslog.Logger.WithError(err).Fatal("failed to connect to cluster bus")
		}
		defer bus.Close()

		go func() {
			if startErr := bus.Start(ctx, pipeline.CacheApplier(cacheStore)); startErr != nil && ctx.Err() == nil {
				obslog.Logger.WithError(startErr).Error("cluster bus subscriber stopped")
			}
		}()
		bus.StartHeartbeat(ctx)
	}

	engine := versioning.New(cfg.Auth.IDPrefix)
	extractor := agent.NewExtractor([]byte(cfg.Auth.JWTSecret), cfg.Auth.AgentClaim, cfg.Auth.BotAgent)

	readPipeline := pipeline.NewReadPipeline(cacheStore, adapter, cfg.Cache.Enabled)
	writePipeline := pipeline.New(pipeline.Config{
		Cache:       cacheStore,
		Adapter:     adapter,
		Bus:         bus,
		Engine:      engine,
		Extractor:   extractor,
		ReadOnly:    cfg.Server.ReadOnly,
		CachingOn:   cfg.Cache.Enabled,
		BusDeadline: cfg.Bus.Deadline,
	})

	e := httpapi.New(httpapi.Config{
		Read:     readPipeline,
		Write:    writePipeline,
		IDPrefix: cfg.Auth.IDPrefix,
		Prefix:   cfg.Auth.Prefix,
	})
	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	go func() {
		obslog.Logger.WithField("addr", addr).Info("rerumd starting")
		if startErr := e.Start(addr); startErr != nil && startErr != http.ErrServerClosed {
			obslog.Logger.WithError(startErr).Fatal("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	obslog.Logger.Info("shutting down rerumd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		obslog.Logger.WithError(err).Fatal("server forced to shutdown")
	}
	obslog.Logger.Info("rerumd stopped")
}
