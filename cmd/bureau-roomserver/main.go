// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/config"
	"github.com/bureau-foundation/roomserver/lib/federation"
	"github.com/bureau-foundation/roomserver/lib/process"
	"github.com/bureau-foundation/roomserver/lib/roomserver"
	"github.com/bureau-foundation/roomserver/lib/service"
	"github.com/bureau-foundation/roomserver/lib/sqlitepool"
	"github.com/bureau-foundation/roomserver/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("bureau-roomserver", pflag.ContinueOnError)
	var (
		configPath  string
		showVersion bool
	)
	flags.StringVar(&configPath, "config", "", "path to the config file (default: $"+config.EnvVar+")")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("bureau-roomserver %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := cfg.LogLevel()
	logger := service.NewLogger(service.LoggerConfig{Format: cfg.Log.Format, Level: level})

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Paths.Database,
		PoolSize: cfg.Storage.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	var fetcher federation.Fetcher
	if len(cfg.Federation.Peers) > 0 {
		client, err := federation.NewClient(federation.ClientConfig{
			Peers:      cfg.Peers(),
			HTTPClient: &http.Client{},
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer client.CloseIdleConnections()
		fetcher = client
	} else {
		logger.Warn("no federation peers configured, backfill disabled")
	}

	server, err := roomserver.Open(ctx, roomserver.Config{
		Pool:               pool,
		Fetcher:            fetcher,
		Clock:              clock.Real(),
		Logger:             logger,
		QueueDepth:         cfg.Rooms.QueueDepth,
		RoomIdleTimeout:    cfg.Rooms.IdleTimeout.Std(),
		MaxBackfillDepth:   cfg.Backfill.MaxDepth,
		BackfillRetryMin:   cfg.Backfill.RetryMin.Std(),
		BackfillRetryMax:   cfg.Backfill.RetryMax.Std(),
		FetchTimeout:       cfg.Backfill.FetchTimeout.Std(),
		SnapshotInterval:   cfg.Storage.SnapshotInterval,
		EventCacheSize:     cfg.Storage.EventCacheSize,
		StateCacheSize:     cfg.Storage.StateCacheSize,
		AuthChainCacheSize: cfg.Storage.AuthChainCacheSize,
		ShortIDCacheSize:   cfg.Storage.ShortIDCacheSize,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	go logIntegrated(ctx, server, logger)

	socket := service.NewSocketServer(cfg.Paths.Socket, logger)
	register(socket, &handlers{server: server, serverName: cfg.ServerName})

	logger.Info("room server running",
		"server_name", cfg.ServerName,
		"database", cfg.Paths.Database,
		"socket", cfg.Paths.Socket,
		"peers", len(cfg.Federation.Peers),
		"version", version.Info(),
	)

	err = socket.Serve(ctx)
	logger.Info("shutting down")
	return err
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}
	return cfg, nil
}

// logIntegrated logs every integrated event at debug level. If the
// subscription is dropped for falling behind, it subscribes again.
func logIntegrated(ctx context.Context, server *roomserver.Server, logger *slog.Logger) {
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	for ctx.Err() == nil {
		events, unsubscribe := server.Subscribe(256)
		for event := range events {
			logger.Debug("event integrated",
				"room_id", event.RoomID,
				"event_id", event.EventID,
				"type", event.Type,
				"depth", event.Depth,
			)
		}
		unsubscribe()
	}
}
