package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"

	"github.com/kartikbazzad/bunbase/bunsync/internal/broker"
	"github.com/kartikbazzad/bunbase/bunsync/internal/config"
	"github.com/kartikbazzad/bunbase/bunsync/internal/cvr"
	"github.com/kartikbazzad/bunbase/bunsync/internal/httpapi"
	"github.com/kartikbazzad/bunbase/bunsync/internal/ivm"
	"github.com/kartikbazzad/bunbase/bunsync/internal/logger"
	"github.com/kartikbazzad/bunbase/bunsync/internal/migration"
	"github.com/kartikbazzad/bunbase/bunsync/internal/storage"
	"github.com/kartikbazzad/bunbase/bunsync/internal/storage/sqlite"
	"github.com/kartikbazzad/bunbase/bunsync/internal/upstream"
	"github.com/kartikbazzad/bunbase/bunsync/internal/viewsyncer"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "bunsync",
	Short:         "Query-driven sync server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default .env and BUNSYNC_* variables)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the view-syncer and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate view-syncer storage and print its schema meta",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect <clientGroupID>",
		Short: "Print the stored CVR of a client group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), args[0])
		},
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, inspectCmd)
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(config.EnvPrefix, configFile)
	if err != nil {
		return nil, nil, err
	}
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, logger.Get(), nil
}

// openStorage returns the configured durable storage and a func releasing it.
func openStorage(cfg *config.Config, log *slog.Logger) (storage.DurableStorage, func(), error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		pool, err := ants.NewPool(cfg.Storage.Workers, ants.WithPanicHandler(func(v any) {
			log.Error("storage worker panic", "panic", fmt.Sprint(v))
		}))
		if err != nil {
			return nil, nil, err
		}
		store, err := sqlite.Open(cfg.Storage.Path, sqlite.Options{
			PartitionSize: cfg.Storage.PartitionSize,
			Pool:          pool,
			Logger:        logger.WithComponent(log, "sqlite"),
		})
		if err != nil {
			pool.Release()
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Warn("failed to close storage", "error", err)
			}
			_ = pool.ReleaseTimeout(3 * time.Second)
		}, nil
	default:
		log.Warn("using in-memory storage; CVRs are lost on exit")
		return storage.NewMemoryStorage(), func() {}, nil
	}
}

func newMemoryReplica(cfg *config.Config, log *slog.Logger, b *broker.Broker[upstream.Notification]) *upstream.MemoryReplica {
	r := upstream.NewMemoryReplica(logger.WithComponent(log, "replica"), b)
	for name, t := range cfg.Upstream.Tables {
		cols := make(map[string]ivm.ValueType, len(t.Columns))
		for col, typ := range t.Columns {
			cols[col] = ivm.ValueType(typ)
		}
		r.CreateTable(name, cols, t.PrimaryKey)
	}
	return r
}

func runServe(ctx context.Context) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStorage(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := viewsyncer.InitStorage(ctx, log, store); err != nil {
		return err
	}

	b := broker.New[upstream.Notification](256)
	var snapshotter viewsyncer.Snapshotter
	var replica *upstream.MemoryReplica
	switch cfg.Upstream.Driver {
	case "postgres":
		pg, err := upstream.NewPGReplica(ctx, logger.WithComponent(log, "replica"), cfg.Upstream.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		go upstream.Watch(ctx, log, pg, b, cfg.Upstream.PollInterval)
		snapshotter = pg
	default:
		replica = newMemoryReplica(cfg, log, b)
		snapshotter = replica
	}

	svc, err := viewsyncer.NewService(viewsyncer.ServiceOptions{
		Storage:       store,
		Snapshotter:   snapshotter,
		Broker:        b,
		Logger:        log,
		FlushInterval: cfg.ViewSyncer.FlushInterval,
		MaxRetries:    cfg.ViewSyncer.MaxRetries,
		RowBatchSize:  cfg.ViewSyncer.CatchupBatchSize,
		Workers:       cfg.ViewSyncer.Workers,
	})
	if err != nil {
		return err
	}
	defer svc.Stop()

	server := httpapi.New(httpapi.Options{
		Service:       svc,
		Replica:       replica,
		Logger:        logger.WithComponent(log, "http"),
		RatePerMinute: cfg.HTTP.RatePerMinute,
		Burst:         cfg.HTTP.Burst,
		Metrics:       cfg.Metrics.Enabled,
	})
	return server.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.HTTP.Port))
}

func runMigrate(ctx context.Context) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	store, closeStore, err := openStorage(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := viewsyncer.InitStorage(ctx, log, store); err != nil {
		return err
	}
	meta, err := migration.GetMeta(ctx, store)
	if err != nil {
		return err
	}
	return printJSON(meta)
}

func runInspect(ctx context.Context, clientGroupID string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	store, closeStore, err := openStorage(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	c, err := cvr.LoadCVR(ctx, log, store, clientGroupID)
	if err != nil {
		return err
	}
	return printJSON(c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
