package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"ssreditor/api/internal/config"
	"ssreditor/api/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "api",
	Short: "SSR Editor document API",
	Long: `The SSR Editor API serves documents over HTTP and keeps every
viewer of a document in sync over a websocket.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// glog reads its flags from the standard flag set.
		_ = flag.CommandLine.Parse(nil)
	},
}

// Execute runs the command named on the command line.
func Execute() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		glog.Flush()
		os.Exit(1)
	}
}

func init() {
	_ = flag.Set("logtostderr", "true")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

// openStore connects the backend selected by STORE_DRIVER.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store.NewPostgresStore(db), nil
	case config.DriverMongo:
		s, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// prepareStore brings the schema of s up to date.
func prepareStore(ctx context.Context, s store.Store) error {
	switch backend := s.(type) {
	case *store.PostgresStore:
		return store.ApplyMigrations(ctx, backend.DB(), store.Migrations())
	case *store.MongoStore:
		return backend.EnsureIndexes(ctx)
	}
	return nil
}
