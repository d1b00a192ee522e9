package main

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"ssreditor/api/internal/app"
	"ssreditor/api/internal/config"
)

var clearUsers bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Replace all documents with the sample set",
	Long:  `Reset deletes every document, inserts the sample documents and rebuilds the search index.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := context.Background()

		dataStore, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer dataStore.Close(ctx)
		if err := prepareStore(ctx, dataStore); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		searchService, closeSearch := openSearch(cfg, dataStore)
		defer closeSearch()

		service := app.New(cfg, app.Deps{Store: dataStore, Search: searchService})
		if err := service.Reset(ctx); err != nil {
			return err
		}
		if clearUsers {
			if err := dataStore.ClearUsers(ctx); err != nil {
				return fmt.Errorf("clear users: %w", err)
			}
			glog.Infof("all users removed")
		}
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&clearUsers, "users", false, "Also remove every user")
	rootCmd.AddCommand(resetCmd)
}
