package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"ssreditor/api/internal/app"
	"ssreditor/api/internal/config"
	"ssreditor/api/internal/email"
	"ssreditor/api/internal/export"
	"ssreditor/api/internal/search"
	"ssreditor/api/internal/session"
	"ssreditor/api/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// openSearch returns the search facade. Without MEILI_URL it answers from the
// store alone.
func openSearch(cfg config.Config, dataStore store.Store) (*search.Service, func()) {
	if strings.TrimSpace(cfg.MeiliURL) == "" {
		return search.NewService(nil, dataStore), func() {}
	}
	meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	return search.NewService(meiliClient, dataStore), meiliClient.Close
}

func serve(cfg config.Config) error {
	ctx := context.Background()

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store connection failed: %w", err)
	}
	defer dataStore.Close(ctx)
	if err := prepareStore(ctx, dataStore); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	searchService, closeSearch := openSearch(cfg, dataStore)
	defer closeSearch()

	deps := app.Deps{
		Store:  dataStore,
		Search: searchService,
		Mailer: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
		PDF: export.ChromePDF(30 * time.Second),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		glog.Infof("using redis for token revocation")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		deps.Revocations = redisStore
	} else {
		glog.Warningf("REDIS_URL not set; logouts are forgotten on restart")
		deps.Revocations = session.NewMemoryStore()
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		glog.Infof("SSR Editor API listening on %s (%s store)", cfg.Addr, cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		glog.Infof("received %s, shutting down", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("shutdown error: %v", err)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("flush pending writes: %v", err)
	}
	return nil
}
