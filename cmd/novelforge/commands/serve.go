package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kestrelweb/novelforge/internal/api"
	"github.com/kestrelweb/novelforge/internal/logger"
	"github.com/kestrelweb/novelforge/internal/supervisor"
	"github.com/kestrelweb/novelforge/pkg/config"
	"github.com/kestrelweb/novelforge/pkg/crawler"
	"github.com/kestrelweb/novelforge/pkg/fetcher"
	"github.com/kestrelweb/novelforge/pkg/ledger"
	"github.com/kestrelweb/novelforge/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Control API (REST + SSE) and watch the configs directory",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().Duration("shutdown-timeout", 15*time.Second, "grace period for in-flight requests on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger.Init(logger.Options{Debug: viper.GetBool("debug"), Quiet: viper.GetBool("quiet")})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configsDir := viper.GetString("configs_dir")
	loader, err := config.NewLoader(configsDir)
	if err != nil {
		logError("failed to load configs: %v", err)
		return err
	}
	logger.Info("configs loaded", "dir", configsDir, "count", len(loader.List()))

	stopWatch := make(chan struct{})
	go func() {
		if err := loader.Watch(stopWatch); err != nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()
	defer close(stopWatch)

	dsn := viper.GetString("database_url")
	if dsn == "" {
		return fmt.Errorf("--database-url (or NOVELFORGE_DATABASE_URL) is required")
	}
	st, err := store.Open(ctx, store.DefaultConfig(dsn))
	if err != nil {
		logError("failed to open document store: %v", err)
		return err
	}
	defer st.Close()

	redisURL := viper.GetString("redis_url")
	if redisURL == "" {
		return fmt.Errorf("--redis-url (or NOVELFORGE_REDIS_URL) is required")
	}
	led, err := ledger.NewFromURL(ctx, redisURL)
	if err != nil {
		logError("failed to connect to ledger: %v", err)
		return err
	}
	defer led.Close()

	factory := func(_ context.Context, rec store.TaskRecord) (*crawler.Crawler, error) {
		cfg, found := loader.Get(rec.ConfigName)
		if !found {
			return nil, fmt.Errorf("config %q not found", rec.ConfigName)
		}
		fetch := fetcher.New(fetcher.DefaultHTTPConfig())
		return crawler.New(cfg, fetch, led, st), nil
	}

	resolveDoc := func(_ context.Context, rec store.TaskRecord) (string, error) {
		cfg, found := loader.Get(rec.ConfigName)
		if !found {
			return "", fmt.Errorf("config %q not found", rec.ConfigName)
		}
		if sourceURL, ok := cfg.BuildURL("document", map[string]string{"book_id": rec.BookID}); ok && sourceURL != "" {
			return sourceURL, nil
		}
		return cfg.Site.BaseURL + "/" + rec.BookID, nil
	}

	sup := supervisor.New(st, st, factory, resolveDoc)
	if err := sup.Reclaim(ctx); err != nil {
		logger.Warn("zombie task reclaim failed", "error", err)
	}

	addr, _ := cmd.Flags().GetString("addr")
	srv := api.NewServer(addr, loader, sup)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			logError("control API stopped: %v", err)
			return err
		}
	case <-ctx.Done():
		logInfo("shutting down")
		timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
		if err := srv.Shutdown(timeout); err != nil {
			logError("graceful shutdown failed: %v", err)
			return err
		}
	}
	return nil
}
