package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kestrelweb/novelforge/internal/logger"
	"github.com/kestrelweb/novelforge/pkg/config"
	"github.com/kestrelweb/novelforge/pkg/crawler"
	"github.com/kestrelweb/novelforge/pkg/fetcher"
	"github.com/kestrelweb/novelforge/pkg/ledger"
	"github.com/kestrelweb/novelforge/pkg/store"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Run a single crawl from the command line, without the Control API",
	RunE:  runCrawl,
}

func init() {
	rootCmd.AddCommand(crawlCmd)

	flags := crawlCmd.Flags()
	flags.String("config", "", "config name to crawl (matches config_<name>.yaml, required)")
	flags.String("book-id", "", "book id to substitute into the config's URL templates (required)")
	flags.Int("workers", 4, "concurrent chapter downloads")
	flags.Bool("proxy", false, "fetch through the crawler's proxy provider (this command installs none, so requests still go direct)")

	_ = crawlCmd.MarkFlagRequired("config")
	_ = crawlCmd.MarkFlagRequired("book-id")
}

func runCrawl(cmd *cobra.Command, args []string) error {
	logger.Init(logger.Options{Debug: viper.GetBool("debug"), Quiet: viper.GetBool("quiet")})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configName, _ := cmd.Flags().GetString("config")
	bookID, _ := cmd.Flags().GetString("book-id")
	workers, _ := cmd.Flags().GetInt("workers")
	useProxy, _ := cmd.Flags().GetBool("proxy")

	configsDir := viper.GetString("configs_dir")
	loader, err := config.NewLoader(configsDir)
	if err != nil {
		logError("failed to load configs: %v", err)
		return err
	}
	cfg, found := loader.Get(configName)
	if !found {
		err := fmt.Errorf("config %q not found in %s", configName, configsDir)
		logError("%v", err)
		return err
	}

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

	fetch := fetcher.New(fetcher.DefaultHTTPConfig())
	cr := crawler.New(cfg, fetch, led, st)

	logInfo("crawling %s book_id=%s workers=%d", configName, bookID, workers)

	err = cr.Run(ctx, crawler.Options{
		BookID:     bookID,
		MaxWorkers: workers,
		UseProxy:   useProxy,
		OnLog: func(line string) {
			logInfo("%s", line)
		},
		OnProgress: func(p crawler.Progress) {
			logger.Debug("progress", "stage", p.Stage, "completed", p.CompletedChapters,
				"failed", p.FailedChapters, "total", p.TotalChapters)
		},
	})
	if err != nil {
		logError("crawl failed: %v", err)
		return err
	}

	logInfo("crawl complete")
	return nil
}
