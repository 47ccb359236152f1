// Package commands implements the CLI commands for novelforge.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "novelforge",
	Short: "Configuration-driven extraction engine for long-form web fiction",
	Long: `novelforge crawls novel and chapter listings from sites described by
declarative YAML configs: locator expressions select the chapter index and
content, an idempotency ledger skips what is already downloaded, and a
Postgres store holds the result.

Examples:
  # Validate every config_* file in a directory
  novelforge config validate --configs-dir ./configs

  # Run a one-shot crawl from the CLI
  novelforge crawl --config samplesite --book-id 12345

  # Start the Control API (REST + SSE) for interactive operation
  novelforge serve --addr :8080`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config-file", "", "config file (default $HOME/.novelforge.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress progress output")
	rootCmd.PersistentFlags().String("configs-dir", "./configs", "directory containing config_*.yaml site configs")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres DSN (or NOVELFORGE_DATABASE_URL)")
	rootCmd.PersistentFlags().String("redis-url", "", "Redis URL for the idempotency ledger (or NOVELFORGE_REDIS_URL)")

	_ = viper.BindPFlag("config-file", rootCmd.PersistentFlags().Lookup("config-file"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("configs_dir", rootCmd.PersistentFlags().Lookup("configs-dir"))
	_ = viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
	_ = viper.BindPFlag("redis_url", rootCmd.PersistentFlags().Lookup("redis-url"))
}

func initConfig() {
	if cfgFile := viper.GetString("config-file"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".novelforge")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("NOVELFORGE")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func logInfo(format string, args ...any) {
	if !viper.GetBool("quiet") {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
