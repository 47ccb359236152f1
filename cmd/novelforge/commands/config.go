package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kestrelweb/novelforge/internal/logger"
	"github.com/kestrelweb/novelforge/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate site configs",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every config discovered in the configs directory",
	RunE:  runConfigList,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate every config_* file in the configs directory",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigList(cmd *cobra.Command, args []string) error {
	logger.Init(logger.Options{Debug: viper.GetBool("debug"), Quiet: viper.GetBool("quiet")})

	loader, err := config.NewLoader(viper.GetString("configs_dir"))
	if err != nil {
		logError("failed to load configs: %v", err)
		return err
	}
	for _, name := range loader.List() {
		cfg, _ := loader.Get(name)
		fmt.Printf("%-20s %s\n", name, cfg.Site.BaseURL)
	}
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	logger.Init(logger.Options{Debug: viper.GetBool("debug"), Quiet: viper.GetBool("quiet")})

	dir := viper.GetString("configs_dir")
	loader, err := config.NewLoader(dir)
	if err != nil {
		logError("failed to load configs: %v", err)
		return err
	}

	names := loader.List()
	failed := 0
	for _, name := range names {
		cfg, _ := loader.Get(name)
		if err := cfg.Validate(); err != nil {
			failed++
			fmt.Printf("FAIL %-20s %v\n", name, err)
			continue
		}
		fmt.Printf("OK   %-20s\n", name)
	}

	logInfo("validated %d config(s), %d failed", len(names), failed)
	if failed > 0 {
		return fmt.Errorf("%d config(s) failed validation", failed)
	}
	return nil
}
