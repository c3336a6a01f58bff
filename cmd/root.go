package cmd

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	viperlib "github.com/spf13/viper"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	cfg       config.Config
	debugFlag bool

	// viper is a custom viper instance with "::" as key delimiter instead
	// of "." so keys cannot be confused with nested-path separators.
	viper = viperlib.NewWithOptions(viperlib.KeyDelimiter("::"))
)

var rootCmd = &cobra.Command{
	Use:     "kiln",
	Short:   "Coordinator for parallel AI agent task distribution",
	Long:    `kiln distributes a request across a fixed pool of worker agents, tracks task dependencies, watches worker liveness, and integrates finished work through a merge queue.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: <project>/.claude/config.yaml)")
	rootCmd.PersistentFlags().StringP("project-dir", "p", "",
		"project directory (default: current directory)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also: KILN_DEBUG=1)")

	_ = viper.BindPFlag("project_dir", rootCmd.PersistentFlags().Lookup("project-dir"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("max_workers", defaults.MaxWorkers)
	viper.SetDefault("heartbeat_timeout_s", defaults.HeartbeatTimeoutS)
	viper.SetDefault("watchdog_interval_ms", defaults.WatchdogIntervalMS)
	viper.SetDefault("allocator_interval_ms", defaults.AllocatorIntervalMS)
	viper.SetDefault("merge_validation", defaults.MergeValidation)
	viper.SetDefault("coordinator_version", defaults.CoordinatorVersion)
	viper.SetDefault("activity_log_retention_days", defaults.ActivityLogRetentionDays)

	viper.SetEnvPrefix("KILN")
	viper.AutomaticEnv()
	_ = viper.BindEnv("broadcast_port")
	_ = viper.BindEnv("script_dir")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if _, err := os.Stat(".claude/config.yaml"); err == nil {
		viper.SetConfigFile(".claude/config.yaml")
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "kiln"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viperlib.ConfigFileNotFoundError
		if errors.As(err, &configNotFound) {
			defaultPath := ".claude/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
				log.Info(log.CatConfig, "config loaded", "path", defaultPath)
			}
		}
	} else {
		log.Info(log.CatConfig, "config loaded", "path", viper.ConfigFileUsed())
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
