package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/example/chatwarden/pkg/logger"
	"github.com/example/chatwarden/pkg/presenter"
)

var rootCmd = &cobra.Command{
	Use:   "chatwarden",
	Short: "Telegram moderation bot storage tool",
	Long:  `chatwarden manages the moderation bot's SQLite store: schema migrations, status and rollbacks.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := logger.SetLogLevel(viper.GetString("log_level")); err != nil {
			return err
		}
		logger.SetLogFormat(viper.GetString("log_format"))

		quiet, err := cmd.Flags().GetBool("quiet")
		if err == nil && quiet {
			presenter.SetQuiet(true)
		}
		return nil
	},
}

func init() {
	// Environment variables
	viper.SetEnvPrefix("CHATWARDEN")
	viper.AutomaticEnv()

	// Config file support
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.chatwarden")
	viper.AddConfigPath(".")

	// Load config file if it exists (ignore errors if it doesn't)
	_ = viper.ReadInConfig()

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().Bool("quiet", false, "Suppress non-essential output")

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
