package main

import (
	"github.com/spf13/cobra"

	logx "panelbot/pkg/logx"
)

var (
	// Version is set at build time.
	Version = "dev"

	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "panelbot",
	Short: "Telegram bot for the admin portal",
	Long: `panelbot runs the Telegram side of the admin portal: the inline menu
for servers and user accounts, login notifications and scheduled backups.
Several replicas may run against the same database; one leads at a time.`,
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "./panelbot.yaml", "bootstrap config file (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug output for CLI messages")

	rootCmd.AddCommand(runCmd, validateCmd, settingsCmd)
}

func cliLogger() logx.Logger {
	if verbose {
		return logx.NewConsole("DEBUG")
	}
	return logx.NewConsole("INFO")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
