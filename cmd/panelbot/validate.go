package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"panelbot/internal/config"
	logx "panelbot/pkg/logx"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the bootstrap config file without starting anything",
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, _ []string) error {
	log := cliLogger()
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", configFile)
	}
	cfg, err := config.NewManager(configFile).Parse()
	if err != nil {
		log.Error("configuration validation failed", logx.String("config", configFile), logx.Err(err))
		return err
	}
	sections, _ := config.SummarizeChange(nil, cfg)
	log.Info("configuration is valid",
		logx.String("config", configFile),
		logx.String("sections", strings.Join(sections, ",")),
	)
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}
