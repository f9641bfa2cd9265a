package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"panelbot/internal/app"
	logx "panelbot/pkg/logx"
	"panelbot/pkg/systemd"
)

var stopTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot until SIGINT or SIGTERM",
	RunE:  runBot,
}

func init() {
	runCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 20*time.Second, "upper bound for graceful shutdown")
}

func runBot(cmd *cobra.Command, _ []string) error {
	log := cliLogger()

	a, err := app.New(configFile)
	if err != nil {
		log.Error("failed to build app", logx.String("config", configFile), logx.Err(err))
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)

	if err := a.Start(ctx); err != nil {
		return err
	}
	if _, err := systemd.Ready(); err != nil {
		log.Debug("sd_notify ready failed", logx.Err(err))
	}
	go systemd.Watchdog(ctx, func() bool { return a.Bot().Health().Running }, log)

	reason := app.StopAppStop
	select {
	case sig := <-sigC:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	cancel()
	if reason == app.StopFatalError {
		return a.Err()
	}
	return stopErr
}
