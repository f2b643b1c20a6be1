package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/monitor"
	"github.com/spf13/cobra"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show aggregate account and traffic totals",
	Run: func(cmd *cobra.Command, args []string) {
		_, m := loadManager()
		if err := monitor.NewReporter(m).Summary(); err != nil {
			logger.Error("Summary failed: %v", err)
			os.Exit(1)
		}
	},
}

var userCmd = &cobra.Command{
	Use:   "user <port>",
	Short: "Show full detail for one account",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		port := parsePort(args[0])

		_, m := loadManager()
		if err := monitor.NewReporter(m).UserDetail(port); err != nil {
			logger.Error("Detail failed: %v", err)
			os.Exit(1)
		}
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Periodically refresh the user list until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		interval, _ := cmd.Flags().GetDuration("interval")

		_, m := loadManager()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err := monitor.NewReporter(m).Watch(ctx, interval)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Watch failed: %v", err)
			os.Exit(1)
		}
	},
}

func init() {
	watchCmd.Flags().Duration("interval", 5*time.Second, "Refresh interval")

	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(watchCmd)
}
