package main

import (
	"os"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/cron"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/monitor"
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset <port>",
	Short: "Reset a port's quota counters",
	Long: `Replace the quota counters for one port with fresh ones at the given
quota. This is the only way to clear an exhausted counter; the new cap is
recorded in the account's quota history.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		port := parsePort(args[0])
		quota, _ := cmd.Flags().GetInt("quota")

		_, m := loadManager()
		if err := m.Reset(port, quota); err != nil {
			logger.Error("Reset failed: %v", err)
			os.Exit(1)
		}
		logger.Info("Port %d reset to %d GiB", port, quota)
	},
}

var resetAllCmd = &cobra.Command{
	Use:   "reset-all",
	Short: "Reset quota counters for every port with live rules",
	Long: `Reset every port inside the allocation range that currently has quota
rules installed. Enumerates the live rule table, not the account store, so
orphaned rules are reset too.`,
	Run: func(cmd *cobra.Command, args []string) {
		quota, _ := cmd.Flags().GetInt("quota")

		_, m := loadManager()
		if err := m.ResetAll(quota); err != nil {
			logger.Error("Reset-all finished with errors: %v", err)
			os.Exit(1)
		}
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show live quota usage for every installed port",
	Run: func(cmd *cobra.Command, args []string) {
		_, m := loadManager()

		installed, err := m.InstalledPorts()
		if err != nil {
			logger.Error("Could not enumerate quota rules: %v", err)
			os.Exit(1)
		}

		reporter := monitor.NewReporter(m)
		for _, port := range installed {
			if err := reporter.UserDetail(port); err != nil {
				logger.Error("Could not read usage for port %d: %v", port, err)
				os.Exit(1)
			}
		}
	},
}

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage the periodic quota reset job",
}

var cronInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Register a monthly reset of all quotas with system cron",
	Run: func(cmd *cobra.Command, args []string) {
		quota, _ := cmd.Flags().GetInt("quota")

		_, _ = loadManager()
		if err := cron.NewScheduler().InstallPeriodicReset(quota); err != nil {
			logger.Error("Could not install periodic reset: %v", err)
			os.Exit(1)
		}
	},
}

var cronRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Unregister the periodic quota reset",
	Run: func(cmd *cobra.Command, args []string) {
		_, _ = loadManager()
		if err := cron.NewScheduler().RemovePeriodicReset(); err != nil {
			logger.Error("Could not remove periodic reset: %v", err)
			os.Exit(1)
		}
	},
}

func init() {
	resetCmd.Flags().Int("quota", 25, "New traffic quota in GiB")
	resetAllCmd.Flags().Int("quota", 25, "New traffic quota in GiB")
	cronInstallCmd.Flags().Int("quota", 25, "Traffic quota in GiB applied on each reset")

	cronCmd.AddCommand(cronInstallCmd)
	cronCmd.AddCommand(cronRemoveCmd)

	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(resetAllCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(cronCmd)
}
