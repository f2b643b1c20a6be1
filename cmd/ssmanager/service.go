package main

import (
	"os"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/systemd"
	"github.com/spf13/cobra"
)

var installUnitCmd = &cobra.Command{
	Use:   "install-unit",
	Short: "Install the systemd template unit for per-port instances",
	Long: `Write the ss-server@.service template unit and reload systemd. Each
account's instance (ss-server@<port>.service) is created from this template,
with the port substituting into the instance name and the config path.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _ := loadManager()

		binder := systemd.NewBinder(cfg.UnitTemplate)
		if err := binder.InstallUnit(cfg.ServerBinary, cfg.ConfigDir); err != nil {
			logger.Error("Failed to install unit template: %v", err)
			os.Exit(1)
		}
		logger.Info("Unit template installed")
	},
}

func init() {
	rootCmd.AddCommand(installUnitCmd)
}
