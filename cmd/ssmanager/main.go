package main

import (
	"fmt"
	"os"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/config"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/logging"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/provision"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/version"
	"github.com/spf13/cobra"
)

var logger *logging.Logger

func initLogger(cfg *config.Config) {
	err := logging.Configure(&logging.Config{
		Level:      logging.LevelInfo,
		File:       cfg.LogFile,
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     7,
	})
	if err != nil {
		fmt.Printf("Failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	logger = logging.GetLogger()
}

// loadManager builds the lifecycle manager over the real host backends.
// Fatal on misconfiguration.
func loadManager() (*config.Config, *provision.Manager) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	initLogger(cfg)

	m, err := provision.New(cfg)
	if err != nil {
		logger.Error("Failed to initialize manager: %v", err)
		os.Exit(1)
	}
	return cfg, m
}

var rootCmd = &cobra.Command{
	Use:   "ssmanager",
	Short: "Multi-tenant shadowsocks account manager",
	Long: `ssmanager provisions shadowsocks+v2ray-plugin proxy accounts on this host.
Each account is bound to a dedicated port, a generated credential, a per-port
systemd service instance and a pair of iptables quota counters capping its
traffic.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Printf("ssmanager %s\n", version.GetVersionString())
		fmt.Printf("  go:       %s\n", info.GoVersion)
		fmt.Printf("  platform: %s\n", info.Platform)
	},
}

func main() {
	rootCmd.AddCommand(versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
