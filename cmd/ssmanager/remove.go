package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/monitor"
	"github.com/ahmadreza221/shadowsocks-v2ray/internal/utils"
	"github.com/spf13/cobra"
)

// parsePort validates a port argument; fatal on bad input.
func parsePort(arg string) int {
	port, err := strconv.Atoi(arg)
	if err != nil {
		fmt.Printf("Invalid port: %s\n", arg)
		os.Exit(1)
	}
	if err := utils.ValidatePort(port); err != nil {
		fmt.Printf("Invalid port: %v\n", err)
		os.Exit(1)
	}
	return port
}

var removeCmd = &cobra.Command{
	Use:   "remove <port>",
	Short: "Remove a proxy account",
	Long: `Remove a proxy account: stops the service instance, deletes the quota
counters (matching every historically installed cap), closes the perimeter
firewall and deletes the account record. Safe to run on ports that were never
provisioned or are half-provisioned.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		port := parsePort(args[0])

		_, m := loadManager()
		if err := m.Remove(port); err != nil {
			logger.Error("Remove failed: %v", err)
			os.Exit(1)
		}
		logger.Info("Port %d removed", port)
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"users"},
	Short:   "List provisioned accounts",
	Run: func(cmd *cobra.Command, args []string) {
		_, m := loadManager()
		if err := monitor.NewReporter(m).ListUsers(); err != nil {
			logger.Error("List failed: %v", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(listCmd)
}
