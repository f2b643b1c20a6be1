package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/ahmadreza221/shadowsocks-v2ray/internal/provision"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <domain> <email>",
	Short: "Provision a new proxy account",
	Long: `Provision a new proxy account: allocates a free port, generates a
credential, installs quota counters, opens the perimeter firewall and starts
the per-port service instance.

Example:
  ssmanager create example.com a@example.com --quota 25`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		domain, email := args[0], args[1]
		quota, _ := cmd.Flags().GetInt("quota")

		_, m := loadManager()

		res, err := m.Create(provision.CreateRequest{
			Domain:  domain,
			Email:   email,
			QuotaGB: quota,
		})
		if err != nil {
			logger.Error("Create failed: %v", err)
			os.Exit(1)
		}

		logger.Info("Account provisioned on port %d", res.Account.ServerPort)
		fmt.Println()
		fmt.Println("Connection URI:")
		fmt.Println("  " + res.URI)
		fmt.Println()
		fmt.Printf("Config: %s\n", res.ConfigPath)

		printQR(res.URI)
	},
}

// printQR renders the URI as a terminal QR code when qrencode is
// installed. Rendering is delegated, never reimplemented.
func printQR(uri string) {
	if _, err := exec.LookPath("qrencode"); err != nil {
		logger.Warn("qrencode not installed, skipping QR code")
		return
	}
	out, err := exec.Command("qrencode", "-t", "ansiutf8", uri).Output()
	if err != nil {
		logger.Warn("Could not render QR code: %v", err)
		return
	}
	fmt.Println()
	os.Stdout.Write(out)
}

func init() {
	createCmd.Flags().Int("quota", 25, "Traffic quota in GiB")
	rootCmd.AddCommand(createCmd)
}
