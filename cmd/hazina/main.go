// Hazina — short-lived cloud credential leasing over MCP.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hazina",
	Short: "Hazina — broker-backed short-lived cloud credentials over MCP.",
	Long: `Hazina is an MCP server that leases short-lived cloud credentials from a
secrets broker (HashiCorp Vault), keeps them fresh through proactive renewal,
and hands out cloud API sessions bound to the current lease. Credentials are
held in memory only and are revoked on shutdown.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
