// Package main implements recallctl, a command-line client for the recalld
// HTTP API.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the recalld HTTP server
	serverURL string
	namespace string
	tenantID  string
	jsonOut   bool

	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "recallctl",
	Short: "CLI for recalld HTTP server operations",
	Long: `recallctl is a command-line interface for the recalld HTTP server.
It queries namespaces, writes and deletes chunks, and previews how a filter
compiles for each vector backend.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9090", "recalld server URL")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "namespace id")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "", "tenant id")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(healthCmd, queryCmd, upsertCmd, deleteCmd, dimensionsCmd, translateCmd)
}
