package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the build; "dev" for local runs.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "aggregator",
	Short: "Cross-venue perpetual market data aggregator",
	Long: `fundspread-aggregator ingests OKX and Binance USDT perpetual market
data over pooled WebSocket connections, normalizes it through a five-stage
pipeline and serves cross-venue funding and basis differentials.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("fundspread-aggregator " + version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
