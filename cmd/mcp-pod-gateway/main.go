// Command mcp-pod-gateway serves MCP sessions, each backed by its own
// Kubernetes Pod.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// CLI flags
	listenAddr string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "mcp-pod-gateway",
	Short: "MCP session gateway backed by per-session Kubernetes Pods",
	Long: `mcp-pod-gateway exposes MCP server Templates over the streamable HTTP
transport. Every session gets its own Pod whose stdio carries the JSON-RPC
traffic. Configuration is read from the environment; flags override it.`,
	SilenceUsage: true,
}

// loadConfig loads the configuration from the environment and applies CLI
// overrides.
func loadConfig() (*Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	return cfg, cfg.Validate()
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: $LOG_LEVEL or info)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: $LOG_FORMAT or json)")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "",
		"HTTP listen address (default: $MCP_GATEWAY_LISTEN or :8080)")

	rootCmd.AddCommand(serveCmd, sweepCmd, schemaCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mcp-pod-gateway:", err)
		os.Exit(1)
	}
}
