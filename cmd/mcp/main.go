// Co-signer MCP server: exposes the admission pipeline as tools for LLM agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zhentan/cosigner/internal/mcpserver"
	"github.com/zhentan/cosigner/internal/validation"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:      envOrDefault("COSIGNER_API_URL", "http://localhost:8080"),
		APIKey:      os.Getenv("COSIGNER_API_KEY"),
		SignerGroup: os.Getenv("COSIGNER_SIGNER_GROUP"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "COSIGNER_API_KEY is required")
		os.Exit(1)
	}
	if cfg.SignerGroup != "" && !validation.IsAddress(cfg.SignerGroup) {
		fmt.Fprintln(os.Stderr, "COSIGNER_SIGNER_GROUP must be an address")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
