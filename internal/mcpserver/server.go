package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with every co-signer tool.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("cosigner", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCheckPending, h.HandleCheckPending)
	s.AddTool(ToolAnalyzeRisk, h.HandleAnalyzeRisk)
	s.AddTool(ToolGetStatus, h.HandleGetStatus)
	s.AddTool(ToolToggleScreening, h.HandleToggleScreening)
	s.AddTool(ToolReviewTransaction, h.HandleReviewTransaction)
	s.AddTool(ToolExecuteTransaction, h.HandleExecuteTransaction)
	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)

	return s
}
