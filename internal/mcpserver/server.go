package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Garant tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("garant", "1.0.0")
	client := NewGarantClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolBrowseDeals, h.HandleBrowseDeals)
	s.AddTool(ToolGetDeal, h.HandleGetDeal)
	s.AddTool(ToolCreateDeal, h.HandleCreateDeal)
	s.AddTool(ToolClaimDeal, h.HandleClaimDeal)
	s.AddTool(ToolFulfillDeal, h.HandleFulfillDeal)
	s.AddTool(ToolConfirmDeal, h.HandleConfirmDeal)
	s.AddTool(ToolDisputeDeal, h.HandleDisputeDeal)
	s.AddTool(ToolPostMessage, h.HandlePostMessage)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
