package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *GarantClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *GarantClient) *Handlers {
	return &Handlers{client: client}
}

// HandleBrowseDeals lists deals, defaulting to open listings.
func (h *Handlers) HandleBrowseDeals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state := req.GetString("state", "")
	seller := req.GetString("seller", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.BrowseDeals(ctx, state, seller, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to browse deals: %v", err)), nil
	}

	text, err := formatDealList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse deals: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetDeal returns one deal with its dispute details if present.
func (h *Handlers) HandleGetDeal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dealID := req.GetString("deal_id", "")
	if dealID == "" {
		return mcp.NewToolResultError("deal_id is required"), nil
	}

	raw, err := h.client.GetDeal(ctx, dealID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get deal: %v", err)), nil
	}

	text, err := formatDeal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse deal: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCreateDeal lists a new deal as the seller.
func (h *Handlers) HandleCreateDeal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title := req.GetString("title", "")
	price := req.GetString("price", "")
	if title == "" || price == "" {
		return mcp.NewToolResultError("title and price are required"), nil
	}
	description := req.GetString("description", "")

	raw, err := h.client.CreateDeal(ctx, title, description, price)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create deal: %v", err)), nil
	}

	d, err := parseDeal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse deal: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Deal listed.\n\nID: %s\nTitle: %s\nPrice: %s\nCommission (frozen): %s\nState: %s\n\n"+
			"Share the deal ID with a buyer; claiming it locks the price in escrow.",
		d.ID, d.Title, d.Price, d.Commission, d.State)), nil
}

// HandleClaimDeal funds a listed deal as the buyer.
func (h *Handlers) HandleClaimDeal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dealID := req.GetString("deal_id", "")
	if dealID == "" {
		return mcp.NewToolResultError("deal_id is required"), nil
	}

	raw, err := h.client.ClaimDeal(ctx, dealID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to claim deal: %v", err)), nil
	}

	d, err := parseDeal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse deal: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Deal claimed. %s is now held in escrow.\n\nID: %s\nState: %s\n\n"+
			"When the seller delivers, use confirm_deal to release payment, "+
			"or dispute_deal if something is wrong.",
		d.Price, d.ID, d.State)), nil
}

// HandleFulfillDeal marks delivery done as the seller.
func (h *Handlers) HandleFulfillDeal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dealID := req.GetString("deal_id", "")
	if dealID == "" {
		return mcp.NewToolResultError("deal_id is required"), nil
	}

	raw, err := h.client.FulfillDeal(ctx, dealID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to mark fulfilled: %v", err)), nil
	}

	d, err := parseDeal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse deal: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Deal %s marked fulfilled (state: %s). Waiting for the buyer to confirm receipt.",
		d.ID, d.State)), nil
}

// HandleConfirmDeal releases escrow to the seller.
func (h *Handlers) HandleConfirmDeal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dealID := req.GetString("deal_id", "")
	if dealID == "" {
		return mcp.NewToolResultError("deal_id is required"), nil
	}

	raw, err := h.client.ConfirmDeal(ctx, dealID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to confirm deal: %v", err)), nil
	}

	d, err := parseDeal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse deal: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Deal %s completed. The seller received %s minus the %s commission.",
		d.ID, d.Price, d.Commission)), nil
}

// HandleDisputeDeal opens arbitration on a funded deal.
func (h *Handlers) HandleDisputeDeal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dealID := req.GetString("deal_id", "")
	reason := req.GetString("reason", "")
	if dealID == "" || reason == "" {
		return mcp.NewToolResultError("deal_id and reason are required"), nil
	}

	raw, err := h.client.DisputeDeal(ctx, dealID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open dispute: %v", err)), nil
	}

	d, err := parseDeal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse deal: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute opened on deal %s (state: %s). The escrowed %s stays locked "+
			"until an arbiter resolves it. You win: full refund. Seller wins: normal payout.",
		d.ID, d.State, d.Price)), nil
}

// HandlePostMessage adds a message to a deal thread.
func (h *Handlers) HandlePostMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dealID := req.GetString("deal_id", "")
	body := req.GetString("body", "")
	if dealID == "" || body == "" {
		return mcp.NewToolResultError("deal_id and body are required"), nil
	}

	if _, err := h.client.PostMessage(ctx, dealID, body); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to post message: %v", err)), nil
	}

	return mcp.NewToolResultText("Message posted to deal " + dealID + "."), nil
}

// HandleCheckBalance returns the caller's ledger balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var resp struct {
		AccountID string `json:"accountId"`
		Balance   string `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Balance for %s: %s", resp.AccountID, resp.Balance)), nil
}

// dealInfo mirrors the deal fields the tools surface.
type dealInfo struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Price         string `json:"price"`
	Commission    string `json:"commission"`
	SellerAccount string `json:"sellerAccount"`
	BuyerAccount  string `json:"buyerAccount"`
	State         string `json:"state"`
	DisputeReason string `json:"disputeReason"`
	Resolution    string `json:"resolution"`
}

// parseDeal unwraps the API's {"deal": {...}} envelope.
func parseDeal(raw json.RawMessage) (*dealInfo, error) {
	var resp struct {
		Deal *dealInfo `json:"deal"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Deal == nil {
		return nil, fmt.Errorf("no deal in response")
	}
	return resp.Deal, nil
}

// formatDeal renders one deal as readable text.
func formatDeal(raw json.RawMessage) (string, error) {
	d, err := parseDeal(raw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Deal %s: %s\n", d.ID, d.Title)
	if d.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", d.Description)
	}
	fmt.Fprintf(&sb, "Price: %s (commission %s)\n", d.Price, d.Commission)
	fmt.Fprintf(&sb, "State: %s\n", d.State)
	fmt.Fprintf(&sb, "Seller: %s\n", d.SellerAccount)
	if d.BuyerAccount != "" {
		fmt.Fprintf(&sb, "Buyer: %s\n", d.BuyerAccount)
	}
	if d.DisputeReason != "" {
		fmt.Fprintf(&sb, "Dispute reason: %s\n", d.DisputeReason)
	}
	if d.Resolution != "" {
		fmt.Fprintf(&sb, "Resolution: %s\n", d.Resolution)
	}
	return sb.String(), nil
}

// formatDealList renders the {"deals": [...]} envelope as text.
func formatDealList(raw json.RawMessage) (string, error) {
	var resp struct {
		Deals []dealInfo `json:"deals"`
		Count int        `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Deals) == 0 {
		return "No deals found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d deal(s):\n\n", len(resp.Deals))
	for _, d := range resp.Deals {
		fmt.Fprintf(&sb, "- %s: %s at %s (%s)\n", d.ID, d.Title, d.Price, d.State)
	}
	return sb.String(), nil
}
