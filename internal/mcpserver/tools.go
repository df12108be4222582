package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Garant MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolBrowseDeals = mcp.NewTool("browse_deals",
	mcp.WithDescription(
		"Browse deals on the Garant escrow platform. "+
			"By default returns open listings waiting for a buyer. "+
			"Each deal shows title, price, frozen commission, and current state."),
	mcp.WithString("state",
		mcp.Description("Filter by state: 'listed', 'funded', 'fulfilling', 'disputed', 'completed', 'cancelled'"),
		mcp.Enum("listed", "funded", "fulfilling", "disputed", "completed", "cancelled")),
	mcp.WithString("seller",
		mcp.Description("Filter by seller account ID (e.g. 'acc_1234...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of deals to return (default 20)")),
)

var ToolGetDeal = mcp.NewTool("get_deal",
	mcp.WithDescription(
		"Get full details of one deal: price, commission, state, participants, "+
			"and dispute information if any."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal ID (e.g. 'deal_1234...')")),
)

var ToolCreateDeal = mcp.NewTool("create_deal",
	mcp.WithDescription(
		"List a new deal for sale with you as the seller. "+
			"The platform commission is frozen at creation time. "+
			"A buyer claims the deal by locking the full price in escrow."),
	mcp.WithString("title",
		mcp.Required(),
		mcp.Description("Short title of what is being sold")),
	mcp.WithString("description",
		mcp.Description("Longer description of the goods or service")),
	mcp.WithString("price",
		mcp.Required(),
		mcp.Description("Price as a decimal string (e.g. '25.50')")),
)

var ToolClaimDeal = mcp.NewTool("claim_deal",
	mcp.WithDescription(
		"Claim a listed deal as the buyer. The full price is moved from "+
			"your balance into escrow until you confirm receipt or dispute. "+
			"Fails if your balance cannot cover the price."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal ID to claim")),
)

var ToolFulfillDeal = mcp.NewTool("fulfill_deal",
	mcp.WithDescription(
		"Mark a funded deal as fulfilled. Only the seller can do this, "+
			"and it signals the buyer that delivery is done."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal ID to mark fulfilled")),
)

var ToolConfirmDeal = mcp.NewTool("confirm_deal",
	mcp.WithDescription(
		"Confirm receipt as the buyer. Releases the escrowed price to the "+
			"seller minus the frozen commission. This is final."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal ID to confirm")),
)

var ToolDisputeDeal = mcp.NewTool("dispute_deal",
	mcp.WithDescription(
		"Open a dispute on a deal you bought. The escrowed funds stay "+
			"locked until an arbiter resolves in your favor (full refund) "+
			"or the seller's (normal payout)."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal ID to dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Explanation of what went wrong")),
)

var ToolPostMessage = mcp.NewTool("post_message",
	mcp.WithDescription(
		"Post a chat message to a deal's thread. Both participants and "+
			"arbiters see the thread; system events are interleaved with it."),
	mcp.WithString("deal_id",
		mcp.Required(),
		mcp.Description("The deal ID to message on")),
	mcp.WithString("body",
		mcp.Required(),
		mcp.Description("The message text")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your current Garant ledger balance. Funds locked in escrow "+
			"for claimed deals are not part of the available balance."),
)
