package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the model reads to pick a tool.

var ToolCheckPending = mcp.NewTool("check_pending",
	mcp.WithDescription(
		"List transactions of a signer group that are still pending: not yet risk-evaluated, "+
			"or approved but not executed. Records the time of the check."),
	mcp.WithString("signer_group",
		mcp.Description("Shared account address (0x...). Defaults to the configured group.")),
)

var ToolAnalyzeRisk = mcp.NewTool("analyze_risk",
	mcp.WithDescription(
		"Run the risk engine without changing anything. Give a transaction_id to re-score a stored "+
			"transaction, or recipient and amount to score a hypothetical transfer. "+
			"Scores below 40 approve, 40-69 need human review, 70 and above are blocked."),
	mcp.WithString("transaction_id",
		mcp.Description("ID of a stored transaction")),
	mcp.WithString("recipient",
		mcp.Description("Recipient address for an ad-hoc analysis")),
	mcp.WithString("amount",
		mcp.Description("Decimal amount for an ad-hoc analysis (e.g. '250.00')")),
)

var ToolGetStatus = mcp.NewTool("get_status",
	mcp.WithDescription(
		"Show the screening state, global limits, number of known recipients and the most recent "+
			"admission decisions of a signer group."),
	mcp.WithString("signer_group",
		mcp.Description("Shared account address (0x...). Defaults to the configured group.")),
)

var ToolToggleScreening = mcp.NewTool("toggle_screening",
	mcp.WithDescription(
		"Turn risk screening on or off for a signer group. With screening off, blocked transfers "+
			"are still refused but transfers that would need review are co-signed directly."),
	mcp.WithBoolean("enabled",
		mcp.Required(),
		mcp.Description("true to screen, false to skip human review")),
	mcp.WithString("signer_group",
		mcp.Description("Shared account address (0x...). Defaults to the configured group.")),
)

var ToolReviewTransaction = mcp.NewTool("review_transaction",
	mcp.WithDescription(
		"Record a human decision on a transaction waiting for review. Approving co-signs and submits it."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("ID of the transaction in review")),
	mcp.WithString("decision",
		mcp.Required(),
		mcp.Description("approve or reject"),
		mcp.Enum("approve", "reject")),
	mcp.WithString("reason",
		mcp.Description("Optional reason, stored with a rejection")),
)

var ToolExecuteTransaction = mcp.NewTool("execute_transaction",
	mcp.WithDescription(
		"Retry co-signing and submission of a pending transaction, for example after a relay failure. "+
			"Returns the stored hash if it already executed."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("ID of the transaction")),
)

var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription("Fetch one transaction with its risk assessment and lifecycle fields."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("ID of the transaction")),
)
