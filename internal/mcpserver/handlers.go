package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zhentan/cosigner/internal/admission"
	"github.com/zhentan/cosigner/internal/review"
	"github.com/zhentan/cosigner/internal/txqueue"
	"github.com/zhentan/cosigner/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

func (h *Handlers) group(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	g := h.client.Group(req.GetString("signer_group", ""))
	if g == "" {
		return "", mcp.NewToolResultError("signer_group is required (no default group configured)")
	}
	if !validation.IsAddress(g) {
		return "", mcp.NewToolResultError("signer_group must be an address (0x + 40 hex chars)")
	}
	return g, nil
}

// HandleCheckPending lists pending transactions of a group.
func (h *Handlers) HandleCheckPending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, bad := h.group(req)
	if bad != nil {
		return bad, nil
	}
	txs, err := h.client.Pending(ctx, g)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check pending transactions: %v", err)), nil
	}
	return mcp.NewToolResultText(formatPending(g, txs)), nil
}

// HandleAnalyzeRisk scores a stored or hypothetical transfer.
func (h *Handlers) HandleAnalyzeRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	recipient := req.GetString("recipient", "")
	amount := req.GetString("amount", "")

	var (
		a   *admission.Analysis
		err error
	)
	switch {
	case id != "":
		a, err = h.client.AnalyzeStored(ctx, id)
	case recipient != "" && amount != "":
		a, err = h.client.Analyze(ctx, recipient, amount)
	default:
		return mcp.NewToolResultError("give transaction_id, or recipient and amount"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to analyze risk: %v", err)), nil
	}
	return mcp.NewToolResultText(formatAnalysis(a)), nil
}

// HandleGetStatus shows policy state and recent decisions.
func (h *Handlers) HandleGetStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, bad := h.group(req)
	if bad != nil {
		return bad, nil
	}
	st, err := h.client.Status(ctx, g)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStatus(st)), nil
}

// HandleToggleScreening flips screening for a group.
func (h *Handlers) HandleToggleScreening(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, bad := h.group(req)
	if bad != nil {
		return bad, nil
	}
	enabled, ok := boolArg(req, "enabled")
	if !ok {
		return mcp.NewToolResultError("enabled is required (true or false)"), nil
	}
	s, err := h.client.SetScreening(ctx, g, enabled)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update screening: %v", err)), nil
	}
	state := "OFF: review-level transfers will be co-signed without a human"
	if s.ScreeningEnabled {
		state = "ON: review-level transfers wait for a human decision"
	}
	return mcp.NewToolResultText(fmt.Sprintf("Screening for %s is now %s.", g, state)), nil
}

// HandleReviewTransaction records an approve or reject decision.
func (h *Handlers) HandleReviewTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	decision := review.Decision(req.GetString("decision", ""))
	if !decision.Valid() {
		return mcp.NewToolResultError("decision must be approve or reject"), nil
	}

	res, err := h.client.Review(ctx, id, decision, req.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to review %s: %v", id, err)), nil
	}

	var sb strings.Builder
	switch res.Outcome {
	case review.OutcomeExecuted:
		fmt.Fprintf(&sb, "Approved and executed %s.\n", id)
	case review.OutcomeRejected:
		fmt.Fprintf(&sb, "Rejected %s.\n", id)
	default:
		fmt.Fprintf(&sb, "No change: %s was not awaiting review.\n", id)
	}
	if res.Transaction != nil {
		writeTransaction(&sb, res.Transaction)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleExecuteTransaction retries co-signing and submission.
func (h *Handlers) HandleExecuteTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	res, err := h.client.Execute(ctx, id)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "relay_failed" {
		return mcp.NewToolResultError(fmt.Sprintf(
			"Relay failed for %s. The transaction is still pending and can be retried.\n%s", id, apiErr.Message)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to execute %s: %v", id, err)), nil
	}

	var sb strings.Builder
	switch {
	case res.Status == "already_executed":
		fmt.Fprintf(&sb, "%s was already executed (hash %s).\n", id, res.Hash)
	case res.Action != "":
		fmt.Fprintf(&sb, "Result: %s\n", res.Action)
	}
	if res.Transaction != nil {
		writeTransaction(&sb, res.Transaction)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetTransaction fetches one record.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	tx, err := h.client.Transaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get %s: %v", id, err)), nil
	}
	var sb strings.Builder
	writeTransaction(&sb, tx)
	return mcp.NewToolResultText(sb.String()), nil
}

// boolArg accepts JSON booleans and the strings "true"/"false".
func boolArg(req mcp.CallToolRequest, key string) (bool, bool) {
	switch v := req.GetArguments()[key].(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(v) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

func formatPending(group string, txs []*txqueue.Transaction) string {
	if len(txs) == 0 {
		return fmt.Sprintf("No pending transactions for %s.", group)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d pending transaction(s) for %s:\n\n", len(txs), group)
	for i, tx := range txs {
		risk := "not evaluated"
		if tx.RiskScore != nil {
			risk = fmt.Sprintf("risk %d (%s)", *tx.RiskScore, tx.RiskVerdict)
		}
		fmt.Fprintf(&sb, "%d. %s: %s %s to %s, %s\n", i+1, tx.ID, tx.Amount, tx.Asset, tx.Recipient, risk)
	}
	return sb.String()
}

func formatAnalysis(a *admission.Analysis) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk score: %d/100 (%s)\n", a.Result.Score, a.Result.Verdict)
	if len(a.Result.Reasons) > 0 {
		sb.WriteString("Reasons:\n")
		for _, r := range a.Result.Reasons {
			fmt.Fprintf(&sb, "  - %s\n", r)
		}
	}
	if a.Recipient != nil && a.Recipient.Known() {
		fmt.Fprintf(&sb, "Recipient history: %d transfer(s), average %s\n",
			a.Recipient.TransactionCount, a.Recipient.AverageAmount().String())
	} else {
		sb.WriteString("Recipient history: none\n")
	}
	fmt.Fprintf(&sb, "Today: %d transfer(s), volume %s of %s\n",
		a.Daily.TransactionCount, a.Daily.TotalVolume.String(), a.Limits.MaxDailyVolume.String())
	return sb.String()
}

func formatStatus(st *admission.Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Signer group: %s\n", st.SignerGroup)
	screening := "off"
	if st.Settings.ScreeningEnabled {
		screening = "on"
	}
	fmt.Fprintf(&sb, "Screening: %s\n", screening)
	if st.Settings.LastCheck != nil {
		fmt.Fprintf(&sb, "Last check: %s\n", st.Settings.LastCheck.UTC().Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(&sb, "Limits: single %s, daily %s, hours %v UTC\n",
		st.Limits.MaxSingleTransfer.String(), st.Limits.MaxDailyVolume.String(), st.Limits.AllowedHoursUTC)
	fmt.Fprintf(&sb, "Known recipients: %d\n", st.KnownRecipients)
	if len(st.RecentDecisions) == 0 {
		sb.WriteString("Recent decisions: none\n")
		return sb.String()
	}
	sb.WriteString("Recent decisions:\n")
	for _, d := range st.RecentDecisions {
		line := fmt.Sprintf("  %s %s: %s", d.At.UTC().Format("01-02 15:04"), d.TxID, d.Action)
		if d.Score != nil {
			line += fmt.Sprintf(" (score %d)", *d.Score)
		}
		if d.Detail != "" {
			line += ", " + d.Detail
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}

func writeTransaction(sb *strings.Builder, tx *txqueue.Transaction) {
	fmt.Fprintf(sb, "Transaction %s\n", tx.ID)
	fmt.Fprintf(sb, "  Status: %s\n", tx.Status)
	fmt.Fprintf(sb, "  Transfer: %s %s to %s\n", tx.Amount, tx.Asset, tx.Recipient)
	fmt.Fprintf(sb, "  Proposed by: %s\n", tx.ProposedBy)
	if tx.RiskScore != nil {
		fmt.Fprintf(sb, "  Risk: %d (%s)\n", *tx.RiskScore, tx.RiskVerdict)
		for _, r := range tx.RiskReasons {
			fmt.Fprintf(sb, "    - %s\n", r)
		}
	}
	if tx.RejectReason != "" {
		fmt.Fprintf(sb, "  Rejected by %s: %s\n", tx.DecidedBy, tx.RejectReason)
	}
	if tx.ResultHash != "" {
		ok := "succeeded"
		if tx.Success != nil && !*tx.Success {
			ok = "failed on chain"
		}
		fmt.Fprintf(sb, "  Hash: %s (%s)\n", tx.ResultHash, ok)
	}
}
