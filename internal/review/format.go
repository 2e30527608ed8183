package review

import (
	"fmt"
	"strings"

	"github.com/zhentan/cosigner/internal/notify"
	"github.com/zhentan/cosigner/internal/txqueue"
)

func reviewText(tx *txqueue.Transaction) string {
	var b strings.Builder
	b.WriteString("🔍 *Review required*\n\n")
	writeSummary(&b, tx)
	if tx.ReviewReason != "" {
		fmt.Fprintf(&b, "\n_%s_\n", notify.EscapeMarkdown(tx.ReviewReason))
	}
	return b.String()
}

func noticeText(tx *txqueue.Transaction, headline string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚫 *%s*\n\n", notify.EscapeMarkdown(headline))
	writeSummary(&b, tx)
	return b.String()
}

func resolvedText(tx *txqueue.Transaction) string {
	var b strings.Builder
	switch {
	case tx.Status == txqueue.StatusExecuted && tx.Success != nil && *tx.Success:
		b.WriteString("✅ *Approved and executed*\n\n")
	case tx.Status == txqueue.StatusExecuted:
		b.WriteString("⚠️ *Approved, execution failed on chain*\n\n")
	default:
		b.WriteString("❌ *Rejected*\n\n")
	}
	writeSummary(&b, tx)
	if tx.DecidedBy != "" {
		fmt.Fprintf(&b, "By: %s\n", notify.EscapeMarkdown(tx.DecidedBy))
	}
	if tx.Status == txqueue.StatusRejected && tx.RejectReason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", notify.EscapeMarkdown(tx.RejectReason))
	}
	if tx.ResultHash != "" {
		fmt.Fprintf(&b, "Hash: `%s`\n", tx.ResultHash)
	}
	return b.String()
}

func writeSummary(b *strings.Builder, tx *txqueue.Transaction) {
	fmt.Fprintf(b, "Amount: *%s %s*\n", tx.Amount, notify.EscapeMarkdown(tx.Asset))
	fmt.Fprintf(b, "To: `%s`\n", tx.Recipient)
	if tx.Requester != nil && tx.Requester.Name != "" {
		fmt.Fprintf(b, "Requested by: %s\n", notify.EscapeMarkdown(tx.Requester.Name))
	}
	if tx.RiskScore != nil {
		fmt.Fprintf(b, "Risk: %d/100 (%s)\n", *tx.RiskScore, tx.RiskVerdict)
	}
	for _, r := range tx.RiskReasons {
		fmt.Fprintf(b, "• %s\n", notify.EscapeMarkdown(r))
	}
	fmt.Fprintf(b, "ID: `%s`\n", tx.ID)
}
