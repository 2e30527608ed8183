package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhentan/cosigner/internal/patterns"
)

// Evaluate scores c against snap at the caller-supplied time now.
// It performs no I/O and reads no clock; the same inputs always give the
// same result.
func Evaluate(c Candidate, snap patterns.Snapshot, now time.Time) Result {
	var (
		score   int
		reasons []string
		factors = make(map[string]int)
	)
	add := func(rule string, points int, reason string) {
		score += points
		factors[rule] = points
		reasons = append(reasons, reason)
	}

	if !snap.Recipient.Known() {
		add(RuleUnknownRecipient, PointsUnknownRecipient, "Unknown recipient (never seen before)")
	} else {
		// compare against totalVolume/count exactly; the rounded average is display only
		count := decimal.NewFromInt(snap.Recipient.TransactionCount)
		total := snap.Recipient.TotalVolume
		if total.IsPositive() && c.Amount.Mul(count).GreaterThan(total.Mul(UnusualMultiple)) {
			multiple := c.Amount.Mul(count).Div(total)
			add(RuleUnusualAmount, PointsUnusualAmount,
				fmt.Sprintf("Amount %s is %sx the average (%s)", c.Amount, multiple.StringFixed(1), snap.Recipient.AverageAmount()))
		}
	}

	hour := now.UTC().Hour()
	if !snap.Limits.AllowsHour(hour) {
		add(RuleOffHours, PointsOffHours,
			fmt.Sprintf("Current time %d:00 UTC is outside business hours", hour))
	}

	if c.Amount.GreaterThan(snap.Limits.MaxSingleTransfer) {
		add(RuleSingleLimit, PointsSingleLimit,
			fmt.Sprintf("Amount %s exceeds single-tx limit of %s", c.Amount, snap.Limits.MaxSingleTransfer))
	}

	// a snapshot from another day contributes nothing to today's total
	used := snap.Daily.TotalVolume
	if snap.Daily.Date != "" && snap.Daily.Date != patterns.DayKey(now) {
		used = decimal.Zero
	}
	if used.Add(c.Amount).GreaterThan(snap.Limits.MaxDailyVolume) {
		add(RuleDailyLimit, PointsDailyLimit,
			fmt.Sprintf("Would exceed daily volume limit (%s + %s > %s)", used, c.Amount, snap.Limits.MaxDailyVolume))
	}

	if score > MaxScore {
		score = MaxScore
	}
	if len(reasons) == 0 {
		reasons = append(reasons, ReasonNormal)
	}

	return Result{
		Score:   score,
		Verdict: VerdictFor(score),
		Reasons: reasons,
		Factors: factors,
	}
}
