// Package risk scores a proposed transfer against the recipient's history and
// the operator's global limits.
//
// The score is additive and capped at 100. Each rule that fires contributes a
// fixed number of points and a human-readable reason:
//
//	unknown recipient              +40
//	amount > 3x recipient average  +25
//	hour outside allowed window    +20
//	amount > single-transfer limit +30
//	day total would exceed limit   +20
//
// Verdict thresholds are fixed: below 40 approves, below 70 goes to review,
// anything else blocks.
package risk

import "github.com/shopspring/decimal"

// Verdict is the engine's classification of a transfer.
type Verdict string

const (
	VerdictApprove Verdict = "APPROVE"
	VerdictReview  Verdict = "REVIEW"
	VerdictBlock   Verdict = "BLOCK"
)

// Valid reports whether v is one of the three verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictApprove, VerdictReview, VerdictBlock:
		return true
	}
	return false
}

// Score points per rule.
const (
	PointsUnknownRecipient = 40
	PointsUnusualAmount    = 25
	PointsOffHours         = 20
	PointsSingleLimit      = 30
	PointsDailyLimit       = 20

	MaxScore = 100

	reviewThreshold = 40
	blockThreshold  = 70
)

// UnusualMultiple is how many times the recipient average an amount may reach
// before it counts as unusual.
var UnusualMultiple = decimal.NewFromInt(3)

// Rule names, used as Factors keys.
const (
	RuleUnknownRecipient = "unknown_recipient"
	RuleUnusualAmount    = "unusual_amount"
	RuleOffHours         = "off_hours"
	RuleSingleLimit      = "single_limit"
	RuleDailyLimit       = "daily_limit"
)

// ReasonNormal is recorded when no rule fires.
const ReasonNormal = "Known recipient, normal amount, within business hours"

// Candidate is the part of a transaction the engine looks at.
type Candidate struct {
	Recipient string
	Amount    decimal.Decimal
}

// Result is the outcome of one evaluation.
type Result struct {
	Score   int            `json:"score"`
	Verdict Verdict        `json:"verdict"`
	Reasons []string       `json:"reasons"`
	Factors map[string]int `json:"factors"`
}

// VerdictFor maps a score to its verdict.
func VerdictFor(score int) Verdict {
	switch {
	case score < reviewThreshold:
		return VerdictApprove
	case score < blockThreshold:
		return VerdictReview
	default:
		return VerdictBlock
	}
}
