package txqueue

import (
	"fmt"
	"slices"
	"time"

	"github.com/zhentan/cosigner/internal/risk"
)

// Mutation is one of SetRisk, MarkInReview, MarkRejected, MarkSubmitted or
// MarkExecuted.
// The set is closed; apply reports whether the record changed.
type Mutation interface {
	Name() string
	check() error
	apply(t *Transaction, now time.Time) bool
}

// SetRisk persists the engine's result. Legal once, while pending.
type SetRisk struct {
	Score   int
	Verdict risk.Verdict
	Reasons []string
}

func (SetRisk) Name() string { return "set_risk" }

func (m SetRisk) check() error {
	if m.Score < 0 || m.Score > risk.MaxScore {
		return fmt.Errorf("%w: score %d outside 0..%d", ErrInvalidMutation, m.Score, risk.MaxScore)
	}
	if m.Verdict != risk.VerdictFor(m.Score) {
		return fmt.Errorf("%w: verdict %s does not match score %d", ErrInvalidMutation, m.Verdict, m.Score)
	}
	if len(m.Reasons) == 0 {
		return fmt.Errorf("%w: at least one reason is required", ErrInvalidMutation)
	}
	return nil
}

func (m SetRisk) apply(t *Transaction, now time.Time) bool {
	if t.Status != StatusPending || t.Evaluated() {
		return false
	}
	score := m.Score
	t.RiskScore = &score
	t.RiskVerdict = m.Verdict
	t.RiskReasons = slices.Clone(m.Reasons)
	t.RiskEvaluatedAt = &now
	return true
}

// MarkInReview hands an evaluated pending record to a human.
type MarkInReview struct {
	Reason string
}

func (MarkInReview) Name() string { return "mark_in_review" }

func (MarkInReview) check() error { return nil }

func (m MarkInReview) apply(t *Transaction, now time.Time) bool {
	if t.Status != StatusPending || !t.Evaluated() {
		return false
	}
	t.Status = StatusInReview
	t.ReviewStartedAt = &now
	t.ReviewReason = m.Reason
	return true
}

// MarkRejected ends a pending or in-review record without signing.
type MarkRejected struct {
	Actor  string
	Reason string
}

func (MarkRejected) Name() string { return "mark_rejected" }

func (m MarkRejected) check() error {
	if m.Reason == "" {
		return fmt.Errorf("%w: reject reason is required", ErrInvalidMutation)
	}
	return nil
}

func (m MarkRejected) apply(t *Transaction, now time.Time) bool {
	if t.Status != StatusPending && t.Status != StatusInReview {
		return false
	}
	t.Status = StatusRejected
	t.RejectReason = m.Reason
	t.RejectedAt = &now
	t.DecidedBy = m.Actor
	return true
}

// MarkSubmitted remembers the relay handle of an accepted operation so a
// later attempt waits on it instead of submitting again. Status is
// unchanged; it also applies to a record rejected while the submission was
// in flight.
type MarkSubmitted struct {
	OpHash string
}

func (MarkSubmitted) Name() string { return "mark_submitted" }

func (m MarkSubmitted) check() error {
	if m.OpHash == "" {
		return fmt.Errorf("%w: operation hash is required", ErrInvalidMutation)
	}
	return nil
}

func (m MarkSubmitted) apply(t *Transaction, now time.Time) bool {
	if t.Executed() || t.SubmittedOpHash == m.OpHash {
		return false
	}
	t.SubmittedOpHash = m.OpHash
	t.SubmittedAt = &now
	return true
}

// MarkExecuted records the relay's terminal result. It is authoritative: it
// also applies to a record rejected while its submission was in flight,
// because the chain outcome cannot be undone. Once executed a record never
// changes again.
type MarkExecuted struct {
	Hash     string
	Success  bool
	Executor string
	Actor    string
}

func (MarkExecuted) Name() string { return "mark_executed" }

func (m MarkExecuted) check() error {
	if m.Hash == "" {
		return fmt.Errorf("%w: result hash is required", ErrInvalidMutation)
	}
	return nil
}

func (m MarkExecuted) apply(t *Transaction, now time.Time) bool {
	if t.Executed() || t.Status == StatusExecuted {
		return false
	}
	success := m.Success
	t.Status = StatusExecuted
	t.ExecutedAt = &now
	t.ResultHash = m.Hash
	t.Success = &success
	t.ExecutedBy = m.Executor
	if m.Actor != "" && t.DecidedBy == "" {
		t.DecidedBy = m.Actor
	}
	return true
}
