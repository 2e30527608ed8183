// Package review mediates human decisions on transactions the risk engine
// escalated. It presents each in-review record on a notification channel,
// turns the reviewer's approve or reject back into a queue transition, and
// edits the original message once the outcome is known.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zhentan/cosigner/internal/logging"
	"github.com/zhentan/cosigner/internal/metrics"
	"github.com/zhentan/cosigner/internal/notify"
	"github.com/zhentan/cosigner/internal/retry"
	"github.com/zhentan/cosigner/internal/txqueue"
)

var (
	ErrUnknownDecision = errors.New("review: unknown decision")
	ErrNoApprover      = errors.New("review: no approver configured")
)

// Decision is a reviewer's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is approve or reject.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Default reasons and actors for decisions without explicit ones.
const (
	DefaultRejectReason = "rejected by reviewer"
	TimeoutRejectReason = "review timed out"
	TimeoutActor        = "system:review-timeout"
)

// Action is an inbound decision referencing a transaction.
type Action struct {
	TxID     string   `json:"txId"`
	Decision Decision `json:"action"`
	Actor    string   `json:"actor,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Outcome is what an inbound action did.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeRejected Outcome = "rejected"
	OutcomeIgnored  Outcome = "ignored"
)

// Result reports the outcome and the stored record after the action.
type Result struct {
	Outcome     Outcome              `json:"outcome"`
	Transaction *txqueue.Transaction `json:"transaction"`
}

// Approver resumes the admission flow once a human has decided.
// ApproveReviewed co-signs and submits the record; RecordRejection lets the
// caller log a rejection the gateway applied.
type Approver interface {
	ApproveReviewed(ctx context.Context, id, actor string) (*txqueue.Transaction, error)
	RecordRejection(ctx context.Context, tx *txqueue.Transaction)
}

// Gateway presents records to reviewers and applies their decisions.
type Gateway struct {
	queue    *txqueue.Queue
	channel  notify.Channel
	handles  HandleStore
	approver Approver
	editPol  retry.Policy
	logger   *slog.Logger
}

// NewGateway creates a gateway sending on channel. handles may be nil, in
// which case an in-memory map is used.
func NewGateway(queue *txqueue.Queue, channel notify.Channel, handles HandleStore, logger *slog.Logger) *Gateway {
	if handles == nil {
		handles = NewMemoryHandleStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		queue:   queue,
		channel: channel,
		handles: handles,
		editPol: retry.OneRetry,
		logger:  logger,
	}
}

// WithApprover wires the admission controller in. It is set after
// construction because the controller also depends on the gateway.
func (g *Gateway) WithApprover(a Approver) *Gateway {
	g.approver = a
	return g
}

// Present sends the review request for an in-review record and remembers
// the message so it can be edited after the decision.
func (g *Gateway) Present(ctx context.Context, tx *txqueue.Transaction) error {
	actions := []notify.Action{
		{Label: "✅ Approve", Data: notify.ActionData(string(DecisionApprove), tx.ID)},
		{Label: "❌ Reject", Data: notify.ActionData(string(DecisionReject), tx.ID)},
	}
	h, err := g.channel.Send(ctx, reviewText(tx), actions)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("send", "error").Inc()
		return fmt.Errorf("failed to present %s for review: %w", tx.ID, err)
	}
	metrics.NotificationsTotal.WithLabelValues("send", "ok").Inc()
	if err := g.handles.Put(ctx, tx.ID, h); err != nil {
		// only editing is lost
		logging.L(ctx).Warn("failed to remember review message", "tx_id", tx.ID, "error", err)
	}
	return nil
}

// Notice sends an informational message without actions, used for records
// blocked by policy.
func (g *Gateway) Notice(ctx context.Context, tx *txqueue.Transaction, headline string) error {
	if _, err := g.channel.Send(ctx, noticeText(tx, headline), nil); err != nil {
		metrics.NotificationsTotal.WithLabelValues("notice", "error").Inc()
		return fmt.Errorf("failed to send notice for %s: %w", tx.ID, err)
	}
	metrics.NotificationsTotal.WithLabelValues("notice", "ok").Inc()
	return nil
}

// HandleAction applies an inbound decision. Decisions on terminal records,
// or on records not awaiting review, are ignored.
func (g *Gateway) HandleAction(ctx context.Context, a Action) (Result, error) {
	if !a.Decision.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownDecision, a.Decision)
	}
	ctx = logging.WithTxID(ctx, a.TxID)
	log := logging.L(ctx)

	tx, err := g.queue.Get(ctx, a.TxID)
	if err != nil {
		return Result{}, err
	}
	if tx.Status != txqueue.StatusInReview {
		log.Info("review decision ignored", "decision", a.Decision, "status", tx.Status, "actor", a.Actor)
		metrics.ReviewDecisionsTotal.WithLabelValues(string(a.Decision), "ignored").Inc()
		return Result{Outcome: OutcomeIgnored, Transaction: tx}, nil
	}

	switch a.Decision {
	case DecisionReject:
		reason := a.Reason
		if reason == "" {
			reason = DefaultRejectReason
		}
		return g.reject(ctx, tx.ID, a.Actor, reason)
	default:
		return g.approve(ctx, tx.ID, a.Actor)
	}
}

func (g *Gateway) reject(ctx context.Context, id, actor, reason string) (Result, error) {
	rec, applied, err := g.queue.Transition(ctx, id, txqueue.MarkRejected{Actor: actor, Reason: reason})
	if err != nil {
		return Result{}, err
	}
	if !applied {
		metrics.ReviewDecisionsTotal.WithLabelValues("reject", "ignored").Inc()
		return Result{Outcome: OutcomeIgnored, Transaction: rec}, nil
	}
	metrics.ReviewDecisionsTotal.WithLabelValues("reject", "applied").Inc()
	if g.approver != nil {
		g.approver.RecordRejection(ctx, rec)
	}
	g.Resolved(ctx, rec, resolvedText(rec))
	return Result{Outcome: OutcomeRejected, Transaction: rec}, nil
}

func (g *Gateway) approve(ctx context.Context, id, actor string) (Result, error) {
	if g.approver == nil {
		return Result{}, ErrNoApprover
	}
	rec, err := g.approver.ApproveReviewed(ctx, id, actor)
	if err != nil {
		// the record stays in review so the approval can be pressed again
		metrics.ReviewDecisionsTotal.WithLabelValues("approve", "failed").Inc()
		return Result{}, err
	}
	if rec.Status != txqueue.StatusExecuted {
		metrics.ReviewDecisionsTotal.WithLabelValues("approve", "ignored").Inc()
		return Result{Outcome: OutcomeIgnored, Transaction: rec}, nil
	}
	metrics.ReviewDecisionsTotal.WithLabelValues("approve", "applied").Inc()
	g.Resolved(ctx, rec, resolvedText(rec))
	return Result{Outcome: OutcomeExecuted, Transaction: rec}, nil
}

// Expire rejects a record whose review outlived the configured timeout.
func (g *Gateway) Expire(ctx context.Context, id string) (Result, error) {
	return g.reject(logging.WithTxID(ctx, id), id, TimeoutActor, TimeoutRejectReason)
}

// Resolved edits the review message to text. It is best effort: a missing
// handle or a failed edit is logged and retried at most once.
func (g *Gateway) Resolved(ctx context.Context, tx *txqueue.Transaction, text string) {
	log := logging.L(ctx)
	h, ok, err := g.handles.Get(ctx, tx.ID)
	if err != nil || !ok {
		log.Warn("no review message to update", "tx_id", tx.ID, "error", err)
		return
	}
	err = retry.Do(ctx, g.editPol, func(int) error {
		return g.channel.Edit(ctx, h, text)
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("edit", "error").Inc()
		log.Warn("failed to update review message", "tx_id", tx.ID, "channel", h.Channel, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("edit", "ok").Inc()
	if err := g.handles.Delete(ctx, tx.ID); err != nil {
		log.Debug("failed to drop review handle", "tx_id", tx.ID, "error", err)
	}
}
