package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zhentan/cosigner/internal/cosign"
	"github.com/zhentan/cosigner/internal/idgen"
	"github.com/zhentan/cosigner/internal/logging"
	"github.com/zhentan/cosigner/internal/metrics"
	"github.com/zhentan/cosigner/internal/pagination"
	"github.com/zhentan/cosigner/internal/patterns"
	"github.com/zhentan/cosigner/internal/risk"
	"github.com/zhentan/cosigner/internal/traces"
	"github.com/zhentan/cosigner/internal/txqueue"
	"github.com/zhentan/cosigner/internal/validation"
)

// CoSigner produces the second signature and submits the operation.
type CoSigner interface {
	CoSignAndSubmit(ctx context.Context, id, actor string) (cosign.Result, error)
}

// Reviewer reaches the human channel.
type Reviewer interface {
	Present(ctx context.Context, tx *txqueue.Transaction) error
	Notice(ctx context.Context, tx *txqueue.Transaction, headline string) error
}

// Controller runs the admission state machine. Each call is independent;
// per-id ordering is enforced by the queue and the coordinator.
type Controller struct {
	queue            *txqueue.Queue
	patterns         *patterns.Service
	cosigner         CoSigner
	reviewer         Reviewer
	store            Store
	defaultScreening bool
	now              func() time.Time
	logger           *slog.Logger
}

// New creates a controller. Screening defaults to on for groups without
// stored settings.
func New(queue *txqueue.Queue, pats *patterns.Service, cosigner CoSigner, reviewer Reviewer, store Store, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		queue:            queue,
		patterns:         pats,
		cosigner:         cosigner,
		reviewer:         reviewer,
		store:            store,
		defaultScreening: true,
		now:              time.Now,
		logger:           logger,
	}
}

// WithClock overrides the clock passed to the risk engine.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// WithDefaultScreening sets the screening state of groups that never
// changed it.
func (c *Controller) WithDefaultScreening(enabled bool) *Controller {
	c.defaultScreening = enabled
	return c
}

func (p *Proposal) validate() error {
	checks := []validation.Check{
		validation.Required("signerGroup", p.SignerGroup),
		validation.Address("signerGroup", p.SignerGroup),
		validation.Required("recipient", p.Recipient),
		validation.Address("recipient", p.Recipient),
		validation.Required("amount", p.Amount),
		validation.Amount("amount", p.Amount),
		validation.MaxLength("asset", p.Asset, 32),
		validation.Identifier("id", p.ID),
		validation.Required("proposedBy", p.ProposedBy),
		validation.Address("proposedBy", p.ProposedBy),
		validation.NonEmptyBytes("proposerSignature", p.ProposerSignature),
		validation.NonEmptyBytes("unsignedOperation", p.UnsignedOperation),
		validation.Custom("requiredSigners", "is required", len(p.RequiredSigners) > 0),
		validation.Custom("threshold", "must be between 1 and the number of signers",
			p.Threshold >= 1 && p.Threshold <= len(p.RequiredSigners)),
		validation.Custom("origin", "must be manual or external_request",
			p.Origin == "" || p.Origin == txqueue.OriginManual || p.Origin == txqueue.OriginExternal),
	}
	proposerListed := false
	for i, s := range p.RequiredSigners {
		checks = append(checks, validation.Address(fmt.Sprintf("requiredSigners[%d]", i), s))
		if strings.EqualFold(s, p.ProposedBy) {
			proposerListed = true
		}
	}
	checks = append(checks, validation.When(len(p.RequiredSigners) > 0 && p.ProposedBy != "",
		validation.Custom("proposedBy", "must be one of the required signers", proposerListed)))
	return validation.Validate(checks...)
}

func (p *Proposal) record() *txqueue.Transaction {
	origin := p.Origin
	if origin == "" {
		origin = txqueue.OriginManual
	}
	id := p.ID
	if id == "" {
		id = idgen.WithPrefix("tx_")
	}
	return &txqueue.Transaction{
		ID:                id,
		SignerGroup:       validation.NormalizeAddress(p.SignerGroup),
		Recipient:         validation.NormalizeAddress(p.Recipient),
		Amount:            strings.TrimSpace(p.Amount),
		Asset:             p.Asset,
		ProposedBy:        p.ProposedBy,
		ProposerSignature: p.ProposerSignature,
		RequiredSigners:   p.RequiredSigners,
		Threshold:         p.Threshold,
		UnsignedOperation: p.UnsignedOperation,
		Origin:            origin,
		Requester:         p.Requester,
	}
}

// Propose validates, enqueues and evaluates a new proposal, then acts on
// the verdict. A malformed proposal returns validation.Errors and nothing
// is stored. A relay failure returns the pending record in the outcome
// together with a *cosign.RelayError.
func (c *Controller) Propose(ctx context.Context, p Proposal, s Settings) (Outcome, error) {
	if err := p.validate(); err != nil {
		return Outcome{}, err
	}
	rec := p.record()
	ctx = logging.WithTxID(ctx, rec.ID)
	ctx, span := traces.StartSpan(ctx, "admission.Propose",
		traces.TxID(rec.ID), traces.SignerGroup(rec.SignerGroup),
		traces.Recipient(rec.Recipient), traces.Amount(rec.Amount))
	defer span.End()

	if _, err := c.queue.Enqueue(ctx, rec); err != nil {
		traces.Fail(span, err)
		return Outcome{}, err
	}
	metrics.ProposalsTotal.WithLabelValues(string(rec.Origin)).Inc()

	tx, result, err := c.evaluate(ctx, rec.ID)
	if err != nil {
		traces.Fail(span, err)
		return Outcome{}, err
	}
	span.SetAttributes(traces.Score(*tx.RiskScore), traces.Verdict(string(tx.RiskVerdict)))
	out, err := c.advance(ctx, tx, s)
	if result != nil {
		out.Risk = result
	}
	if err != nil {
		traces.Fail(span, err)
	}
	return out, err
}

// Retry resumes a pending record without re-evaluating it, for example
// after a relay failure. An unevaluated record is evaluated first.
func (c *Controller) Retry(ctx context.Context, id, actor string, s Settings) (Outcome, error) {
	ctx = logging.WithTxID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "admission.Retry", traces.TxID(id))
	defer span.End()

	tx, err := c.queue.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	switch {
	case tx.Executed():
		return Outcome{Action: ActionAlreadyExecuted, Transaction: tx}, nil
	case tx.Status == txqueue.StatusRejected:
		return Outcome{Transaction: tx}, fmt.Errorf("%w: %s", ErrRejected, id)
	case tx.Status == txqueue.StatusInReview:
		return Outcome{Transaction: tx}, fmt.Errorf("%w: %s", ErrAwaitingReview, id)
	}

	var result *risk.Result
	if !tx.Evaluated() {
		logging.L(ctx).Warn("retrying unevaluated record, evaluating now")
		if tx, result, err = c.evaluate(ctx, id); err != nil {
			traces.Fail(span, err)
			return Outcome{}, err
		}
	}
	out, err := c.advanceAs(ctx, tx, s, actor)
	if result != nil {
		out.Risk = result
	}
	if err != nil {
		traces.Fail(span, err)
	}
	return out, err
}

// evaluate runs the engine and persists the result before anything else
// looks at the verdict. An already evaluated record keeps its stored risk.
func (c *Controller) evaluate(ctx context.Context, id string) (*txqueue.Transaction, *risk.Result, error) {
	tx, err := c.queue.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	amount, err := validation.ParseAmount(tx.Amount)
	if err != nil {
		return nil, nil, fmt.Errorf("stored amount of %s is invalid: %w", id, err)
	}
	now := c.now()
	snap, err := c.patterns.Snapshot(ctx, tx.Recipient, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load patterns for %s: %w", id, err)
	}
	result := risk.Evaluate(risk.Candidate{Recipient: tx.Recipient, Amount: amount}, snap, now)

	rec, applied, err := c.queue.Transition(ctx, id, txqueue.SetRisk{
		Score:   result.Score,
		Verdict: result.Verdict,
		Reasons: result.Reasons,
	})
	if err != nil {
		return nil, nil, err
	}
	if !applied {
		return rec, nil, nil
	}
	metrics.VerdictsTotal.WithLabelValues(string(result.Verdict)).Inc()
	metrics.RiskScore.Observe(float64(result.Score))
	logging.L(ctx).Info("risk evaluated", "score", result.Score, "verdict", result.Verdict, "reasons", result.Reasons)
	return rec, &result, nil
}

func (c *Controller) advance(ctx context.Context, tx *txqueue.Transaction, s Settings) (Outcome, error) {
	return c.advanceAs(ctx, tx, s, AutoActor)
}

// advanceAs acts on the stored verdict of a pending record.
func (c *Controller) advanceAs(ctx context.Context, tx *txqueue.Transaction, s Settings, actor string) (Outcome, error) {
	if tx.Status != txqueue.StatusPending {
		return c.settled(tx), nil
	}
	switch tx.RiskVerdict {
	case risk.VerdictBlock:
		return c.block(ctx, tx)
	case risk.VerdictReview:
		if s.ScreeningEnabled {
			return c.escalate(ctx, tx)
		}
		return c.execute(ctx, tx, actor, "screening disabled, co-signed without review")
	default:
		return c.execute(ctx, tx, actor, "")
	}
}

// settled describes a record some other caller already moved on.
func (c *Controller) settled(tx *txqueue.Transaction) Outcome {
	switch tx.Status {
	case txqueue.StatusExecuted:
		return Outcome{Action: ActionAlreadyExecuted, Transaction: tx}
	case txqueue.StatusRejected:
		return Outcome{Action: ActionRejected, Transaction: tx}
	default:
		return Outcome{Action: ActionInReview, Transaction: tx}
	}
}

func (c *Controller) block(ctx context.Context, tx *txqueue.Transaction) (Outcome, error) {
	rec, applied, err := c.queue.Transition(ctx, tx.ID, txqueue.MarkRejected{Actor: PolicyActor, Reason: BlockReason})
	if err != nil {
		return Outcome{}, err
	}
	if !applied {
		return c.settled(rec), nil
	}
	c.record(ctx, rec, ActionBlocked, PolicyActor, strings.Join(rec.RiskReasons, "; "))
	if err := c.reviewer.Notice(ctx, rec, "Blocked by policy"); err != nil {
		logging.L(ctx).Warn("failed to send block notice", "error", err)
	}
	return Outcome{Action: ActionBlocked, Transaction: rec}, nil
}

func (c *Controller) escalate(ctx context.Context, tx *txqueue.Transaction) (Outcome, error) {
	rec, applied, err := c.queue.Transition(ctx, tx.ID, txqueue.MarkInReview{Reason: strings.Join(tx.RiskReasons, "; ")})
	if err != nil {
		return Outcome{}, err
	}
	if !applied {
		return c.settled(rec), nil
	}
	c.record(ctx, rec, ActionInReview, AutoActor, rec.ReviewReason)
	if err := c.reviewer.Present(ctx, rec); err != nil {
		// the decision can still arrive through the API
		logging.L(ctx).Error("failed to present review request", "error", err)
	}
	return Outcome{Action: ActionInReview, Transaction: rec}, nil
}

func (c *Controller) execute(ctx context.Context, tx *txqueue.Transaction, actor, detail string) (Outcome, error) {
	res, err := c.cosigner.CoSignAndSubmit(ctx, tx.ID, actor)
	if err != nil {
		var relayErr *cosign.RelayError
		switch {
		case errors.As(err, &relayErr):
			c.record(ctx, tx, ActionRelayFailed, actor, string(relayErr.Stage))
			current, getErr := c.queue.Get(ctx, tx.ID)
			if getErr != nil {
				current = tx
			}
			return Outcome{Action: ActionRelayFailed, Transaction: current}, err
		case errors.Is(err, cosign.ErrRejected):
			return Outcome{}, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return Outcome{}, err
	}
	if res.AlreadyExecuted {
		return Outcome{Action: ActionAlreadyExecuted, Transaction: res.Transaction}, nil
	}
	action := ActionExecuted
	if res.Transaction.Success != nil && !*res.Transaction.Success {
		action = ActionFailed
	}
	c.record(ctx, res.Transaction, action, actor, detail)
	return Outcome{Action: action, Transaction: res.Transaction}, nil
}

// ApproveReviewed co-signs a record a human approved. A record that is not
// in review is returned unchanged. Relay failures leave it in review.
func (c *Controller) ApproveReviewed(ctx context.Context, id, actor string) (*txqueue.Transaction, error) {
	ctx = logging.WithTxID(ctx, id)
	tx, err := c.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != txqueue.StatusInReview {
		return tx, nil
	}
	out, err := c.execute(ctx, tx, actor, "approved by reviewer")
	if err != nil {
		return nil, err
	}
	return out.Transaction, nil
}

// RecordRejection logs a rejection applied by the review gateway.
func (c *Controller) RecordRejection(ctx context.Context, tx *txqueue.Transaction) {
	c.record(ctx, tx, ActionRejected, tx.DecidedBy, tx.RejectReason)
}

// record appends to the decision log. The log is an audit trail; a failed
// write never changes the outcome.
func (c *Controller) record(ctx context.Context, tx *txqueue.Transaction, action Action, actor, detail string) {
	d := &Decision{
		TxID:    tx.ID,
		Group:   tx.SignerGroup,
		Verdict: tx.RiskVerdict,
		Score:   tx.RiskScore,
		Action:  action,
		Actor:   actor,
		Detail:  detail,
		At:      c.now().UTC(),
	}
	if err := c.store.AppendDecision(ctx, d); err != nil {
		logging.L(ctx).Warn("failed to append decision", "action", action, "error", err)
	}
}

// Analyze evaluates an ad-hoc candidate without storing anything.
func (c *Controller) Analyze(ctx context.Context, recipient, amount string) (Analysis, error) {
	if err := validation.Validate(
		validation.Required("recipient", recipient),
		validation.Address("recipient", recipient),
		validation.Required("amount", amount),
		validation.Amount("amount", amount),
	); err != nil {
		return Analysis{}, err
	}
	amt, _ := validation.ParseAmount(amount)
	now := c.now()
	snap, err := c.patterns.Snapshot(ctx, recipient, now)
	if err != nil {
		return Analysis{}, err
	}
	return Analysis{
		Result:    risk.Evaluate(risk.Candidate{Recipient: recipient, Amount: amt}, snap, now),
		Recipient: snap.Recipient,
		Daily:     snap.Daily,
		Limits:    snap.Limits,
		At:        now.UTC(),
	}, nil
}

// AnalyzeStored evaluates a stored record against current patterns. The
// record's persisted verdict is left alone.
func (c *Controller) AnalyzeStored(ctx context.Context, id string) (Analysis, error) {
	tx, err := c.queue.Get(ctx, id)
	if err != nil {
		return Analysis{}, err
	}
	return c.Analyze(ctx, tx.Recipient, tx.Amount)
}

// Settings returns a group's settings, or the defaults if none were saved.
func (c *Controller) Settings(ctx context.Context, group string) (Settings, error) {
	group = validation.NormalizeAddress(group)
	s, err := c.store.GetSettings(ctx, group)
	if errors.Is(err, ErrNotFound) {
		return Settings{SignerGroup: group, ScreeningEnabled: c.defaultScreening}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to load settings for %s: %w", group, err)
	}
	return *s, nil
}

// SetScreening turns screening on or off for a group.
func (c *Controller) SetScreening(ctx context.Context, group string, enabled bool) (Settings, error) {
	s, err := c.Settings(ctx, group)
	if err != nil {
		return Settings{}, err
	}
	s.ScreeningEnabled = enabled
	s.UpdatedAt = c.now().UTC()
	if err := c.store.PutSettings(ctx, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to save settings for %s: %w", s.SignerGroup, err)
	}
	c.logger.Info("screening updated", "signer_group", s.SignerGroup, "enabled", enabled)
	return s, nil
}

// Status returns the policy configuration and the most recent decisions
// for a group. limit <= 0 means RecentLimit.
func (c *Controller) Status(ctx context.Context, group string, limit int) (Status, error) {
	if limit <= 0 {
		limit = RecentLimit
	}
	limit = min(limit, maxRecent)
	s, err := c.Settings(ctx, group)
	if err != nil {
		return Status{}, err
	}
	limits, err := c.patterns.Limits(ctx)
	if err != nil {
		return Status{}, err
	}
	known, err := c.patterns.KnownRecipients(ctx)
	if err != nil {
		return Status{}, err
	}
	recent, err := c.store.RecentDecisions(ctx, s.SignerGroup, limit)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load decisions: %w", err)
	}
	if recent == nil {
		recent = []*Decision{}
	}
	return Status{
		SignerGroup:     s.SignerGroup,
		Settings:        s,
		Limits:          limits,
		KnownRecipients: known,
		RecentDecisions: recent,
	}, nil
}

// Pending lists a group's records that are still pending: unevaluated, or
// approved but not yet executed. The sweep time is stored as LastCheck.
func (c *Controller) Pending(ctx context.Context, group string) ([]*txqueue.Transaction, error) {
	group = validation.NormalizeAddress(group)
	var (
		out    []*txqueue.Transaction
		cursor string
	)
	for range pendingPages {
		page, err := c.queue.ListBySigner(ctx, group, txqueue.ListOptions{Limit: pagination.MaxLimit, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, tx := range page.Items {
			if tx.Status == txqueue.StatusPending {
				out = append(out, tx)
			}
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	s, err := c.Settings(ctx, group)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	s.LastCheck = &now
	if err := c.store.PutSettings(ctx, &s); err != nil {
		logging.L(ctx).Warn("failed to store last check", "signer_group", group, "error", err)
	}
	if out == nil {
		out = []*txqueue.Transaction{}
	}
	return out, nil
}
