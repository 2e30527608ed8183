// Package cosign produces the agent's signature for a cleared transaction,
// submits the authorized operation through the relay and records the
// terminal result.
//
// CoSignAndSubmit is the single place where successful executions are
// folded into the pattern store.
package cosign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhentan/cosigner/internal/logging"
	"github.com/zhentan/cosigner/internal/metrics"
	"github.com/zhentan/cosigner/internal/patterns"
	"github.com/zhentan/cosigner/internal/relay"
	"github.com/zhentan/cosigner/internal/retry"
	"github.com/zhentan/cosigner/internal/signer"
	"github.com/zhentan/cosigner/internal/syncutil"
	"github.com/zhentan/cosigner/internal/traces"
	"github.com/zhentan/cosigner/internal/txqueue"
)

// ErrRejected is returned when the record was rejected before signing.
var ErrRejected = errors.New("cosign: transaction was rejected")

// Defaults and bounds for the relay wait.
const (
	DefaultRelayTimeout = 90 * time.Second
	MinRelayTimeout     = 60 * time.Second
)

// Stage names the step where co-signing stopped.
type Stage string

const (
	StageSign    Stage = "sign"
	StageSubmit  Stage = "submit"
	StageAwait   Stage = "await"
	StagePersist Stage = "persist"
)

// RelayError means the transaction was not executed and can be retried.
// Error() is safe to show to users; Unwrap exposes the cause for logs.
type RelayError struct {
	TxID  string
	Stage Stage
	Err   error
}

func (e *RelayError) Error() string {
	if e.Stage == StagePersist {
		return fmt.Sprintf("transaction %s was submitted but its result could not be recorded", e.TxID)
	}
	return fmt.Sprintf("transaction %s could not be executed (%s step failed); it was not submitted or its result is unknown, and can be retried", e.TxID, e.Stage)
}

func (e *RelayError) Unwrap() error { return e.Err }

// Result is the stored record after co-signing. AlreadyExecuted is set
// when an earlier call had recorded the outcome.
type Result struct {
	Transaction     *txqueue.Transaction
	AlreadyExecuted bool
}

// Coordinator runs the co-signing sequence. Calls for the same id are
// serialized; unrelated ids proceed in parallel.
type Coordinator struct {
	queue        *txqueue.Queue
	patterns     *patterns.Service
	signer       signer.Signer
	relay        relay.Relay
	relayTimeout time.Duration
	persistPol   retry.Policy
	inflight     *syncutil.KeyedMutex
	logger       *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRelayTimeout bounds the wait for the relay's terminal result. Values
// under MinRelayTimeout are raised to it.
func WithRelayTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.relayTimeout = max(d, MinRelayTimeout) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// withRawRelayTimeout skips the lower bound; tests only.
func withRawRelayTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.relayTimeout = d }
}

// New creates a coordinator.
func New(queue *txqueue.Queue, pats *patterns.Service, s signer.Signer, r relay.Relay, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:        queue,
		patterns:     pats,
		signer:       s,
		relay:        r,
		relayTimeout: DefaultRelayTimeout,
		persistPol:   retry.OneRetry,
		inflight:     syncutil.NewKeyedMutex(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Agent returns the co-signer's address.
func (c *Coordinator) Agent() string {
	return c.signer.Address().Hex()
}

// CoSignAndSubmit signs, submits and records the transaction id. actor is
// who cleared it (empty for automatic approval).
//
// A record that already has a result is returned as is; nothing is
// resubmitted. A record with a saved relay handle waits on that handle and
// is signed again only if the relay does not know it. A record rejected
// before signing fails with ErrRejected. Any failure up to the relay's
// terminal result is a *RelayError and leaves the lifecycle unchanged.
func (c *Coordinator) CoSignAndSubmit(ctx context.Context, id, actor string) (Result, error) {
	ctx = logging.WithTxID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "cosign.CoSignAndSubmit", traces.TxID(id))
	defer span.End()
	log := logging.L(ctx)

	unlock, err := c.inflight.LockContext(ctx, id)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	tx, err := c.queue.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if tx.Executed() {
		log.Info("already executed, returning stored result", "hash", tx.ResultHash)
		return Result{Transaction: tx, AlreadyExecuted: true}, nil
	}
	if tx.SubmittedOpHash != "" {
		if res, resumed, err := c.resume(ctx, span, tx, actor); resumed {
			return res, err
		}
	}
	if tx.Status == txqueue.StatusRejected {
		return Result{}, fmt.Errorf("%w: %s", ErrRejected, id)
	}

	sc, err := signer.NewContext(tx.RequiredSigners, tx.Threshold)
	if err != nil {
		return Result{}, c.fail(span, id, StageSign, err)
	}

	// a reject may have landed while we waited on the lock or built the context
	tx, err = c.queue.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if tx.Status == txqueue.StatusRejected {
		log.Info("rejected before signing, aborting", "decided_by", tx.DecidedBy)
		return Result{}, fmt.Errorf("%w: %s", ErrRejected, id)
	}

	mine, err := c.signer.SignPartial(ctx, tx.UnsignedOperation, sc)
	if err != nil {
		return Result{}, c.fail(span, id, StageSign, err)
	}
	proposer := signer.Partial{Signer: common.HexToAddress(tx.ProposedBy), Signature: tx.ProposerSignature}
	auth, err := c.signer.Combine(tx.UnsignedOperation, sc, []signer.Partial{proposer, mine})
	if err != nil {
		return Result{}, c.fail(span, id, StageSign, err)
	}

	handle, err := c.relay.Submit(ctx, auth)
	if err != nil {
		return Result{}, c.fail(span, id, StageSubmit, err)
	}
	log.Info("operation submitted", "op_hash", handle.OpHash)
	c.markSubmitted(ctx, id, handle)

	outcome, err := c.await(ctx, handle)
	if err != nil {
		return Result{}, c.fail(span, id, StageAwait, err)
	}

	return c.record(ctx, tx, outcome, actor)
}

// resume waits on the handle an earlier attempt submitted. resumed is false
// only when the relay has no record of it.
func (c *Coordinator) resume(ctx context.Context, span trace.Span, tx *txqueue.Transaction, actor string) (Result, bool, error) {
	log := logging.L(ctx)
	log.Info("waiting on earlier submission", "op_hash", tx.SubmittedOpHash)

	outcome, err := c.await(ctx, relay.Handle{OpHash: tx.SubmittedOpHash})
	switch {
	case errors.Is(err, relay.ErrUnknownOperation):
		log.Warn("earlier submission unknown to relay, signing again", "op_hash", tx.SubmittedOpHash)
		return Result{}, false, nil
	case err != nil:
		return Result{}, true, c.fail(span, tx.ID, StageAwait, err)
	}
	res, err := c.record(ctx, tx, outcome, actor)
	return res, true, err
}

func (c *Coordinator) await(ctx context.Context, h relay.Handle) (relay.Result, error) {
	// the wait outlives the caller's request; the outcome must still be recorded
	awaitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.relayTimeout)
	defer cancel()
	return c.relay.AwaitResult(awaitCtx, h)
}

// markSubmitted saves the relay handle. A failure is logged and the wait
// goes on.
func (c *Coordinator) markSubmitted(ctx context.Context, id string, h relay.Handle) {
	if h.OpHash == "" {
		return
	}
	persistCtx := context.WithoutCancel(ctx)
	err := retry.Do(persistCtx, c.persistPol, func(int) error {
		_, _, err := c.queue.Transition(persistCtx, id, txqueue.MarkSubmitted{OpHash: h.OpHash})
		return err
	})
	if err != nil {
		logging.L(ctx).Error("relay handle not saved, a retry may submit again", "op_hash", h.OpHash, "error", err)
	}
}

func (c *Coordinator) record(ctx context.Context, tx *txqueue.Transaction, outcome relay.Result, actor string) (Result, error) {
	log := logging.L(ctx)
	m := txqueue.MarkExecuted{
		Hash:     outcome.Hash,
		Success:  outcome.Success,
		Executor: c.Agent(),
		Actor:    actor,
	}

	var (
		rec     *txqueue.Transaction
		applied bool
	)
	persistCtx := context.WithoutCancel(ctx)
	err := retry.Do(persistCtx, c.persistPol, func(int) error {
		var err error
		rec, applied, err = c.queue.Transition(persistCtx, tx.ID, m)
		return err
	})
	if err != nil {
		log.Error("CRITICAL: execution result not recorded",
			"hash", outcome.Hash, "success", outcome.Success, "error", err)
		metrics.RelayFailuresTotal.WithLabelValues(string(StagePersist)).Inc()
		return Result{}, &RelayError{TxID: tx.ID, Stage: StagePersist, Err: err}
	}
	if !applied {
		log.Info("execution already recorded by another caller", "hash", rec.ResultHash)
		return Result{Transaction: rec, AlreadyExecuted: true}, nil
	}
	metrics.ExecutionsTotal.WithLabelValues(metrics.Bool(outcome.Success)).Inc()

	if outcome.Success {
		c.recordPattern(persistCtx, rec)
	} else {
		log.Warn("operation failed on chain", "hash", outcome.Hash)
	}
	return Result{Transaction: rec}, nil
}

// recordPattern folds the execution into recipient and daily statistics.
// It is idempotent per tx id, so a failure is logged rather than retried
// forever.
func (c *Coordinator) recordPattern(ctx context.Context, rec *txqueue.Transaction) {
	log := logging.L(ctx)
	amount, err := decimal.NewFromString(rec.Amount)
	if err != nil {
		log.Error("executed amount unparseable, pattern not updated", "amount", rec.Amount, "error", err)
		return
	}
	exec := patterns.Execution{TxID: rec.ID, Recipient: rec.Recipient, Amount: amount, At: *rec.ExecutedAt}
	err = retry.Do(ctx, c.persistPol, func(int) error {
		_, err := c.patterns.Record(ctx, exec)
		return err
	})
	if err != nil {
		log.Error("CRITICAL: pattern update failed after execution", "error", err)
	}
}

func (c *Coordinator) fail(span trace.Span, id string, stage Stage, err error) error {
	span.SetAttributes(traces.Stage(string(stage)))
	traces.Fail(span, err)
	metrics.RelayFailuresTotal.WithLabelValues(string(stage)).Inc()
	c.logger.Warn("co-signing failed, transaction left unchanged", "tx_id", id, "stage", stage, "error", err)
	return &RelayError{TxID: id, Stage: stage, Err: err}
}
