// Package txqueue is the durable record of every proposed transfer and the
// single source of truth for its lifecycle.
//
// A record moves through pending -> (in_review) -> executed | rejected. Only
// the mutations in this package change it, and each one checks the
// prior state. A mutation that is not legal from the current state is a
// no-op that returns the stored record unchanged; this is how duplicate
// callbacks and retried requests are absorbed.
package txqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zhentan/cosigner/internal/metrics"
	"github.com/zhentan/cosigner/internal/pagination"
	"github.com/zhentan/cosigner/internal/risk"
)

var (
	ErrNotFound        = errors.New("txqueue: transaction not found")
	ErrDuplicateID     = errors.New("txqueue: transaction id already exists")
	ErrInvalidRecord   = errors.New("txqueue: invalid record")
	ErrInvalidMutation = errors.New("txqueue: invalid mutation")
)

// errUnchanged tells a store's Update to skip the write.
var errUnchanged = errors.New("txqueue: unchanged")

// Status is the lifecycle state, set once per transition.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInReview Status = "in_review"
	StatusExecuted Status = "executed"
	StatusRejected Status = "rejected"
)

// IsTerminal reports whether no further human or automatic action applies.
func (s Status) IsTerminal() bool {
	return s == StatusExecuted || s == StatusRejected
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInReview, StatusExecuted, StatusRejected:
		return true
	}
	return false
}

// Origin is where a proposal came from.
type Origin string

const (
	OriginManual   Origin = "manual"
	OriginExternal Origin = "external_request"
)

// Requester describes the third-party dapp behind an external request.
type Requester struct {
	Name        string `json:"name,omitempty"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
}

// Transaction is one proposed transfer. ProposerSignature and
// UnsignedOperation are opaque: they are stored and forwarded byte for byte.
//
// Status is set at transition time and is authoritative. The optional
// lifecycle fields are history: a record executed after a rejection keeps
// its RejectReason and RejectedAt but its Status is executed.
type Transaction struct {
	ID                string     `json:"id"`
	SignerGroup       string     `json:"signerGroup"`
	Recipient         string     `json:"recipient"`
	Amount            string     `json:"amount"`
	Asset             string     `json:"asset"`
	ProposedBy        string     `json:"proposedBy"`
	ProposerSignature []byte     `json:"proposerSignature"`
	RequiredSigners   []string   `json:"requiredSigners"`
	Threshold         int        `json:"threshold"`
	UnsignedOperation []byte     `json:"unsignedOperation"`
	Origin            Origin     `json:"origin"`
	Requester         *Requester `json:"requester,omitempty"`

	Status Status `json:"status"`

	RiskScore       *int         `json:"riskScore"`
	RiskVerdict     risk.Verdict `json:"riskVerdict,omitempty"`
	RiskReasons     []string     `json:"riskReasons"`
	RiskEvaluatedAt *time.Time   `json:"riskEvaluatedAt,omitempty"`

	ReviewStartedAt *time.Time `json:"reviewStartedAt,omitempty"`
	ReviewReason    string     `json:"reviewReason,omitempty"`
	DecidedBy       string     `json:"decidedBy,omitempty"`
	RejectReason    string     `json:"rejectReason,omitempty"`
	RejectedAt      *time.Time `json:"rejectedAt,omitempty"`
	ExecutedAt      *time.Time `json:"executedAt,omitempty"`
	ExecutedBy      string     `json:"executedBy,omitempty"`
	ResultHash      string     `json:"resultHash,omitempty"`
	Success         *bool      `json:"success,omitempty"`

	// Set once the relay accepted an operation; a retry resumes from it.
	SubmittedOpHash string     `json:"submittedOpHash,omitempty"`
	SubmittedAt     *time.Time `json:"submittedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Evaluated reports whether risk fields were persisted.
func (t *Transaction) Evaluated() bool {
	return t.RiskScore != nil
}

// Executed reports whether a terminal relay result was recorded.
func (t *Transaction) Executed() bool {
	return t.ExecutedAt != nil
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.ProposerSignature = bytes.Clone(t.ProposerSignature)
	cp.UnsignedOperation = bytes.Clone(t.UnsignedOperation)
	cp.RequiredSigners = slices.Clone(t.RequiredSigners)
	cp.RiskReasons = slices.Clone(t.RiskReasons)
	if t.Requester != nil {
		r := *t.Requester
		cp.Requester = &r
	}
	cp.RiskScore = clonePtr(t.RiskScore)
	cp.Success = clonePtr(t.Success)
	cp.RiskEvaluatedAt = clonePtr(t.RiskEvaluatedAt)
	cp.ReviewStartedAt = clonePtr(t.ReviewStartedAt)
	cp.RejectedAt = clonePtr(t.RejectedAt)
	cp.ExecutedAt = clonePtr(t.ExecutedAt)
	cp.SubmittedAt = clonePtr(t.SubmittedAt)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (t *Transaction) validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	case t.SignerGroup == "":
		return fmt.Errorf("%w: signer group is required", ErrInvalidRecord)
	case t.Recipient == "" || t.Amount == "":
		return fmt.Errorf("%w: recipient and amount are required", ErrInvalidRecord)
	case t.Threshold < 1:
		return fmt.Errorf("%w: threshold must be at least 1", ErrInvalidRecord)
	case t.Threshold > len(t.RequiredSigners):
		return fmt.Errorf("%w: threshold %d exceeds %d signers", ErrInvalidRecord, t.Threshold, len(t.RequiredSigners))
	case t.Origin != OriginManual && t.Origin != OriginExternal:
		return fmt.Errorf("%w: unknown origin %q", ErrInvalidRecord, t.Origin)
	}
	return nil
}

// Order is the listing direction by creation time.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// Store persists transactions. Update must run fn and the write atomically
// for the given id, and must be durable when it returns.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, id string, fn func(t *Transaction) error) (*Transaction, error)
	ListBySigner(ctx context.Context, group string, after *pagination.Cursor, limit int) ([]*Transaction, error)
	ListByStatus(ctx context.Context, status Status, order Order, limit int) ([]*Transaction, error)
}

// Event is emitted after a mutation is applied.
type Event struct {
	Mutation    string       `json:"mutation"`
	Transaction *Transaction `json:"transaction"`
}

// ListOptions pages ListBySigner.
type ListOptions struct {
	Limit  int
	Cursor string
}

// Queue applies the closed mutation set over a Store.
type Queue struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	observers []func(Event)
}

// New creates a queue over store.
func New(store Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the clock used for transition timestamps.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// OnTransition registers fn to receive applied mutations. Observers run
// synchronously after the write and must not block.
func (q *Queue) OnTransition(fn func(Event)) {
	q.mu.Lock()
	q.observers = append(q.observers, fn)
	q.mu.Unlock()
}

// Enqueue stores a new pending record and returns its id. A record with the
// same id fails with ErrDuplicateID and the stored record is left alone.
func (q *Queue) Enqueue(ctx context.Context, t *Transaction) (string, error) {
	if err := t.validate(); err != nil {
		return "", err
	}
	rec := t.Clone()
	now := q.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = now
	rec.Status = StatusPending
	rec.RiskScore, rec.RiskVerdict, rec.RiskReasons, rec.RiskEvaluatedAt = nil, "", nil, nil
	rec.ReviewStartedAt, rec.RejectedAt, rec.ExecutedAt, rec.Success = nil, nil, nil, nil
	rec.ReviewReason, rec.DecidedBy, rec.RejectReason, rec.ExecutedBy, rec.ResultHash = "", "", "", "", ""
	rec.SubmittedOpHash, rec.SubmittedAt = "", nil

	if err := q.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateID) {
			return "", err
		}
		return "", fmt.Errorf("failed to enqueue %s: %w", rec.ID, err)
	}
	q.logger.Info("transaction enqueued", "tx_id", rec.ID, "signer_group", rec.SignerGroup, "origin", rec.Origin)
	q.emit(Event{Mutation: "enqueue", Transaction: rec})
	return rec.ID, nil
}

// Get returns the record for id or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*Transaction, error) {
	return q.store.Get(ctx, id)
}

// ListBySigner returns a signer group's records, newest first.
func (q *Queue) ListBySigner(ctx context.Context, group string, opts ListOptions) (pagination.Page[*Transaction], error) {
	after, err := pagination.Decode(opts.Cursor)
	if err != nil {
		return pagination.Page[*Transaction]{}, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	items, err := q.store.ListBySigner(ctx, group, after, limit+1)
	if err != nil {
		return pagination.Page[*Transaction]{}, fmt.Errorf("failed to list transactions: %w", err)
	}
	return pagination.NewPage(items, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	}), nil
}

// ListByStatus returns up to limit records in status, newest first.
func (q *Queue) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	return q.listByStatus(ctx, status, NewestFirst, limit)
}

// OldestByStatus returns up to limit records in status, oldest first.
func (q *Queue) OldestByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	return q.listByStatus(ctx, status, OldestFirst, limit)
}

func (q *Queue) listByStatus(ctx context.Context, status Status, order Order, limit int) ([]*Transaction, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidMutation, status)
	}
	return q.store.ListByStatus(ctx, status, order, limit)
}

// Transition applies m to the record. applied is false when m was not legal
// from the current state; the returned record is then the stored one and err
// is nil.
func (q *Queue) Transition(ctx context.Context, id string, m Mutation) (*Transaction, bool, error) {
	if err := m.check(); err != nil {
		return nil, false, err
	}
	var (
		applied bool
		prior   Status
	)
	rec, err := q.store.Update(ctx, id, func(t *Transaction) error {
		prior = t.Status
		now := q.now().UTC()
		if !m.apply(t, now) {
			return errUnchanged
		}
		t.UpdatedAt = now
		applied = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to apply %s to %s: %w", m.Name(), id, err)
	}

	metrics.TransitionsTotal.WithLabelValues(m.Name(), metrics.Outcome(applied)).Inc()
	if !applied {
		q.logger.Info("transition ignored", "tx_id", id, "mutation", m.Name(), "status", rec.Status)
		return rec, false, nil
	}
	if prior == StatusRejected && rec.Status == StatusExecuted {
		q.logger.Warn("execution recorded after rejection", "tx_id", id, "reject_reason", rec.RejectReason)
	}
	q.logger.Info("transition applied", "tx_id", id, "mutation", m.Name(), "from", prior, "to", rec.Status)
	q.emit(Event{Mutation: m.Name(), Transaction: rec})
	return rec, true, nil
}

func (q *Queue) emit(ev Event) {
	q.mu.RLock()
	observers := slices.Clone(q.observers)
	q.mu.RUnlock()
	for _, fn := range observers {
		fn(Event{Mutation: ev.Mutation, Transaction: ev.Transaction.Clone()})
	}
}
