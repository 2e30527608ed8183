// Package patterns keeps the behavioral profile the risk engine scores
// against: per-recipient statistics, per-day volume and the operator's
// global limits.
//
// Statistics only move after a successful on-chain execution. Proposals,
// blocks, rejections and failed executions never touch them.
package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhentan/cosigner/internal/metrics"
	"github.com/zhentan/cosigner/internal/syncutil"
	"github.com/zhentan/cosigner/internal/validation"
)

var (
	ErrNotFound      = errors.New("patterns: not found")
	ErrNoLimits      = errors.New("patterns: global limits not configured")
	ErrInvalidLimits = errors.New("patterns: invalid limits")
)

// DefaultCategory is assigned to recipients nobody has classified.
const DefaultCategory = "unknown"

// DayLayout is the key format of daily aggregates (UTC calendar day).
const DayLayout = "2006-01-02"

// DayKey returns the aggregate key for t.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// RecipientPattern is the learned profile of one destination address.
type RecipientPattern struct {
	Address          string          `json:"address"`
	Label            string          `json:"label,omitempty"`
	Category         string          `json:"category"`
	TransactionCount int64           `json:"transactionCount"`
	TotalVolume      decimal.Decimal `json:"totalVolume"`
	MaxAmount        decimal.Decimal `json:"maxAmount"`
	LastSeenAt       *time.Time      `json:"lastSeenAt,omitempty"`
	TypicalHours     []int           `json:"typicalHours"`
}

// AverageAmount is derived from TotalVolume and TransactionCount, rounded to
// cents for display. Zero for a recipient with no executions. Risk rules
// compare against the exact ratio instead.
func (p *RecipientPattern) AverageAmount() decimal.Decimal {
	if p == nil || p.TransactionCount == 0 {
		return decimal.Zero
	}
	return p.TotalVolume.DivRound(decimal.NewFromInt(p.TransactionCount), 2)
}

// Known reports whether at least one transfer to this recipient executed.
// An annotated but never-paid address is still unknown.
func (p *RecipientPattern) Known() bool {
	return p != nil && p.TransactionCount > 0
}

// MarshalJSON adds the derived averageAmount to API output. It is never
// read back.
func (p RecipientPattern) MarshalJSON() ([]byte, error) {
	type plain RecipientPattern
	return json.Marshal(struct {
		plain
		AverageAmount decimal.Decimal `json:"averageAmount"`
	}{plain(p), p.AverageAmount()})
}

func (p *RecipientPattern) clone() *RecipientPattern {
	cp := *p
	cp.TypicalHours = slices.Clone(p.TypicalHours)
	if p.LastSeenAt != nil {
		t := *p.LastSeenAt
		cp.LastSeenAt = &t
	}
	return &cp
}

// DailyAggregate is the executed volume of one UTC day.
type DailyAggregate struct {
	Date             string          `json:"date"`
	TransactionCount int64           `json:"transactionCount"`
	TotalVolume      decimal.Decimal `json:"totalVolume"`
}

// Limits are the operator-configured global bounds.
type Limits struct {
	MaxSingleTransfer decimal.Decimal `json:"maxSingleTransferAmount"`
	MaxDailyVolume    decimal.Decimal `json:"maxDailyVolume"`
	AllowedHoursUTC   []int           `json:"allowedHoursUTC"`
}

// Validate checks the limits are usable.
func (l Limits) Validate() error {
	if !l.MaxSingleTransfer.IsPositive() {
		return fmt.Errorf("%w: maxSingleTransferAmount must be positive", ErrInvalidLimits)
	}
	if !l.MaxDailyVolume.IsPositive() {
		return fmt.Errorf("%w: maxDailyVolume must be positive", ErrInvalidLimits)
	}
	for _, h := range l.AllowedHoursUTC {
		if h < 0 || h > 23 {
			return fmt.Errorf("%w: hour %d outside 0..23", ErrInvalidLimits, h)
		}
	}
	return nil
}

// AllowsHour reports whether hour is inside the allowed window.
func (l Limits) AllowsHour(hour int) bool {
	return slices.Contains(l.AllowedHoursUTC, hour)
}

// Normalized returns a copy with sorted, de-duplicated hours.
func (l Limits) Normalized() Limits {
	hours := slices.Clone(l.AllowedHoursUTC)
	slices.Sort(hours)
	l.AllowedHoursUTC = slices.Compact(hours)
	return l
}

// Execution is one successful on-chain transfer to fold into the profile.
type Execution struct {
	TxID      string
	Recipient string
	Amount    decimal.Decimal
	At        time.Time
}

// Snapshot is the read-only view handed to the risk engine.
type Snapshot struct {
	Recipient *RecipientPattern
	Daily     DailyAggregate
	Limits    Limits
}

// Store persists patterns. Apply must be atomic: either the dedupe marker,
// the recipient update and the daily update all commit, or none do.
type Store interface {
	GetRecipient(ctx context.Context, address string) (*RecipientPattern, error)
	ListRecipients(ctx context.Context) ([]*RecipientPattern, error)
	CountKnownRecipients(ctx context.Context) (int, error)
	GetDaily(ctx context.Context, day string) (*DailyAggregate, error)
	// Apply folds exec into the recipient and daily records. It returns
	// false without changing anything if exec.TxID was applied before.
	Apply(ctx context.Context, exec Execution) (bool, error)
	Annotate(ctx context.Context, address, label, category string) (*RecipientPattern, error)
	GetLimits(ctx context.Context) (*Limits, error)
	PutLimits(ctx context.Context, l Limits) error
}

// applyToRecipient folds exec into p, creating p when nil.
func applyToRecipient(p *RecipientPattern, exec Execution) *RecipientPattern {
	if p == nil {
		p = &RecipientPattern{Address: exec.Recipient, Category: DefaultCategory}
	}
	p.TransactionCount++
	p.TotalVolume = p.TotalVolume.Add(exec.Amount)
	if exec.Amount.GreaterThan(p.MaxAmount) {
		p.MaxAmount = exec.Amount
	}
	at := exec.At.UTC()
	p.LastSeenAt = &at
	if h := at.Hour(); !slices.Contains(p.TypicalHours, h) {
		p.TypicalHours = append(p.TypicalHours, h)
		slices.Sort(p.TypicalHours)
	}
	return p
}

func applyToDaily(d *DailyAggregate, exec Execution) *DailyAggregate {
	if d == nil {
		d = &DailyAggregate{Date: DayKey(exec.At)}
	}
	d.TransactionCount++
	d.TotalVolume = d.TotalVolume.Add(exec.Amount)
	return d
}

// Service serializes pattern updates per recipient and per day. Updates to
// different recipients run in parallel.
type Service struct {
	store          Store
	recipientLocks *syncutil.ShardedMutex
	dayLocks       *syncutil.ShardedMutex
	logger         *slog.Logger
}

// NewService creates a pattern service over store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:          store,
		recipientLocks: syncutil.NewShardedMutex(0),
		dayLocks:       syncutil.NewShardedMutex(64),
		logger:         logger,
	}
}

// Snapshot assembles what the risk engine needs for a transfer to recipient
// evaluated at now.
func (s *Service) Snapshot(ctx context.Context, recipient string, now time.Time) (Snapshot, error) {
	limits, err := s.store.GetLimits(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Limits: *limits, Daily: DailyAggregate{Date: DayKey(now)}}

	p, err := s.store.GetRecipient(ctx, validation.NormalizeAddress(recipient))
	switch {
	case err == nil:
		snap.Recipient = p
	case !errors.Is(err, ErrNotFound):
		return Snapshot{}, fmt.Errorf("failed to load recipient pattern: %w", err)
	}

	d, err := s.store.GetDaily(ctx, snap.Daily.Date)
	switch {
	case err == nil:
		snap.Daily = *d
	case !errors.Is(err, ErrNotFound):
		return Snapshot{}, fmt.Errorf("failed to load daily aggregate: %w", err)
	}
	return snap, nil
}

// Record folds a successful execution into the profile. Recording the same
// TxID twice is a no-op and returns false.
func (s *Service) Record(ctx context.Context, exec Execution) (bool, error) {
	if exec.TxID == "" {
		return false, errors.New("patterns: execution without tx id")
	}
	if !exec.Amount.IsPositive() {
		return false, fmt.Errorf("patterns: non-positive amount %s", exec.Amount)
	}
	exec.Recipient = validation.NormalizeAddress(exec.Recipient)
	if exec.At.IsZero() {
		exec.At = time.Now()
	}
	exec.At = exec.At.UTC()

	// recipient lock always outer, day lock always inner
	unlockRecipient := s.recipientLocks.Lock(exec.Recipient)
	defer unlockRecipient()
	unlockDay := s.dayLocks.Lock(DayKey(exec.At))
	defer unlockDay()

	applied, err := s.store.Apply(ctx, exec)
	if err != nil {
		return false, fmt.Errorf("failed to record execution %s: %w", exec.TxID, err)
	}
	if !applied {
		s.logger.Info("execution already recorded", "tx_id", exec.TxID)
		return false, nil
	}
	metrics.PatternUpdates.Inc()
	s.logger.Info("pattern updated", "tx_id", exec.TxID, "recipient", exec.Recipient, "amount", exec.Amount.String())
	return true, nil
}

// Recipient returns the pattern for address.
func (s *Service) Recipient(ctx context.Context, address string) (*RecipientPattern, error) {
	return s.store.GetRecipient(ctx, validation.NormalizeAddress(address))
}

// Recipients lists every pattern, including annotated-only entries.
func (s *Service) Recipients(ctx context.Context) ([]*RecipientPattern, error) {
	return s.store.ListRecipients(ctx)
}

// KnownRecipients counts recipients with at least one execution.
func (s *Service) KnownRecipients(ctx context.Context) (int, error) {
	return s.store.CountKnownRecipients(ctx)
}

// Daily returns the aggregate for day, or a zero aggregate if nothing ran.
func (s *Service) Daily(ctx context.Context, day string) (*DailyAggregate, error) {
	d, err := s.store.GetDaily(ctx, day)
	if errors.Is(err, ErrNotFound) {
		return &DailyAggregate{Date: day}, nil
	}
	return d, err
}

// Annotate sets operator metadata on a recipient. Empty category keeps the
// current one. Statistics are untouched.
func (s *Service) Annotate(ctx context.Context, address, label, category string) (*RecipientPattern, error) {
	address = validation.NormalizeAddress(address)
	unlock := s.recipientLocks.Lock(address)
	defer unlock()
	return s.store.Annotate(ctx, address, label, category)
}

// Limits returns the current global limits.
func (s *Service) Limits(ctx context.Context) (Limits, error) {
	l, err := s.store.GetLimits(ctx)
	if err != nil {
		return Limits{}, err
	}
	return *l, nil
}

// SetLimits replaces the global limits. This is the only way limits change;
// nothing inside the admission pipeline calls it.
func (s *Service) SetLimits(ctx context.Context, l Limits) error {
	l = l.Normalized()
	if err := l.Validate(); err != nil {
		return err
	}
	if err := s.store.PutLimits(ctx, l); err != nil {
		return fmt.Errorf("failed to store limits: %w", err)
	}
	s.logger.Info("global limits updated",
		"max_single", l.MaxSingleTransfer.String(),
		"max_daily", l.MaxDailyVolume.String(),
		"allowed_hours", l.AllowedHoursUTC)
	return nil
}
