// Package admission decides what happens to each proposal: it persists the
// risk engine's verdict, then co-signs immediately, hands the record to a
// human reviewer, or rejects it by policy. It is also the only place that
// decides whether a failure is shown to the caller.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/zhentan/cosigner/internal/patterns"
	"github.com/zhentan/cosigner/internal/risk"
	"github.com/zhentan/cosigner/internal/txqueue"
)

var (
	ErrNotFound       = errors.New("admission: not found")
	ErrRejected       = errors.New("admission: transaction was rejected")
	ErrAwaitingReview = errors.New("admission: transaction is awaiting review")
)

// Actors and reasons recorded for decisions the service makes itself.
const (
	AutoActor    = "system:auto"
	PolicyActor  = "system:policy"
	BlockReason  = "blocked by policy"
	RecentLimit  = 10
	maxRecent    = 100
	pendingPages = 10
)

// Action is what admission did with a transaction.
type Action string

const (
	ActionExecuted        Action = "executed"
	ActionFailed          Action = "failed"
	ActionInReview        Action = "in_review"
	ActionBlocked         Action = "blocked"
	ActionRejected        Action = "rejected"
	ActionRelayFailed     Action = "relay_failed"
	ActionAlreadyExecuted Action = "already_executed"
)

// Proposal is a transfer submitted by the primary signer together with
// their own signature. origin distinguishes manual proposals from requests
// that came in through wallet pairing.
type Proposal struct {
	ID                string             `json:"id,omitempty"`
	SignerGroup       string             `json:"signerGroup"`
	Recipient         string             `json:"recipient"`
	Amount            string             `json:"amount"`
	Asset             string             `json:"asset"`
	ProposedBy        string             `json:"proposedBy"`
	ProposerSignature []byte             `json:"proposerSignature"`
	RequiredSigners   []string           `json:"requiredSigners"`
	Threshold         int                `json:"threshold"`
	UnsignedOperation []byte             `json:"unsignedOperation"`
	Origin            txqueue.Origin     `json:"origin,omitempty"`
	Requester         *txqueue.Requester `json:"requester,omitempty"`
}

// Settings is the per-signer-group configuration handed to every call.
type Settings struct {
	SignerGroup      string     `json:"signerGroup"`
	ScreeningEnabled bool       `json:"screeningEnabled"`
	LastCheck        *time.Time `json:"lastCheck,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Decision is one entry of a group's audit trail.
type Decision struct {
	TxID    string       `json:"txId"`
	Group   string       `json:"signerGroup"`
	Verdict risk.Verdict `json:"verdict,omitempty"`
	Score   *int         `json:"score,omitempty"`
	Action  Action       `json:"action"`
	Actor   string       `json:"actor,omitempty"`
	Detail  string       `json:"detail,omitempty"`
	At      time.Time    `json:"at"`
}

// Outcome is the result of Propose or Retry.
type Outcome struct {
	Action      Action               `json:"action"`
	Transaction *txqueue.Transaction `json:"transaction"`
	Risk        *risk.Result         `json:"risk,omitempty"`
}

// Analysis is a dry-run evaluation with the inputs that produced it.
type Analysis struct {
	Result    risk.Result                `json:"result"`
	Recipient *patterns.RecipientPattern `json:"recipient,omitempty"`
	Daily     patterns.DailyAggregate    `json:"daily"`
	Limits    patterns.Limits            `json:"limits"`
	At        time.Time                  `json:"evaluatedAt"`
}

// Status is the policy configuration and recent decisions for a group.
type Status struct {
	SignerGroup     string          `json:"signerGroup"`
	Settings        Settings        `json:"settings"`
	Limits          patterns.Limits `json:"globalLimits"`
	KnownRecipients int             `json:"knownRecipients"`
	RecentDecisions []*Decision     `json:"recentDecisions"`
}

// Store persists per-group settings and the decision log.
type Store interface {
	GetSettings(ctx context.Context, group string) (*Settings, error)
	PutSettings(ctx context.Context, s *Settings) error
	AppendDecision(ctx context.Context, d *Decision) error
	// RecentDecisions returns up to limit entries, newest first.
	RecentDecisions(ctx context.Context, group string, limit int) ([]*Decision, error)
}
