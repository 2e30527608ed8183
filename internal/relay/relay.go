// Package relay submits authorized operations to the network and waits for
// their terminal result.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zhentan/cosigner/internal/signer"
)

var (
	ErrUnavailable = errors.New("relay: no relay configured")
	ErrRejected    = errors.New("relay: operation rejected")
	ErrTimeout     = errors.New("relay: timed out waiting for result")
	ErrMalformed   = errors.New("relay: malformed operation")
	// ErrUnknownOperation means the relay has no record of the handle, so
	// the operation never landed and can be submitted again.
	ErrUnknownOperation = errors.New("relay: operation unknown")
)

// Handle identifies a submitted operation.
type Handle struct {
	OpHash string `json:"opHash"`
}

// Result is a terminal outcome. Hash is the network transaction hash, or
// the operation hash when the network did not report one.
type Result struct {
	Hash    string `json:"hash"`
	Success bool   `json:"success"`
}

// Relay is the external relay capability. AwaitResult returns
// ErrUnknownOperation only when it is certain the handle will never settle.
type Relay interface {
	Submit(ctx context.Context, auth signer.Authorized) (Handle, error)
	AwaitResult(ctx context.Context, h Handle) (Result, error)
}

// Unconfigured stands in for a relay in development. It logs every
// submission and always fails, so nothing is ever recorded as executed.
type Unconfigured struct {
	logger *slog.Logger
}

// NewUnconfigured returns a relay that reports ErrUnavailable.
func NewUnconfigured(logger *slog.Logger) *Unconfigured {
	if logger == nil {
		logger = slog.Default()
	}
	return &Unconfigured{logger: logger}
}

func (u *Unconfigured) Submit(_ context.Context, auth signer.Authorized) (Handle, error) {
	u.logger.Warn("relay not configured, operation not submitted",
		"operation_bytes", len(auth.Operation), "signature_bytes", len(auth.Signature))
	return Handle{}, ErrUnavailable
}

func (u *Unconfigured) AwaitResult(_ context.Context, h Handle) (Result, error) {
	return Result{}, fmt.Errorf("%w: %s", ErrUnavailable, h.OpHash)
}

var _ Relay = (*Unconfigured)(nil)
