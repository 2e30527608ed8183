package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/zhentan/cosigner/internal/circuitbreaker"
	"github.com/zhentan/cosigner/internal/metrics"
	"github.com/zhentan/cosigner/internal/signer"
)

const (
	// DefaultPollInterval between receipt checks.
	DefaultPollInterval = 2 * time.Second

	// EntryPointV07 is the canonical ERC-4337 v0.7 entry point.
	EntryPointV07 = "0x0000000071727De22E5E9d8BAf0edAc6f37da032"
)

// Caller is the subset of *rpc.Client the bundler relay uses.
type Caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
	Close()
}

// userOpReceipt is the part of eth_getUserOperationReceipt we read.
type userOpReceipt struct {
	UserOpHash common.Hash `json:"userOpHash"`
	Success    bool        `json:"success"`
	Reason     string      `json:"reason,omitempty"`
	Receipt    struct {
		TransactionHash common.Hash `json:"transactionHash"`
	} `json:"receipt"`
}

// userOpLookup is the part of eth_getUserOperationByHash we read.
type userOpLookup struct {
	UserOpHash common.Hash `json:"userOpHash"`
}

// BundlerConfig configures a BundlerRelay.
type BundlerConfig struct {
	URL          string
	EntryPoint   string
	PollInterval time.Duration
}

// BundlerRelay talks ERC-4337 JSON-RPC to a bundler. The unsigned operation
// is a user operation JSON object; Submit sets its signature field.
type BundlerRelay struct {
	client     Caller
	entryPoint common.Address
	poll       time.Duration
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

// Option configures a BundlerRelay.
type Option func(*BundlerRelay)

// WithCaller replaces the RPC client (useful for testing).
func WithCaller(c Caller) Option {
	return func(b *BundlerRelay) { b.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *BundlerRelay) { b.logger = l }
}

// NewBundler dials cfg.URL unless a caller was supplied.
func NewBundler(ctx context.Context, cfg BundlerConfig, opts ...Option) (*BundlerRelay, error) {
	ep := cfg.EntryPoint
	if ep == "" {
		ep = EntryPointV07
	}
	if !common.IsHexAddress(ep) {
		return nil, fmt.Errorf("relay: invalid entry point %q", ep)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	b := &BundlerRelay{
		entryPoint: common.HexToAddress(ep),
		poll:       poll,
		breaker:    circuitbreaker.New("bundler", 5, 30*time.Second),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		if cfg.URL == "" {
			return nil, errors.New("relay: bundler URL required")
		}
		c, err := rpc.DialContext(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("relay: dial bundler: %w", err)
		}
		b.client = c
	}
	return b, nil
}

// Submit sends the signed user operation with eth_sendUserOperation.
func (b *BundlerRelay) Submit(ctx context.Context, auth signer.Authorized) (Handle, error) {
	var op map[string]json.RawMessage
	if err := json.Unmarshal(auth.Operation, &op); err != nil || op == nil {
		return Handle{}, fmt.Errorf("%w: not a user operation object", ErrMalformed)
	}
	sig, err := json.Marshal(hexutil.Encode(auth.Signature))
	if err != nil {
		return Handle{}, err
	}
	op["signature"] = sig

	var hash common.Hash
	err = b.breaker.Execute(func() error {
		return b.client.CallContext(ctx, &hash, "eth_sendUserOperation", op, b.entryPoint)
	}, isRPCError)
	if err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return Handle{}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return Handle{}, fmt.Errorf("relay: submit: %w", err)
	}
	b.logger.Info("user operation submitted", "op_hash", hash.Hex())
	return Handle{OpHash: hash.Hex()}, nil
}

// AwaitResult polls eth_getUserOperationReceipt until the bundler reports
// an outcome or ctx ends. The caller bounds the wait with ctx. If the first
// poll finds no receipt and the bundler does not know the operation at all,
// it fails fast with ErrUnknownOperation.
func (b *BundlerRelay) AwaitResult(ctx context.Context, h Handle) (Result, error) {
	start := time.Now()
	defer func() { metrics.RelayDuration.Observe(time.Since(start).Seconds()) }()

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	looked := false
	for {
		var receipt *userOpReceipt
		err := b.breaker.Execute(func() error {
			return b.client.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", h.OpHash)
		}, isRPCError)
		switch {
		case err == nil && receipt != nil:
			hash := receipt.Receipt.TransactionHash
			if hash == (common.Hash{}) {
				hash = receipt.UserOpHash
			}
			if !receipt.Success {
				b.logger.Warn("user operation reverted", "op_hash", h.OpHash, "reason", receipt.Reason)
			}
			return Result{Hash: hash.Hex(), Success: receipt.Success}, nil
		case err == nil && !looked:
			looked = true
			var op *userOpLookup
			lookupErr := b.breaker.Execute(func() error {
				return b.client.CallContext(ctx, &op, "eth_getUserOperationByHash", h.OpHash)
			}, isRPCError)
			if lookupErr == nil && op == nil {
				return Result{}, fmt.Errorf("%w: %s", ErrUnknownOperation, h.OpHash)
			}
		case err != nil && ctx.Err() == nil:
			b.logger.Debug("receipt poll failed", "op_hash", h.OpHash, "error", err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Result{}, fmt.Errorf("%w: %s", ErrTimeout, h.OpHash)
			}
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the RPC connection.
func (b *BundlerRelay) Close() {
	b.client.Close()
}

// isRPCError treats JSON-RPC error responses as a healthy bundler.
func isRPCError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

var _ Relay = (*BundlerRelay)(nil)
