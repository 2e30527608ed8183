package cosign

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhentan/cosigner/internal/patterns"
	"github.com/zhentan/cosigner/internal/relay"
	"github.com/zhentan/cosigner/internal/risk"
	"github.com/zhentan/cosigner/internal/signer"
	"github.com/zhentan/cosigner/internal/txqueue"
)

const (
	payee  = "0xdddddddddddddddddddddddddddddddddddddddd"
	group  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	txHash = "0x9f0e8d7c6b5a49382716051f4e3d2c1b0a9f8e7d6c5b4a39281706f5e4d3c2b1"
)

type fakeRelay struct {
	mu        sync.Mutex
	submitted []signer.Authorized
	submitErr error
	awaitErr  error
	success   bool
	onSubmit  func()
	block     bool
	forgotten string
}

func (f *fakeRelay) Submit(_ context.Context, auth signer.Authorized) (relay.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSubmit != nil {
		f.onSubmit()
	}
	if f.submitErr != nil {
		return relay.Handle{}, f.submitErr
	}
	f.submitted = append(f.submitted, auth)
	return relay.Handle{OpHash: fmt.Sprintf("0xop%d", len(f.submitted))}, nil
}

func (f *fakeRelay) AwaitResult(ctx context.Context, h relay.Handle) (relay.Result, error) {
	if h.OpHash == f.forgotten {
		return relay.Result{}, relay.ErrUnknownOperation
	}
	if f.block {
		<-ctx.Done()
		return relay.Result{}, relay.ErrTimeout
	}
	if err := ctx.Err(); err != nil {
		return relay.Result{}, err
	}
	if f.awaitErr != nil {
		return relay.Result{}, f.awaitErr
	}
	return relay.Result{Hash: txHash, Success: f.success}, nil
}

func (f *fakeRelay) submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type harness struct {
	queue    *txqueue.Queue
	patterns *patterns.Service
	relay    *fakeRelay
	coord    *Coordinator
	agent    *signer.ECDSASigner
	owner    *ecdsa.PrivateKey
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	agentKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	agent, err := signer.NewECDSA(strings.TrimPrefix(hexKey(agentKey), "0x"))
	require.NoError(t, err)
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		queue:    txqueue.New(txqueue.NewMemoryStore(), nil),
		patterns: patterns.NewService(patterns.NewMemoryStore(), nil),
		relay:    &fakeRelay{success: true},
		agent:    agent,
		owner:    owner,
	}
	h.coord = New(h.queue, h.patterns, agent, h.relay, opts...)
	return h
}

func hexKey(k *ecdsa.PrivateKey) string {
	return hexutil.Encode(crypto.FromECDSA(k))
}

// enqueueApproved stores a pending record with an APPROVE verdict.
func (h *harness) enqueueApproved(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	op := []byte(`{"sender":"` + group + `","callData":"0x"}`)
	ownerAddr := crypto.PubkeyToAddress(h.owner.PublicKey)
	sig, err := crypto.Sign(signer.Digest(op).Bytes(), h.owner)
	require.NoError(t, err)

	_, err = h.queue.Enqueue(ctx, &txqueue.Transaction{
		ID:                id,
		SignerGroup:       group,
		Recipient:         payee,
		Amount:            "120.5",
		Asset:             "USDC",
		ProposedBy:        ownerAddr.Hex(),
		ProposerSignature: sig,
		RequiredSigners:   []string{ownerAddr.Hex(), h.agent.Address().Hex()},
		Threshold:         2,
		UnsignedOperation: op,
		Origin:            txqueue.OriginManual,
	})
	require.NoError(t, err)
	_, applied, err := h.queue.Transition(ctx, id, txqueue.SetRisk{
		Score: 0, Verdict: risk.VerdictApprove, Reasons: []string{"No risk factors"},
	})
	require.NoError(t, err)
	require.True(t, applied)
}

func TestCoSignAndSubmit_Success(t *testing.T) {
	h := newHarness(t)
	h.enqueueApproved(t, "tx1")
	ctx := context.Background()

	res, err := h.coord.CoSignAndSubmit(ctx, "tx1", "")
	require.NoError(t, err)
	assert.False(t, res.AlreadyExecuted)
	assert.Equal(t, txqueue.StatusExecuted, res.Transaction.Status)
	assert.Equal(t, txHash, res.Transaction.ResultHash)
	require.NotNil(t, res.Transaction.Success)
	assert.True(t, *res.Transaction.Success)
	assert.Equal(t, h.agent.Address().Hex(), res.Transaction.ExecutedBy)

	require.Equal(t, 1, h.relay.submits())
	auth := h.relay.submitted[0]
	assert.Len(t, auth.Signature, 130)

	p, err := h.patterns.Recipient(ctx, payee)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.TransactionCount)
	assert.Equal(t, "120.5", p.TotalVolume.String())
}

func TestCoSignAndSubmit_SecondCallReturnsStoredResult(t *testing.T) {
	h := newHarness(t)
	h.enqueueApproved(t, "tx1")
	ctx := context.Background()

	first, err := h.coord.CoSignAndSubmit(ctx, "tx1", "")
	require.NoError(t, err)
	second, err := h.coord.CoSignAndSubmit(ctx, "tx1", "telegram:@alice")
	require.NoError(t, err)

	assert.True(t, second.AlreadyExecuted)
	assert.Equal(t, first.Transaction.ResultHash, second.Transaction.ResultHash)
	assert.Equal(t, 1, h.relay.submits())

	p, err := h.patterns.Recipient(ctx, payee)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.TransactionCount)
}

func TestCoSignAndSubmit_ConcurrentCallsSubmitOnce(t *testing.T) {
	h := newHarness(t)
	h.enqueueApproved(t, "tx1")

	var (
		wg     sync.WaitGroup
		repeat atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.coord.CoSignAndSubmit(context.Background(), "tx1", "")
			if assert.NoError(t, err) && res.AlreadyExecuted {
				repeat.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.relay.submits())
	assert.Equal(t, int32(7), repeat.Load())
}

func TestCoSignAndSubmit_SubmitFailureLeavesPending(t *testing.T) {
	h := newHarness(t)
	h.enqueueApproved(t, "tx1")
	h.relay.submitErr = errors.New("bundler said: AA21 didn't pay prefund")
	ctx := context.Background()

	_, err := h.coord.CoSignAndSubmit(ctx, "tx1", "")
	require.Error(t, err)

	var relayErr *RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, StageSubmit, relayErr.Stage)
	assert.Contains(t, err.Error(), "tx1")
	assert.NotContains(t, err.Error(), "AA21")
	assert.ErrorIs(t, err, h.relay.submitErr)

	got, err := h.queue.Get(ctx, "tx1")
	require.NoError(t, err)
	assert.Equal(t, txqueue.StatusPending, got.Status)
	assert.False(t, got.Executed())

	// same id, no re-evaluation needed
	h.relay.submitErr = nil
	res, err := h.coord.CoSignAndSubmit(ctx, "tx1", "")
	require.NoError(t, err)
	assert.Equal(t, txqueue.StatusExecuted, res.Transaction.Status)
}

func TestCoSignAndSubmit_AwaitTimeout(t *testing.T) {
	h := newHarness(t, withRawRelayTimeout(20*time.Millisecond))
	h.enqueueApproved(t, "tx1")
	h.relay.block = true

	_, err := h.coord.CoSignAndSubmit(context.Background(), "tx1", "")
	var relayErr *RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, StageAwait, relayErr.Stage)
	assert.ErrorIs(t, err, relay.ErrTimeout)

	got, err := h.queue.Get(context.Background(), "tx1")
	require.NoError(t, err)
	assert.Equal(t, txqueue.StatusPending, got.Status)
}

func TestCoSignAndSubmit_RetryWaitsOnEarlierSubmission(t *testing.T) {
	h := newHarness(t, withRawRelayTimeout(20*time.Millisecond))
	h.enqueueApproved(t, "tx1")
	h.relay.block = true
	ctx := context.Background()

	_, err := h.coord.CoSignAndSubmit(ctx, "tx1", "")
	var relayErr *RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, StageAwait, relayErr.Stage)

	got, err := h.queue.Get(ctx, "tx1")
	require.NoError(t, err)
	assert.Equal(t, txqueue.StatusPending, got.Status)
	assert.Equal(t, "0xop1", got.SubmittedOpHash)

	h.relay.block = false
	res, err := h.coord.CoSignAndSubmit(ctx, "tx1", "api:ops")
	require.NoError(t, err)
	assert.Equal(t, txqueue.StatusExecuted, res.Transaction.Status)
	assert.Equal(t, txHash, res.Transaction.ResultHash)
	assert.Equal(t, 1, h.relay.submits(), "operation submitted once")

	p, err := h.patterns.Recipient(ctx, payee)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.TransactionCount)
}

func TestCoSignAndSubmit_RetryResignsWhenRelayForgotHandle(t *testing.T) {
	h := newHarness(t)
	h.enqueueApproved(t, "tx1")
	h.relay.awaitErr = relay.ErrTimeout
	ctx := context.Background()

	_, err := h.coord.CoSignAndSubmit(ctx, "tx1", "")
	require.Error(t, err)

	h.relay.awaitErr = nil
	h.relay.forgotten = "0xop1"
	res, err := h.coord.CoSignAndSubmit(ctx, "tx1", "")
	require.NoError(t, err)
	assert.Equal(t, txqueue.StatusExecuted, res.Transaction.Status)
	assert.Equal(t, 2, h.relay.submits())
	assert.Equal(t, "0xop2", res.Transaction.SubmittedOpHash)
}

func TestCoSignAndSubmit_CallerCancelDoesNotAbandonResult(t *testing.T) {
	h := newHarness(t)
	h.enqueueApproved(t, "tx1")
	ctx, cancel := context.WithCancel(context.Background())
	h.relay.onSubmit = cancel

	res, err := h.coord.CoSignAndSubmit(ctx, "tx1", "")
	require.NoError(t, err)
	assert.Equal(t, txqueue.StatusExecuted, res.Transaction.Status)
}

func TestCoSignAndSubmit_RejectedIsNotSigned(t *testing.T) {
	h := newHarness(t)
	h.enqueueApproved(t, "tx1")
	ctx := context.Background()
	_, _, err := h.queue.Transition(ctx, "tx1", txqueue.MarkRejected{Actor: "api:ops", Reason: "no"})
	require.NoError(t, err)

	_, err = h.coord.CoSignAndSubmit(ctx, "tx1", "")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Zero(t, h.relay.submits())
}

func TestCoSignAndSubmit_FailedOnChainSkipsPatterns(t *testing.T) {
	h := newHarness(t)
	h.enqueueApproved(t, "tx1")
	h.relay.success = false
	ctx := context.Background()

	res, err := h.coord.CoSignAndSubmit(ctx, "tx1", "")
	require.NoError(t, err)
	assert.Equal(t, txqueue.StatusExecuted, res.Transaction.Status)
	require.NotNil(t, res.Transaction.Success)
	assert.False(t, *res.Transaction.Success)

	_, err = h.patterns.Recipient(ctx, payee)
	assert.ErrorIs(t, err, patterns.ErrNotFound)
}

func TestCoSignAndSubmit_NotASigner(t *testing.T) {
	h := newHarness(t)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := signer.NewECDSA(hexKey(other))
	require.NoError(t, err)
	coord := New(h.queue, h.patterns, s, h.relay)
	h.enqueueApproved(t, "tx1")

	_, err = coord.CoSignAndSubmit(context.Background(), "tx1", "")
	var relayErr *RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, StageSign, relayErr.Stage)
	assert.ErrorIs(t, err, signer.ErrNotASigner)
	assert.Zero(t, h.relay.submits())
}

func TestCoSignAndSubmit_UnknownID(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.CoSignAndSubmit(context.Background(), "missing", "")
	assert.ErrorIs(t, err, txqueue.ErrNotFound)
}

func TestWithRelayTimeout_Floor(t *testing.T) {
	h := newHarness(t, WithRelayTimeout(5*time.Second))
	assert.Equal(t, MinRelayTimeout, h.coord.relayTimeout)
}
