package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhentan/cosigner/internal/signer"
)

// fakeBundler is served over an in-process JSON-RPC server under the "eth"
// namespace.
type fakeBundler struct {
	mu           sync.Mutex
	ops          []map[string]any
	entryPoints  []common.Address
	pollsLeft    int
	success      bool
	reject       bool
	neverReceipt bool
	dropped      bool
}

func (f *fakeBundler) SendUserOperation(op map[string]any, ep common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return common.Hash{}, errors.New("AA21 didn't pay prefund")
	}
	f.ops = append(f.ops, op)
	f.entryPoints = append(f.entryPoints, ep)
	return common.HexToHash("0x01"), nil
}

func (f *fakeBundler) GetUserOperationReceipt(hash common.Hash) (*userOpReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.neverReceipt || f.pollsLeft > 0 {
		f.pollsLeft--
		return nil, nil
	}
	r := &userOpReceipt{UserOpHash: hash, Success: f.success}
	r.Receipt.TransactionHash = common.HexToHash("0xfeed")
	return r, nil
}

func (f *fakeBundler) GetUserOperationByHash(hash common.Hash) (*userOpLookup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropped {
		return nil, nil
	}
	return &userOpLookup{UserOpHash: hash}, nil
}

func newTestBundler(t *testing.T, fake *fakeBundler) *BundlerRelay {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", fake))
	t.Cleanup(server.Stop)

	b, err := NewBundler(context.Background(), BundlerConfig{PollInterval: 5 * time.Millisecond},
		WithCaller(rpc.DialInProc(server)))
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func authorized() signer.Authorized {
	return signer.Authorized{
		Operation: []byte(`{"sender":"0x00000000000000000000000000000000000000aa","nonce":"0x0","callData":"0x"}`),
		Signature: []byte{0xab, 0xcd},
	}
}

func TestBundler_SubmitSetsSignature(t *testing.T) {
	fake := &fakeBundler{success: true}
	b := newTestBundler(t, fake)

	h, err := b.Submit(context.Background(), authorized())
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x01").Hex(), h.OpHash)

	require.Len(t, fake.ops, 1)
	assert.Equal(t, "0xabcd", fake.ops[0]["signature"])
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", fake.ops[0]["sender"])
	assert.Equal(t, common.HexToAddress(EntryPointV07), fake.entryPoints[0])
}

func TestBundler_AwaitPollsUntilReceipt(t *testing.T) {
	fake := &fakeBundler{success: true, pollsLeft: 3}
	b := newTestBundler(t, fake)

	res, err := b.AwaitResult(context.Background(), Handle{OpHash: common.HexToHash("0x01").Hex()})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, common.HexToHash("0xfeed").Hex(), res.Hash)
}

func TestBundler_AwaitReportsRevert(t *testing.T) {
	b := newTestBundler(t, &fakeBundler{success: false})

	res, err := b.AwaitResult(context.Background(), Handle{OpHash: common.HexToHash("0x01").Hex()})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestBundler_AwaitTimesOut(t *testing.T) {
	b := newTestBundler(t, &fakeBundler{neverReceipt: true})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_, err := b.AwaitResult(ctx, Handle{OpHash: common.HexToHash("0x01").Hex()})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestBundler_AwaitUnknownOperation(t *testing.T) {
	b := newTestBundler(t, &fakeBundler{neverReceipt: true, dropped: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := b.AwaitResult(ctx, Handle{OpHash: common.HexToHash("0x01").Hex()})
	assert.ErrorIs(t, err, ErrUnknownOperation)
	assert.NoError(t, ctx.Err(), "fails fast instead of waiting out the deadline")
}

func TestBundler_SubmitRejected(t *testing.T) {
	b := newTestBundler(t, &fakeBundler{reject: true})

	_, err := b.Submit(context.Background(), authorized())
	assert.ErrorIs(t, err, ErrRejected)
}

func TestBundler_SubmitMalformed(t *testing.T) {
	b := newTestBundler(t, &fakeBundler{})

	_, err := b.Submit(context.Background(), signer.Authorized{Operation: []byte("not json")})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = b.Submit(context.Background(), signer.Authorized{Operation: []byte("[1,2]")})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewBundler_Config(t *testing.T) {
	_, err := NewBundler(context.Background(), BundlerConfig{})
	assert.Error(t, err)
	_, err = NewBundler(context.Background(), BundlerConfig{URL: "http://localhost:1", EntryPoint: "nope"})
	assert.Error(t, err)
}

func TestUnconfigured_AlwaysFails(t *testing.T) {
	u := NewUnconfigured(nil)
	_, err := u.Submit(context.Background(), authorized())
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = u.AwaitResult(context.Background(), Handle{OpHash: "0x01"})
	assert.ErrorIs(t, err, ErrUnavailable)
}
