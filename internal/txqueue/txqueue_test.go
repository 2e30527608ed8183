package txqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhentan/cosigner/internal/risk"
)

const (
	group   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	owner   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	agent   = "0xcccccccccccccccccccccccccccccccccccccccc"
	payee   = "0xdddddddddddddddddddddddddddddddddddddddd"
	txHash  = "0x9f0e8d7c6b5a49382716051f4e3d2c1b0a9f8e7d6c5b4a39281706f5e4d3c2b1"
	opBlob  = "{\n  \"sender\": \"0xaaaa\",\n  \"callData\": \"0x\" }"
	sigBlob = "\x00\x01\xfe\xff proposer partial"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestQueue() *Queue {
	clock := &fixedClock{now: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
	return New(NewMemoryStore(), nil).WithClock(clock.Now)
}

func proposal(id string) *Transaction {
	return &Transaction{
		ID:                id,
		SignerGroup:       group,
		Recipient:         payee,
		Amount:            "100",
		Asset:             "USDC",
		ProposedBy:        owner,
		ProposerSignature: []byte(sigBlob),
		RequiredSigners:   []string{owner, agent},
		Threshold:         2,
		UnsignedOperation: []byte(opBlob),
		Origin:            OriginManual,
	}
}

func approveRisk() SetRisk {
	return SetRisk{Score: 25, Verdict: risk.VerdictApprove, Reasons: []string{"Amount 500 is 10.0x the average (50)"}}
}

func reviewRisk() SetRisk {
	return SetRisk{Score: 40, Verdict: risk.VerdictReview, Reasons: []string{"Unknown recipient (never seen before)"}}
}

func TestEnqueue_And_Get(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	id, err := q.Enqueue(ctx, proposal("tx1"))
	require.NoError(t, err)
	assert.Equal(t, "tx1", id)

	got, err := q.Get(ctx, "tx1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.Evaluated())
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, []byte(opBlob), got.UnsignedOperation)

	_, err = q.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueue_DuplicateID(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, proposal("tx1"))
	require.NoError(t, err)

	second := proposal("tx1")
	second.Amount = "999"
	_, err = q.Enqueue(ctx, second)
	assert.ErrorIs(t, err, ErrDuplicateID)

	got, _ := q.Get(ctx, "tx1")
	assert.Equal(t, "100", got.Amount, "original record untouched")
}

func TestEnqueue_ResetsLifecycleFields(t *testing.T) {
	q := newTestQueue()
	p := proposal("tx1")
	score := 99
	p.RiskScore = &score
	p.Status = StatusExecuted
	p.RejectReason = "forged"

	_, err := q.Enqueue(context.Background(), p)
	require.NoError(t, err)
	got, _ := q.Get(context.Background(), "tx1")
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.RiskScore)
	assert.Empty(t, got.RejectReason)
}

func TestEnqueue_InvalidRecord(t *testing.T) {
	q := newTestQueue()
	tests := map[string]func(*Transaction){
		"no id":          func(t *Transaction) { t.ID = "" },
		"no group":       func(t *Transaction) { t.SignerGroup = "" },
		"no recipient":   func(t *Transaction) { t.Recipient = "" },
		"zero quorum":    func(t *Transaction) { t.Threshold = 0 },
		"quorum > set":   func(t *Transaction) { t.Threshold = 3 },
		"unknown origin": func(t *Transaction) { t.Origin = "fax" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			p := proposal("tx-" + name)
			mutate(p)
			_, err := q.Enqueue(context.Background(), p)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestTransition_ApproveFlow(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, proposal("tx1"))

	rec, applied, err := q.Transition(ctx, "tx1", approveRisk())
	require.NoError(t, err)
	assert.True(t, applied)
	require.NotNil(t, rec.RiskScore)
	assert.Equal(t, 25, *rec.RiskScore)
	assert.Equal(t, risk.VerdictApprove, rec.RiskVerdict)
	assert.Equal(t, StatusPending, rec.Status)

	rec, applied, err = q.Transition(ctx, "tx1", MarkExecuted{Hash: txHash, Success: true, Executor: agent})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusExecuted, rec.Status)
	assert.Equal(t, txHash, rec.ResultHash)
	require.NotNil(t, rec.Success)
	assert.True(t, *rec.Success)
	assert.Equal(t, agent, rec.ExecutedBy)
}

func TestTransition_SetRiskOnce(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, proposal("tx1"))

	_, applied, err := q.Transition(ctx, "tx1", approveRisk())
	require.NoError(t, err)
	require.True(t, applied)

	rec, applied, err := q.Transition(ctx, "tx1", reviewRisk())
	require.NoError(t, err)
	assert.False(t, applied, "risk is never re-evaluated")
	assert.Equal(t, 25, *rec.RiskScore)
}

func TestTransition_MutationChecks(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, proposal("tx1"))

	bad := []Mutation{
		SetRisk{Score: 101, Verdict: risk.VerdictBlock, Reasons: []string{"x"}},
		SetRisk{Score: 39, Verdict: risk.VerdictReview, Reasons: []string{"x"}},
		SetRisk{Score: 10, Verdict: risk.VerdictApprove},
		MarkRejected{Actor: "op"},
		MarkExecuted{Success: true},
	}
	for _, m := range bad {
		_, _, err := q.Transition(ctx, "tx1", m)
		assert.ErrorIs(t, err, ErrInvalidMutation, "%s %+v", m.Name(), m)
	}

	_, _, err := q.Transition(ctx, "nope", approveRisk())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransition_ReviewRequiresRisk(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, proposal("tx1"))

	rec, applied, err := q.Transition(ctx, "tx1", MarkInReview{Reason: "score 40"})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StatusPending, rec.Status)

	_, _, _ = q.Transition(ctx, "tx1", reviewRisk())
	rec, applied, err = q.Transition(ctx, "tx1", MarkInReview{Reason: "score 40"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusInReview, rec.Status)
	assert.NotNil(t, rec.ReviewStartedAt)
	assert.Equal(t, "score 40", rec.ReviewReason)
}

func TestTransition_RejectFromReview(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, proposal("tx1"))
	_, _, _ = q.Transition(ctx, "tx1", reviewRisk())
	_, _, _ = q.Transition(ctx, "tx1", MarkInReview{})

	rec, applied, err := q.Transition(ctx, "tx1", MarkRejected{Actor: "telegram:42", Reason: "not mine"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusRejected, rec.Status)
	assert.Equal(t, "not mine", rec.RejectReason)
	assert.Equal(t, "telegram:42", rec.DecidedBy)
	assert.NotNil(t, rec.RejectedAt)

	// second reject is a no-op
	again, applied, err := q.Transition(ctx, "tx1", MarkRejected{Actor: "other", Reason: "dup"})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "not mine", again.RejectReason)

	// review cannot restart
	_, applied, _ = q.Transition(ctx, "tx1", MarkInReview{})
	assert.False(t, applied)
}

func TestTransition_ExecuteTwiceIsNoop(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, proposal("tx1"))
	_, _, _ = q.Transition(ctx, "tx1", approveRisk())

	m := MarkExecuted{Hash: txHash, Success: true, Executor: agent}
	first, applied, err := q.Transition(ctx, "tx1", m)
	require.NoError(t, err)
	require.True(t, applied)

	second, applied, err := q.Transition(ctx, "tx1", m)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first, second, "same stored record both times")

	other, applied, err := q.Transition(ctx, "tx1", MarkExecuted{Hash: "0xother", Success: false})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, txHash, other.ResultHash)

	_, applied, _ = q.Transition(ctx, "tx1", MarkRejected{Reason: "late"})
	assert.False(t, applied, "reject after execution is ignored")
}

func TestTransition_ExecutionAfterRejectionIsRecorded(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, proposal("tx1"))
	_, _, _ = q.Transition(ctx, "tx1", reviewRisk())
	_, _, _ = q.Transition(ctx, "tx1", MarkInReview{})
	_, _, _ = q.Transition(ctx, "tx1", MarkRejected{Actor: "op", Reason: "too late"})

	rec, applied, err := q.Transition(ctx, "tx1", MarkExecuted{Hash: txHash, Success: true, Executor: agent, Actor: "op2"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusExecuted, rec.Status)
	assert.Equal(t, "too late", rec.RejectReason, "rejection kept as history")
	assert.Equal(t, "op", rec.DecidedBy)
}

func TestTransition_MarkSubmittedKeepsStatus(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, proposal("tx1"))
	_, _, _ = q.Transition(ctx, "tx1", approveRisk())

	_, _, err := q.Transition(ctx, "tx1", MarkSubmitted{})
	assert.ErrorIs(t, err, ErrInvalidMutation)

	rec, applied, err := q.Transition(ctx, "tx1", MarkSubmitted{OpHash: "0xop1"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "0xop1", rec.SubmittedOpHash)
	require.NotNil(t, rec.SubmittedAt)

	_, applied, _ = q.Transition(ctx, "tx1", MarkSubmitted{OpHash: "0xop1"})
	assert.False(t, applied, "same handle twice")

	_, _, _ = q.Transition(ctx, "tx1", MarkExecuted{Hash: txHash, Success: true, Executor: agent})
	rec, applied, _ = q.Transition(ctx, "tx1", MarkSubmitted{OpHash: "0xop2"})
	assert.False(t, applied, "executed records never change")
	assert.Equal(t, "0xop1", rec.SubmittedOpHash)
}

func TestTransition_ObserverSeesAppliedOnly(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	var events []string
	q.OnTransition(func(ev Event) { events = append(events, ev.Mutation) })

	_, _ = q.Enqueue(ctx, proposal("tx1"))
	_, _, _ = q.Transition(ctx, "tx1", approveRisk())
	_, _, _ = q.Transition(ctx, "tx1", approveRisk())
	_, _, _ = q.Transition(ctx, "tx1", MarkExecuted{Hash: txHash, Success: true})

	assert.Equal(t, []string{"enqueue", "set_risk", "mark_executed"}, events)
}

func TestTransition_ConcurrentExecuteAppliesOnce(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, proposal("tx1"))
	_, _, _ = q.Transition(ctx, "tx1", approveRisk())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := q.Transition(ctx, "tx1", MarkExecuted{Hash: fmt.Sprintf("0x%02d", i), Success: true})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
}

func TestListBySigner_NewestFirstWithPaging(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := q.Enqueue(ctx, proposal(fmt.Sprintf("tx%d", i)))
		require.NoError(t, err)
	}
	other := proposal("foreign")
	other.SignerGroup = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	_, _ = q.Enqueue(ctx, other)

	page, err := q.ListBySigner(ctx, group, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "tx5", page.Items[0].ID)
	assert.Equal(t, "tx4", page.Items[1].ID)
	assert.True(t, page.HasMore)

	page, err = q.ListBySigner(ctx, group, ListOptions{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, "tx3", page.Items[0].ID)
	assert.Equal(t, "tx2", page.Items[1].ID)

	page, err = q.ListBySigner(ctx, group, ListOptions{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "tx1", page.Items[0].ID)
	assert.False(t, page.HasMore)

	_, err = q.ListBySigner(ctx, group, ListOptions{Cursor: "garbage!"})
	assert.Error(t, err)
}

func TestListByStatus(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, proposal("tx1"))
	_, _ = q.Enqueue(ctx, proposal("tx2"))
	_, _, _ = q.Transition(ctx, "tx2", reviewRisk())
	_, _, _ = q.Transition(ctx, "tx2", MarkInReview{})

	pending, err := q.ListByStatus(ctx, StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "tx1", pending[0].ID)

	inReview, err := q.ListByStatus(ctx, StatusInReview, 10)
	require.NoError(t, err)
	require.Len(t, inReview, 1)

	_, err = q.ListByStatus(ctx, "limbo", 10)
	assert.Error(t, err)
}

func TestOldestByStatus(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	for _, id := range []string{"tx1", "tx2", "tx3"} {
		_, _ = q.Enqueue(ctx, proposal(id))
	}

	oldest, err := q.OldestByStatus(ctx, StatusPending, 2)
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, "tx1", oldest[0].ID)
	assert.Equal(t, "tx2", oldest[1].ID)

	newest, err := q.ListByStatus(ctx, StatusPending, 1)
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, "tx3", newest[0].ID)
}

func TestTransaction_JSONRoundTripIsByteIdentical(t *testing.T) {
	score := 40
	success := true
	at := time.Date(2026, 10, 14, 9, 30, 0, 123456789, time.UTC)
	orig := proposal("tx1")
	orig.RiskScore = &score
	orig.RiskVerdict = risk.VerdictReview
	orig.RiskReasons = []string{"Unknown recipient (never seen before)"}
	orig.ExecutedAt = &at
	orig.Success = &success
	orig.Requester = &Requester{Name: "Uniswap", URL: "https://app.uniswap.org"}
	orig.CreatedAt = at

	first, err := json.Marshal(orig)
	require.NoError(t, err)

	var restored Transaction
	require.NoError(t, json.Unmarshal(first, &restored))
	second, err := json.Marshal(&restored)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(first, second))
	assert.True(t, bytes.Equal(orig.UnsignedOperation, restored.UnsignedOperation))
	assert.True(t, bytes.Equal(orig.ProposerSignature, restored.ProposerSignature))
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInReview.IsTerminal())
	assert.True(t, StatusExecuted.IsTerminal())
	assert.True(t, StatusRejected.IsTerminal())
}
