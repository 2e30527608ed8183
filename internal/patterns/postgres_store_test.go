//go:build integration

package patterns

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhentan/cosigner/internal/testutil"
)

func TestPostgresStore_ApplyAndDedupe(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	svc := NewService(NewPostgresStore(db), nil)
	require.NoError(t, svc.SetLimits(ctx, defaultLimits()))

	_, err := svc.Record(ctx, Execution{TxID: "tx1", Recipient: alice, Amount: d("10"), At: noon})
	require.NoError(t, err)
	_, err = svc.Record(ctx, Execution{TxID: "tx2", Recipient: alice, Amount: d("30"), At: noon.Add(3 * time.Hour)})
	require.NoError(t, err)
	applied, err := svc.Record(ctx, Execution{TxID: "tx2", Recipient: alice, Amount: d("30"), At: noon})
	require.NoError(t, err)
	assert.False(t, applied)

	p, err := svc.Recipient(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.TransactionCount)
	assert.True(t, p.TotalVolume.Equal(d("40")))
	assert.True(t, p.MaxAmount.Equal(d("30")))
	assert.Equal(t, []int{12, 15}, p.TypicalHours)
	assert.Equal(t, "20", p.AverageAmount().String())

	day, err := svc.Daily(ctx, DayKey(noon))
	require.NoError(t, err)
	assert.Equal(t, int64(2), day.TransactionCount)

	snap, err := svc.Snapshot(ctx, alice, noon)
	require.NoError(t, err)
	assert.True(t, snap.Limits.MaxSingleTransfer.Equal(d("5000")))
}

func TestPostgresStore_Annotate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	p, err := store.Annotate(ctx, bob, "Landlord", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultCategory, p.Category)
	assert.False(t, p.Known())

	p, err = store.Annotate(ctx, bob, "Landlord", "rent")
	require.NoError(t, err)
	assert.Equal(t, "rent", p.Category)
}
