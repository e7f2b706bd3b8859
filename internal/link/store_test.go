package link

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAssets = []string{"ETH", "USDC"}

func TestMemoryStoreCreateValidation(t *testing.T) {
	store := NewMemoryStore(testAssets)
	ctx := context.Background()

	var validation *ValidationError

	_, err := store.Create(ctx, decimal.Zero, "ETH", "pubkey")
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "amount", validation.Field)

	_, err = store.Create(ctx, decimal.RequireFromString("-1"), "ETH", "pubkey")
	assert.ErrorAs(t, err, &validation)

	_, err = store.Create(ctx, decimal.NewFromInt(1), "DOGE", "pubkey")
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "assetTag", validation.Field)

	_, err = store.Create(ctx, decimal.NewFromInt(1), "ETH", "")
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "claimPubKey", validation.Field)
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore(testAssets)
	ctx := context.Background()

	l, err := store.Create(ctx, decimal.RequireFromString("0.5"), "ETH", "pubkey")
	require.NoError(t, err)
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, StateCreated, l.State)

	got, err := store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(l.Amount))
	assert.Equal(t, "ETH", got.AssetTag)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTransition(t *testing.T) {
	store := NewMemoryStore(testAssets)
	ctx := context.Background()

	l, err := store.Create(ctx, decimal.NewFromInt(1), "ETH", "pubkey")
	require.NoError(t, err)

	deposited, err := store.Transition(ctx, l.ID, StateCreated, StateDeposited, Mutation{
		DepositProof: StrPtr("tx123"),
		FromAddress:  StrPtr("0xsender"),
	})
	require.NoError(t, err)
	assert.Equal(t, StateDeposited, deposited.State)
	assert.Equal(t, "tx123", deposited.DepositProof)
	assert.Equal(t, "0xsender", deposited.FromAddress)

	// The precondition no longer holds.
	_, err = store.Transition(ctx, l.ID, StateCreated, StateDeposited, Mutation{})
	assert.ErrorIs(t, err, ErrTransitionConflict)

	claiming, err := store.Transition(ctx, l.ID, StateDeposited, StateClaiming, Mutation{
		ClaimedBy: StrPtr("alice"),
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", claiming.ClaimedBy)

	rolledBack, err := store.Transition(ctx, l.ID, StateClaiming, StateDeposited, Mutation{
		ClearClaimedBy: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StateDeposited, rolledBack.State)
	assert.Empty(t, rolledBack.ClaimedBy)
	assert.Equal(t, "tx123", rolledBack.DepositProof, "deposit proof survives rollback")

	_, err = store.Transition(ctx, "missing", StateCreated, StateDeposited, Mutation{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTransitionIsExclusive(t *testing.T) {
	store := NewMemoryStore(testAssets)
	ctx := context.Background()

	l, err := store.Create(ctx, decimal.NewFromInt(1), "ETH", "pubkey")
	require.NoError(t, err)
	_, err = store.Transition(ctx, l.ID, StateCreated, StateDeposited, Mutation{})
	require.NoError(t, err)

	const n = 16
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := store.Transition(ctx, l.ID, StateDeposited, StateClaiming, Mutation{
				ClaimedBy: StrPtr("racer"),
			})
			results <- err
		}()
	}

	var won, conflicted int
	for i := 0; i < n; i++ {
		switch err := <-results; {
		case err == nil:
			won++
		default:
			assert.ErrorIs(t, err, ErrTransitionConflict)
			conflicted++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, n-1, conflicted)
}
