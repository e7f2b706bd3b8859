package claim

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paylinks/internal/relay"
)

func TestGuardSufficient(t *testing.T) {
	fake := relay.NewFakeClient(decimal.NewFromInt(10))
	guard := NewOperatorBalanceGuard(fake, decimal.NewFromInt(1))

	assert.NoError(t, guard.AssertSufficient(context.Background(), decimal.NewFromInt(9)))
}

func TestGuardInsufficient(t *testing.T) {
	fake := relay.NewFakeClient(decimal.NewFromInt(10))
	guard := NewOperatorBalanceGuard(fake, decimal.NewFromInt(1))

	err := guard.AssertSufficient(context.Background(), decimal.RequireFromString("9.5"))

	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Required.Equal(decimal.RequireFromString("10.5")))
	assert.True(t, insufficient.Available.Equal(decimal.NewFromInt(10)))
	assert.True(t, insufficient.Shortfall.Equal(decimal.RequireFromString("0.5")))
}

func TestGuardReadsBalanceFresh(t *testing.T) {
	fake := relay.NewFakeClient(decimal.NewFromInt(10))
	guard := NewOperatorBalanceGuard(fake, decimal.Zero)
	ctx := context.Background()

	required := decimal.NewFromInt(5)
	require.NoError(t, guard.AssertSufficient(ctx, required))

	// A concurrent claim drained the account; the next check must see it.
	fake.SetBalance(decimal.NewFromInt(1))

	var insufficient *InsufficientBalanceError
	assert.ErrorAs(t, guard.AssertSufficient(ctx, required), &insufficient)
}
