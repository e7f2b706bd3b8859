package claim

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"paylinks/internal/relay"
)

// OperatorBalanceGuard verifies the relayer account can cover an upcoming
// payout plus a safety buffer. The balance is never cached: it is read
// fresh on every call, because concurrent claims drain it between checks.
type OperatorBalanceGuard struct {
	relay        relay.Client
	safetyBuffer decimal.Decimal
}

func NewOperatorBalanceGuard(client relay.Client, safetyBuffer decimal.Decimal) *OperatorBalanceGuard {
	return &OperatorBalanceGuard{relay: client, safetyBuffer: safetyBuffer}
}

// AssertSufficient fails unless available >= required + safetyBuffer.
func (g *OperatorBalanceGuard) AssertSufficient(ctx context.Context, required decimal.Decimal) error {
	available, err := g.relay.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("read relayer balance: %w", err)
	}

	threshold := required.Add(g.safetyBuffer)
	if available.LessThan(threshold) {
		return &InsufficientBalanceError{
			Required:  threshold,
			Available: available,
			Shortfall: threshold.Sub(available),
		}
	}
	return nil
}
