// Package fees computes the net payout for a claim from a fixed plus
// percentage fee schedule.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrFeeExceedsAmount means the fee schedule consumes the whole gross
// amount. Callers treat it as a permanent rejection of the claim.
var ErrFeeExceedsAmount = errors.New("fees exceed gross amount")

// netScale fixes the rounding rule: the net is truncated (rounded toward
// zero) to 8 decimal places after both fee parts are subtracted.
const netScale = 8

// Schedule is a fixed base fee plus a percentage of the gross.
type Schedule struct {
	BaseFee        decimal.Decimal
	PercentageRate decimal.Decimal
}

// Breakdown reports the payout and its fee components.
type Breakdown struct {
	Net           decimal.Decimal
	BaseFee       decimal.Decimal
	PercentageFee decimal.Decimal
}

// ComputeNet is deterministic and pure:
// net = gross - baseFee - gross*rate, truncated to 8 decimal places.
func (s Schedule) ComputeNet(gross decimal.Decimal) (Breakdown, error) {
	pctFee := gross.Mul(s.PercentageRate)
	net := gross.Sub(s.BaseFee).Sub(pctFee).RoundDown(netScale)
	if !net.IsPositive() {
		return Breakdown{}, ErrFeeExceedsAmount
	}
	return Breakdown{
		Net:           net,
		BaseFee:       s.BaseFee,
		PercentageFee: pctFee,
	}, nil
}
