package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Client abstracts the external shielded-pool relay. The core never sees
// the relay's internal representations (UTXOs, proofs); it only needs the
// deposit/withdraw/balance contract.
type Client interface {
	// Deposit moves funds into the shielded pool and returns the external
	// deposit reference. The claim path never calls this; deposits happen
	// on the sender side before the proof is attached to a link.
	Deposit(ctx context.Context, amount decimal.Decimal) (string, error)

	// Withdraw pays out from the pool to the recipient and returns the
	// payout proof. May take seconds; callers bound it with a context
	// deadline.
	Withdraw(ctx context.Context, amount decimal.Decimal, recipient string) (string, error)

	// GetBalance returns the relayer account's current spendable balance.
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// HealthChecker is implemented by clients that can probe their upstream.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// TransientError marks a relay failure worth retrying later (network
// trouble, timeout). PermanentError marks one that will not succeed on
// retry with the same input (e.g. an invalid recipient address).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return fmt.Sprintf("transient relay error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent relay error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
