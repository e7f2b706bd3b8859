package claim

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"paylinks/internal/link"
)

var (
	// ErrUnauthorized means the claim signature did not verify. No state
	// was touched.
	ErrUnauthorized = errors.New("claim signature invalid")

	// ErrAlreadyDeposited means a deposit proof different from the stored
	// one was offered for a link that already has one.
	ErrAlreadyDeposited = errors.New("link already has a deposit proof")

	// ErrAlreadyClaimed and ErrClaimInProgress are expected outcomes of
	// legitimate races on the reservation, not bugs.
	ErrAlreadyClaimed  = errors.New("link already claimed")
	ErrClaimInProgress = errors.New("another claim is in flight for this link")
)

// NotClaimableError rejects a claim on a link that is not in the
// DEPOSITED state. The observed state is carried for the error payload;
// control flow does not branch on it.
type NotClaimableError struct {
	LinkID string
	State  link.State
}

func (e *NotClaimableError) Error() string {
	return fmt.Sprintf("link %s is not claimable in state %s", e.LinkID, e.State)
}

// InsufficientBalanceError means the relayer account cannot cover the
// payout plus the safety buffer. Retryable once the operator tops up.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("relayer balance %s below required %s (short %s)",
		e.Available, e.Required, e.Shortfall)
}

// FatalConsistencyError means funds left the pool but the link record
// could not be finalized. Never silently recovered: it halts the request
// path and demands manual reconciliation against the journal and the
// audit log.
type FatalConsistencyError struct {
	LinkID      string
	Recipient   string
	PayoutProof string
	Err         error
}

func (e *FatalConsistencyError) Error() string {
	return fmt.Sprintf("link %s: payout %s executed but finalize failed: %v",
		e.LinkID, e.PayoutProof, e.Err)
}

func (e *FatalConsistencyError) Unwrap() error { return e.Err }
