package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle position of a payment link. Transitions only move
// forward, with the single exception of the CLAIMING -> DEPOSITED rollback
// when the relay call fails.
type State string

const (
	StateCreated   State = "CREATED"
	StateDeposited State = "DEPOSITED"
	StateClaiming  State = "CLAIMING"
	StateClaimed   State = "CLAIMED"
	StateFailed    State = "FAILED"
)

var (
	ErrNotFound = errors.New("link not found")

	// ErrTransitionConflict means the stored state did not match the
	// expected precondition: another actor moved the link first.
	ErrTransitionConflict = errors.New("link state transition conflict")
)

// ValidationError rejects malformed creation input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Link is a single payment intent. Amount, AssetTag and ClaimPubKey are
// immutable after creation; DepositProof and FromAddress are write-once.
type Link struct {
	ID           string
	Amount       decimal.Decimal
	AssetTag     string
	ClaimPubKey  string
	DepositProof string
	FromAddress  string
	State        State
	ClaimedBy    string
	PayoutProof  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Mutation carries the field writes applied together with a state
// transition. Nil pointers leave the stored value untouched.
type Mutation struct {
	DepositProof   *string
	FromAddress    *string
	ClaimedBy      *string
	PayoutProof    *string
	ClearClaimedBy bool
}

func (m Mutation) apply(l *Link) {
	if m.DepositProof != nil {
		l.DepositProof = *m.DepositProof
	}
	if m.FromAddress != nil {
		l.FromAddress = *m.FromAddress
	}
	if m.ClaimedBy != nil {
		l.ClaimedBy = *m.ClaimedBy
	}
	if m.PayoutProof != nil {
		l.PayoutProof = *m.PayoutProof
	}
	if m.ClearClaimedBy {
		l.ClaimedBy = ""
	}
}

// StrPtr is a convenience for building Mutations.
func StrPtr(s string) *string { return &s }
