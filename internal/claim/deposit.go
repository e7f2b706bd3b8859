package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"paylinks/internal/ledger"
	"paylinks/internal/link"
)

// DepositRecorder attaches an external deposit proof to a link. The
// deposit itself already happened on the sender side; this component only
// records proof and never calls the relay.
type DepositRecorder struct {
	store link.Store
	audit ledger.Log
	log   *logrus.Entry
}

func NewDepositRecorder(store link.Store, audit ledger.Log) *DepositRecorder {
	return &DepositRecorder{
		store: store,
		audit: audit,
		log:   logrus.WithField("component", "deposit"),
	}
}

// Attach records the deposit proof via the CREATED -> DEPOSITED
// transition. A retry carrying the identical reference is an idempotent
// success; a different reference on an already-deposited link is
// rejected.
func (d *DepositRecorder) Attach(ctx context.Context, linkID, externalDepositRef, fromAddress string) error {
	if externalDepositRef == "" {
		return &link.ValidationError{Field: "externalDepositRef", Reason: "required"}
	}

	l, err := d.store.Transition(ctx, linkID, link.StateCreated, link.StateDeposited, link.Mutation{
		DepositProof: link.StrPtr(externalDepositRef),
		FromAddress:  link.StrPtr(fromAddress),
	})
	if err == nil {
		d.appendAudit(ctx, l, externalDepositRef, fromAddress)
		return nil
	}
	if !errors.Is(err, link.ErrTransitionConflict) {
		return err
	}

	// The link already left CREATED. A safe retry presents the same
	// reference; anything else is a second deposit attempt.
	current, getErr := d.store.Get(ctx, linkID)
	if getErr != nil {
		return getErr
	}
	if current.DepositProof == externalDepositRef {
		return nil
	}
	return fmt.Errorf("%w: link %s", ErrAlreadyDeposited, linkID)
}

func (d *DepositRecorder) appendAudit(ctx context.Context, l *link.Link, ref, from string) {
	err := d.audit.Append(ctx, ledger.TransactionRecord{
		LinkID:      l.ID,
		Type:        ledger.TypeDeposit,
		Status:      ledger.StatusRecorded,
		ExternalRef: ref,
		Counterpart: from,
		Amount:      l.Amount,
	})
	if err != nil {
		d.log.WithError(err).WithField("linkId", l.ID).Warn("audit append failed")
	}
}
