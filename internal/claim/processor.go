package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"paylinks/internal/fees"
	"paylinks/internal/ledger"
	"paylinks/internal/link"
	"paylinks/internal/relay"
	"paylinks/internal/sigverify"
)

// RelayerConfig carries the operator account parameters injected at
// construction. SafetyBuffer absorbs fee-estimation drift between the
// balance read and the actual withdraw; RelayFeeEstimate is added to the
// net payout when sizing the balance check.
type RelayerConfig struct {
	SafetyBuffer     decimal.Decimal
	RelayFeeEstimate decimal.Decimal
	RelayTimeout     time.Duration
}

// Processor orchestrates a claim: guard, reserve, relay, finalize or roll
// back. The DEPOSITED -> CLAIMING reservation is the only mutual
// exclusion; it must complete before the relay call starts and is never
// held inside an open storage transaction.
type Processor struct {
	store    link.Store
	relay    relay.Client
	guard    *OperatorBalanceGuard
	schedule fees.Schedule
	audit    ledger.Log
	journal  *Journal
	relayer  RelayerConfig
	log      *logrus.Entry
}

func NewProcessor(store link.Store, relayClient relay.Client, schedule fees.Schedule,
	audit ledger.Log, journal *Journal, relayer RelayerConfig) *Processor {
	if relayer.RelayTimeout <= 0 {
		relayer.RelayTimeout = 30 * time.Second
	}
	return &Processor{
		store:    store,
		relay:    relayClient,
		guard:    NewOperatorBalanceGuard(relayClient, relayer.SafetyBuffer),
		schedule: schedule,
		audit:    audit,
		journal:  journal,
		relayer:  relayer,
		log:      logrus.WithField("component", "claim"),
	}
}

// Claim pays out a deposited link to recipient, exactly once. The
// reservation CAS guarantees at most one caller reaches the relay call
// for a given link; every failure after the reservation rolls the link
// back to DEPOSITED so a later attempt can succeed.
func (p *Processor) Claim(ctx context.Context, linkID, recipient, authSignature string) (string, error) {
	l, err := p.store.Get(ctx, linkID)
	if err != nil {
		return "", err
	}
	if l.State != link.StateDeposited {
		return "", &NotClaimableError{LinkID: linkID, State: l.State}
	}

	msg := sigverify.ClaimMessage(l.ID, l.Amount.String(), sigverify.ClaimIntent(recipient))
	if !sigverify.Verify(l.ClaimPubKey, msg, authSignature) {
		return "", ErrUnauthorized
	}

	breakdown, err := p.schedule.ComputeNet(l.Amount)
	if err != nil {
		return "", err
	}

	// Reserve. The conditional update admits exactly one caller past this
	// point; everyone else observes the conflict.
	if _, err := p.store.Transition(ctx, linkID, link.StateDeposited, link.StateClaiming, link.Mutation{
		ClaimedBy: link.StrPtr(recipient),
	}); err != nil {
		if errors.Is(err, link.ErrTransitionConflict) {
			return "", p.conflictError(ctx, linkID)
		}
		return "", err
	}

	logger := p.log.WithFields(logrus.Fields{
		"linkId":    linkID,
		"recipient": recipient,
		"net":       breakdown.Net.String(),
	})

	// Re-check the operator balance now that the reservation is held;
	// concurrent claims may have drained it since the request arrived.
	required := breakdown.Net.Add(p.relayer.RelayFeeEstimate)
	if err := p.guard.AssertSufficient(ctx, required); err != nil {
		logger.WithError(err).Warn("balance guard rejected claim, rolling back")
		p.rollback(ctx, linkID)
		p.appendAudit(ctx, l, recipient, "", ledger.StatusRolledBack, "balance guard: "+err.Error())
		return "", err
	}

	wctx, cancel := context.WithTimeout(ctx, p.relayer.RelayTimeout)
	proof, err := p.relay.Withdraw(wctx, breakdown.Net, recipient)
	cancel()
	if err != nil {
		err = classifyWithdraw(err)
		logger.WithError(err).Warn("relay withdraw failed, rolling back")
		p.rollback(ctx, linkID)
		p.appendAudit(ctx, l, recipient, "", ledger.StatusRolledBack, "withdraw: "+err.Error())
		return "", err
	}

	// Only the reserving caller holds CLAIMING, so this cannot conflict
	// under a correct store. If it does anyway, funds have left the pool
	// without a finalized record: surface it, journal it, never swallow.
	if _, err := p.store.Transition(ctx, linkID, link.StateClaiming, link.StateClaimed, link.Mutation{
		PayoutProof: link.StrPtr(proof),
	}); err != nil {
		fatal := &FatalConsistencyError{
			LinkID:      linkID,
			Recipient:   recipient,
			PayoutProof: proof,
			Err:         err,
		}
		logger.WithError(err).WithField("payoutProof", proof).
			Error("FATAL: payout executed but finalize failed; manual reconciliation required")
		p.journal.Record(fatal)
		p.appendAudit(ctx, l, recipient, proof, ledger.StatusFatal, fatal.Error())
		return "", fatal
	}

	p.appendAudit(ctx, l, recipient, proof, ledger.StatusCompleted, "")
	logger.WithField("payoutProof", proof).Info("claim paid out")
	return proof, nil
}

// conflictError re-reads the link to tell a finished claim from one still
// in flight. Both are legitimate race outcomes, not bugs.
func (p *Processor) conflictError(ctx context.Context, linkID string) error {
	current, err := p.store.Get(ctx, linkID)
	if err != nil {
		return err
	}
	switch current.State {
	case link.StateClaimed:
		return fmt.Errorf("%w: link %s", ErrAlreadyClaimed, linkID)
	case link.StateClaiming:
		return fmt.Errorf("%w: link %s", ErrClaimInProgress, linkID)
	default:
		return &NotClaimableError{LinkID: linkID, State: current.State}
	}
}

// rollback releases the reservation so a future claim can succeed. A
// failed rollback leaves the link in CLAIMING for the operational sweep;
// nothing more can be done from this request.
func (p *Processor) rollback(ctx context.Context, linkID string) {
	_, err := p.store.Transition(ctx, linkID, link.StateClaiming, link.StateDeposited, link.Mutation{
		ClearClaimedBy: true,
	})
	if err != nil {
		p.log.WithError(err).WithField("linkId", linkID).
			Error("rollback to DEPOSITED failed; link stuck in CLAIMING")
	}
}

func (p *Processor) appendAudit(ctx context.Context, l *link.Link, recipient, proof string,
	status ledger.RecordStatus, detail string) {
	err := p.audit.Append(ctx, ledger.TransactionRecord{
		LinkID:      l.ID,
		Type:        ledger.TypeWithdraw,
		Status:      status,
		ExternalRef: proof,
		Counterpart: recipient,
		Amount:      l.Amount,
		Detail:      detail,
	})
	if err != nil {
		p.log.WithError(err).WithField("linkId", l.ID).Warn("audit append failed")
	}
}

// classifyWithdraw defaults unclassified relay failures to transient, the
// safe direction: the link is rolled back either way, and a retry against
// a genuinely permanent fault just fails again.
func classifyWithdraw(err error) error {
	if relay.IsTransient(err) || relay.IsPermanent(err) {
		return err
	}
	return relay.Transient(err)
}
