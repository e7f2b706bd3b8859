package claim

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"paylinks/internal/fees"
	"paylinks/internal/ledger"
	"paylinks/internal/link"
	"paylinks/internal/relay"
	"paylinks/internal/sigverify"
)

var testSchedule = fees.Schedule{
	BaseFee:        decimal.RequireFromString("0.006"),
	PercentageRate: decimal.RequireFromString("0.0035"),
}

type claimKey struct {
	pubHex string
	sign   func(t *testing.T, l *link.Link, recipient string) string
}

func newClaimKey(t *testing.T) claimKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	return claimKey{
		pubHex: hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey)),
		sign: func(t *testing.T, l *link.Link, recipient string) string {
			t.Helper()
			msg := sigverify.ClaimMessage(l.ID, l.Amount.String(), sigverify.ClaimIntent(recipient))
			sig, err := crypto.Sign(crypto.Keccak256(msg), key)
			require.NoError(t, err)
			return hex.EncodeToString(sig)
		},
	}
}

type fixture struct {
	store   *link.MemoryStore
	relay   *relay.FakeClient
	audit   *ledger.MemoryLog
	journal *Journal
	proc    *Processor
	key     claimKey
}

func newFixture(t *testing.T, balance string) *fixture {
	t.Helper()
	f := &fixture{
		store:   link.NewMemoryStore([]string{"ETH"}),
		relay:   relay.NewFakeClient(decimal.RequireFromString(balance)),
		audit:   ledger.NewMemoryLog(),
		journal: NewJournal(t.TempDir()),
		key:     newClaimKey(t),
	}
	f.proc = NewProcessor(f.store, f.relay, testSchedule, f.audit, f.journal, RelayerConfig{
		SafetyBuffer:     decimal.RequireFromString("0.001"),
		RelayFeeEstimate: decimal.RequireFromString("0.0001"),
		RelayTimeout:     time.Second,
	})
	return f
}

func (f *fixture) depositedLink(t *testing.T, amount string) *link.Link {
	t.Helper()
	ctx := context.Background()
	l, err := f.store.Create(ctx, decimal.RequireFromString(amount), "ETH", f.key.pubHex)
	require.NoError(t, err)
	l, err = f.store.Transition(ctx, l.ID, link.StateCreated, link.StateDeposited, link.Mutation{
		DepositProof: link.StrPtr("tx123"),
		FromAddress:  link.StrPtr("0xsender"),
	})
	require.NoError(t, err)
	return l
}

func TestClaimPaysOut(t *testing.T) {
	f := newFixture(t, "100")
	l := f.depositedLink(t, "0.01")
	ctx := context.Background()

	proof, err := f.proc.Claim(ctx, l.ID, "alice", f.key.sign(t, l, "alice"))
	require.NoError(t, err)
	assert.NotEmpty(t, proof)

	got, err := f.store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, link.StateClaimed, got.State)
	assert.Equal(t, "alice", got.ClaimedBy)
	assert.Equal(t, proof, got.PayoutProof)

	records, err := f.audit.ListByLink(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.TypeWithdraw, records[0].Type)
	assert.Equal(t, ledger.StatusCompleted, records[0].Status)
	assert.Equal(t, proof, records[0].ExternalRef)
}

func TestClaimExactlyOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t, "100")
	l := f.depositedLink(t, "0.01")
	f.relay.SetWithdrawDelay(20 * time.Millisecond)
	ctx := context.Background()

	const n = 8
	proofs := make([]string, n)
	errs := make([]error, n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		recipient := fmt.Sprintf("recipient-%d", i)
		sig := f.key.sign(t, l, recipient)
		g.Go(func() error {
			proofs[i], errs[i] = f.proc.Claim(ctx, l.ID, recipient, sig)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var winners int
	for i := 0; i < n; i++ {
		if errs[i] == nil {
			winners++
			assert.NotEmpty(t, proofs[i])
			continue
		}
		ok := errors.Is(errs[i], ErrAlreadyClaimed) || errors.Is(errs[i], ErrClaimInProgress)
		var notClaimable *NotClaimableError
		if errors.As(errs[i], &notClaimable) {
			ok = notClaimable.State == link.StateClaimed || notClaimable.State == link.StateClaiming
		}
		assert.True(t, ok, "unexpected loser error: %v", errs[i])
	}
	assert.Equal(t, 1, winners, "exactly one claim wins")
	assert.Equal(t, 1, f.relay.WithdrawCalls(), "exactly one relay withdraw")

	got, err := f.store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, link.StateClaimed, got.State)
}

func TestClaimRollsBackOnTransientRelayFailure(t *testing.T) {
	f := newFixture(t, "100")
	l := f.depositedLink(t, "0.01")
	ctx := context.Background()

	f.relay.FailWithdrawals(relay.Transient(errors.New("connection reset")))

	_, err := f.proc.Claim(ctx, l.ID, "alice", f.key.sign(t, l, "alice"))
	assert.True(t, relay.IsTransient(err), "got %v", err)

	got, err := f.store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, link.StateDeposited, got.State, "rolled back, claimable again")
	assert.Empty(t, got.ClaimedBy)

	// The same claim succeeds once the relay recovers.
	proof, err := f.proc.Claim(ctx, l.ID, "alice", f.key.sign(t, l, "alice"))
	require.NoError(t, err)
	assert.NotEmpty(t, proof)

	records, err := f.audit.ListByLink(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ledger.StatusRolledBack, records[0].Status)
	assert.Equal(t, ledger.StatusCompleted, records[1].Status)
}

func TestClaimRollsBackOnPermanentRelayFailure(t *testing.T) {
	f := newFixture(t, "100")
	l := f.depositedLink(t, "0.01")
	ctx := context.Background()

	f.relay.FailWithdrawals(relay.Permanent(errors.New("invalid recipient")))

	_, err := f.proc.Claim(ctx, l.ID, "bad-recipient", f.key.sign(t, l, "bad-recipient"))
	assert.True(t, relay.IsPermanent(err), "got %v", err)

	// The link returns to DEPOSITED so a corrected attempt can succeed.
	proof, err := f.proc.Claim(ctx, l.ID, "good-recipient", f.key.sign(t, l, "good-recipient"))
	require.NoError(t, err)
	assert.NotEmpty(t, proof)
}

func TestClaimUnclassifiedRelayFailureIsTransient(t *testing.T) {
	f := newFixture(t, "100")
	l := f.depositedLink(t, "0.01")

	f.relay.FailWithdrawals(errors.New("socket closed"))

	_, err := f.proc.Claim(context.Background(), l.ID, "alice", f.key.sign(t, l, "alice"))
	assert.True(t, relay.IsTransient(err), "got %v", err)
}

func TestClaimInsufficientBalance(t *testing.T) {
	f := newFixture(t, "0.002")
	l := f.depositedLink(t, "0.01")
	ctx := context.Background()

	sig := f.key.sign(t, l, "alice")
	_, err := f.proc.Claim(ctx, l.ID, "alice", sig)

	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Shortfall.IsPositive())
	assert.Equal(t, 0, f.relay.WithdrawCalls(), "guard failed before the relay call")

	got, err := f.store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, link.StateDeposited, got.State, "reservation released")

	// Operator tops up; the same request succeeds.
	f.relay.SetBalance(decimal.NewFromInt(1))
	proof, err := f.proc.Claim(ctx, l.ID, "alice", sig)
	require.NoError(t, err)
	assert.NotEmpty(t, proof)
}

func TestClaimCatchesBalanceDrainAtCheckpoint(t *testing.T) {
	f := newFixture(t, "100")
	l := f.depositedLink(t, "0.01")
	ctx := context.Background()

	// Balance is fine when the request is admitted...
	require.NoError(t, f.proc.guard.AssertSufficient(ctx, decimal.RequireFromString("0.01")))

	// ...then concurrent claims drain the account before the withdraw.
	f.relay.SetBalance(decimal.RequireFromString("0.001"))

	_, err := f.proc.Claim(ctx, l.ID, "alice", f.key.sign(t, l, "alice"))
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 0, f.relay.WithdrawCalls())

	got, err := f.store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, link.StateDeposited, got.State)
}

func TestClaimUnauthorized(t *testing.T) {
	f := newFixture(t, "100")
	l := f.depositedLink(t, "0.01")
	ctx := context.Background()

	// Signature from a different key.
	other := newClaimKey(t)
	_, err := f.proc.Claim(ctx, l.ID, "alice", other.sign(t, l, "alice"))
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Valid key, but signed for a different recipient.
	_, err = f.proc.Claim(ctx, l.ID, "mallory", f.key.sign(t, l, "alice"))
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err := f.store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, link.StateDeposited, got.State, "no state change on auth failure")
	assert.Equal(t, 0, f.relay.WithdrawCalls())
}

func TestClaimNotClaimable(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()

	l, err := f.store.Create(ctx, decimal.RequireFromString("0.01"), "ETH", f.key.pubHex)
	require.NoError(t, err)

	_, err = f.proc.Claim(ctx, l.ID, "alice", f.key.sign(t, l, "alice"))

	var notClaimable *NotClaimableError
	require.ErrorAs(t, err, &notClaimable)
	assert.Equal(t, link.StateCreated, notClaimable.State)

	_, err = f.proc.Claim(ctx, "missing", "alice", "sig")
	assert.ErrorIs(t, err, link.ErrNotFound)
}

func TestClaimFeeExceedsAmount(t *testing.T) {
	f := newFixture(t, "100")
	l := f.depositedLink(t, "0.005")
	ctx := context.Background()

	_, err := f.proc.Claim(ctx, l.ID, "alice", f.key.sign(t, l, "alice"))
	assert.ErrorIs(t, err, fees.ErrFeeExceedsAmount)

	got, err := f.store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, link.StateDeposited, got.State, "rejected before the reservation")
}

// finalizeFailStore breaks the CLAIMING -> CLAIMED transition to force the
// fatal consistency path.
type finalizeFailStore struct {
	link.Store
}

func (s *finalizeFailStore) Transition(ctx context.Context, id string, from, to link.State, mut link.Mutation) (*link.Link, error) {
	if from == link.StateClaiming && to == link.StateClaimed {
		return nil, errors.New("database down")
	}
	return s.Store.Transition(ctx, id, from, to, mut)
}

func TestClaimFatalConsistencyOnFinalizeFailure(t *testing.T) {
	f := newFixture(t, "100")
	l := f.depositedLink(t, "0.01")
	ctx := context.Background()

	broken := &finalizeFailStore{Store: f.store}
	journalDir := t.TempDir()
	journal := NewJournal(journalDir)
	proc := NewProcessor(broken, f.relay, testSchedule, f.audit, journal, RelayerConfig{
		RelayTimeout: time.Second,
	})

	_, err := proc.Claim(ctx, l.ID, "alice", f.key.sign(t, l, "alice"))

	var fatal *FatalConsistencyError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, l.ID, fatal.LinkID)
	assert.NotEmpty(t, fatal.PayoutProof, "funds left the pool")

	assert.Equal(t, 1, journal.Depth(), "incident journaled for reconciliation")

	records, listErr := f.audit.ListByLink(ctx, l.ID)
	require.NoError(t, listErr)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.StatusFatal, records[0].Status)

	// The link stays in CLAIMING: only manual reconciliation may touch it.
	got, getErr := f.store.Get(ctx, l.ID)
	require.NoError(t, getErr)
	assert.Equal(t, link.StateClaiming, got.State)
}

func TestClaimRelayTimeoutRollsBack(t *testing.T) {
	f := newFixture(t, "100")
	l := f.depositedLink(t, "0.01")
	ctx := context.Background()

	f.relay.SetWithdrawDelay(200 * time.Millisecond)
	proc := NewProcessor(f.store, f.relay, testSchedule, f.audit, f.journal, RelayerConfig{
		RelayTimeout: 10 * time.Millisecond,
	})

	_, err := proc.Claim(ctx, l.ID, "alice", f.key.sign(t, l, "alice"))
	assert.True(t, relay.IsTransient(err), "timeout is a transient failure: %v", err)

	got, getErr := f.store.Get(ctx, l.ID)
	require.NoError(t, getErr)
	assert.Equal(t, link.StateDeposited, got.State, "never stuck in CLAIMING")
}
