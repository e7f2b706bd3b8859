package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FakeClient emulates the relay deterministically for tests and local dev.
// Withdraw proofs are sha256 hashes of the payload; failures and the
// reported balance are scriptable.
type FakeClient struct {
	mu            sync.Mutex
	balance       decimal.Decimal
	withdrawErrs  []error
	withdrawCalls int
	withdrawDelay time.Duration
}

func NewFakeClient(balance decimal.Decimal) *FakeClient {
	return &FakeClient{balance: balance}
}

// FailWithdrawals queues errors returned by upcoming Withdraw calls, in
// order. Once the queue is drained, withdrawals succeed again.
func (f *FakeClient) FailWithdrawals(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawErrs = append(f.withdrawErrs, errs...)
}

// SetBalance changes the reported relayer balance.
func (f *FakeClient) SetBalance(balance decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = balance
}

// SetWithdrawDelay makes each Withdraw block, widening race windows in
// concurrency tests.
func (f *FakeClient) SetWithdrawDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawDelay = d
}

// WithdrawCalls reports how many Withdraw invocations reached the relay.
func (f *FakeClient) WithdrawCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.withdrawCalls
}

func (f *FakeClient) Deposit(_ context.Context, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", Permanent(fmt.Errorf("amount must be positive"))
	}
	return fakeProof("deposit", amount.String(), ""), nil
}

func (f *FakeClient) Withdraw(ctx context.Context, amount decimal.Decimal, recipient string) (string, error) {
	f.mu.Lock()
	f.withdrawCalls++
	var queued error
	if len(f.withdrawErrs) > 0 {
		queued = f.withdrawErrs[0]
		f.withdrawErrs = f.withdrawErrs[1:]
	}
	delay := f.withdrawDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", Transient(ctx.Err())
		}
	}

	if queued != nil {
		return "", queued
	}
	if recipient == "" {
		return "", Permanent(fmt.Errorf("invalid recipient"))
	}

	f.mu.Lock()
	f.balance = f.balance.Sub(amount)
	f.mu.Unlock()

	return fakeProof("withdraw", amount.String(), recipient), nil
}

func (f *FakeClient) GetBalance(_ context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *FakeClient) Ping(_ context.Context) error { return nil }

func fakeProof(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
