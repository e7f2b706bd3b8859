package link

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store abstracts link persistence. Transition is the single primitive all
// higher-level consistency rests on: it must be one indivisible storage
// operation conditioned on the current state.
type Store interface {
	Create(ctx context.Context, amount decimal.Decimal, assetTag, claimPubKey string) (*Link, error)
	Get(ctx context.Context, id string) (*Link, error)
	Transition(ctx context.Context, id string, from, to State, mut Mutation) (*Link, error)
}

func validateCreate(amount decimal.Decimal, assetTag, claimPubKey string, allowed map[string]bool) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !allowed[assetTag] {
		return &ValidationError{Field: "assetTag", Reason: "unrecognized asset"}
	}
	if claimPubKey == "" {
		return &ValidationError{Field: "claimPubKey", Reason: "required"}
	}
	return nil
}

func allowedSet(assetTags []string) map[string]bool {
	set := make(map[string]bool, len(assetTags))
	for _, tag := range assetTags {
		set[tag] = true
	}
	return set
}

// MemoryStore is mostly for testing. The mutex stands in for the storage
// engine's row-level atomicity, so Transition keeps the same
// compare-and-swap semantics as the Postgres implementation.
type MemoryStore struct {
	mu      sync.Mutex
	links   map[string]Link
	allowed map[string]bool
}

func NewMemoryStore(assetTags []string) *MemoryStore {
	return &MemoryStore{
		links:   make(map[string]Link),
		allowed: allowedSet(assetTags),
	}
}

func (m *MemoryStore) Create(_ context.Context, amount decimal.Decimal, assetTag, claimPubKey string) (*Link, error) {
	if err := validateCreate(amount, assetTag, claimPubKey, m.allowed); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	l := Link{
		ID:          uuid.NewString(),
		Amount:      amount,
		AssetTag:    assetTag,
		ClaimPubKey: claimPubKey,
		State:       StateCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[l.ID] = l
	out := l
	return &out, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := l
	return &out, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to State, mut Mutation) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.links[id]
	if !ok {
		return nil, ErrNotFound
	}
	if l.State != from {
		return nil, ErrTransitionConflict
	}

	l.State = to
	mut.apply(&l)
	l.UpdatedAt = time.Now().UTC()
	m.links[id] = l
	out := l
	return &out, nil
}
