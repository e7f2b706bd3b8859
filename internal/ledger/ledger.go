// Package ledger keeps an append-only audit trail of external value
// movements. Records are never mutated or deleted; they exist so that
// operator balances and shielded-pool activity can be reconciled after
// the fact, including after a fatal consistency incident.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type RecordType string

const (
	TypeDeposit  RecordType = "deposit"
	TypeWithdraw RecordType = "withdraw"
)

type RecordStatus string

const (
	StatusRecorded   RecordStatus = "recorded"
	StatusCompleted  RecordStatus = "completed"
	StatusRolledBack RecordStatus = "rolled_back"
	StatusFatal      RecordStatus = "fatal"
)

// TransactionRecord is one audit entry, owned by a link.
type TransactionRecord struct {
	ID          string
	LinkID      string
	Type        RecordType
	Status      RecordStatus
	ExternalRef string
	Counterpart string
	Amount      decimal.Decimal
	Detail      string
	CreatedAt   time.Time
}

// Log is the append-only sink. Append must not fail the business
// operation it audits; callers log append errors and continue.
type Log interface {
	Append(ctx context.Context, rec TransactionRecord) error
	ListByLink(ctx context.Context, linkID string) ([]TransactionRecord, error)
}

// MemoryLog is mostly for testing.
type MemoryLog struct {
	mu      sync.Mutex
	records []TransactionRecord
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(_ context.Context, rec TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = uuid.NewString()
	rec.CreatedAt = time.Now().UTC()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryLog) ListByLink(_ context.Context, linkID string) ([]TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TransactionRecord
	for _, rec := range m.records {
		if rec.LinkID == linkID {
			out = append(out, rec)
		}
	}
	return out, nil
}
