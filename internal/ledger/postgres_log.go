package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresLog persists audit records in a PostgreSQL table. Inserts only;
// there is deliberately no update or delete path.
type PostgresLog struct {
	pool *pgxpool.Pool
}

const createTransactionsTableSQL = `
CREATE TABLE IF NOT EXISTS transaction_records (
    id TEXT PRIMARY KEY,
    link_id TEXT NOT NULL,
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    external_ref TEXT NOT NULL DEFAULT '',
    counterpart TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transaction_records_link_id_idx ON transaction_records (link_id);
`

// NewPostgresLog connects to Postgres using the DSN and ensures the table exists.
func NewPostgresLog(ctx context.Context, dsn string) (*PostgresLog, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTransactionsTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresLog{pool: pool}, nil
}

func (p *PostgresLog) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresLog) Append(ctx context.Context, rec TransactionRecord) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO transaction_records (id, link_id, type, status, external_ref, counterpart, amount, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, uuid.NewString(), rec.LinkID, string(rec.Type), string(rec.Status),
		rec.ExternalRef, rec.Counterpart, rec.Amount.String(), rec.Detail, time.Now().UTC())
	return err
}

func (p *PostgresLog) ListByLink(ctx context.Context, linkID string) ([]TransactionRecord, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, link_id, type, status, external_ref, counterpart, amount, detail, created_at
FROM transaction_records
WHERE link_id = $1
ORDER BY created_at
`, linkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransactionRecord
	for rows.Next() {
		var rec TransactionRecord
		var recType, status, amount string
		if err := rows.Scan(&rec.ID, &rec.LinkID, &recType, &status,
			&rec.ExternalRef, &rec.Counterpart, &amount, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Type = RecordType(recType)
		rec.Status = RecordStatus(status)
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
