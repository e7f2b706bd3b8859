package link

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists links in a PostgreSQL table. The conditional
// transition is a single UPDATE guarded by `AND state = $from`, so the
// compare-and-swap holds across service replicas sharing one database.
type PostgresStore struct {
	pool    *pgxpool.Pool
	allowed map[string]bool
}

const createLinksTableSQL = `
CREATE TABLE IF NOT EXISTS links (
    id TEXT PRIMARY KEY,
    amount TEXT NOT NULL,
    asset_tag TEXT NOT NULL,
    claim_pub_key TEXT NOT NULL,
    deposit_proof TEXT NOT NULL DEFAULT '',
    from_address TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    claimed_by TEXT NOT NULL DEFAULT '',
    payout_proof TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string, assetTags []string) (*PostgresStore, error) {
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

	if _, err := pool.Exec(ctx, createLinksTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, allowed: allowedSet(assetTags)}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Create(ctx context.Context, amount decimal.Decimal, assetTag, claimPubKey string) (*Link, error) {
	if err := validateCreate(amount, assetTag, claimPubKey, p.allowed); err != nil {
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

	_, err := p.pool.Exec(ctx, `
INSERT INTO links (id, amount, asset_tag, claim_pub_key, state, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, l.ID, l.Amount.String(), l.AssetTag, l.ClaimPubKey, string(l.State), l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

const selectLinkSQL = `
SELECT id, amount, asset_tag, claim_pub_key, deposit_proof, from_address,
       state, claimed_by, payout_proof, created_at, updated_at
FROM links
WHERE id = $1
`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Link, error) {
	return scanLink(p.pool.QueryRow(ctx, selectLinkSQL, id))
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to State, mut Mutation) (*Link, error) {
	row := p.pool.QueryRow(ctx, `
UPDATE links SET
    state = $3,
    deposit_proof = COALESCE($4, deposit_proof),
    from_address = COALESCE($5, from_address),
    claimed_by = CASE WHEN $7 THEN '' ELSE COALESCE($6, claimed_by) END,
    payout_proof = COALESCE($8, payout_proof),
    updated_at = now()
WHERE id = $1 AND state = $2
RETURNING id, amount, asset_tag, claim_pub_key, deposit_proof, from_address,
          state, claimed_by, payout_proof, created_at, updated_at
`, id, string(from), string(to),
		mut.DepositProof, mut.FromAddress, mut.ClaimedBy, mut.ClearClaimedBy, mut.PayoutProof)

	l, err := scanLink(row)
	if errors.Is(err, ErrNotFound) {
		// Zero rows updated: either the link is missing or the
		// precondition state did not hold. Distinguish with a re-read.
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrTransitionConflict
	}
	return l, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*Link, error) {
	var l Link
	var amount, state string
	err := row.Scan(&l.ID, &amount, &l.AssetTag, &l.ClaimPubKey, &l.DepositProof,
		&l.FromAddress, &state, &l.ClaimedBy, &l.PayoutProof, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	l.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	l.State = State(state)
	return &l, nil
}
