package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MarketplaceAPI/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type PayoutRepository struct {
	DB *pgxpool.Pool
}

func NewPayoutRepository(db *pgxpool.Pool) *PayoutRepository {
	return &PayoutRepository{DB: db}
}

const payoutColumns = `
	id, reference, business_id, status, amount_net::text, currency,
	account_name, account_number, bank_code, chapa_reference, bank_reference,
	attempts, last_error, created_by, created_at, updated_at`

func scanPayout(row pgx.Row) (*model.Payout, error) {
	var (
		p      model.Payout
		amount string
	)
	err := row.Scan(
		&p.ID, &p.Reference, &p.BusinessID, &p.Status, &amount, &p.Currency,
		&p.AccountName, &p.AccountNumber, &p.BankCode, &p.ChapaReference, &p.BankReference,
		&p.Attempts, &p.LastError, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if p.AmountNet, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("payout %s: bad amount %q: %w", p.Reference, amount, err)
	}
	return &p, nil
}

func (r *PayoutRepository) CreatePayout(ctx context.Context, p *model.Payout) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO payouts
			(id, reference, business_id, status, amount_net, currency,
			 account_name, account_number, bank_code, attempts, created_by, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9, $10, $11, $12, $12)
	`, p.ID, p.Reference, p.BusinessID, p.Status, p.AmountNet.String(), p.Currency,
		p.AccountName, p.AccountNumber, p.BankCode, p.Attempts, p.CreatedBy, p.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (r *PayoutRepository) GetPayoutByReference(ctx context.Context, reference string) (*model.Payout, error) {
	q := `SELECT ` + payoutColumns + ` FROM payouts WHERE reference=$1`
	return scanPayout(r.DB.QueryRow(ctx, q, reference))
}

// TransitionPayout moves the payout to status only from one of the
// statuses allowed to reach it.
func (r *PayoutRepository) TransitionPayout(
	ctx context.Context,
	reference string,
	status model.PayoutStatus,
	upd model.PayoutUpdate,
) (*model.Payout, bool, error) {

	sources := make([]string, 0, len(status.SourcesFor()))
	for _, s := range status.SourcesFor() {
		sources = append(sources, string(s))
	}

	q := `
		UPDATE payouts
		SET status=$2,
		    chapa_reference=COALESCE(NULLIF($3, ''), chapa_reference),
		    bank_reference=COALESCE(NULLIF($4, ''), bank_reference),
		    last_error=COALESCE(NULLIF($5, ''), last_error),
		    attempts=GREATEST(attempts, $6),
		    updated_at=NOW()
		WHERE reference=$1 AND status = ANY($7)
		RETURNING ` + payoutColumns

	p, err := scanPayout(r.DB.QueryRow(ctx, q,
		reference, status, upd.ChapaReference, upd.BankReference, upd.LastError, upd.Attempts, sources))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	current, err := r.GetPayoutByReference(ctx, reference)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// AnnotatePayout records provider-side fields without touching status.
func (r *PayoutRepository) AnnotatePayout(ctx context.Context, reference string, upd model.PayoutUpdate) error {
	tag, err := r.DB.Exec(ctx, `
		UPDATE payouts
		SET chapa_reference=COALESCE(NULLIF($2, ''), chapa_reference),
		    bank_reference=COALESCE(NULLIF($3, ''), bank_reference),
		    last_error=COALESCE(NULLIF($4, ''), last_error),
		    attempts=GREATEST(attempts, $5),
		    updated_at=NOW()
		WHERE reference=$1
	`, reference, upd.ChapaReference, upd.BankReference, upd.LastError, upd.Attempts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRetryablePayouts returns failed payouts created after since that
// still have attempts left.
func (r *PayoutRepository) ListRetryablePayouts(
	ctx context.Context,
	since time.Time,
	maxAttempts int,
	limit int,
) ([]model.Payout, error) {

	q := `SELECT ` + payoutColumns + `
		FROM payouts
		WHERE status='failed' AND attempts < $1 AND created_at >= $2
		ORDER BY updated_at
		LIMIT $3`

	rows, err := r.DB.Query(ctx, q, maxAttempts, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
