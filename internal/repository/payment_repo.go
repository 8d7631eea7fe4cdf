package repository

import (
	"context"
	"errors"
	"fmt"

	"MarketplaceAPI/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type PaymentRepository struct {
	DB *pgxpool.Pool
}

func NewPaymentRepository(db *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{DB: db}
}

const paymentColumns = `
	id, owner_id, tx_ref, amount::text, currency, payment_type, status,
	checkout_url, chapa_trx_ref, metadata, idempotency_key,
	refunded_at, refund_amount::text, refund_reason, refund_reference, refunded_by,
	created_at, updated_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p            model.Payment
		amount       string
		refundAmount *string
	)
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.TxRef, &amount, &p.Currency, &p.PaymentType, &p.Status,
		&p.CheckoutURL, &p.ChapaTrxRef, &p.Metadata, &p.IdempotencyKey,
		&p.RefundedAt, &refundAmount, &p.RefundReason, &p.RefundReference, &p.RefundedBy,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("payment %s: bad amount %q: %w", p.ID, amount, err)
	}
	if refundAmount != nil {
		ra, err := decimal.NewFromString(*refundAmount)
		if err != nil {
			return nil, fmt.Errorf("payment %s: bad refund amount %q: %w", p.ID, *refundAmount, err)
		}
		p.RefundAmount = &ra
	}
	return &p, nil
}

// Create inserts p unless the owner already holds a payment under the same
// idempotency key, in which case that payment is returned with created=false.
func (r *PaymentRepository) Create(ctx context.Context, p *model.Payment) (*model.Payment, bool, error) {
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	q := `
		INSERT INTO payments
			(id, owner_id, tx_ref, amount, currency, payment_type, status,
			 metadata, idempotency_key, created_at, updated_at)
		VALUES
			($1, $2, $3, $4::text::numeric, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (owner_id, idempotency_key) DO NOTHING
		RETURNING ` + paymentColumns

	created, err := scanPayment(r.DB.QueryRow(
		ctx, q,
		p.ID, p.OwnerID, p.TxRef, p.Amount.String(), p.Currency, p.PaymentType, p.Status,
		metadata, p.IdempotencyKey, p.CreatedAt,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) || p.IdempotencyKey == nil {
		return nil, false, err
	}

	existing, err := r.GetByIdempotencyKey(ctx, p.OwnerID, *p.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE id=$1`
	return scanPayment(r.DB.QueryRow(ctx, q, id))
}

func (r *PaymentRepository) GetByTxRef(ctx context.Context, txRef string) (*model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE tx_ref=$1`
	return scanPayment(r.DB.QueryRow(ctx, q, txRef))
}

func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, ownerID, key string) (*model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE owner_id=$1 AND idempotency_key=$2`
	return scanPayment(r.DB.QueryRow(ctx, q, ownerID, key))
}

// ReleaseIdempotencyKey detaches the key from a payment so a new attempt
// may claim it.
func (r *PaymentRepository) ReleaseIdempotencyKey(ctx context.Context, id string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE payments
		SET idempotency_key=NULL, updated_at=NOW()
		WHERE id=$1
	`, id)
	return err
}

func (r *PaymentRepository) SetCheckoutURL(ctx context.Context, id, url string) (bool, error) {
	tag, err := r.DB.Exec(ctx, `
		UPDATE payments
		SET checkout_url=$2, updated_at=NOW()
		WHERE id=$1 AND checkout_url IS NULL
	`, id, url)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStatus moves a pending payment to status. Nothing is written when
// the payment has already left pending; applied reports which case happened.
func (r *PaymentRepository) UpdateStatus(
	ctx context.Context,
	txRef string,
	status model.PaymentStatus,
	providerRef string,
) (*model.Payment, bool, error) {

	q := `
		UPDATE payments
		SET status=$2,
		    chapa_trx_ref=COALESCE(chapa_trx_ref, NULLIF($3, '')),
		    updated_at=NOW()
		WHERE tx_ref=$1 AND status='pending'
		RETURNING ` + paymentColumns

	p, err := scanPayment(r.DB.QueryRow(ctx, q, txRef, status, providerRef))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	current, err := r.GetByTxRef(ctx, txRef)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *PaymentRepository) RecordRefund(ctx context.Context, id string, rf model.Refund) (*model.Payment, bool, error) {
	q := `
		UPDATE payments
		SET refunded_at=$2,
		    refund_amount=$3::text::numeric,
		    refund_reason=$4,
		    refund_reference=$5,
		    refunded_by=$6,
		    updated_at=NOW()
		WHERE id=$1
		  AND refunded_at IS NULL
		  AND status='success'
		  AND payment_type='subscription'
		RETURNING ` + paymentColumns

	p, err := scanPayment(r.DB.QueryRow(ctx, q, id, rf.At, rf.Amount.String(), rf.Reason, rf.Reference, rf.ActorID))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}
