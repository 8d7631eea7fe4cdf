package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSuccess   PaymentStatus = "success"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentSuccess || s == PaymentFailed || s == PaymentCancelled
}

func (s PaymentStatus) Valid() bool {
	return s == PaymentPending || s.IsTerminal()
}

type PaymentType string

const (
	PaymentTypeOrder        PaymentType = "order"
	PaymentTypeSubscription PaymentType = "subscription"
)

func (t PaymentType) Valid() bool {
	return t == PaymentTypeOrder || t == PaymentTypeSubscription
}

// Prefix is the txRef segment that follows "AC".
func (t PaymentType) Prefix() string {
	if t == PaymentTypeSubscription {
		return "SUB"
	}
	return "ORD"
}

type Currency string

const (
	CurrencyETB Currency = "ETB"
	CurrencyUSD Currency = "USD"
)

type amountBounds struct {
	min decimal.Decimal
	max decimal.Decimal
}

var currencyBounds = map[Currency]amountBounds{
	CurrencyETB: {min: decimal.NewFromInt(1), max: decimal.NewFromInt(10_000_000)},
	CurrencyUSD: {min: decimal.NewFromInt(1), max: decimal.NewFromInt(100_000)},
}

// Bounds returns the inclusive amount range accepted for c.
func (c Currency) Bounds() (min, max decimal.Decimal, ok bool) {
	b, ok := currencyBounds[c]
	return b.min, b.max, ok
}

func (c Currency) Valid() bool {
	_, ok := currencyBounds[c]
	return ok
}

// Payment is a financial record and is never deleted.
type Payment struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	TxRef           string            `json:"tx_ref"`
	Amount          decimal.Decimal   `json:"amount"`
	Currency        Currency          `json:"currency"`
	PaymentType     PaymentType       `json:"payment_type"`
	Status          PaymentStatus     `json:"status"`
	CheckoutURL     *string           `json:"checkout_url,omitempty"`
	ChapaTrxRef     *string           `json:"chapa_trx_ref,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	IdempotencyKey  *string           `json:"idempotency_key,omitempty"`
	RefundedAt      *time.Time        `json:"refunded_at,omitempty"`
	RefundAmount    *decimal.Decimal  `json:"refund_amount,omitempty"`
	RefundReason    *string           `json:"refund_reason,omitempty"`
	RefundReference *string           `json:"refund_reference,omitempty"`
	RefundedBy      *string           `json:"refunded_by,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Refundable reports whether a refund may still be recorded on p.
func (p *Payment) Refundable() bool {
	return p.RefundedAt == nil &&
		p.Status == PaymentSuccess &&
		p.PaymentType == PaymentTypeSubscription
}

type Refund struct {
	Amount    decimal.Decimal
	Reason    string
	Reference string
	ActorID   string
	At        time.Time
}
