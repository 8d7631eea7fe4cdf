package model

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type PayoutStatus string

const (
	PayoutQueued   PayoutStatus = "queued"
	PayoutApproved PayoutStatus = "approved"
	PayoutSuccess  PayoutStatus = "success"
	PayoutFailed   PayoutStatus = "failed"
	PayoutReverted PayoutStatus = "reverted"
)

// payoutSources lists, for each target status, the statuses it may be reached from.
var payoutSources = map[PayoutStatus][]PayoutStatus{
	PayoutQueued:   {PayoutFailed},
	PayoutApproved: {PayoutQueued},
	PayoutSuccess:  {PayoutQueued, PayoutApproved, PayoutFailed},
	PayoutFailed:   {PayoutQueued, PayoutApproved},
	PayoutReverted: {PayoutQueued, PayoutApproved},
}

// SourcesFor returns the statuses from which a payout may move to s.
func (s PayoutStatus) SourcesFor() []PayoutStatus {
	return payoutSources[s]
}

func (s PayoutStatus) IsTerminal() bool {
	return s == PayoutSuccess || s == PayoutReverted
}

func CanTransitionPayout(from, to PayoutStatus) bool {
	for _, src := range payoutSources[to] {
		if src == from {
			return true
		}
	}
	return false
}

type Payout struct {
	ID             string          `json:"id"`
	Reference      string          `json:"reference"`
	BusinessID     string          `json:"business_id"`
	Status         PayoutStatus    `json:"status"`
	AmountNet      decimal.Decimal `json:"amount_net"`
	Currency       Currency        `json:"currency"`
	AccountName    string          `json:"account_name"`
	AccountNumber  string          `json:"account_number"`
	BankCode       string          `json:"bank_code"`
	ChapaReference *string         `json:"chapa_reference,omitempty"`
	BankReference  *string         `json:"bank_reference,omitempty"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AttemptReference is the transfer reference sent to the provider for the
// given attempt. The first attempt uses the payout reference itself.
func (p *Payout) AttemptReference(attempt int) string {
	if attempt <= 1 {
		return p.Reference
	}
	return p.Reference + "-R" + strconv.Itoa(attempt)
}

// PayoutUpdate carries the optional provider-side fields written with a transition.
type PayoutUpdate struct {
	ChapaReference string
	BankReference  string
	LastError      string
	Attempts       int
}
