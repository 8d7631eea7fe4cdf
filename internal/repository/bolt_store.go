package repository

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"time"

	"MarketplaceAPI/internal/audit"
	"MarketplaceAPI/internal/model"

	bolt "github.com/boltdb/bolt"
)

var (
	bucketPayments        = []byte("payments")
	bucketPaymentsByTxRef = []byte("payments_by_txref")
	bucketPaymentsByIdem  = []byte("payments_by_idem")
	bucketPayouts         = []byte("payouts")
	bucketPlans           = []byte("plans")
	bucketSubscriptions   = []byte("subscriptions")
	bucketSubsByPayment   = []byte("subscriptions_by_payment")
	bucketEvents          = []byte("payment_events")
)

// BoltStore is the embedded single-file backend. It implements the same
// conditional-write contracts as the Postgres repositories; each operation
// runs inside one bolt transaction.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketPayments, bucketPaymentsByTxRef, bucketPaymentsByIdem,
			bucketPayouts, bucketPlans, bucketSubscriptions, bucketSubsByPayment,
			bucketEvents,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func idemKey(ownerID, key string) []byte {
	return []byte(ownerID + "\x00" + key)
}

func getJSON(b *bolt.Bucket, key []byte, out any) error {
	v := b.Get(key)
	if v == nil {
		return ErrNotFound
	}
	return json.Unmarshal(v, out)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// ======================
// PAYMENTS
// ======================

func (s *BoltStore) Create(_ context.Context, p *model.Payment) (*model.Payment, bool, error) {
	var result model.Payment
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		payments := tx.Bucket(bucketPayments)
		byIdem := tx.Bucket(bucketPaymentsByIdem)

		if p.IdempotencyKey != nil {
			if id := byIdem.Get(idemKey(p.OwnerID, *p.IdempotencyKey)); id != nil {
				return getJSON(payments, id, &result)
			}
		}
		if tx.Bucket(bucketPaymentsByTxRef).Get([]byte(p.TxRef)) != nil {
			return ErrDuplicate
		}

		result = *p
		if result.Metadata == nil {
			result.Metadata = map[string]string{}
		}
		result.UpdatedAt = result.CreatedAt

		if err := putJSON(payments, []byte(p.ID), result); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPaymentsByTxRef).Put([]byte(p.TxRef), []byte(p.ID)); err != nil {
			return err
		}
		if p.IdempotencyKey != nil {
			if err := byIdem.Put(idemKey(p.OwnerID, *p.IdempotencyKey), []byte(p.ID)); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &result, created, nil
}

func (s *BoltStore) GetByID(_ context.Context, id string) (*model.Payment, error) {
	var p model.Payment
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketPayments), []byte(id), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) GetByTxRef(_ context.Context, txRef string) (*model.Payment, error) {
	var p model.Payment
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketPaymentsByTxRef).Get([]byte(txRef))
		if id == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket(bucketPayments), id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) GetByIdempotencyKey(_ context.Context, ownerID, key string) (*model.Payment, error) {
	var p model.Payment
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketPaymentsByIdem).Get(idemKey(ownerID, key))
		if id == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket(bucketPayments), id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ReleaseIdempotencyKey(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		payments := tx.Bucket(bucketPayments)
		var p model.Payment
		if err := getJSON(payments, []byte(id), &p); err != nil {
			return err
		}
		if p.IdempotencyKey == nil {
			return nil
		}
		byIdem := tx.Bucket(bucketPaymentsByIdem)
		key := idemKey(p.OwnerID, *p.IdempotencyKey)
		if bytes.Equal(byIdem.Get(key), []byte(p.ID)) {
			if err := byIdem.Delete(key); err != nil {
				return err
			}
		}
		p.IdempotencyKey = nil
		p.UpdatedAt = s.now()
		return putJSON(payments, []byte(id), p)
	})
}

func (s *BoltStore) SetCheckoutURL(_ context.Context, id, url string) (bool, error) {
	written := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		payments := tx.Bucket(bucketPayments)
		var p model.Payment
		if err := getJSON(payments, []byte(id), &p); err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		if p.CheckoutURL != nil {
			return nil
		}
		p.CheckoutURL = &url
		p.UpdatedAt = s.now()
		written = true
		return putJSON(payments, []byte(id), p)
	})
	return written, err
}

func (s *BoltStore) UpdateStatus(
	_ context.Context,
	txRef string,
	status model.PaymentStatus,
	providerRef string,
) (*model.Payment, bool, error) {

	var result model.Payment
	applied := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketPaymentsByTxRef).Get([]byte(txRef))
		if id == nil {
			return ErrNotFound
		}
		payments := tx.Bucket(bucketPayments)
		if err := getJSON(payments, id, &result); err != nil {
			return err
		}
		if result.Status != model.PaymentPending {
			return nil
		}

		result.Status = status
		if result.ChapaTrxRef == nil && providerRef != "" {
			ref := providerRef
			result.ChapaTrxRef = &ref
		}
		result.UpdatedAt = s.now()
		applied = true
		return putJSON(payments, id, result)
	})
	if err != nil {
		return nil, false, err
	}
	return &result, applied, nil
}

func (s *BoltStore) RecordRefund(_ context.Context, id string, rf model.Refund) (*model.Payment, bool, error) {
	var result model.Payment
	applied := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		payments := tx.Bucket(bucketPayments)
		if err := getJSON(payments, []byte(id), &result); err != nil {
			return err
		}
		if !result.Refundable() {
			return nil
		}

		at := rf.At
		amount := rf.Amount
		reason, ref, actor := rf.Reason, rf.Reference, rf.ActorID
		result.RefundedAt = &at
		result.RefundAmount = &amount
		result.RefundReason = &reason
		result.RefundReference = &ref
		result.RefundedBy = &actor
		result.UpdatedAt = s.now()
		applied = true
		return putJSON(payments, []byte(id), result)
	})
	if err != nil {
		return nil, false, err
	}
	return &result, applied, nil
}

// ======================
// PAYOUTS
// ======================

func (s *BoltStore) CreatePayout(_ context.Context, p *model.Payout) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPayouts)
		if b.Get([]byte(p.Reference)) != nil {
			return ErrDuplicate
		}
		stored := *p
		stored.UpdatedAt = stored.CreatedAt
		return putJSON(b, []byte(p.Reference), stored)
	})
}

func (s *BoltStore) GetPayoutByReference(_ context.Context, reference string) (*model.Payout, error) {
	var p model.Payout
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketPayouts), []byte(reference), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func applyPayoutUpdate(p *model.Payout, upd model.PayoutUpdate) {
	if upd.ChapaReference != "" {
		v := upd.ChapaReference
		p.ChapaReference = &v
	}
	if upd.BankReference != "" {
		v := upd.BankReference
		p.BankReference = &v
	}
	if upd.LastError != "" {
		v := upd.LastError
		p.LastError = &v
	}
	if upd.Attempts > p.Attempts {
		p.Attempts = upd.Attempts
	}
}

func (s *BoltStore) TransitionPayout(
	_ context.Context,
	reference string,
	status model.PayoutStatus,
	upd model.PayoutUpdate,
) (*model.Payout, bool, error) {

	var result model.Payout
	applied := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPayouts)
		if err := getJSON(b, []byte(reference), &result); err != nil {
			return err
		}
		if !model.CanTransitionPayout(result.Status, status) {
			return nil
		}
		result.Status = status
		applyPayoutUpdate(&result, upd)
		result.UpdatedAt = s.now()
		applied = true
		return putJSON(b, []byte(reference), result)
	})
	if err != nil {
		return nil, false, err
	}
	return &result, applied, nil
}

func (s *BoltStore) AnnotatePayout(_ context.Context, reference string, upd model.PayoutUpdate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPayouts)
		var p model.Payout
		if err := getJSON(b, []byte(reference), &p); err != nil {
			return err
		}
		applyPayoutUpdate(&p, upd)
		p.UpdatedAt = s.now()
		return putJSON(b, []byte(reference), p)
	})
}

func (s *BoltStore) ListRetryablePayouts(
	_ context.Context,
	since time.Time,
	maxAttempts int,
	limit int,
) ([]model.Payout, error) {

	var out []model.Payout
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPayouts).ForEach(func(k, v []byte) error {
			var p model.Payout
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Status == model.PayoutFailed && p.Attempts < maxAttempts && !p.CreatedAt.Before(since) {
				out = append(out, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ======================
// SUBSCRIPTIONS
// ======================

func (s *BoltStore) GetPlan(_ context.Context, id string) (*model.Plan, error) {
	var p model.Plan
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketPlans), []byte(id), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) SavePlan(_ context.Context, p *model.Plan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketPlans), []byte(p.ID), p)
	})
}

func (s *BoltStore) ActivateSubscription(_ context.Context, sub *model.Subscription) (*model.Subscription, bool, error) {
	var result model.Subscription
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		subs := tx.Bucket(bucketSubscriptions)
		byPayment := tx.Bucket(bucketSubsByPayment)

		if id := byPayment.Get([]byte(sub.PaymentID)); id != nil {
			return getJSON(subs, id, &result)
		}

		result = *sub
		if err := putJSON(subs, []byte(sub.ID), result); err != nil {
			return err
		}
		created = true
		return byPayment.Put([]byte(sub.PaymentID), []byte(sub.ID))
	})
	if err != nil {
		return nil, false, err
	}
	return &result, created, nil
}

func (s *BoltStore) CancelSubscriptionByPayment(_ context.Context, paymentID string, at time.Time) (bool, error) {
	cancelled := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketSubsByPayment).Get([]byte(paymentID))
		if id == nil {
			return nil
		}
		subs := tx.Bucket(bucketSubscriptions)
		var sub model.Subscription
		if err := getJSON(subs, id, &sub); err != nil {
			return err
		}
		if sub.Status == model.SubscriptionCancelled {
			return nil
		}
		sub.Status = model.SubscriptionCancelled
		sub.CancelledAt = &at
		cancelled = true
		return putJSON(subs, id, sub)
	})
	return cancelled, err
}

// ======================
// EVENTS
// ======================

func (s *BoltStore) Flush(_ context.Context, events []audit.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		for _, e := range events {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := putJSON(b, key, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Events returns every stored audit event in insertion order.
func (s *BoltStore) Events(_ context.Context) ([]audit.Event, error) {
	var out []audit.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var e audit.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}
