package repository

import (
	"context"

	"MarketplaceAPI/internal/audit"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRepository persists audit batches into payment_events.
type EventRepository struct {
	DB *pgxpool.Pool
}

func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{DB: db}
}

func (r *EventRepository) Flush(ctx context.Context, events []audit.Event) error {
	_, err := r.DB.CopyFrom(
		ctx,
		pgx.Identifier{"payment_events"},
		[]string{"kind", "payment_id", "tx_ref", "reference", "actor", "detail", "at"},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			return []any{
				e.Kind,
				nullable(e.PaymentID),
				nullable(e.TxRef),
				nullable(e.Reference),
				nullable(e.Actor),
				e.Detail,
				e.At,
			}, nil
		}),
	)
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
