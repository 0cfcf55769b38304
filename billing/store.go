// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package billing

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"

	"github.com/jackc/pgx/v5"
	"go.gearno.de/kit/log"
	"go.gearno.de/kit/pg"
)

type (
	// PGStoreOption is a function that configures the PGStore
	// during initialization.
	PGStoreOption func(s *PGStore)

	// PGStore is the PostgreSQL-backed Store. Mutations for one
	// provider subscription id are serialized under an advisory
	// lock derived from the id, so concurrent deliveries for the
	// same subscription apply in order.
	PGStore struct {
		pg     *pg.Client
		logger *log.Logger
	}
)

var _ Store = (*PGStore)(nil)

// WithPGStoreLogger sets a custom logger for the store.
func WithPGStoreLogger(l *log.Logger) PGStoreOption {
	return func(s *PGStore) {
		s.logger = l.Named("billing.store")
	}
}

// NewPGStore creates a subscription store on top of the given
// PostgreSQL client.
func NewPGStore(pgClient *pg.Client, options ...PGStoreOption) *PGStore {
	s := &PGStore{
		pg:     pgClient,
		logger: log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(s)
	}

	return s
}

// Apply upserts the subscription row and the owning user's access
// projection in one transaction. The upsert is guarded by
// last_event_at and by the terminal cancelled state, so stale or
// replayed events are no-ops and a crash between the two writes is
// repaired by reprocessing the same event.
func (s *PGStore) Apply(ctx context.Context, change Change) error {
	return s.pg.WithAdvisoryLock(
		ctx,
		subscriptionLockID(change.ProviderID),
		func(conn pg.Conn) error {
			q := `
INSERT INTO subscriptions AS s
    (provider_subscription_id, user_id, status, paused_at, canceled_at, current_period_end, last_event_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (provider_subscription_id) DO UPDATE
SET user_id = excluded.user_id,
    status = excluded.status,
    paused_at = excluded.paused_at,
    canceled_at = excluded.canceled_at,
    current_period_end = excluded.current_period_end,
    last_event_at = excluded.last_event_at
WHERE s.last_event_at <= excluded.last_event_at
  AND s.status <> 'cancelled'
RETURNING status
`
			var applied Status

			row := conn.QueryRow(
				ctx,
				q,
				change.ProviderID,
				change.UserID,
				string(change.Status),
				change.PausedAt,
				change.CanceledAt,
				change.CurrentPeriodEnd,
				change.OccurredAt,
			)
			if err := row.Scan(&applied); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					// Stale or post-cancellation event.
					s.logger.InfoCtx(ctx, "skipping stale subscription event",
						log.String("provider_subscription_id", change.ProviderID),
						log.String("status", string(change.Status)),
					)
					return nil
				}

				return fmt.Errorf("cannot upsert subscription: %w", err)
			}

			uq := `
INSERT INTO user_access (user_id, plan_active, subscription_status, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (user_id) DO UPDATE
SET plan_active = excluded.plan_active,
    subscription_status = excluded.subscription_status,
    updated_at = NOW()
`
			_, err := conn.Exec(ctx, uq, change.UserID, applied.GrantsAccess(), string(applied))
			if err != nil {
				return fmt.Errorf("cannot update user access: %w", err)
			}

			return nil
		},
	)
}

// RecordTransaction inserts a payment row, keyed by the provider
// transaction id so replays insert nothing.
func (s *PGStore) RecordTransaction(ctx context.Context, txn Transaction) error {
	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO billing_transactions
    (provider_transaction_id, provider_subscription_id, user_id, amount_cents, currency, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (provider_transaction_id) DO NOTHING
`
		_, err := conn.Exec(
			ctx,
			q,
			txn.ProviderID,
			txn.ProviderSubscriptionID,
			txn.UserID,
			txn.AmountCents,
			txn.Currency,
			txn.OccurredAt,
		)
		return err
	})

	if err != nil {
		return fmt.Errorf("cannot record transaction: %w", err)
	}

	return nil
}

func subscriptionLockID(providerID string) pg.AdvisoryLock {
	h := fnv.New32a()
	h.Write([]byte(providerID))
	return pg.AdvisoryLock(h.Sum32())
}
