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

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"go.gearno.de/kit/log"
	"go.gearno.de/kit/pg"
	"go.gearno.de/rankhub/internal/untrusted"
)

type (
	// DB is the slice of pg.Client the ledger needs.
	DB interface {
		WithConn(context.Context, pg.ExecFunc) error
	}

	// LedgerOption is a function that configures the Ledger
	// during initialization.
	LedgerOption func(l *Ledger)

	// Ledger is the idempotence authority for inbound events.
	// Every event is recorded by its provider-assigned id before
	// any processing; an event marked processed is never
	// dispatched again.
	Ledger struct {
		db     DB
		logger *log.Logger
	}

	// Record is a stored webhook event.
	Record struct {
		EventID      string
		EventType    string
		Payload      []byte
		Processed    bool
		ProcessedAt  *time.Time
		ErrorMessage string
		RetryCount   int
		CreatedAt    time.Time
	}
)

const maxErrorMessageLen = 2048

// ErrEventNotFound is returned by Get for unknown event ids.
var ErrEventNotFound = errors.New("webhook event not found")

// WithLedgerLogger sets a custom logger for the ledger.
func WithLedgerLogger(l *log.Logger) LedgerOption {
	return func(ld *Ledger) {
		ld.logger = l.Named("webhook.ledger")
	}
}

// NewLedger creates an event ledger on top of the given database.
func NewLedger(db DB, options ...LedgerOption) *Ledger {
	l := &Ledger{
		db:     db,
		logger: log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(l)
	}

	return l
}

// Ingest records the event and reports whether it should be
// processed. First sighting inserts an unprocessed record and returns
// true. A redelivery bumps the retry counter and returns true only if
// the previous attempt never completed; completed events return
// false. One atomic statement, safe under concurrent redeliveries.
func (l *Ledger) Ingest(ctx context.Context, eventID string, eventType EventType, data json.RawMessage) (bool, error) {
	var processed bool

	err := l.db.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO webhook_events (event_id, event_type, payload, processed)
VALUES ($1, $2, $3, FALSE)
ON CONFLICT (event_id) DO UPDATE
SET retry_count = webhook_events.retry_count + 1
RETURNING processed
`
		row := conn.QueryRow(ctx, q, eventID, string(eventType), []byte(data))
		return row.Scan(&processed)
	})

	if err != nil {
		return false, fmt.Errorf("cannot ingest event %q: %w", eventID, err)
	}

	return !processed, nil
}

// MarkProcessed flips the event to processed. Called only after the
// handler completed without error; until then redeliveries keep
// retrying.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID string) error {
	err := l.db.WithConn(ctx, func(conn pg.Conn) error {
		q := `
UPDATE webhook_events
SET processed = TRUE,
    processed_at = NOW(),
    error_message = ''
WHERE event_id = $1
`
		_, err := conn.Exec(ctx, q, eventID)
		return err
	})

	if err != nil {
		return fmt.Errorf("cannot mark event %q processed: %w", eventID, err)
	}

	return nil
}

// RecordError stores the failure message on the event without marking
// it processed, leaving it safe to retry on redelivery.
func (l *Ledger) RecordError(ctx context.Context, eventID, message string) error {
	message = untrusted.Truncate(untrusted.String(message), maxErrorMessageLen)

	err := l.db.WithConn(ctx, func(conn pg.Conn) error {
		q := `
UPDATE webhook_events
SET error_message = $2
WHERE event_id = $1
`
		_, err := conn.Exec(ctx, q, eventID, message)
		return err
	})

	if err != nil {
		return fmt.Errorf("cannot record error for event %q: %w", eventID, err)
	}

	return nil
}

// Get returns the stored record for an event id.
func (l *Ledger) Get(ctx context.Context, eventID string) (Record, error) {
	var r Record

	err := l.db.WithConn(ctx, func(conn pg.Conn) error {
		q := `
SELECT event_id, event_type, payload, processed, processed_at, error_message, retry_count, created_at
FROM webhook_events
WHERE event_id = $1
`
		row := conn.QueryRow(ctx, q, eventID)
		return row.Scan(
			&r.EventID,
			&r.EventType,
			&r.Payload,
			&r.Processed,
			&r.ProcessedAt,
			&r.ErrorMessage,
			&r.RetryCount,
			&r.CreatedAt,
		)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("%q: %w", eventID, ErrEventNotFound)
		}

		return Record{}, fmt.Errorf("cannot load event %q: %w", eventID, err)
	}

	return r, nil
}
