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

package serp

import (
	"context"
	"io"

	"go.gearno.de/kit/log"
	"go.gearno.de/kit/pg"
)

type (
	// PGUsageRecorderOption is a function that configures the
	// PGUsageRecorder during initialization.
	PGUsageRecorderOption func(r *PGUsageRecorder)

	// PGUsageRecorder appends provider credit usage to PostgreSQL.
	// Recording is best effort: a failed write is logged and never
	// fails the lookup that triggered it.
	PGUsageRecorder struct {
		db     DB
		logger *log.Logger
	}

	// DB is the slice of the database client the recorder needs.
	DB interface {
		WithConn(ctx context.Context, fn pg.ExecFunc) error
	}
)

var _ UsageRecorder = (*PGUsageRecorder)(nil)

// WithUsageRecorderLogger sets a custom logger for the recorder.
func WithUsageRecorderLogger(l *log.Logger) PGUsageRecorderOption {
	return func(r *PGUsageRecorder) {
		r.logger = l.Named("serp.usage")
	}
}

// NewPGUsageRecorder creates a usage recorder on top of the given
// database client.
func NewPGUsageRecorder(db DB, options ...PGUsageRecorderOption) *PGUsageRecorder {
	r := &PGUsageRecorder{
		db:     db,
		logger: log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(r)
	}

	return r
}

// RecordUsage appends one usage row.
func (r *PGUsageRecorder) RecordUsage(ctx context.Context, usage Usage) {
	err := r.db.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO provider_usage (credential_digest, credits, status_code, occurred_at)
VALUES ($1, $2, $3, $4)
`
		_, err := conn.Exec(ctx, q, usage.Credential, usage.Credits, usage.StatusCode, usage.OccurredAt)
		return err
	})

	if err != nil {
		r.logger.ErrorCtx(ctx, "cannot record provider usage",
			log.String("credential", usage.Credential),
			log.Int("credits", usage.Credits),
			log.Error(err),
		)
	}
}
