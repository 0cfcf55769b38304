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

// Package quota provides the daily usage ledger. Admission happens in
// one database transaction holding the subject's row lock, so
// concurrent requests from the same subject (including requests racing
// across a midnight rollover) cannot double-spend.
package quota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/kit/log"
	"go.gearno.de/kit/pg"
	"go.gearno.de/rankhub/internal/version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Ledger during
	// initialization.
	Option func(l *Ledger)

	// DB is the slice of pg.Client the ledger needs.
	DB interface {
		WithConn(context.Context, pg.ExecFunc) error
		WithTx(context.Context, pg.ExecFunc) error
	}

	// LimitSource resolves the default daily limit for subjects
	// without a ledger row. Implemented by the settings store, so
	// the default is operator-tunable without a redeploy.
	LimitSource interface {
		DefaultDailyQuota(ctx context.Context, fallback int) int
	}

	// Ledger enforces per-subject daily quotas backed by a single
	// row per subject.
	Ledger struct {
		db     DB
		logger *log.Logger
		tracer trace.Tracer

		defaultLimit int
		limitSource  LimitSource

		grantsTotal *prometheus.CounterVec
	}

	// Info is a display-only snapshot of a subject's quota. It is
	// read without locking and must not be used for admission
	// decisions; only TryConsume's result is authoritative.
	Info struct {
		Used      int       `json:"used"`
		Limit     int       `json:"limit"`
		Remaining int       `json:"remaining"`
		Exhausted bool      `json:"exhausted"`
		ResetDate time.Time `json:"reset_date"`
	}
)

const (
	tracerName = "go.gearno.de/rankhub/quota"

	// Unlimited is the limit sentinel for subjects without a
	// daily cap.
	Unlimited = -1
)

// ErrExhausted is returned by callers of TryConsume when the subject's
// daily quota is spent.
var ErrExhausted = errors.New("daily quota exhausted")

// WithLogger sets a custom logger for the ledger.
func WithLogger(l *log.Logger) Option {
	return func(ld *Ledger) {
		ld.logger = l.Named("quota")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Ledger) {
		l.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Ledger) {
		l.registerMetrics(r)
	}
}

// WithDefaultLimit sets the daily limit applied to subjects without a
// ledger row. Default is 10.
func WithDefaultLimit(n int) Option {
	return func(l *Ledger) {
		l.defaultLimit = n
	}
}

// WithDefaultLimitSource resolves the default daily limit through the
// given source on every admission, with WithDefaultLimit's value as
// the fallback.
func WithDefaultLimitSource(s LimitSource) Option {
	return func(l *Ledger) {
		l.limitSource = s
	}
}

// NewLedger creates a quota ledger on top of the given database.
func NewLedger(db DB, options ...Option) *Ledger {
	l := &Ledger{
		db:           db,
		logger:       log.NewLogger(log.WithOutput(io.Discard)),
		tracer:       otel.GetTracerProvider().Tracer(tracerName),
		defaultLimit: 10,
	}

	for _, o := range options {
		o(l)
	}

	if l.grantsTotal == nil {
		l.registerMetrics(prometheus.DefaultRegisterer)
	}

	return l
}

// resolveDefaultLimit returns the limit applied to subjects without a
// ledger row.
func (l *Ledger) resolveDefaultLimit(ctx context.Context) int {
	if l.limitSource != nil {
		return l.limitSource.DefaultDailyQuota(ctx, l.defaultLimit)
	}
	return l.defaultLimit
}

func (l *Ledger) registerMetrics(r prometheus.Registerer) {
	l.grantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "quota",
			Name:      "grants_total",
			Help:      "Total number of quota admission decisions.",
		},
		[]string{"granted"},
	)
	if err := r.Register(l.grantsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.grantsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// TryConsume atomically charges amount units against the subject's
// daily quota and reports whether the charge was granted. The ledger
// row is created with zero usage if missing, then the day rollover,
// the increment and the limit check happen in one conditional update
// inside the same transaction; there is no read-then-write window for
// concurrent requests to race through, and the limit applies to the
// very first request of a subject too.
func (l *Ledger) TryConsume(ctx context.Context, subjectID string, amount int) (bool, error) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"quota.TryConsume",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("quota.subject_id", subjectID),
				attribute.Int("quota.amount", amount),
			),
		)
		defer span.End()
	}

	var used, limit int

	err := l.db.WithTx(ctx, func(conn pg.Conn) error {
		insertQ := `
INSERT INTO quota_usages (subject_id, used, daily_limit, reset_date)
VALUES ($1, 0, $2, CURRENT_DATE)
ON CONFLICT (subject_id) DO NOTHING
`
		_, err := conn.Exec(ctx, insertQ, subjectID, l.resolveDefaultLimit(ctx))
		if err != nil {
			return err
		}

		updateQ := `
UPDATE quota_usages AS q
SET used = CASE
        WHEN q.reset_date < CURRENT_DATE THEN $2
        ELSE q.used + $2
    END,
    reset_date = CURRENT_DATE
WHERE q.subject_id = $1
  AND (q.daily_limit < 0
       OR (CASE
            WHEN q.reset_date < CURRENT_DATE THEN $2
            ELSE q.used + $2
        END) <= q.daily_limit)
RETURNING q.used, q.daily_limit
`
		row := conn.QueryRow(ctx, updateQ, subjectID, amount)
		return row.Scan(&used, &limit)
	})

	if err != nil {
		// No returned row means the conditional update was
		// filtered out: the quota is spent.
		if errors.Is(err, pgx.ErrNoRows) {
			l.grantsTotal.WithLabelValues("false").Inc()

			if rootSpan.IsRecording() {
				span.SetAttributes(attribute.Bool("quota.granted", false))
			}

			return false, nil
		}

		if rootSpan.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return false, fmt.Errorf("cannot consume quota: %w", err)
	}

	l.grantsTotal.WithLabelValues("true").Inc()

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Bool("quota.granted", true),
			attribute.Int("quota.used", used),
			attribute.Int("quota.limit", limit),
		)
	}

	return true, nil
}

// Info returns the subject's quota for display. Subjects without a
// ledger row report the default limit and zero usage; rows from a
// previous day report zero usage.
func (l *Ledger) Info(ctx context.Context, subjectID string) (Info, error) {
	var (
		used      int
		limit     int
		resetDate time.Time
	)

	err := l.db.WithConn(ctx, func(conn pg.Conn) error {
		q := `
SELECT used, daily_limit, reset_date
FROM quota_usages
WHERE subject_id = $1
`
		row := conn.QueryRow(ctx, q, subjectID)
		return row.Scan(&used, &limit, &resetDate)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return newInfo(0, l.resolveDefaultLimit(ctx), today()), nil
		}

		return Info{}, fmt.Errorf("cannot read quota: %w", err)
	}

	if resetDate.Before(today()) {
		used = 0
	}

	return newInfo(used, limit, today()), nil
}

// SetLimit sets the subject's daily limit, creating the ledger row if
// needed. Use Unlimited to lift the cap.
func (l *Ledger) SetLimit(ctx context.Context, subjectID string, limit int) error {
	err := l.db.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO quota_usages (subject_id, used, daily_limit, reset_date)
VALUES ($1, 0, $2, CURRENT_DATE)
ON CONFLICT (subject_id) DO UPDATE
SET daily_limit = excluded.daily_limit
`
		_, err := conn.Exec(ctx, q, subjectID, limit)
		return err
	})
	if err != nil {
		return fmt.Errorf("cannot set quota limit: %w", err)
	}

	l.logger.InfoCtx(ctx, "quota limit updated",
		log.String("subject_id", subjectID),
		log.Int("limit", limit),
	)

	return nil
}

func newInfo(used, limit int, resetDate time.Time) Info {
	info := Info{
		Used:      used,
		Limit:     limit,
		ResetDate: resetDate,
	}

	if limit < 0 {
		info.Remaining = Unlimited
		return info
	}

	info.Remaining = limit - used
	if info.Remaining <= 0 {
		info.Remaining = 0
		info.Exhausted = true
	}

	return info
}

func today() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
