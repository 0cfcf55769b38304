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

// Package webhook receives, authenticates and idempotently processes
// asynchronous billing-provider events.
//
// Control flow: raw request -> Verify (HMAC + replay window) ->
// Ledger.Ingest (dedup) -> Router -> handler -> Ledger.MarkProcessed.
// The ledger is the single source of truth for "do not reprocess": a
// crash anywhere before MarkProcessed leaves the event retryable by
// the provider's own redelivery, and handlers are idempotent so a
// replayed event converges to the same end state.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.gearno.de/kit/log"
	"go.gearno.de/rankhub/internal/untrusted"
)

type (
	// SecretSource provides the current webhook shared secret.
	// Backed by the mutable settings store so the secret rotates
	// without redeploys.
	SecretSource interface {
		WebhookSecret(ctx context.Context) (string, error)
	}

	// EventLedger is the idempotence authority consulted by the
	// intake pipeline. Implemented by Ledger.
	EventLedger interface {
		Ingest(ctx context.Context, eventID string, eventType EventType, data json.RawMessage) (bool, error)
		MarkProcessed(ctx context.Context, eventID string) error
		RecordError(ctx context.Context, eventID, message string) error
	}

	// IntakeOption is a function that configures the Intake
	// during initialization.
	IntakeOption func(i *Intake)

	// Intake runs the verify, dedup, dispatch pipeline for one
	// inbound delivery.
	Intake struct {
		secrets SecretSource
		ledger  EventLedger
		router  *Router
		logger  *log.Logger

		tolerance     time.Duration
		secretTimeout time.Duration
	}

	// Receipt is the successful outcome of a delivery.
	Receipt struct {
		EventID   string
		Duplicate bool
	}

	envelope struct {
		EventID   string          `json:"event_id"`
		EventType string          `json:"event_type"`
		Data      json.RawMessage `json:"data"`
	}
)

var (
	// ErrMalformedEnvelope is the validation failure for inbound
	// payloads missing required fields or carrying invalid JSON.
	ErrMalformedEnvelope = errors.New("malformed webhook payload")

	// ErrProcessing reports a handler failure. The event stays
	// unprocessed in the ledger and the provider's redelivery will
	// retry it.
	ErrProcessing = errors.New("webhook processing failed")
)

// WithIntakeLogger sets a custom logger for the intake pipeline.
func WithIntakeLogger(l *log.Logger) IntakeOption {
	return func(i *Intake) {
		i.logger = l.Named("webhook.intake")
	}
}

// WithTolerance sets the replay window for signature timestamps.
func WithTolerance(d time.Duration) IntakeOption {
	return func(i *Intake) {
		i.tolerance = d
	}
}

// WithSecretTimeout bounds the secret fetch. Default is 5 seconds.
func WithSecretTimeout(d time.Duration) IntakeOption {
	return func(i *Intake) {
		i.secretTimeout = d
	}
}

// NewIntake wires the verification, ledger and router stages
// together.
func NewIntake(secrets SecretSource, ledger EventLedger, router *Router, options ...IntakeOption) *Intake {
	i := &Intake{
		secrets:       secrets,
		ledger:        ledger,
		router:        router,
		logger:        log.NewLogger(log.WithOutput(io.Discard)),
		tolerance:     DefaultTolerance,
		secretTimeout: 5 * time.Second,
	}

	for _, o := range options {
		o(i)
	}

	return i
}

// Handle processes one delivery end to end. Verification and
// validation failures are terminal with no side effects; handler
// failures are recorded on the event and surface as ErrProcessing so
// the provider retries the delivery.
func (i *Intake) Handle(ctx context.Context, raw []byte, signatureHeader string) (Receipt, error) {
	sctx, cancel := context.WithTimeout(ctx, i.secretTimeout)
	secret, err := i.secrets.WebhookSecret(sctx)
	cancel()
	if err != nil {
		return Receipt{}, fmt.Errorf("cannot resolve webhook secret: %w", err)
	}

	if err := Verify(raw, signatureHeader, secret, time.Now(), i.tolerance); err != nil {
		i.logger.WarnCtx(ctx, "rejected webhook delivery",
			log.Error(untrusted.Error(err)),
		)

		return Receipt{}, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Receipt{}, fmt.Errorf("%w: %s", ErrMalformedEnvelope, untrusted.String(err.Error()))
	}
	if env.EventID == "" || env.EventType == "" || len(env.Data) == 0 {
		return Receipt{}, fmt.Errorf("%w: event_id, event_type and data are required", ErrMalformedEnvelope)
	}

	evt := Event{
		ID:   env.EventID,
		Type: EventType(untrusted.String(env.EventType)),
		Data: env.Data,
	}

	logger := i.logger.With(
		log.String("event_id", evt.ID),
		log.String("event_type", string(evt.Type)),
	)

	shouldProcess, err := i.ledger.Ingest(ctx, evt.ID, evt.Type, evt.Data)
	if err != nil {
		return Receipt{}, err
	}

	if !shouldProcess {
		logger.InfoCtx(ctx, "duplicate webhook delivery acknowledged")
		return Receipt{EventID: evt.ID, Duplicate: true}, nil
	}

	handled, err := i.router.Dispatch(ctx, evt)
	if err != nil {
		logger.ErrorCtx(ctx, "webhook handler failed",
			log.Error(untrusted.Error(err)),
		)

		if rerr := i.ledger.RecordError(ctx, evt.ID, err.Error()); rerr != nil {
			logger.ErrorCtx(ctx, "cannot record handler error",
				log.Error(rerr),
			)
		}

		return Receipt{}, fmt.Errorf("%w: %s", ErrProcessing, err)
	}

	// Unknown event types are acknowledged and marked processed so
	// redeliveries stay no-ops.
	if err := i.ledger.MarkProcessed(ctx, evt.ID); err != nil {
		return Receipt{}, err
	}

	if handled {
		logger.InfoCtx(ctx, "webhook event processed")
	}

	return Receipt{EventID: evt.ID}, nil
}
