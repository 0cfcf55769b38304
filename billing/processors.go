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
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.gearno.de/kit/log"
	"go.gearno.de/rankhub/webhook"
)

type (
	// ProcessorsOption is a function that configures the
	// Processors during initialization.
	ProcessorsOption func(p *Processors)

	// Processors holds the per-event-type handlers for the
	// billing domain.
	Processors struct {
		store    Store
		notifier Notifier
		logger   *log.Logger
	}

	subscriptionPayload struct {
		ID               string     `json:"id"`
		UserID           string     `json:"user_id"`
		Status           string     `json:"status"`
		PausedAt         *time.Time `json:"paused_at"`
		CanceledAt       *time.Time `json:"canceled_at"`
		CurrentPeriodEnd *time.Time `json:"current_period_end"`
		OccurredAt       *time.Time `json:"occurred_at"`
	}

	transactionPayload struct {
		ID             string     `json:"id"`
		SubscriptionID string     `json:"subscription_id"`
		UserID         string     `json:"user_id"`
		AmountCents    int64      `json:"amount_cents"`
		Currency       string     `json:"currency"`
		OccurredAt     *time.Time `json:"occurred_at"`
	}
)

// WithProcessorsLogger sets a custom logger for the processors.
func WithProcessorsLogger(l *log.Logger) ProcessorsOption {
	return func(p *Processors) {
		p.logger = l.Named("billing")
	}
}

// WithNotifier sets the best-effort notifier fired after commits.
func WithNotifier(n Notifier) ProcessorsOption {
	return func(p *Processors) {
		p.notifier = n
	}
}

// NewProcessors creates the billing event processors on top of the
// given store.
func NewProcessors(store Store, options ...ProcessorsOption) *Processors {
	p := &Processors{
		store:  store,
		logger: log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(p)
	}

	if p.notifier == nil {
		p.notifier = logNotifier{logger: p.logger}
	}

	return p
}

// RegisterAll binds every billing handler to its event type on the
// router.
func (p *Processors) RegisterAll(r *webhook.Router) {
	r.Register(webhook.EventSubscriptionCreated, p.subscriptionHandler(""))
	r.Register(webhook.EventSubscriptionActivated, p.subscriptionHandler(StatusActive))
	r.Register(webhook.EventSubscriptionTrialing, p.subscriptionHandler(StatusTrialing))
	r.Register(webhook.EventSubscriptionPaused, p.subscriptionHandler(StatusPaused))
	r.Register(webhook.EventSubscriptionResumed, p.subscriptionHandler(StatusActive))
	r.Register(webhook.EventSubscriptionPastDue, p.subscriptionHandler(StatusPastDue))
	r.Register(webhook.EventSubscriptionCanceled, p.subscriptionHandler(StatusCancelled))
	r.Register(webhook.EventSubscriptionExpired, p.subscriptionHandler(StatusExpired))
	r.Register(webhook.EventTransactionCompleted, webhook.HandlerFunc(p.processTransactionCompleted))
}

// subscriptionHandler builds a handler that writes the absolute
// status implied by the event type. An empty status defers to the
// payload's own status field (subscription.created carries it),
// defaulting to active.
func (p *Processors) subscriptionHandler(status Status) webhook.Handler {
	return webhook.HandlerFunc(func(ctx context.Context, evt webhook.Event) error {
		var payload subscriptionPayload
		if err := json.Unmarshal(evt.Data, &payload); err != nil {
			return fmt.Errorf("cannot decode subscription payload: %w", err)
		}
		if payload.ID == "" {
			return fmt.Errorf("subscription payload has no id")
		}

		effective := status
		if effective == "" {
			effective = StatusActive
			if s := Status(payload.Status); s.Valid() {
				effective = s
			}
		}

		change := Change{
			ProviderID:       payload.ID,
			UserID:           payload.UserID,
			Status:           effective,
			PausedAt:         payload.PausedAt,
			CanceledAt:       payload.CanceledAt,
			CurrentPeriodEnd: payload.CurrentPeriodEnd,
			OccurredAt:       occurredAt(payload.OccurredAt),
		}

		if err := p.store.Apply(ctx, change); err != nil {
			return fmt.Errorf("cannot apply %s to subscription %q: %w", effective, payload.ID, err)
		}

		p.notifyAfterCommit(ctx, Notification{
			UserID:         payload.UserID,
			SubscriptionID: payload.ID,
			Status:         effective,
		})

		return nil
	})
}

func (p *Processors) processTransactionCompleted(ctx context.Context, evt webhook.Event) error {
	var payload transactionPayload
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		return fmt.Errorf("cannot decode transaction payload: %w", err)
	}
	if payload.ID == "" {
		return fmt.Errorf("transaction payload has no id")
	}

	txn := Transaction{
		ProviderID:             payload.ID,
		ProviderSubscriptionID: payload.SubscriptionID,
		UserID:                 payload.UserID,
		AmountCents:            payload.AmountCents,
		Currency:               payload.Currency,
		OccurredAt:             occurredAt(payload.OccurredAt),
	}

	if err := p.store.RecordTransaction(ctx, txn); err != nil {
		return fmt.Errorf("cannot record transaction %q: %w", payload.ID, err)
	}

	return nil
}

// notifyAfterCommit dispatches the notification off the request path
// once the state mutation has committed. Notification failure never
// unwinds or gates the mutation.
func (p *Processors) notifyAfterCommit(ctx context.Context, n Notification) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)

	go func() {
		defer cancel()
		p.notifier.Notify(notifyCtx, n)
	}()
}

func occurredAt(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now()
}

type logNotifier struct {
	logger *log.Logger
}

func (n logNotifier) Notify(ctx context.Context, note Notification) {
	n.logger.InfoCtx(ctx, "subscription state notification",
		log.String("user_id", note.UserID),
		log.String("subscription_id", note.SubscriptionID),
		log.String("status", string(note.Status)),
	)
}
