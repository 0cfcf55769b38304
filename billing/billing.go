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

// Package billing applies subscription lifecycle events from the
// payment provider to local state. Every mutation is derived from the
// event's own fields and keyed by provider identifiers, so replaying
// an event converges to the same end state.
package billing

import (
	"context"
	"time"
)

type (
	// Status is a subscription lifecycle state.
	Status string

	// Subscription mirrors the provider's view of a subscription,
	// updated exclusively by processed webhook events.
	Subscription struct {
		ProviderID       string
		UserID           string
		Status           Status
		PausedAt         *time.Time
		CanceledAt       *time.Time
		CurrentPeriodEnd *time.Time
		LastEventAt      time.Time
	}

	// Change is an absolute state write derived from one event.
	// OccurredAt orders competing events for the same
	// subscription: a change older than the stored LastEventAt is
	// a no-op.
	Change struct {
		ProviderID       string
		UserID           string
		Status           Status
		PausedAt         *time.Time
		CanceledAt       *time.Time
		CurrentPeriodEnd *time.Time
		OccurredAt       time.Time
	}

	// Transaction is a completed payment recorded for history.
	Transaction struct {
		ProviderID             string
		ProviderSubscriptionID string
		UserID                 string
		AmountCents            int64
		Currency               string
		OccurredAt             time.Time
	}

	// Store persists subscription state. Implementations must
	// apply a Change and the owning user's access projection as
	// one logical unit, and must make Apply idempotent under
	// replay.
	Store interface {
		Apply(ctx context.Context, change Change) error
		RecordTransaction(ctx context.Context, txn Transaction) error
	}

	// Notifier receives best-effort notifications after a state
	// change committed. Failures never unwind the mutation.
	Notifier interface {
		Notify(ctx context.Context, n Notification)
	}

	// Notification describes a committed state change worth
	// telling the user about.
	Notification struct {
		UserID         string
		SubscriptionID string
		Status         Status
	}
)

const (
	StatusActive    Status = "active"
	StatusTrialing  Status = "trialing"
	StatusPaused    Status = "paused"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// GrantsAccess reports whether the status entitles the user to the
// paid feature set. Past-due subscriptions keep access during the
// dunning grace period.
func (s Status) GrantsAccess() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPaused, StatusPastDue, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}
