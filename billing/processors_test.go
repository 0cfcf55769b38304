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
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/rankhub/webhook"
)

type (
	// memoryStore applies changes with the same guards the SQL
	// store enforces: the occurred-at ordering guard and the
	// terminal cancelled state.
	memoryStore struct {
		mu            sync.Mutex
		subscriptions map[string]*Subscription
		access        map[string]bool
		transactions  map[string]Transaction
		applies       int
	}

	captureNotifier struct {
		ch chan Notification
	}
)

func newMemoryStore() *memoryStore {
	return &memoryStore{
		subscriptions: make(map[string]*Subscription),
		access:        make(map[string]bool),
		transactions:  make(map[string]Transaction),
	}
}

func (s *memoryStore) Apply(_ context.Context, change Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.subscriptions[change.ProviderID]; ok {
		if cur.LastEventAt.After(change.OccurredAt) || cur.Status == StatusCancelled {
			return nil
		}
	}

	s.applies++
	s.subscriptions[change.ProviderID] = &Subscription{
		ProviderID:       change.ProviderID,
		UserID:           change.UserID,
		Status:           change.Status,
		PausedAt:         change.PausedAt,
		CanceledAt:       change.CanceledAt,
		CurrentPeriodEnd: change.CurrentPeriodEnd,
		LastEventAt:      change.OccurredAt,
	}
	s.access[change.UserID] = change.Status.GrantsAccess()

	return nil
}

func (s *memoryStore) RecordTransaction(_ context.Context, txn Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[txn.ProviderID]; ok {
		return nil
	}
	s.transactions[txn.ProviderID] = txn

	return nil
}

func (n captureNotifier) Notify(_ context.Context, note Notification) {
	n.ch <- note
}

func newTestRouter(t *testing.T) *webhook.Router {
	t.Helper()
	return webhook.NewRouter(webhook.WithRouterRegisterer(prometheus.NewRegistry()))
}

func dispatch(t *testing.T, router *webhook.Router, eventType webhook.EventType, data string) error {
	t.Helper()

	handled, err := router.Dispatch(context.Background(), webhook.Event{
		ID:   "evt_test",
		Type: eventType,
		Data: json.RawMessage(data),
	})
	require.True(t, handled)

	return err
}

func TestProcessors_SubscriptionPaused(t *testing.T) {
	store := newMemoryStore()
	router := newTestRouter(t)
	NewProcessors(store).RegisterAll(router)

	err := dispatch(t, router, webhook.EventSubscriptionPaused, `{"id":"sub_1","user_id":"usr_1"}`)
	require.NoError(t, err)

	sub := store.subscriptions["sub_1"]
	require.NotNil(t, sub)
	assert.Equal(t, StatusPaused, sub.Status)
	assert.False(t, store.access["usr_1"])

	// Replaying the same change converges without extra effect.
	err = dispatch(t, router, webhook.EventSubscriptionPaused, `{"id":"sub_1","user_id":"usr_1"}`)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, store.subscriptions["sub_1"].Status)
}

func TestProcessors_LifecycleStatuses(t *testing.T) {
	testCases := []struct {
		eventType webhook.EventType
		want      Status
		access    bool
	}{
		{webhook.EventSubscriptionActivated, StatusActive, true},
		{webhook.EventSubscriptionTrialing, StatusTrialing, true},
		{webhook.EventSubscriptionPaused, StatusPaused, false},
		{webhook.EventSubscriptionResumed, StatusActive, true},
		{webhook.EventSubscriptionPastDue, StatusPastDue, true},
		{webhook.EventSubscriptionCanceled, StatusCancelled, false},
		{webhook.EventSubscriptionExpired, StatusExpired, false},
	}

	for _, tc := range testCases {
		t.Run(string(tc.eventType), func(t *testing.T) {
			store := newMemoryStore()
			router := newTestRouter(t)
			NewProcessors(store).RegisterAll(router)

			err := dispatch(t, router, tc.eventType, `{"id":"sub_1","user_id":"usr_1"}`)
			require.NoError(t, err)

			assert.Equal(t, tc.want, store.subscriptions["sub_1"].Status)
			assert.Equal(t, tc.access, store.access["usr_1"])
		})
	}
}

func TestProcessors_CreatedUsesPayloadStatus(t *testing.T) {
	store := newMemoryStore()
	router := newTestRouter(t)
	NewProcessors(store).RegisterAll(router)

	err := dispatch(t, router, webhook.EventSubscriptionCreated, `{"id":"sub_1","user_id":"usr_1","status":"trialing"}`)
	require.NoError(t, err)
	assert.Equal(t, StatusTrialing, store.subscriptions["sub_1"].Status)

	// Without a usable status field the subscription starts active.
	err = dispatch(t, router, webhook.EventSubscriptionCreated, `{"id":"sub_2","user_id":"usr_2"}`)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, store.subscriptions["sub_2"].Status)
}

func TestProcessors_StaleEventIsNoOp(t *testing.T) {
	store := newMemoryStore()
	router := newTestRouter(t)
	NewProcessors(store).RegisterAll(router)

	now := time.Now().UTC().Truncate(time.Second)
	newer := now.Format(time.RFC3339)
	older := now.Add(-time.Hour).Format(time.RFC3339)

	err := dispatch(t, router, webhook.EventSubscriptionActivated,
		`{"id":"sub_1","user_id":"usr_1","occurred_at":"`+newer+`"}`)
	require.NoError(t, err)

	// A paused event that happened before the activation must not
	// override the newer state.
	err = dispatch(t, router, webhook.EventSubscriptionPaused,
		`{"id":"sub_1","user_id":"usr_1","occurred_at":"`+older+`"}`)
	require.NoError(t, err)

	assert.Equal(t, StatusActive, store.subscriptions["sub_1"].Status)
	assert.Equal(t, 1, store.applies)
}

func TestProcessors_CancelledIsTerminal(t *testing.T) {
	store := newMemoryStore()
	router := newTestRouter(t)
	NewProcessors(store).RegisterAll(router)

	err := dispatch(t, router, webhook.EventSubscriptionCanceled, `{"id":"sub_1","user_id":"usr_1"}`)
	require.NoError(t, err)

	err = dispatch(t, router, webhook.EventSubscriptionResumed,
		`{"id":"sub_1","user_id":"usr_1","occurred_at":"2099-01-01T00:00:00Z"}`)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, store.subscriptions["sub_1"].Status)
}

func TestProcessors_RejectsPayloadWithoutID(t *testing.T) {
	store := newMemoryStore()
	router := newTestRouter(t)
	NewProcessors(store).RegisterAll(router)

	err := dispatch(t, router, webhook.EventSubscriptionPaused, `{"user_id":"usr_1"}`)
	require.Error(t, err)
	assert.Empty(t, store.subscriptions)
}

func TestProcessors_TransactionCompleted(t *testing.T) {
	store := newMemoryStore()
	router := newTestRouter(t)
	NewProcessors(store).RegisterAll(router)

	payload := `{"id":"txn_1","subscription_id":"sub_1","user_id":"usr_1","amount_cents":2900,"currency":"USD"}`

	err := dispatch(t, router, webhook.EventTransactionCompleted, payload)
	require.NoError(t, err)

	txn := store.transactions["txn_1"]
	assert.Equal(t, "sub_1", txn.ProviderSubscriptionID)
	assert.Equal(t, int64(2900), txn.AmountCents)
	assert.Equal(t, "USD", txn.Currency)

	// Replay inserts nothing new.
	err = dispatch(t, router, webhook.EventTransactionCompleted, payload)
	require.NoError(t, err)
	assert.Len(t, store.transactions, 1)
}

func TestProcessors_NotifiesAfterCommit(t *testing.T) {
	store := newMemoryStore()
	router := newTestRouter(t)
	notifier := captureNotifier{ch: make(chan Notification, 1)}
	NewProcessors(store, WithNotifier(notifier)).RegisterAll(router)

	err := dispatch(t, router, webhook.EventSubscriptionPaused, `{"id":"sub_1","user_id":"usr_1"}`)
	require.NoError(t, err)

	select {
	case note := <-notifier.ch:
		assert.Equal(t, "usr_1", note.UserID)
		assert.Equal(t, "sub_1", note.SubscriptionID)
		assert.Equal(t, StatusPaused, note.Status)
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
	}
}
