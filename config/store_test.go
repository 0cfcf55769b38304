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

package config

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/kit/pg"
)

type (
	fakeDB struct {
		mu      sync.Mutex
		rows    map[string]string
		queries int
	}

	fakeConn struct {
		db *fakeDB
	}

	fakeRow struct {
		err   error
		value string
	}
)

func (db *fakeDB) WithConn(_ context.Context, fn pg.ExecFunc) error {
	return fn(&fakeConn{db: db})
}

func (c *fakeConn) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	c.db.queries++

	value, ok := c.db.rows[args[0].(string)]
	if !ok {
		return &fakeRow{err: pgx.ErrNoRows}
	}

	return &fakeRow{value: value}
}

func (c *fakeConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (c *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (c *fakeConn) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (c *fakeConn) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}

	*dest[0].(*string) = r.value

	return nil
}

func (db *fakeDB) queryCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.queries
}

func TestWebhookSecret_CachedWithinTTL(t *testing.T) {
	db := &fakeDB{rows: map[string]string{
		"billing.webhook_secret": "whsec_1",
	}}
	store := NewStore(db, WithCacheTTL(time.Minute))

	secret, err := store.WebhookSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "whsec_1", secret)

	_, err = store.WebhookSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, db.queryCount())
}

func TestWebhookSecret_RotationVisibleAfterInvalidate(t *testing.T) {
	db := &fakeDB{rows: map[string]string{
		"billing.webhook_secret": "whsec_1",
	}}
	store := NewStore(db, WithCacheTTL(time.Minute))

	secret, err := store.WebhookSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "whsec_1", secret)

	db.mu.Lock()
	db.rows["billing.webhook_secret"] = "whsec_2"
	db.mu.Unlock()

	store.Invalidate()

	secret, err = store.WebhookSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "whsec_2", secret)
}

func TestActiveCredential(t *testing.T) {
	db := &fakeDB{rows: map[string]string{}}
	store := NewStore(db)

	_, err := store.ActiveCredential(context.Background())
	require.ErrorIs(t, err, ErrNoActiveCredential)

	db.mu.Lock()
	db.rows["serp.api_key"] = "sk-test"
	db.rows["serp.base_url"] = "https://serp.example.com"
	db.mu.Unlock()

	cred, err := store.ActiveCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cred.APIKey)
	assert.Equal(t, "https://serp.example.com", cred.BaseURL)
}

func TestDefaultDailyQuota(t *testing.T) {
	db := &fakeDB{rows: map[string]string{
		"quota.daily_default": "50",
	}}
	store := NewStore(db)

	assert.Equal(t, 50, store.DefaultDailyQuota(context.Background(), 10))

	db.mu.Lock()
	db.rows["quota.daily_default"] = "not-a-number"
	db.mu.Unlock()
	store.Invalidate()

	assert.Equal(t, 10, store.DefaultDailyQuota(context.Background(), 10))
}
