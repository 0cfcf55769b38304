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

// Package config exposes runtime settings kept in the database so
// they can be rotated without redeploying: the webhook shared secret,
// the active search-provider credential, and quota defaults. Reads go
// through a short TTL cache.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.gearno.de/kit/log"
	"go.gearno.de/kit/pg"
)

type (
	// Option is a function that configures the Store during
	// initialization.
	Option func(s *Store)

	// DB is the slice of pg.Client the store needs.
	DB interface {
		WithConn(context.Context, pg.ExecFunc) error
	}

	// Store reads settings rows with a TTL cache in front.
	Store struct {
		db     DB
		logger *log.Logger
		ttl    time.Duration

		mu    sync.Mutex
		cache map[string]cachedValue
	}

	// Credential is an active search-provider credential.
	Credential struct {
		APIKey  string
		BaseURL string
	}

	cachedValue struct {
		value   string
		fetched time.Time
	}
)

const (
	keyWebhookSecret = "billing.webhook_secret"
	keySerpAPIKey    = "serp.api_key"
	keySerpBaseURL   = "serp.base_url"
	keyDefaultQuota  = "quota.daily_default"
)

var (
	// ErrNotSet is returned when a setting has no row.
	ErrNotSet = errors.New("setting not set")

	// ErrNoActiveCredential is returned when no search-provider
	// credential is configured. Callers must fail closed.
	ErrNoActiveCredential = errors.New("no active provider credential configured")
)

// WithLogger sets a custom logger for the store.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.logger = l.Named("config")
	}
}

// WithCacheTTL sets how long a fetched setting is served from memory.
// Default is 30 seconds; rotation takes effect within one TTL.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Store) {
		s.ttl = d
	}
}

// NewStore creates a settings store on top of the given database.
func NewStore(db DB, options ...Option) *Store {
	s := &Store{
		db:     db,
		logger: log.NewLogger(log.WithOutput(io.Discard)),
		ttl:    30 * time.Second,
		cache:  make(map[string]cachedValue),
	}

	for _, o := range options {
		o(s)
	}

	return s
}

// WebhookSecret returns the shared secret used to verify inbound
// billing webhooks.
func (s *Store) WebhookSecret(ctx context.Context) (string, error) {
	secret, err := s.get(ctx, keyWebhookSecret)
	if err != nil {
		return "", fmt.Errorf("cannot load webhook secret: %w", err)
	}

	return secret, nil
}

// ActiveCredential returns the active search-provider credential, or
// ErrNoActiveCredential when none is configured.
func (s *Store) ActiveCredential(ctx context.Context) (Credential, error) {
	apiKey, err := s.get(ctx, keySerpAPIKey)
	if err != nil {
		if errors.Is(err, ErrNotSet) {
			return Credential{}, ErrNoActiveCredential
		}
		return Credential{}, fmt.Errorf("cannot load provider credential: %w", err)
	}

	baseURL, err := s.get(ctx, keySerpBaseURL)
	if err != nil {
		if errors.Is(err, ErrNotSet) {
			return Credential{}, ErrNoActiveCredential
		}
		return Credential{}, fmt.Errorf("cannot load provider base url: %w", err)
	}

	return Credential{APIKey: apiKey, BaseURL: baseURL}, nil
}

// DefaultDailyQuota returns the configured default daily quota, or
// fallback when unset or malformed.
func (s *Store) DefaultDailyQuota(ctx context.Context, fallback int) int {
	raw, err := s.get(ctx, keyDefaultQuota)
	if err != nil {
		return fallback
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		s.logger.WarnCtx(ctx, "malformed default quota setting",
			log.String("value", raw),
		)
		return fallback
	}

	return n
}

// Invalidate drops the cache so the next read hits the database.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string]cachedValue)
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	if c, ok := s.cache[key]; ok && time.Since(c.fetched) < s.ttl {
		s.mu.Unlock()
		return c.value, nil
	}
	s.mu.Unlock()

	var value string

	err := s.db.WithConn(ctx, func(conn pg.Conn) error {
		q := `SELECT value FROM settings WHERE key = $1`
		row := conn.QueryRow(ctx, q, key)
		return row.Scan(&value)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%q: %w", key, ErrNotSet)
		}

		return "", fmt.Errorf("cannot read setting %q: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = cachedValue{value: value, fetched: time.Now()}
	s.mu.Unlock()

	return value, nil
}
