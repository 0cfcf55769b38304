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

// Package rank is the user-facing rank-check flow: it charges the
// caller's daily quota, then asks the provider gateway where the
// tracked domain stands, and persists the answer as history.
package rank

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.gearno.de/kit/log"
	"go.gearno.de/rankhub/quota"
	"go.gearno.de/rankhub/serp"
)

type (
	// ServiceOption is a function that configures the Service
	// during initialization.
	ServiceOption func(s *Service)

	// QuotaLedger is the admission half of the flow. Only its
	// atomic TryConsume decision is authoritative.
	QuotaLedger interface {
		TryConsume(ctx context.Context, subjectID string, amount int) (bool, error)
	}

	// RankChecker performs the external lookup.
	RankChecker interface {
		CheckRank(ctx context.Context, query serp.Query) (serp.Result, error)
	}

	// Store loads tracked keywords and reads and appends ranking
	// history.
	Store interface {
		Keyword(ctx context.Context, keywordID string) (Keyword, error)
		InsertRanking(ctx context.Context, ranking Ranking) error
		History(ctx context.Context, keywordID string, limit int) ([]Ranking, error)
	}

	// Keyword is a tracked keyword owned by a user.
	Keyword struct {
		ID      string
		UserID  string
		Keyword string
		Domain  string
		Country string
		Device  string
	}

	// Ranking is one historical rank observation.
	Ranking struct {
		ID        string
		KeywordID string
		Position  *int
		URL       *string
		Found     bool
		CheckedAt time.Time
	}

	// CheckResult is what the caller gets back. Position and URL
	// are nil when the domain was not in the inspected result set.
	CheckResult struct {
		Position    *int
		URL         *string
		FoundInTopN bool
	}

	// Service wires quota admission, the provider gateway and
	// history persistence together.
	Service struct {
		store        Store
		quota        QuotaLedger
		checker      RankChecker
		logger       *log.Logger
		checkTimeout time.Duration
	}
)

const (
	defaultHistoryLimit = 30
	maxHistoryLimit     = 100
)

// ErrKeywordNotFound is returned when the keyword does not exist or
// belongs to another user. The two cases are indistinguishable on
// purpose.
var ErrKeywordNotFound = errors.New("keyword not found")

// WithServiceLogger sets a custom logger for the service.
func WithServiceLogger(l *log.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l.Named("rank")
	}
}

// WithCheckTimeout caps how long one rank check may take end to end,
// provider retries included. Default is 2 minutes; zero disables the
// cap.
func WithCheckTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.checkTimeout = d
	}
}

// NewService creates a rank-check service.
func NewService(store Store, quotaLedger QuotaLedger, checker RankChecker, options ...ServiceOption) *Service {
	s := &Service{
		store:        store,
		quota:        quotaLedger,
		checker:      checker,
		logger:       log.NewLogger(log.WithOutput(io.Discard)),
		checkTimeout: 2 * time.Minute,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

// Check runs one rank lookup for the given user's keyword. Quota is
// charged before any external call: an exhausted quota means zero
// provider traffic. The charge is not refunded on provider failure,
// matching the provider's own accounting of attempted calls. The
// whole lookup runs under the check timeout so rate-limit retries in
// the gateway cannot stall a request forever.
func (s *Service) Check(ctx context.Context, userID, keywordID string) (CheckResult, error) {
	if s.checkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.checkTimeout)
		defer cancel()
	}

	kw, err := s.store.Keyword(ctx, keywordID)
	if err != nil {
		return CheckResult{}, err
	}
	if kw.UserID != userID {
		return CheckResult{}, ErrKeywordNotFound
	}

	granted, err := s.quota.TryConsume(ctx, userID, 1)
	if err != nil {
		return CheckResult{}, fmt.Errorf("cannot charge quota: %w", err)
	}
	if !granted {
		return CheckResult{}, fmt.Errorf("user %q: %w", userID, quota.ErrExhausted)
	}

	result, err := s.checker.CheckRank(ctx, serp.Query{
		Keyword: kw.Keyword,
		Domain:  kw.Domain,
		Country: kw.Country,
		Device:  kw.Device,
	})
	if err != nil {
		return CheckResult{}, err
	}

	ranking := Ranking{
		KeywordID: kw.ID,
		Found:     result.Found,
		CheckedAt: time.Now(),
	}
	if result.Found {
		ranking.Position = &result.Position
		ranking.URL = &result.URL
	}

	if err := s.store.InsertRanking(ctx, ranking); err != nil {
		// The lookup itself succeeded; losing one history row is
		// not worth failing the request over.
		s.logger.ErrorCtx(ctx, "cannot persist ranking history",
			log.String("keyword_id", kw.ID),
			log.Error(err),
		)
	}

	return CheckResult{
		Position:    ranking.Position,
		URL:         ranking.URL,
		FoundInTopN: result.Found,
	}, nil
}

// History returns the keyword's most recent rank observations, newest
// first. A limit outside [1, 100] falls back to 30. Keywords owned by
// other users look absent, same as Check.
func (s *Service) History(ctx context.Context, userID, keywordID string, limit int) ([]Ranking, error) {
	kw, err := s.store.Keyword(ctx, keywordID)
	if err != nil {
		return nil, err
	}
	if kw.UserID != userID {
		return nil, ErrKeywordNotFound
	}

	if limit < 1 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	rankings, err := s.store.History(ctx, keywordID, limit)
	if err != nil {
		return nil, fmt.Errorf("cannot load ranking history: %w", err)
	}

	return rankings, nil
}
