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
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/rankhub/config"
)

type (
	staticCredentials config.Credential

	failingCredentials struct{}

	countingSlotter struct {
		acquires int
	}

	// scriptedSearcher returns its steps in order, repeating the
	// last one once the script runs out.
	scriptedSearcher struct {
		steps []searchStep
		calls int
	}

	searchStep struct {
		resp SearchResponse
		err  error
	}

	captureUsage struct {
		usages []Usage
	}
)

func (c staticCredentials) ActiveCredential(context.Context) (config.Credential, error) {
	return config.Credential(c), nil
}

func (failingCredentials) ActiveCredential(context.Context) (config.Credential, error) {
	return config.Credential{}, config.ErrNoActiveCredential
}

func (s *countingSlotter) Acquire(context.Context, string) error {
	s.acquires++
	return nil
}

func (s *scriptedSearcher) Search(context.Context, config.Credential, Query) (SearchResponse, error) {
	step := s.steps[min(s.calls, len(s.steps)-1)]
	s.calls++
	return step.resp, step.err
}

func (u *captureUsage) RecordUsage(_ context.Context, usage Usage) {
	u.usages = append(u.usages, usage)
}

var testCredential = staticCredentials{APIKey: "sk_test", BaseURL: "https://provider.test"}

func newTestGateway(searcher Searcher, slotter Slotter, usage UsageRecorder) *Gateway {
	options := []GatewayOption{
		WithGatewayRegisterer(prometheus.NewRegistry()),
		WithProviderWindow(10 * time.Millisecond),
		WithRetryDelays([]time.Duration{time.Millisecond, 2 * time.Millisecond}),
	}
	if usage != nil {
		options = append(options, WithUsageRecorder(usage))
	}

	return NewGateway(testCredential, slotter, searcher, options...)
}

func TestGateway_FindsDomainInResults(t *testing.T) {
	searcher := &scriptedSearcher{steps: []searchStep{{
		resp: SearchResponse{
			Results: []SearchResult{
				{Position: 1, URL: "https://other.example/page"},
				{Position: 2, URL: "https://www.Tracked.example/pricing"},
			},
			CreditsUsed: 1,
		},
	}}}

	usage := &captureUsage{}
	gw := newTestGateway(searcher, &countingSlotter{}, usage)

	result, err := gw.CheckRank(context.Background(), Query{Keyword: "go hosting", Domain: "tracked.example"})
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, 2, result.Position)
	assert.Equal(t, "https://www.Tracked.example/pricing", result.URL)

	// Provider-reported cost is recorded even on success.
	require.Len(t, usage.usages, 1)
	assert.Equal(t, 1, usage.usages[0].Credits)
}

func TestGateway_DomainNotFound(t *testing.T) {
	searcher := &scriptedSearcher{steps: []searchStep{{
		resp: SearchResponse{Results: []SearchResult{{Position: 1, URL: "https://other.example"}}},
	}}}

	gw := newTestGateway(searcher, &countingSlotter{}, nil)

	result, err := gw.CheckRank(context.Background(), Query{Keyword: "go hosting", Domain: "tracked.example"})
	require.NoError(t, err)
	assert.False(t, result.Found)
	assert.Zero(t, result.Position)
}

func TestGateway_FailsClosedWithoutCredential(t *testing.T) {
	slotter := &countingSlotter{}
	gw := NewGateway(failingCredentials{}, slotter, &scriptedSearcher{steps: []searchStep{{}}},
		WithGatewayRegisterer(prometheus.NewRegistry()),
	)

	_, err := gw.CheckRank(context.Background(), Query{Keyword: "go hosting", Domain: "tracked.example"})
	require.ErrorIs(t, err, config.ErrNoActiveCredential)
	assert.Zero(t, slotter.acquires)
}

func TestGateway_RetriesThrottledCallsBeyondBudget(t *testing.T) {
	// Four consecutive 429s would exhaust the transient budget;
	// throttled calls never count against it.
	throttled := searchStep{err: &ProviderError{StatusCode: http.StatusTooManyRequests}}
	searcher := &scriptedSearcher{steps: []searchStep{
		throttled, throttled, throttled, throttled,
		{resp: SearchResponse{Results: []SearchResult{{Position: 3, URL: "https://tracked.example"}}, CreditsUsed: 1}},
	}}

	slotter := &countingSlotter{}
	gw := newTestGateway(searcher, slotter, nil)

	result, err := gw.CheckRank(context.Background(), Query{Keyword: "go hosting", Domain: "tracked.example"})
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, 5, slotter.acquires)
}

func TestGateway_ThrottledRetryStopsWithContext(t *testing.T) {
	searcher := &scriptedSearcher{steps: []searchStep{
		{err: &ProviderError{StatusCode: http.StatusTooManyRequests}},
	}}

	gw := NewGateway(testCredential, &countingSlotter{}, searcher,
		WithGatewayRegisterer(prometheus.NewRegistry()),
		WithProviderWindow(time.Minute),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := gw.CheckRank(ctx, Query{Keyword: "go hosting", Domain: "tracked.example"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateway_BoundedRetryOnTransientFailure(t *testing.T) {
	searcher := &scriptedSearcher{steps: []searchStep{
		{err: &ProviderError{StatusCode: http.StatusBadGateway}},
		{err: errors.New("connection reset")},
		{resp: SearchResponse{Results: []SearchResult{{Position: 1, URL: "https://tracked.example"}}}},
	}}

	gw := newTestGateway(searcher, &countingSlotter{}, nil)

	result, err := gw.CheckRank(context.Background(), Query{Keyword: "go hosting", Domain: "tracked.example"})
	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, 3, searcher.calls)
}

func TestGateway_GivesUpAfterRetryBudget(t *testing.T) {
	searcher := &scriptedSearcher{steps: []searchStep{
		{err: &ProviderError{StatusCode: http.StatusInternalServerError}},
	}}

	usage := &captureUsage{}
	gw := newTestGateway(searcher, &countingSlotter{}, usage)

	_, err := gw.CheckRank(context.Background(), Query{Keyword: "go hosting", Domain: "tracked.example"})
	require.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, 3, searcher.calls)

	// Every attempt, failed or not, updates the usage record.
	assert.Len(t, usage.usages, 3)
}
