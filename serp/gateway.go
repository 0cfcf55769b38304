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

// Package serp calls the external ranking provider. The Gateway is
// the only path to the provider: it resolves the active credential,
// takes a local rate-limit slot, honors provider throttling, bounds
// transient retries, and records the credits the provider reports as
// consumed.
package serp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/kit/log"
	"go.gearno.de/rankhub/config"
	"go.gearno.de/rankhub/ratelimit"
)

type (
	// GatewayOption is a function that configures the Gateway
	// during initialization.
	GatewayOption func(g *Gateway)

	// CredentialSource resolves the active provider credential.
	CredentialSource interface {
		ActiveCredential(ctx context.Context) (config.Credential, error)
	}

	// Slotter grants local admission to call the provider,
	// blocking until a slot frees or ctx is done.
	Slotter interface {
		Acquire(ctx context.Context, credential string) error
	}

	// Searcher performs one provider call.
	Searcher interface {
		Search(ctx context.Context, cred config.Credential, query Query) (SearchResponse, error)
	}

	// UsageRecorder persists provider-reported credit consumption.
	UsageRecorder interface {
		RecordUsage(ctx context.Context, usage Usage)
	}

	// Usage is what one provider call cost, per the provider's own
	// accounting.
	Usage struct {
		Credential string
		Credits    int
		StatusCode int
		OccurredAt time.Time
	}

	// Result is the outcome of a rank lookup for one domain.
	Result struct {
		Position int
		URL      string
		Found    bool
	}

	// Gateway orchestrates rank lookups against the provider.
	Gateway struct {
		credentials CredentialSource
		limiter     Slotter
		client      Searcher
		usage       UsageRecorder

		window      time.Duration
		retryDelays []time.Duration

		logger *log.Logger

		callsTotal   *prometheus.CounterVec
		retriesTotal *prometheus.CounterVec
	}

	nopUsageRecorder struct{}
)

// ErrProviderUnavailable is returned when the provider kept failing
// after the bounded retry budget was spent.
var ErrProviderUnavailable = errors.New("ranking provider unavailable")

func (nopUsageRecorder) RecordUsage(context.Context, Usage) {}

// WithGatewayLogger sets a custom logger for the gateway.
func WithGatewayLogger(l *log.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = l.Named("serp")
	}
}

// WithGatewayRegisterer sets a custom prometheus registerer.
func WithGatewayRegisterer(r prometheus.Registerer) GatewayOption {
	return func(g *Gateway) {
		g.registerMetrics(r)
	}
}

// WithUsageRecorder sets the credit-usage sink.
func WithUsageRecorder(u UsageRecorder) GatewayOption {
	return func(g *Gateway) {
		g.usage = u
	}
}

// WithProviderWindow overrides the back-off applied after the
// provider itself answers 429. Defaults to the full 60s rate window.
func WithProviderWindow(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.window = d
	}
}

// WithRetryDelays overrides the delays between bounded transient
// retries. The attempt budget is len(delays)+1.
func WithRetryDelays(delays []time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.retryDelays = delays
	}
}

// NewGateway creates a gateway over the given collaborators.
func NewGateway(credentials CredentialSource, limiter Slotter, client Searcher, options ...GatewayOption) *Gateway {
	g := &Gateway{
		credentials: credentials,
		limiter:     limiter,
		client:      client,
		usage:       nopUsageRecorder{},
		window:      60 * time.Second,
		retryDelays: []time.Duration{2 * time.Second, 4 * time.Second},
		logger:      log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(g)
	}

	if g.callsTotal == nil {
		g.registerMetrics(prometheus.DefaultRegisterer)
	}

	return g
}

func (g *Gateway) registerMetrics(r prometheus.Registerer) {
	g.callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rankhub",
			Subsystem: "serp",
			Name:      "calls_total",
			Help:      "Total number of provider calls by outcome.",
		},
		[]string{"outcome"},
	)
	g.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rankhub",
			Subsystem: "serp",
			Name:      "retries_total",
			Help:      "Total number of provider call retries by cause.",
		},
		[]string{"cause"},
	)

	for _, c := range []prometheus.Collector{g.callsTotal, g.retriesTotal} {
		if err := r.Register(c); err != nil {
			are := &prometheus.AlreadyRegisteredError{}
			if !errors.As(err, are) {
				panic(err)
			}
		}
	}
}

// CheckRank looks up where query.Domain ranks for query.Keyword.
//
// Provider 429 responses are not counted against the retry budget:
// the gateway sleeps a full window and tries again for as long as ctx
// allows, since the provider's throttle is authoritative over the
// local limiter. Other failures retry on the bounded delay schedule
// and then surface ErrProviderUnavailable.
func (g *Gateway) CheckRank(ctx context.Context, query Query) (Result, error) {
	cred, err := g.credentials.ActiveCredential(ctx)
	if err != nil {
		return Result{}, err
	}

	digest := ratelimit.Digest(cred.APIKey)
	failures := 0

	for {
		if err := g.limiter.Acquire(ctx, cred.APIKey); err != nil {
			g.callsTotal.WithLabelValues("not_admitted").Inc()
			return Result{}, fmt.Errorf("cannot acquire provider slot: %w", err)
		}

		resp, err := g.client.Search(ctx, cred, query)
		if err == nil {
			g.callsTotal.WithLabelValues("success").Inc()
			g.recordUsage(ctx, cred.APIKey, resp.CreditsUsed, 200)
			return matchDomain(resp.Results, query.Domain), nil
		}

		pe := &ProviderError{}
		if errors.As(err, &pe) {
			g.recordUsage(ctx, cred.APIKey, pe.CreditsUsed, pe.StatusCode)

			if pe.RateLimited() {
				g.callsTotal.WithLabelValues("rate_limited").Inc()
				g.retriesTotal.WithLabelValues("throttled").Inc()
				g.logger.WarnCtx(ctx, "provider throttled the call, backing off a full window",
					log.String("credential", digest),
					log.Duration("window", g.window),
				)

				if err := sleepCtx(ctx, g.window); err != nil {
					return Result{}, err
				}
				continue
			}
		}

		failures++
		if failures > len(g.retryDelays) {
			g.callsTotal.WithLabelValues("error").Inc()
			g.logger.ErrorCtx(ctx, "provider kept failing, giving up",
				log.String("credential", digest),
				log.Int("attempts", failures),
				log.Error(err),
			)
			return Result{}, fmt.Errorf("%w: %s", ErrProviderUnavailable, err)
		}

		delay := g.retryDelays[failures-1]
		g.retriesTotal.WithLabelValues("transient").Inc()
		g.logger.WarnCtx(ctx, "provider call failed, retrying",
			log.String("credential", digest),
			log.Int("attempt", failures),
			log.Duration("delay", delay),
			log.Error(err),
		)

		if err := sleepCtx(ctx, delay); err != nil {
			return Result{}, err
		}
	}
}

func (g *Gateway) recordUsage(ctx context.Context, credential string, credits, status int) {
	g.usage.RecordUsage(ctx, Usage{
		Credential: ratelimit.Digest(credential),
		Credits:    credits,
		StatusCode: status,
		OccurredAt: time.Now(),
	})
}

// matchDomain scans the result set for the tracked domain. Positions
// are taken from the provider when present, falling back to the
// 1-indexed rank within the page.
func matchDomain(results []SearchResult, domain string) Result {
	target := NormalizeHost(domain)

	for i, r := range results {
		if NormalizeHost(r.URL) != target {
			continue
		}

		position := r.Position
		if position <= 0 {
			position = i + 1
		}

		return Result{Position: position, URL: r.URL, Found: true}
	}

	return Result{}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
