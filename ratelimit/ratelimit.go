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

package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/kit/log"
	"go.gearno.de/rankhub/internal/version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Limiter during
	// initialization.
	Option func(l *Limiter)

	// Limiter enforces a per-credential sliding window over
	// outbound provider calls. It is process-local by design: it
	// smooths local call rates below the provider ceiling, while
	// the provider's own 429 responses remain the authority in
	// multi-instance deployments.
	Limiter struct {
		logger *log.Logger
		tracer trace.Tracer

		window  time.Duration
		limit   int
		margin  int
		idleTTL time.Duration

		mu      sync.Mutex
		windows map[string]*window

		evictOnce sync.Once

		acquiresTotal      *prometheus.CounterVec
		acquireWaitSeconds prometheus.Histogram
		windowsGauge       prometheus.Gauge
	}

	window struct {
		stamps   []time.Time
		lastSeen time.Time
	}
)

const (
	tracerName = "go.gearno.de/rankhub/ratelimit"

	// Sleep step bounds for blocked acquires. The lower bound
	// avoids a busy loop, the upper bound keeps blocked callers
	// responsive to their deadline and to slots freed by
	// concurrent pruning.
	minStep = 100 * time.Millisecond
	maxStep = 5 * time.Second
)

// ErrAcquireTimeout is returned when no slot could be granted before
// the caller's context expired.
var ErrAcquireTimeout = errors.New("rate limit slot not acquired in time")

// WithLogger sets a custom logger for the limiter.
func WithLogger(l *log.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
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
	return func(l *Limiter) {
		l.registerMetrics(r)
	}
}

// WithWindow sets the sliding window duration. Default is one minute.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		l.window = d
	}
}

// WithLimit sets the provider ceiling in requests per window. Default
// is 30.
func WithLimit(n int) Option {
	return func(l *Limiter) {
		l.limit = n
	}
}

// WithMargin sets the safety margin subtracted from the ceiling.
// Default is 2.
func WithMargin(n int) Option {
	return func(l *Limiter) {
		l.margin = n
	}
}

// WithIdleTTL sets how long an empty per-credential window is kept
// before eviction. Default is 10 minutes.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) {
		l.idleTTL = d
	}
}

// NewLimiter creates a sliding-window limiter. Per-credential windows
// are created lazily on first use and evicted once idle, see
// StartEviction.
func NewLimiter(options ...Option) *Limiter {
	l := &Limiter{
		logger:  log.NewLogger(log.WithOutput(io.Discard)),
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
		window:  time.Minute,
		limit:   30,
		margin:  2,
		idleTTL: 10 * time.Minute,
		windows: make(map[string]*window),
	}

	for _, o := range options {
		o(l)
	}

	if l.acquiresTotal == nil {
		l.registerMetrics(prometheus.DefaultRegisterer)
	}

	return l
}

func (l *Limiter) registerMetrics(r prometheus.Registerer) {
	l.acquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "acquires_total",
			Help:      "Total number of slot acquisition attempts.",
		},
		[]string{"granted"},
	)
	if err := r.Register(l.acquiresTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.acquiresTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	l.acquireWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: "ratelimit",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a slot in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
	if err := r.Register(l.acquireWaitSeconds); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.acquireWaitSeconds = are.ExistingCollector.(prometheus.Histogram)
		}
	}

	l.windowsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: "ratelimit",
			Name:      "windows",
			Help:      "Number of live per-credential windows.",
		},
	)
	if err := r.Register(l.windowsGauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.windowsGauge = are.ExistingCollector.(prometheus.Gauge)
		}
	}
}

// Digest returns a short fixed-length digest of a credential, safe to
// put in logs, metrics and span attributes. Raw credentials must never
// appear in diagnostics.
func Digest(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:4])
}

// Acquire blocks until a slot is free within the effective limit
// (limit minus margin) for the given credential, or until ctx is
// done, in which case it returns ErrAcquireTimeout. Waiting is a loop
// of bounded sleeps sized by the age of the oldest in-window
// timestamp, never a busy spin.
func (l *Limiter) Acquire(ctx context.Context, credential string) error {
	var (
		start    = time.Now()
		digest   = Digest(credential)
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"ratelimit.Acquire",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("ratelimit.credential_digest", digest),
				attribute.Int("ratelimit.limit", l.limit),
				attribute.Int("ratelimit.margin", l.margin),
				attribute.Int64("ratelimit.window_ms", l.window.Milliseconds()),
			),
		)
		defer span.End()
	}

	for {
		wait, granted := l.tryReserve(credential, time.Now())
		if granted {
			waited := time.Since(start)

			l.acquiresTotal.WithLabelValues("true").Inc()
			l.acquireWaitSeconds.Observe(waited.Seconds())

			if waited > minStep {
				l.logger.DebugCtx(ctx, "rate limit slot granted after wait",
					log.String("credential_digest", digest),
					log.Duration("waited", waited),
				)
			}

			if rootSpan.IsRecording() {
				span.SetAttributes(
					attribute.Bool("ratelimit.granted", true),
					attribute.Int64("ratelimit.wait_ms", waited.Milliseconds()),
				)
			}

			return nil
		}

		step := wait
		if step < minStep {
			step = minStep
		}
		if step > maxStep {
			step = maxStep
		}

		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()

			l.acquiresTotal.WithLabelValues("false").Inc()

			if rootSpan.IsRecording() {
				span.SetAttributes(attribute.Bool("ratelimit.granted", false))
			}

			return fmt.Errorf("credential %s: %w", digest, ErrAcquireTimeout)
		case <-timer.C:
		}
	}
}

// tryReserve records now and grants when the pruned window has
// capacity. Otherwise it reports how long until the oldest timestamp
// ages out.
func (l *Limiter) tryReserve(credential string, now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[credential]
	if !ok {
		w = &window{}
		l.windows[credential] = w
		l.windowsGauge.Set(float64(len(l.windows)))
	}

	w.lastSeen = now
	w.prune(now.Add(-l.window))

	if len(w.stamps) < l.effectiveLimit() {
		w.stamps = append(w.stamps, now)
		return 0, true
	}

	return l.window - now.Sub(w.stamps[0]), false
}

func (l *Limiter) effectiveLimit() int {
	n := l.limit - l.margin
	if n < 1 {
		n = 1
	}
	return n
}

// Remaining reports how many slots are currently free for the
// credential. Non-blocking, for introspection only.
func (l *Limiter) Remaining(credential string) int {
	return l.effectiveLimit() - l.Count(credential)
}

// Count reports how many in-window timestamps the credential holds.
// Non-blocking, for introspection only.
func (l *Limiter) Count(credential string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[credential]
	if !ok {
		return 0
	}

	w.prune(time.Now().Add(-l.window))

	return len(w.stamps)
}

func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
