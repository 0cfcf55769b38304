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

package webhook

import (
	"context"
	"encoding/json"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/kit/log"
	"go.gearno.de/x/panicf"
)

type (
	// EventType discriminates inbound events. The set is closed:
	// one handler per known variant is registered at construction,
	// everything else falls through to a no-op acknowledgement so
	// new provider event types never break intake.
	EventType string

	// Event is a verified, deduplicated inbound event handed to a
	// handler.
	Event struct {
		ID   string
		Type EventType
		Data json.RawMessage
	}

	// Handler processes one event type. Handlers must be
	// internally idempotent: all writes derive from the event's
	// own fields, keyed by provider identifiers, so re-applying
	// the same event converges to the same end state.
	Handler interface {
		Process(ctx context.Context, evt Event) error
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, evt Event) error

	// RouterOption is a function that configures the Router
	// during initialization.
	RouterOption func(r *Router)

	// Router is a static table from event type to handler.
	Router struct {
		handlers map[EventType]Handler
		logger   *log.Logger

		dispatchedTotal *prometheus.CounterVec
		unknownTotal    prometheus.Counter
	}
)

// Process implements Handler.
func (f HandlerFunc) Process(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

const (
	EventSubscriptionCreated   EventType = "subscription.created"
	EventSubscriptionActivated EventType = "subscription.activated"
	EventSubscriptionTrialing  EventType = "subscription.trialing"
	EventSubscriptionPaused    EventType = "subscription.paused"
	EventSubscriptionResumed   EventType = "subscription.resumed"
	EventSubscriptionPastDue   EventType = "subscription.past_due"
	EventSubscriptionCanceled  EventType = "subscription.canceled"
	EventSubscriptionExpired   EventType = "subscription.expired"
	EventTransactionCompleted  EventType = "transaction.completed"
)

// WithRouterLogger sets a custom logger for the router.
func WithRouterLogger(l *log.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l.Named("webhook.router")
	}
}

// WithRouterRegisterer sets a custom Prometheus registerer for
// metrics.
func WithRouterRegisterer(reg prometheus.Registerer) RouterOption {
	return func(r *Router) {
		r.registerMetrics(reg)
	}
}

// NewRouter creates an empty router; handlers are added with
// Register before intake starts.
func NewRouter(options ...RouterOption) *Router {
	r := &Router{
		handlers: make(map[EventType]Handler),
		logger:   log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(r)
	}

	if r.dispatchedTotal == nil {
		r.registerMetrics(prometheus.DefaultRegisterer)
	}

	return r
}

func (r *Router) registerMetrics(reg prometheus.Registerer) {
	r.dispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "webhook",
			Name:      "events_dispatched_total",
			Help:      "Total number of events dispatched to handlers.",
		},
		[]string{"event_type", "outcome"},
	)
	if err := reg.Register(r.dispatchedTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			r.dispatchedTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	r.unknownTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "webhook",
			Name:      "events_unknown_total",
			Help:      "Total number of events with no registered handler.",
		},
	)
	if err := reg.Register(r.unknownTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			r.unknownTotal = are.ExistingCollector.(prometheus.Counter)
		}
	}
}

// Register binds a handler to an event type. Registering the same
// type twice is a programming error and panics.
func (r *Router) Register(t EventType, h Handler) {
	if _, ok := r.handlers[t]; ok {
		panicf.Panic("handler already registered for event type %q", t)
	}

	r.handlers[t] = h
}

// Dispatch routes the event to its handler. Unknown event types are
// acknowledged and ignored: handled is false and err is nil.
func (r *Router) Dispatch(ctx context.Context, evt Event) (handled bool, err error) {
	h, ok := r.handlers[evt.Type]
	if !ok {
		r.unknownTotal.Inc()
		r.logger.InfoCtx(ctx, "ignoring event with no registered handler",
			log.String("event_id", evt.ID),
			log.String("event_type", string(evt.Type)),
		)

		return false, nil
	}

	if err := h.Process(ctx, evt); err != nil {
		r.dispatchedTotal.WithLabelValues(string(evt.Type), "error").Inc()
		return true, err
	}

	r.dispatchedTotal.WithLabelValues(string(evt.Type), "ok").Inc()

	return true, nil
}
