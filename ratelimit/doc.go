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

// Package ratelimit provides an in-process sliding-window rate
// limiter for outbound calls to the search provider.
//
// # Algorithm
//
// Each credential owns an ordered list of call timestamps. An acquire
// prunes timestamps older than the window, admits immediately when
// fewer than limit-minus-margin remain, and otherwise sleeps until the
// oldest timestamp is due to age out (in bounded steps, so the caller
// stays responsive to its deadline) before retrying.
//
// # Scope
//
// The window is process-local. In a multi-instance deployment it is a
// soft ceiling that keeps the local call rate smooth; the provider's
// 429 responses remain authoritative and are honored by the call
// gateway with a full-window backoff.
//
// # Usage
//
//	limiter := ratelimit.NewLimiter(
//	    ratelimit.WithLogger(logger),
//	    ratelimit.WithLimit(30),
//	    ratelimit.WithMargin(2),
//	)
//	limiter.StartEviction(ctx)
//
//	acquireCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
//	defer cancel()
//
//	if err := limiter.Acquire(acquireCtx, apiKey); err != nil {
//	    // ratelimit.ErrAcquireTimeout: no slot before the deadline
//	    return err
//	}
//
// # Metrics
//
//   - ratelimit_acquires_total{granted}: Counter of acquisition attempts
//   - ratelimit_acquire_wait_seconds: Histogram of time spent waiting
//   - ratelimit_windows: Gauge of live per-credential windows
package ratelimit
