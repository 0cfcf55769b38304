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
	"time"

	"go.gearno.de/kit/log"
)

// StartEviction starts a background goroutine that removes
// per-credential windows that have been empty for longer than the idle
// TTL. The goroutine stops when the provided context is cancelled.
//
// This method is safe to call multiple times; only the first call
// starts the eviction goroutine.
func (l *Limiter) StartEviction(ctx context.Context) {
	l.evictOnce.Do(func() {
		go l.runEvictionLoop(ctx)
	})
}

func (l *Limiter) runEvictionLoop(ctx context.Context) {
	interval := l.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}

	l.logger.InfoCtx(ctx, "starting rate limit window eviction loop",
		log.Duration("interval", interval),
		log.Duration("idle_ttl", l.idleTTL),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.InfoCtx(ctx, "stopping rate limit window eviction loop")
			return
		case <-ticker.C:
			evicted := l.evictIdle(time.Now())
			if evicted > 0 {
				l.logger.InfoCtx(ctx, "evicted idle rate limit windows",
					log.Int("evicted", evicted),
				)
			}
		}
	}
}

// evictIdle removes windows with no in-window timestamps and no
// activity for at least the idle TTL. Returns the number of windows
// removed.
func (l *Limiter) evictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	evicted := 0

	for credential, w := range l.windows {
		w.prune(cutoff)
		if len(w.stamps) == 0 && now.Sub(w.lastSeen) >= l.idleTTL {
			delete(l.windows, credential)
			evicted++
		}
	}

	if evicted > 0 {
		l.windowsGauge.Set(float64(len(l.windows)))
	}

	return evicted
}
