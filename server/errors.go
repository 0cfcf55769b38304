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

package server

import (
	"errors"
	"net/http"

	"go.gearno.de/kit/httpserver"
	"go.gearno.de/kit/log"
	"go.gearno.de/rankhub/config"
	"go.gearno.de/rankhub/quota"
	"go.gearno.de/rankhub/rank"
	"go.gearno.de/rankhub/ratelimit"
	"go.gearno.de/rankhub/serp"
	"go.gearno.de/rankhub/webhook"
)

// renderFailure maps domain errors onto HTTP statuses. Verification
// and admission failures are terminal for the request; processing
// failures answer 500 so the provider redelivers.
func (h *Handler) renderFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, webhook.ErrBadSignature):
		status = http.StatusUnauthorized
	case errors.Is(err, webhook.ErrMalformedEnvelope):
		status = http.StatusBadRequest
	case errors.Is(err, rank.ErrKeywordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, quota.ErrExhausted):
		status = http.StatusTooManyRequests
	case errors.Is(err, ratelimit.ErrAcquireTimeout),
		errors.Is(err, serp.ErrProviderUnavailable),
		errors.Is(err, config.ErrNoActiveCredential):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.ErrorCtx(r.Context(), "request failed",
			log.String("path", r.URL.Path),
			log.Error(err),
		)
		// Internal details stay in the logs.
		err = errors.New("internal error")
	}

	httpserver.RenderError(w, status, err)
}
