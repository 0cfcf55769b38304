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

// Package server exposes the admission-control core over HTTP: the
// payment-provider webhook endpoint, the rank-check endpoint and the
// quota read endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.gearno.de/kit/httpserver"
	"go.gearno.de/kit/log"
	"go.gearno.de/rankhub/quota"
	"go.gearno.de/rankhub/rank"
	"go.gearno.de/rankhub/webhook"
)

type (
	// Option is a function that configures the Handler during
	// initialization.
	Option func(h *Handler)

	// WebhookIntake processes one signed provider delivery.
	WebhookIntake interface {
		Handle(ctx context.Context, raw []byte, signatureHeader string) (webhook.Receipt, error)
	}

	// RankService performs a quota-charged rank lookup and serves
	// historical observations.
	RankService interface {
		Check(ctx context.Context, userID, keywordID string) (rank.CheckResult, error)
		History(ctx context.Context, userID, keywordID string, limit int) ([]rank.Ranking, error)
	}

	// QuotaReader exposes display-only quota snapshots.
	QuotaReader interface {
		Info(ctx context.Context, subjectID string) (quota.Info, error)
	}

	// Handler is the HTTP surface of the core.
	Handler struct {
		router chi.Router
		intake WebhookIntake
		ranks  RankService
		quotas QuotaReader
		logger *log.Logger
	}

	rankCheckRequest struct {
		KeywordID string `json:"keyword_id"`
	}

	rankCheckResponse struct {
		Position    *int    `json:"position"`
		URL         *string `json:"url"`
		FoundInTopN bool    `json:"foundInTopN"`
	}

	rankingResponse struct {
		Position  *int      `json:"position"`
		URL       *string   `json:"url"`
		Found     bool      `json:"found"`
		CheckedAt time.Time `json:"checked_at"`
	}
)

const (
	// signatureHeader carries the provider's `ts=<unix>;h1=<hex>`
	// signature.
	signatureHeader = "Webhook-Signature"

	// userIDHeader is set by the authenticating reverse proxy in
	// front of this service.
	userIDHeader = "X-User-Id"

	maxWebhookBody = 1 << 20
)

var _ http.Handler = (*Handler)(nil)

// WithLogger sets a custom logger for the handler.
func WithLogger(l *log.Logger) Option {
	return func(h *Handler) {
		h.logger = l.Named("server")
	}
}

// NewHandler creates the HTTP handler over the given collaborators.
func NewHandler(intake WebhookIntake, ranks RankService, quotas QuotaReader, options ...Option) *Handler {
	h := &Handler{
		intake: intake,
		ranks:  ranks,
		quotas: quotas,
		logger: log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(h)
	}

	r := chi.NewRouter()
	r.Post("/webhooks/payments", h.handleWebhook)
	r.Post("/rank-checks", h.handleRankCheck)
	r.Get("/keywords/{keyword_id}/rankings", h.handleRankHistory)
	r.Get("/quota", h.handleQuota)
	h.router = r

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httpserver.RenderError(w, http.StatusBadRequest, errors.New("cannot read request body"))
		return
	}

	receipt, err := h.intake.Handle(r.Context(), raw, r.Header.Get(signatureHeader))
	if err != nil {
		h.renderFailure(w, r, err)
		return
	}

	response := map[string]bool{"received": true}
	if receipt.Duplicate {
		response["duplicate"] = true
	}

	httpserver.RenderJSON(w, http.StatusOK, response)
}

func (h *Handler) handleRankCheck(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		httpserver.RenderError(w, http.StatusUnauthorized, errors.New("missing user identity"))
		return
	}

	var request rankCheckRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&request); err != nil {
		httpserver.RenderError(w, http.StatusBadRequest, errors.New("cannot decode request body"))
		return
	}
	if request.KeywordID == "" {
		httpserver.RenderError(w, http.StatusBadRequest, errors.New("keyword_id is required"))
		return
	}

	result, err := h.ranks.Check(r.Context(), userID, request.KeywordID)
	if err != nil {
		h.renderFailure(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, rankCheckResponse{
		Position:    result.Position,
		URL:         result.URL,
		FoundInTopN: result.FoundInTopN,
	})
}

func (h *Handler) handleRankHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		httpserver.RenderError(w, http.StatusUnauthorized, errors.New("missing user identity"))
		return
	}

	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httpserver.RenderError(w, http.StatusBadRequest, errors.New("limit must be an integer"))
			return
		}
		limit = n
	}

	rankings, err := h.ranks.History(r.Context(), userID, chi.URLParam(r, "keyword_id"), limit)
	if err != nil {
		h.renderFailure(w, r, err)
		return
	}

	response := make([]rankingResponse, 0, len(rankings))
	for _, ranking := range rankings {
		response = append(response, rankingResponse{
			Position:  ranking.Position,
			URL:       ranking.URL,
			Found:     ranking.Found,
			CheckedAt: ranking.CheckedAt,
		})
	}

	httpserver.RenderJSON(w, http.StatusOK, response)
}

func (h *Handler) handleQuota(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		httpserver.RenderError(w, http.StatusUnauthorized, errors.New("missing user identity"))
		return
	}

	info, err := h.quotas.Info(r.Context(), userID)
	if err != nil {
		h.renderFailure(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, info)
}
