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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.gearno.de/kit/httpclient"
	"go.gearno.de/kit/log"
	"go.gearno.de/rankhub/config"
)

type (
	// ClientOption is a function that configures the Client during
	// initialization.
	ClientOption func(c *Client)

	// Client performs single search requests against the ranking
	// provider. Retry and throttling policy live in the Gateway,
	// not here.
	Client struct {
		hc     *http.Client
		logger *log.Logger
	}

	// Query describes one rank lookup.
	Query struct {
		Keyword string `json:"keyword"`
		Domain  string `json:"-"`
		Country string `json:"country"`
		Device  string `json:"device"`
		Depth   int    `json:"num"`
	}

	// SearchResult is one organic result row from the provider.
	SearchResult struct {
		Position int    `json:"position"`
		URL      string `json:"url"`
		Title    string `json:"title"`
	}

	// SearchResponse is the provider's parsed success payload.
	// CreditsUsed is what the provider says the call cost, which is
	// authoritative over anything we requested.
	SearchResponse struct {
		Results     []SearchResult `json:"results"`
		CreditsUsed int            `json:"credits_used"`
	}

	// ProviderError is a non-2xx provider response.
	ProviderError struct {
		StatusCode  int
		Body        string
		CreditsUsed int
	}
)

const defaultDepth = 100

// WithClientLogger sets a custom logger for the client.
func WithClientLogger(l *log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l.Named("serp.client")
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.hc = hc
	}
}

// NewClient creates a provider client. The default transport is
// pooled since every request targets the same host.
func NewClient(options ...ClientOption) *Client {
	c := &Client{
		logger: log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(c)
	}

	if c.hc == nil {
		c.hc = httpclient.DefaultPooledClient(httpclient.WithLogger(c.logger))
	}

	return c
}

// Search issues one search call with the given credential. Non-2xx
// responses come back as a *ProviderError.
func (c *Client) Search(ctx context.Context, cred config.Credential, query Query) (SearchResponse, error) {
	if query.Depth <= 0 {
		query.Depth = defaultDepth
	}

	body, err := json.Marshal(query)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("cannot encode search query: %w", err)
	}

	endpoint := strings.TrimSuffix(cred.BaseURL, "/") + "/search"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return SearchResponse{}, fmt.Errorf("cannot build search request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.APIKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("cannot call provider: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SearchResponse{}, fmt.Errorf("cannot read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SearchResponse{}, newProviderError(resp.StatusCode, raw)
	}

	var parsed SearchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return SearchResponse{}, fmt.Errorf("cannot decode provider response: %w", err)
	}

	return parsed, nil
}

// newProviderError builds a ProviderError, salvaging the reported
// credit cost from the error body when the provider includes one.
func newProviderError(status int, raw []byte) *ProviderError {
	pe := &ProviderError{
		StatusCode: status,
		Body:       string(raw),
	}

	var partial struct {
		CreditsUsed int `json:"credits_used"`
	}
	if err := json.Unmarshal(raw, &partial); err == nil {
		pe.CreditsUsed = partial.CreditsUsed
	}

	return pe
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider responded with status %d", e.StatusCode)
}

// RateLimited reports whether the provider rejected the call for
// exceeding its own rate limit.
func (e *ProviderError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}
