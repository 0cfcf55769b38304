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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/rankhub/config"
)

func TestClient_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		var query Query
		require.NoError(t, json.NewDecoder(r.Body).Decode(&query))
		assert.Equal(t, "go hosting", query.Keyword)
		assert.Equal(t, defaultDepth, query.Depth)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"position":1,"url":"https://example.com"}],"credits_used":2}`))
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()))
	cred := config.Credential{APIKey: "sk_test", BaseURL: srv.URL}

	resp, err := client.Search(context.Background(), cred, Query{Keyword: "go hosting", Domain: "example.com"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 2, resp.CreditsUsed)
}

func TestClient_SearchProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited","credits_used":1}`))
	}))
	defer srv.Close()

	client := NewClient(WithHTTPClient(srv.Client()))
	cred := config.Credential{APIKey: "sk_test", BaseURL: srv.URL}

	_, err := client.Search(context.Background(), cred, Query{Keyword: "go hosting"})

	pe := &ProviderError{}
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.RateLimited())
	assert.Equal(t, 1, pe.CreditsUsed)
}
