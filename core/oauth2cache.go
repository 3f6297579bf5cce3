// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenExpiryBuffer is subtracted from a token's reported expiry so a
// nearly-expired token is refreshed instead of handed to the caller.
const tokenExpiryBuffer = 10 * time.Second

// fallbackTokenTTL is assumed when a token response carries no expiry at
// all, matching the teacher's cache-with-a-sane-default behavior in
// core/auth.go.
const fallbackTokenTTL = 300 * time.Second

// oauth2CacheKey identifies one client-credentials grant. Two OAuth2 auth
// descriptors that share a token URL, client ID, and scope reuse the same
// cached token rather than each minting their own.
type oauth2CacheKey struct {
	tokenURL string
	clientID string
	scope    string
}

// OAuth2Cache caches oauth2.TokenSource values across calls so a tool
// invocation that reuses the same OAuth2 credentials does not refetch a
// token that is still valid. Generalizes the teacher's Google ID token
// cache (core/auth.go: tokenSourceCache/cacheMutex) from a Google-audience
// key to a client-credentials key.
type OAuth2Cache struct {
	mu      sync.Mutex
	sources map[oauth2CacheKey]oauth2.TokenSource

	// newTokenSource is swappable in tests, mirroring the teacher's
	// package-level newTokenSource variable.
	newTokenSource func(ctx context.Context, a *OAuth2Auth) oauth2.TokenSource
}

// NewOAuth2Cache constructs an empty cache.
func NewOAuth2Cache() *OAuth2Cache {
	c := &OAuth2Cache{sources: make(map[oauth2CacheKey]oauth2.TokenSource)}
	c.newTokenSource = c.defaultTokenSource
	return c
}

func (c *OAuth2Cache) defaultTokenSource(ctx context.Context, a *OAuth2Auth) oauth2.TokenSource {
	cfg := &clientcredentials.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		TokenURL:     a.TokenURL,
	}
	if a.Scope != "" {
		cfg.Scopes = []string{a.Scope}
	}
	return cfg.TokenSource(ctx)
}

// Token returns a cached or newly-minted access token for a. It retries a
// body-credentials failure once using HTTP Basic auth on the token
// endpoint, matching the common client_secret_basic-vs-client_secret_post
// split across OAuth2 servers.
func (c *OAuth2Cache) Token(ctx context.Context, a *OAuth2Auth) (*oauth2.Token, error) {
	key := oauth2CacheKey{tokenURL: a.TokenURL, clientID: a.ClientID, scope: a.Scope}

	c.mu.Lock()
	ts, ok := c.sources[key]
	if !ok {
		ts = c.newTokenSource(ctx, a)
		c.sources[key] = ts
	}
	c.mu.Unlock()

	tok, err := ts.Token()
	if err == nil {
		return applyExpiryPolicy(tok), nil
	}

	// Retry once with HTTP Basic credentials at the token endpoint instead
	// of in the request body.
	basicCfg := &clientcredentials.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		TokenURL:     a.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	if a.Scope != "" {
		basicCfg.Scopes = []string{a.Scope}
	}
	basicTS := basicCfg.TokenSource(ctx)
	tok, basicErr := basicTS.Token()
	if basicErr != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sources[key] = basicTS
	c.mu.Unlock()
	return applyExpiryPolicy(tok), nil
}

// applyExpiryPolicy returns a copy of tok with its Expiry adjusted: a
// token that carried no expires_in (Expiry's zero value, which the
// oauth2 package otherwise treats as "never expires") is assumed to live
// fallbackTokenTTL from now; every token, fallback or reported, is then
// backed off by tokenExpiryBuffer so a nearly-expired token is refreshed
// instead of handed to the caller.
func applyExpiryPolicy(tok *oauth2.Token) *oauth2.Token {
	if tok == nil {
		return tok
	}
	out := *tok
	if out.Expiry.IsZero() {
		out.Expiry = time.Now().Add(fallbackTokenTTL)
	}
	out.Expiry = out.Expiry.Add(-tokenExpiryBuffer)
	return &out
}

// httpClientFor returns a context carrying the given http.Client, used so
// tests can inject an httptest.Server client into the token fetch without
// touching package-level state.
func httpClientFor(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}
