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
	"fmt"
	"net/http"
)

// AuthApplier resolves a CallTemplate's Auth descriptor into concrete
// values a transport can attach to an outbound request: header
// key/value pairs, query parameters, and cookies. The HTTP-shaped
// transports (http, streamable_http, sse) use ApplyToRequest directly; the
// gnmi transport uses Resolve and folds the header map into its gRPC
// metadata. The websocket, cli, tcp and udp transports apply no auth.
type AuthApplier struct {
	oauth2Cache *OAuth2Cache
}

// NewAuthApplier constructs an AuthApplier backed by a fresh OAuth2 token
// cache.
func NewAuthApplier() *AuthApplier {
	return &AuthApplier{oauth2Cache: NewOAuth2Cache()}
}

// ResolvedAuth is the flattened, transport-agnostic result of resolving an
// Auth descriptor.
type ResolvedAuth struct {
	Headers map[string]string
	Query   map[string]string
	Cookies map[string]string
}

// Resolve turns auth into concrete header/query/cookie values. auth may be
// nil, in which case Resolve returns an empty, non-nil ResolvedAuth.
func (a *AuthApplier) Resolve(ctx context.Context, auth *Auth) (*ResolvedAuth, error) {
	out := &ResolvedAuth{Headers: map[string]string{}, Query: map[string]string{}, Cookies: map[string]string{}}
	if auth == nil {
		return out, nil
	}
	switch auth.Kind {
	case AuthAPIKey:
		k := auth.APIKey
		switch k.Location {
		case LocationQuery:
			out.Query[k.VarName] = k.APIKey
		case LocationCookie:
			out.Cookies[k.VarName] = k.APIKey
		default:
			out.Headers[k.VarName] = k.APIKey
		}
	case AuthBasic:
		out.Headers["Authorization"] = basicAuthHeader(auth.Basic.Username, auth.Basic.Password)
	case AuthOAuth2:
		tok, err := a.oauth2Cache.Token(ctx, auth.OAuth2)
		if err != nil {
			return nil, fmt.Errorf("oauth2 token fetch: %w", err)
		}
		out.Headers["Authorization"] = "Bearer " + tok.AccessToken
	default:
		return nil, fmt.Errorf("unknown auth kind %q", auth.Kind)
	}
	return out, nil
}

// ApplyToRequest resolves auth and mutates req's headers, query string,
// and cookies in place.
func (a *AuthApplier) ApplyToRequest(ctx context.Context, auth *Auth, req *http.Request) error {
	resolved, err := a.Resolve(ctx, auth)
	if err != nil {
		return err
	}
	for k, v := range resolved.Headers {
		req.Header.Set(k, v)
	}
	if len(resolved.Query) > 0 {
		q := req.URL.Query()
		for k, v := range resolved.Query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	for k, v := range resolved.Cookies {
		req.AddCookie(&http.Cookie{Name: k, Value: v})
	}
	return nil
}

func basicAuthHeader(username, password string) string {
	req := &http.Request{Header: http.Header{}}
	req.SetBasicAuth(username, password)
	return req.Header.Get("Authorization")
}
