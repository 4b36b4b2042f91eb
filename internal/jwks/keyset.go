/*
Copyright (C) 2022 Traefik Labs

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

// Package jwks resolves JSON Web Key Sets used to verify tokens issued by the
// identity provider, fetching remote sets lazily and keeping them fresh
// according to the cache-control headers of the JWKS endpoint.
package jwks

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/cachecontrol"
	jose "gopkg.in/square/go-jose.v2"
)

// KeySet resolves a signing key from a key ID.
type KeySet interface {
	Key(ctx context.Context, keyID string) (*jose.JSONWebKey, error)
}

// ContentKeySet serves keys from a JWK set given as raw, static content.
// Used in tests to avoid standing up an HTTP server.
type ContentKeySet struct {
	keySet *jose.JSONWebKeySet
}

// NewContentKeySet returns a ContentKeySet.
func NewContentKeySet(content []byte) (*ContentKeySet, error) {
	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal(content, &keySet); err != nil {
		return nil, fmt.Errorf("decode JWK set from content: %w", err)
	}

	return &ContentKeySet{keySet: &keySet}, nil
}

// Key returns a key for a given key ID.
func (k *ContentKeySet) Key(_ context.Context, keyID string) (*jose.JSONWebKey, error) {
	keys := k.keySet.Key(keyID)
	if len(keys) == 0 {
		return nil, nil
	}
	return &keys[0], nil
}

// RemoteKeySet fetches a key set from a JWKS URL and keeps it up to date,
// refreshing it according to the response's cache-control headers, but never
// sooner than minRefresh after a successful fetch (minRefresh is also the
// refresh interval when no cache-control headers are set).
type RemoteKeySet struct {
	url string

	mu       sync.RWMutex
	keys     jose.JSONWebKeySet
	expiry   time.Time
	updating *inflight
	client   *http.Client
}

// minRefresh floors how soon a RemoteKeySet will refetch after a successful
// fetch. idp.Client calls Key once per login callback, and logins cluster in
// bursts (a batch of users coming back from the identity provider within the
// same second); without a floor, an identity provider that omits
// cache-control headers would make every single one of those calls in the
// burst refetch the JWKS endpoint instead of sharing the one just fetched.
const minRefresh = 30 * time.Second

// NewRemoteKeySet returns a RemoteKeySet fetching keys from url.
func NewRemoteKeySet(url string) *RemoteKeySet {
	return &RemoteKeySet{
		url: url,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			Timeout: 5 * time.Second,
		},
	}
}

// Key returns a key for a given key ID, refreshing the key set first if it
// has expired.
func (s *RemoteKeySet) Key(ctx context.Context, keyID string) (*jose.JSONWebKey, error) {
	if err := s.updateKeySet(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.keys.Key(keyID)
	if len(keys) == 0 {
		return nil, nil
	}
	return &keys[0], nil
}

func (s *RemoteKeySet) updateKeySet(ctx context.Context) error {
	if !s.isExpired() {
		return nil
	}

	s.mu.Lock()
	if s.updating == nil {
		s.updating = newInflight()

		go func() {
			keySet, expiry, err := fetchKeys(ctx, s.client, s.url)

			s.mu.Lock()
			defer s.mu.Unlock()

			if err == nil {
				s.keys = *keySet
				s.expiry = expiry
			}

			s.updating.Done(err)
			s.updating = nil
		}()
	}

	updating := s.updating
	s.mu.Unlock()

	return updating.Wait(ctx)
}

func (s *RemoteKeySet) isExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return time.Now().After(s.expiry)
}

func fetchKeys(ctx context.Context, client *http.Client, url string) (*jose.JSONWebKeySet, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("build fetch keys request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("fetch keys: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, fmt.Errorf("unexpected status code %q", resp.Status)
	}

	var keySet jose.JSONWebKeySet
	if err = json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode body: %w", err)
	}

	// If the server doesn't provide cache control headers, fall back to
	// minRefresh rather than expiring immediately, so a burst of logins
	// against an identity provider with no cache-control headers shares one
	// fetch instead of one per login.
	expiry := time.Now().Add(minRefresh)
	_, e, err := cachecontrol.CachableResponse(req, resp, cachecontrol.Options{})
	if err == nil && e.After(expiry) {
		expiry = e
	}

	return &keySet, expiry, nil
}

type inflight struct {
	ch  chan struct{}
	err error
}

func newInflight() *inflight {
	return &inflight{ch: make(chan struct{})}
}

func (i *inflight) Wait(ctx context.Context) error {
	select {
	case <-i.ch:
		return i.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *inflight) Done(err error) {
	i.err = err
	close(i.ch)
}
