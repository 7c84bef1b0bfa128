package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	regstore "github.com/shinkai-labs/shinkai-node/registry/store"
	rootstore "github.com/shinkai-labs/shinkai-node/store"
)

// TokenStore persists OAuth2 tokens per (router_key, profile), backed by
// the node's Persistent Store under store.CFTools (spec.md §4.F "stored in
// the Tools CF per (router_key, profile)").
type TokenStore struct {
	backend rootstore.Store
}

// NewTokenStore wraps backend as an OAuth token store.
func NewTokenStore(backend rootstore.Store) *TokenStore {
	return &TokenStore{backend: backend}
}

func tokenKey(profile, routerKey string) string {
	return profile + "|oauth|" + routerKey
}

// SaveToken persists tok for (profile, routerKey).
func (t *TokenStore) SaveToken(ctx context.Context, profile, routerKey string, tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal oauth token: %w", err)
	}
	return t.backend.Put(ctx, rootstore.CFTools, tokenKey(profile, routerKey), b)
}

// LoadToken retrieves the stored token for (profile, routerKey).
func (t *TokenStore) LoadToken(ctx context.Context, profile, routerKey string) (*oauth2.Token, error) {
	b, ok, err := t.backend.Get(ctx, rootstore.CFTools, tokenKey(profile, routerKey))
	if err != nil {
		return nil, fmt.Errorf("get oauth token: %w", err)
	}
	if !ok {
		return nil, shinkaierrors.New(shinkaierrors.KindConfigMissing, "oauth_token")
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, fmt.Errorf("unmarshal oauth token: %w", err)
	}
	return &tok, nil
}

// Exchange exchanges an authorization code for a token using the manifest's
// declared OAuth spec and persists the result.
func (r *Registry) Exchange(ctx context.Context, tokens *TokenStore, profile, routerKey, code string) (*oauth2.Token, error) {
	m, err := r.store.Get(ctx, profile, routerKey)
	if err != nil {
		if err == regstore.ErrNotFound {
			return nil, shinkaierrors.New(shinkaierrors.KindToolNotFound, fmt.Sprintf("tool %q not found", routerKey))
		}
		return nil, fmt.Errorf("get manifest: %w", err)
	}
	if m.OAuth == nil {
		return nil, shinkaierrors.New(shinkaierrors.KindConfigMissing, "oauth_spec")
	}
	tok, err := m.OAuth.Config().Exchange(ctx, code)
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindConfigMissing, "oauth code exchange failed", err)
	}
	if err := tokens.SaveToken(ctx, profile, routerKey, tok); err != nil {
		return nil, err
	}
	return tok, nil
}
