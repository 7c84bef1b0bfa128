package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/store/inmem"
)

func TestExchangeMissingOAuthSpecFails(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	_, err := reg.Install(ctx, "alice", sampleManifest("weather", "1.0.0"))
	require.NoError(t, err)

	tokens := NewTokenStore(inmem.New())
	_, err = reg.Exchange(ctx, tokens, "alice", "weather", "some-code")
	require.True(t, shinkaierrors.Is(err, shinkaierrors.KindConfigMissing))
}

func TestExchangeStoresToken(t *testing.T) {
	ctx := context.Background()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer"}`))
	}))
	defer tokenSrv.Close()

	reg := newTestRegistry(t)
	m := sampleManifest("calendar", "1.0.0")
	m.OAuth = &OAuthSpec{
		ClientID:     "client-id",
		ClientSecret: "secret",
		AuthURL:      tokenSrv.URL + "/auth",
		TokenURL:     tokenSrv.URL + "/token",
	}
	_, err := reg.Install(ctx, "alice", m)
	require.NoError(t, err)

	tokens := NewTokenStore(inmem.New())
	tok, err := reg.Exchange(ctx, tokens, "alice", "calendar", "auth-code")
	require.NoError(t, err)
	require.Equal(t, "tok-123", tok.AccessToken)

	stored, err := tokens.LoadToken(ctx, "alice", "calendar")
	require.NoError(t, err)
	require.Equal(t, "tok-123", stored.AccessToken)
}
