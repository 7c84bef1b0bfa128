package toolexec

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/registry"
)

type fakeResolver struct {
	manifest    registry.Manifest
	manifestErr error
	config      map[string]string
	configErr   error
}

func (f fakeResolver) Get(ctx context.Context, profile, routerKey string) (registry.Manifest, error) {
	return f.manifest, f.manifestErr
}

func (f fakeResolver) ResolveConfig(ctx context.Context, profile, routerKey string, overrides map[string]string) (map[string]string, error) {
	return f.config, f.configErr
}

func TestRunRejectsInactiveTool(t *testing.T) {
	e, err := New(Config{
		Registry:        fakeResolver{manifest: registry.Manifest{RouterKey: "weather.lookup", Active: false}},
		NodeStoragePath: t.TempDir(),
	})
	require.NoError(t, err)

	_, err = e.Run(context.Background(), RunRequest{Profile: "main", RouterKey: "weather.lookup"})
	require.Error(t, err)
	assert.True(t, shinkaierrors.Is(err, shinkaierrors.KindToolNotFound))
}

func TestRunPropagatesResolveConfigError(t *testing.T) {
	wantErr := shinkaierrors.New(shinkaierrors.KindConfigMissing, "api_key")
	e, err := New(Config{
		Registry: fakeResolver{
			manifest:  registry.Manifest{RouterKey: "weather.lookup", Active: true, Runner: registry.RunnerDeno},
			configErr: wantErr,
		},
		NodeStoragePath: t.TempDir(),
	})
	require.NoError(t, err)

	_, err = e.Run(context.Background(), RunRequest{Profile: "main", RouterKey: "weather.lookup"})
	require.Error(t, err)
	assert.True(t, shinkaierrors.Is(err, shinkaierrors.KindConfigMissing))
}

func TestRunRejectsUnknownRunner(t *testing.T) {
	e, err := New(Config{
		Registry: fakeResolver{
			manifest: registry.Manifest{RouterKey: "weather.lookup", Active: true, Runner: "cobol"},
			config:   map[string]string{},
		},
		NodeStoragePath: t.TempDir(),
	})
	require.NoError(t, err)

	_, err = e.Run(context.Background(), RunRequest{Profile: "main", RouterKey: "weather.lookup"})
	require.Error(t, err)
	assert.True(t, shinkaierrors.Is(err, shinkaierrors.KindConfigMissing))
}

func TestFirstJSONLineSkipsNoiseAndPicksFirstValid(t *testing.T) {
	stdout := []byte("deno warming up...\n{\"data\":{\"ok\":true}}\ntrailing noise\n")
	resp, err := firstJSONLine(stdout)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Data))
	assert.Empty(t, resp.Error)
}

func TestFirstJSONLineNoneFound(t *testing.T) {
	_, err := firstJSONLine([]byte("just some logs\nnothing parseable\n"))
	assert.Error(t, err)
}

func TestValidateAgainstSchemaAcceptsMatchingPayload(t *testing.T) {
	schema := []byte(`{"type":"object","required":["answer"],"properties":{"answer":{"type":"string"}}}`)
	err := validateAgainstSchema(schema, json.RawMessage(`{"answer":"42"}`))
	assert.NoError(t, err)
}

func TestValidateAgainstSchemaRejectsMissingField(t *testing.T) {
	schema := []byte(`{"type":"object","required":["answer"],"properties":{"answer":{"type":"string"}}}`)
	err := validateAgainstSchema(schema, json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestSanitizeFnNameMatchesRegistry(t *testing.T) {
	assert.Equal(t, registry.SanitizeRouterKey("Weather Lookup!"), sanitizeFnName("Weather Lookup!"))
}

func TestEnvFromConfigEncodesKeyValuePairs(t *testing.T) {
	env := envFromConfig(map[string]string{"API_KEY": "secret"})
	require.Len(t, env, 1)
	assert.Equal(t, "API_KEY=secret", env[0])
}

func TestTruncateLeavesShortStringsAlone(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
}

func TestTruncateCutsLongStrings(t *testing.T) {
	got := truncate("0123456789", 4)
	assert.Equal(t, "0123...(truncated)", got)
}
