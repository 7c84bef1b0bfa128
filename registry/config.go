package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/registry/store"
)

var envKeyDisallowed = regexp.MustCompile(`[^A-Z0-9_]+`)

// ToolkitEnvKey sanitizes field into the TOOLKIT_<sanitized_key>
// environment variable name spec.md §4.F resolves config from: uppercased,
// non [A-Z0-9_] runs collapsed to "_".
func ToolkitEnvKey(field string) string {
	return "TOOLKIT_" + envKeyDisallowed.ReplaceAllString(strings.ToUpper(field), "_")
}

// ResolveConfig computes the effective config for the manifest at
// routerKey: manifest defaults, overridden by overrides, overridden by
// environment TOOLKIT_<sanitized_key> (spec.md §4.F). It returns
// ConfigMissing(field) if config_schema requires a field that resolves to
// the empty string.
func (r *Registry) ResolveConfig(ctx context.Context, profile, routerKey string, overrides map[string]string) (map[string]string, error) {
	m, err := r.store.Get(ctx, profile, routerKey)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, shinkaierrors.New(shinkaierrors.KindToolNotFound, fmt.Sprintf("tool %q not found", routerKey))
		}
		return nil, fmt.Errorf("get manifest: %w", err)
	}

	resolved := make(map[string]string, len(m.ConfigDefaults))
	for k, v := range m.ConfigDefaults {
		resolved[k] = v
	}
	for k, v := range overrides {
		resolved[k] = v
	}
	for k := range resolved {
		if v, ok := os.LookupEnv(ToolkitEnvKey(k)); ok {
			resolved[k] = v
		}
	}

	required, err := requiredConfigFields(m.ConfigSchema)
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindSchemaMismatch, "parse config_schema", err)
	}
	for _, field := range required {
		if v, ok := os.LookupEnv(ToolkitEnvKey(field)); ok && resolved[field] == "" {
			resolved[field] = v
		}
		if resolved[field] == "" {
			return nil, shinkaierrors.New(shinkaierrors.KindConfigMissing, field)
		}
	}
	return resolved, nil
}

// requiredConfigFields extracts the top-level "required" field names from a
// JSON Schema document. An empty or absent required list yields no fields.
func requiredConfigFields(schema []byte) ([]string, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	var doc struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal config_schema: %w", err)
	}
	return doc.Required, nil
}
