// Package registry implements the Tool Registry (spec.md §4.F): a per-node
// catalog of installed tool manifests, validated with JSON Schema at
// install time and searchable by embedding. It is adapted from the
// teacher's internal tool registry gateway (registry/registry.go,
// registry/service.go), which played the same role — catalog, validate,
// discover — for remotely-registered toolsets reached over Redis/Pulse.
// Shinkai's tools are not long-lived remote providers; they are manifests
// installed per profile and handed to the Tool Execution Layer (toolexec)
// for local, on-demand execution, so the teacher's distributed
// health-tracking and stream plumbing (health_tracker.go, stream_manager.go,
// result_stream.go) has no home here (see DESIGN.md for the deletion
// rationale).
package registry

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/registry/store"
	"github.com/shinkai-labs/shinkai-node/telemetry"
)

type (
	// Manifest, Runner and OAuthSpec are re-exported from store so callers
	// need not import the store subpackage directly for the common case.
	Manifest  = store.Manifest
	Runner    = store.Runner
	OAuthSpec = store.OAuthSpec
)

// RunnerDeno and RunnerPython are re-exported from store alongside the
// Runner type they tag.
const (
	RunnerDeno   = store.RunnerDeno
	RunnerPython = store.RunnerPython
)

type (
	// Registry is the Tool Registry's entry point: install/uninstall,
	// discovery, and activation of manifests for a profile.
	Registry struct {
		store  store.Store
		logger telemetry.Logger

		mu         sync.Mutex
		validators map[string]*jsonschema.Schema // manifest.Key() -> compiled config_schema, cached per spec.md §4.F invariant
	}

	// Config configures a Registry.
	Config struct {
		// Store is the manifest persistence backend. Required.
		Store store.Store
		// Logger receives install/uninstall/activation logs. When nil,
		// logs are suppressed.
		Logger telemetry.Logger
	}
)

// New creates a Registry backed by cfg.Store.
func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("manifest store is required")
	}
	return &Registry{
		store:      cfg.Store,
		logger:     cfg.Logger,
		validators: make(map[string]*jsonschema.Schema),
	}, nil
}

func (r *Registry) log(ctx context.Context, msg string, keyvals ...any) {
	if r.logger != nil {
		r.logger.Info(ctx, msg, keyvals...)
	}
}

// Install adds manifest to profile's catalog under a router_key sanitized
// from manifest.Name. It rejects installation if a manifest with the same
// (name, version) is already present, and replaces the installed entry
// when the version differs (spec.md §4.F).
func (r *Registry) Install(ctx context.Context, profile string, m Manifest) (Manifest, error) {
	m.RouterKey = SanitizeRouterKey(m.Name)

	existing, err := r.store.Get(ctx, profile, m.RouterKey)
	if err != nil && err != store.ErrNotFound {
		return Manifest{}, fmt.Errorf("lookup existing manifest: %w", err)
	}
	if err == nil {
		if existing.Version == m.Version {
			return Manifest{}, shinkaierrors.New(shinkaierrors.KindVersionConflict,
				fmt.Sprintf("tool %q version %q already installed", m.Name, m.Version))
		}
		// Differing version: uninstall the old entry before replacing it.
		r.mu.Lock()
		delete(r.validators, existing.Key())
		r.mu.Unlock()
	}

	if _, err := r.compileSchema(m, m.ConfigSchema); err != nil {
		return Manifest{}, err
	}
	if len(m.InputSchema) > 0 {
		if _, err := compileSchemaBytes(m.InputSchema); err != nil {
			return Manifest{}, shinkaierrors.Wrap(shinkaierrors.KindSchemaMismatch, "compile input_schema", err)
		}
	}
	if len(m.OutputSchema) > 0 {
		if _, err := compileSchemaBytes(m.OutputSchema); err != nil {
			return Manifest{}, shinkaierrors.Wrap(shinkaierrors.KindSchemaMismatch, "compile output_schema", err)
		}
	}

	if err := r.store.Save(ctx, profile, &m); err != nil {
		return Manifest{}, fmt.Errorf("save manifest: %w", err)
	}
	r.log(ctx, "tool installed", "profile", profile, "router_key", m.RouterKey, "version", m.Version)
	return m, nil
}

// Uninstall removes the manifest named name from profile's catalog.
func (r *Registry) Uninstall(ctx context.Context, profile, name string) error {
	routerKey := SanitizeRouterKey(name)
	m, err := r.store.Get(ctx, profile, routerKey)
	if err != nil {
		if err == store.ErrNotFound {
			return shinkaierrors.New(shinkaierrors.KindToolNotFound, fmt.Sprintf("tool %q not installed", name))
		}
		return fmt.Errorf("lookup manifest: %w", err)
	}
	if err := r.store.Delete(ctx, profile, routerKey); err != nil {
		return fmt.Errorf("delete manifest: %w", err)
	}
	r.mu.Lock()
	delete(r.validators, m.Key())
	r.mu.Unlock()
	r.log(ctx, "tool uninstalled", "profile", profile, "router_key", routerKey)
	return nil
}

// List returns every manifest installed for profile.
func (r *Registry) List(ctx context.Context, profile string) ([]Manifest, error) {
	ms, err := r.store.List(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	out := make([]Manifest, len(ms))
	for i, m := range ms {
		out[i] = *m
	}
	return out, nil
}

// Get returns the manifest at routerKey for profile.
func (r *Registry) Get(ctx context.Context, profile, routerKey string) (Manifest, error) {
	m, err := r.store.Get(ctx, profile, routerKey)
	if err != nil {
		if err == store.ErrNotFound {
			return Manifest{}, shinkaierrors.New(shinkaierrors.KindToolNotFound, fmt.Sprintf("tool %q not found", routerKey))
		}
		return Manifest{}, fmt.Errorf("get manifest: %w", err)
	}
	return *m, nil
}

// Activate marks the manifest at routerKey as callable. Only activated
// tools may be run (spec.md §4.F).
func (r *Registry) Activate(ctx context.Context, profile, routerKey string) error {
	return r.setActive(ctx, profile, routerKey, true)
}

// Deactivate marks the manifest at routerKey as not callable.
func (r *Registry) Deactivate(ctx context.Context, profile, routerKey string) error {
	return r.setActive(ctx, profile, routerKey, false)
}

func (r *Registry) setActive(ctx context.Context, profile, routerKey string, active bool) error {
	m, err := r.store.Get(ctx, profile, routerKey)
	if err != nil {
		if err == store.ErrNotFound {
			return shinkaierrors.New(shinkaierrors.KindToolNotFound, fmt.Sprintf("tool %q not found", routerKey))
		}
		return fmt.Errorf("get manifest: %w", err)
	}
	m.Active = active
	if err := r.store.Save(ctx, profile, m); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	r.log(ctx, "tool activation changed", "profile", profile, "router_key", routerKey, "active", active)
	return nil
}

// compileSchema compiles raw (a JSON Schema document), caching the result
// under m's (name, version) key so repeated Run calls for the same
// manifest reuse the compiled validator rather than recompiling per call
// (spec.md §4.F invariant).
func (r *Registry) compileSchema(m Manifest, raw []byte) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.validators[m.Key()]; ok {
		return s, nil
	}
	s, err := compileSchemaBytes(raw)
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindSchemaMismatch, "compile config_schema", err)
	}
	r.validators[m.Key()] = s
	return s, nil
}

// ConfigValidator returns the cached, compiled config_schema validator for
// the manifest at routerKey, compiling and caching it on first use.
func (r *Registry) ConfigValidator(ctx context.Context, profile, routerKey string) (*jsonschema.Schema, error) {
	m, err := r.store.Get(ctx, profile, routerKey)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, shinkaierrors.New(shinkaierrors.KindToolNotFound, fmt.Sprintf("tool %q not found", routerKey))
		}
		return nil, fmt.Errorf("get manifest: %w", err)
	}
	return r.compileSchema(*m, m.ConfigSchema)
}

func compileSchemaBytes(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := "manifest-schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(resource)
}
