// Package store defines the persistence layer for tool manifests (spec.md
// §4.F), adapted from the teacher's registry/store package which abstracted
// toolset metadata storage behind a narrow interface so Mongo, in-memory,
// and Redis-replicated backends could share one Service implementation.
// Here the production backend is the node's single Persistent Store
// (spec.md §4.C), keyed under store.CFTools (the persistent subpackage);
// the memory subpackage is an in-memory alternative. This package holds only the
// shared Manifest type and the narrow Store contract the registry package
// drives it through.
package store

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotFound is returned when a manifest is not found in the store.
var ErrNotFound = errors.New("manifest not found")

// Runner identifies which interpreter executes a manifest's code blob.
type Runner string

const (
	RunnerDeno   Runner = "deno"
	RunnerPython Runner = "python"
)

// OAuthSpec declares the OAuth2 flow a manifest needs before it can run,
// shaped after golang.org/x/oauth2.Config.
type OAuthSpec struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	RedirectURL  string
}

// Config returns the oauth2.Config this spec describes.
func (s OAuthSpec) Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		RedirectURL:  s.RedirectURL,
		Scopes:       s.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  s.AuthURL,
			TokenURL: s.TokenURL,
		},
	}
}

// Manifest is a single installable tool: its identity, schemas, code, and
// the embedding used by search_by_embedding.
type Manifest struct {
	RouterKey   string
	Name        string
	Version     string
	Description string

	InputSchema  []byte // JSON Schema for run parameters
	OutputSchema []byte // JSON Schema for run results
	ConfigSchema []byte // JSON Schema for required config fields

	Runner   Runner
	CodeBlob []byte // the tool's source, written verbatim to the execution context

	// ConfigDefaults are the manifest-declared default config values,
	// overridden per spec.md §4.F by per-agent overrides, then by
	// environment TOOLKIT_<sanitized_key>.
	ConfigDefaults map[string]string

	OAuth *OAuthSpec

	Embedding []float32
	Active    bool

	InstalledAt time.Time
}

// Key uniquely identifies a manifest's (name, version) pair, distinct from
// its RouterKey which identifies the currently installed slot.
func (m Manifest) Key() string {
	return m.Name + "@" + m.Version
}

// Store is the persistence contract the registry drives manifests through.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save stores or replaces the manifest at router_key for profile.
	Save(ctx context.Context, profile string, m *Manifest) error

	// Get retrieves a manifest by router_key. Returns ErrNotFound if absent.
	Get(ctx context.Context, profile, routerKey string) (*Manifest, error)

	// Delete removes a manifest by router_key. Returns ErrNotFound if absent.
	Delete(ctx context.Context, profile, routerKey string) error

	// List returns every manifest installed for profile, ordered by
	// router_key.
	List(ctx context.Context, profile string) ([]*Manifest, error)
}
