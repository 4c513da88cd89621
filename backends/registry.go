// Package backends holds the registry of configured upstream services.
// The registry is built once per configuration load and never mutated;
// reloads build a fresh one and swap it atomically so in-flight requests
// observe either the old or the new table, never a partial one.
package backends

import (
	"fmt"
	"net/url"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/zerogate/zerogate/internal/config"
)

// ErrNotFound is returned by Resolve for an unconfigured service name.
var ErrNotFound = errors.New("service not found")

// Target is one resolvable upstream service.
type Target struct {
	Name        string
	DisplayName string
	BaseURL     *url.URL
	Providers   []string
}

// RequiresProvider reports whether the target is restricted to external
// auth providers, i.e. its provider list is non-empty and does not
// include the reserved "basic" local login.
func (t *Target) RequiresProvider() bool {
	if len(t.Providers) == 0 {
		return false
	}
	for _, p := range t.Providers {
		if p == "basic" {
			return false
		}
	}
	return true
}

// Registry maps service names to targets.
type Registry struct {
	targets map[string]*Target
}

// Build constructs a registry from the configured backend entries.
// URL construction fails fast: a backend whose address and port do not
// form a valid URL is a configuration error.
func Build(entries map[string]config.Backend) (*Registry, error) {
	targets := make(map[string]*Target, len(entries))
	for name, item := range entries {
		scheme := "http"
		if item.TLS {
			scheme = "https"
		}
		raw := fmt.Sprintf("%s://%s:%d", scheme, item.Address, item.Port)
		u, err := url.Parse(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "backend %q: invalid target %q", name, raw)
		}
		targets[name] = &Target{
			Name:        name,
			DisplayName: item.Name,
			BaseURL:     u,
			Providers:   append([]string(nil), item.Providers...),
		}
	}
	return &Registry{targets: targets}, nil
}

// Resolve looks up a target by exact, case-sensitive name match.
func (r *Registry) Resolve(name string) (*Target, error) {
	t, ok := r.targets[name]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Names returns the configured service names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store is an atomically swappable registry handle. Request handlers
// hold the Store and call Load per request; a reload calls Swap once.
type Store struct {
	current atomic.Pointer[Registry]
}

// NewStore creates a store holding the given registry.
func NewStore(r *Registry) *Store {
	s := &Store{}
	s.current.Store(r)
	return s
}

// Load returns the current registry snapshot.
func (s *Store) Load() *Registry {
	return s.current.Load()
}

// Swap replaces the registry.
func (s *Store) Swap(r *Registry) {
	s.current.Store(r)
}
