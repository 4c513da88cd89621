// Package providers models the external auth provider records backends
// may reference. The provider name "basic" is reserved and means local
// credential login; it is never resolved against this table.
package providers

import (
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/zerogate/zerogate/internal/config"
)

// Basic is the reserved provider name for local credential login.
const Basic = "basic"

// Provider is one configured external auth provider.
type Provider struct {
	ID     string
	Config *oauth2.Config
}

// Set is the immutable provider table built from configuration.
type Set struct {
	providers map[string]*Provider
}

// FromConfig builds the provider table.
func FromConfig(entries map[string]config.Provider) (*Set, error) {
	providers := make(map[string]*Provider, len(entries))
	for id, item := range entries {
		if id == Basic {
			return nil, errors.Errorf("provider name %q is reserved for local login", Basic)
		}
		providers[id] = &Provider{
			ID: id,
			Config: &oauth2.Config{
				ClientID:     item.ClientID,
				ClientSecret: item.ClientSecret,
				Endpoint: oauth2.Endpoint{
					AuthURL:  item.AuthURL,
					TokenURL: item.TokenURL,
				},
			},
		}
	}
	return &Set{providers: providers}, nil
}

// Get returns a provider record by id.
func (s *Set) Get(id string) (*Provider, bool) {
	p, ok := s.providers[id]
	return p, ok
}

// Satisfies reports whether a user whose account carries userProviders
// may access a backend restricted to required. An empty required list or
// the presence of "basic" admits local credential sessions; otherwise the
// user must carry at least one of the required provider names.
func (s *Set) Satisfies(required, userProviders []string) bool {
	if len(required) == 0 {
		return true
	}
	carried := make(map[string]struct{}, len(userProviders))
	for _, p := range userProviders {
		carried[p] = struct{}{}
	}
	for _, name := range required {
		if name == Basic {
			return true
		}
		if _, ok := carried[name]; ok {
			return true
		}
	}
	return false
}
