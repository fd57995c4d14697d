package provider

import (
	"log/slog"

	"github.com/cwygoda/audioqueue/internal/config"
	"github.com/cwygoda/audioqueue/internal/domain"
)

// Registry holds registered providers in match order.
type Registry struct {
	providers []domain.Provider
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// FromConfig builds a registry with one CommandProvider per config entry.
func FromConfig(pcs []config.ProviderConfig, artifactDir string, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, pc := range pcs {
		p, err := NewCommandProvider(pc, artifactDir, logger)
		if err != nil {
			return nil, err
		}
		r.Register(p)
	}
	return r, nil
}

// Register adds a provider to the registry.
func (r *Registry) Register(p domain.Provider) {
	r.providers = append(r.providers, p)
}

// Match returns the first provider that matches the URL, or nil.
func (r *Registry) Match(url string) domain.Provider {
	for _, p := range r.providers {
		if p.Match(url) {
			return p
		}
	}
	return nil
}

// Providers returns all registered providers.
func (r *Registry) Providers() []domain.Provider {
	return r.providers
}
