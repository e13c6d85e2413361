package ai

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"unichat/internal/config"
)

// AutoModel asks the gateway to pick the default model.
const AutoModel = "auto"

var ErrUnknownModel = errors.New("unknown model")

// Route is a resolved provider and model pair.
type Route struct {
	Provider string
	Kind     string
	Model    string
}

// Key identifies the route in caches and logs.
func (r Route) Key() string {
	return r.Provider + "/" + r.Model
}

// Registry resolves requested model names against the configured providers.
type Registry struct {
	providers map[string]config.ProviderConfig
	order     []string
	fallback  string
}

// NewRegistry builds a registry from cfg. The default provider is tried first
// when a bare model name is requested.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	if cfg == nil || len(cfg.Providers) == 0 {
		return nil, errors.New("no model providers configured")
	}
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	fallback := cfg.DefaultProvider
	if fallback == "" {
		fallback = names[0]
	}
	if _, ok := cfg.Providers[fallback]; !ok {
		return nil, fmt.Errorf("default provider %q is not configured", fallback)
	}
	order := []string{fallback}
	for _, name := range names {
		if name != fallback {
			order = append(order, name)
		}
	}
	return &Registry{providers: cfg.Providers, order: order, fallback: fallback}, nil
}

// Resolve maps a requested model to a route. It accepts "auto" or empty,
// "provider/model", a provider name, or a model any provider lists.
func (r *Registry) Resolve(requested string) (Route, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" || strings.EqualFold(requested, AutoModel) {
		return r.defaultRoute(r.fallback)
	}
	if provider, model, ok := strings.Cut(requested, "/"); ok {
		if pc, exists := r.providers[provider]; exists && offers(pc, model) {
			return r.route(provider, model), nil
		}
	}
	if _, ok := r.providers[requested]; ok {
		return r.defaultRoute(requested)
	}
	for _, name := range r.order {
		if offers(r.providers[name], requested) {
			return r.route(name, requested), nil
		}
	}
	return Route{}, fmt.Errorf("%w: %s", ErrUnknownModel, requested)
}

// Models lists every routable model as provider/model.
func (r *Registry) Models() []string {
	var out []string
	for _, name := range r.order {
		pc := r.providers[name]
		seen := map[string]bool{}
		for _, m := range append([]string{pc.Model}, pc.Models...) {
			if m == "" || seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, name+"/"+m)
		}
	}
	return out
}

func (r *Registry) defaultRoute(provider string) (Route, error) {
	pc := r.providers[provider]
	model := pc.Model
	if model == "" && len(pc.Models) > 0 {
		model = pc.Models[0]
	}
	if model == "" {
		return Route{}, fmt.Errorf("%w: provider %s has no default model", ErrUnknownModel, provider)
	}
	return r.route(provider, model), nil
}

func (r *Registry) route(provider, model string) Route {
	kind := r.providers[provider].Kind
	if kind == "" {
		kind = provider
	}
	return Route{Provider: provider, Kind: strings.ToLower(kind), Model: model}
}

func offers(pc config.ProviderConfig, model string) bool {
	if model == "" {
		return false
	}
	if pc.Model == model {
		return true
	}
	for _, m := range pc.Models {
		if m == model {
			return true
		}
	}
	return false
}
