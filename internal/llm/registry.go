package llm

import (
	"fmt"
	"log/slog"
	"sort"
)

// Factory constructs a Client for one provider identifier.
type Factory func(logger *slog.Logger) (Client, error)

// Registry maps provider identifiers to constructors. It is populated
// once at startup; asking for an unknown identifier is a configuration
// error, not a runtime module load.
type Registry struct {
	factories map[string]Factory
	clients   map[string]Client
	logger    *slog.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		clients:   make(map[string]Client),
		logger:    logger,
	}
}

// Register adds a provider constructor under a name. Registering the
// same name twice replaces the earlier factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Client returns the client for a provider name, constructing it on
// first use and caching it afterwards.
func (r *Registry) Client(name string) (Client, error) {
	if c, ok := r.clients[name]; ok {
		return c, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (registered: %v)", name, r.Names())
	}
	c, err := f(r.logger)
	if err != nil {
		return nil, fmt.Errorf("construct provider %q: %w", name, err)
	}
	r.clients[name] = c
	return c, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
