package plugin

import (
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-deadman/pkg/logging"
)

// Registry indexes configured plugins by the capabilities they implement.
// Iteration order for every capability is registration (configuration)
// order. The registry itself performs no I/O.
type Registry struct {
	plugins       []Plugin
	pluginsByName map[string]Plugin

	healthSources      []HealthSource
	conditionals       []Conditional
	lifecycleCallbacks []LifecycleCallback
	backupProviders    []BackupProvider
	tagProviders       []TagProvider

	logger logging.Logger
	mu     sync.RWMutex
}

// NewRegistry creates an empty capability registry
func NewRegistry(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Registry{
		plugins:       make([]Plugin, 0),
		pluginsByName: make(map[string]Plugin),
		logger:        logger,
	}
}

// Register adds a plugin and indexes every capability it implements
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.pluginsByName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, name)
	}

	r.plugins = append(r.plugins, p)
	r.pluginsByName[name] = p

	capabilities := make([]string, 0, 5)
	if hs, ok := p.(HealthSource); ok {
		r.healthSources = append(r.healthSources, hs)
		capabilities = append(capabilities, "health_source")
	}
	if c, ok := p.(Conditional); ok {
		r.conditionals = append(r.conditionals, c)
		capabilities = append(capabilities, "conditional")
	}
	if lc, ok := p.(LifecycleCallback); ok {
		r.lifecycleCallbacks = append(r.lifecycleCallbacks, lc)
		capabilities = append(capabilities, "lifecycle_callback")
	}
	if bp, ok := p.(BackupProvider); ok {
		r.backupProviders = append(r.backupProviders, bp)
		capabilities = append(capabilities, "backup_provider")
	}
	if tp, ok := p.(TagProvider); ok {
		r.tagProviders = append(r.tagProviders, tp)
		capabilities = append(capabilities, "tag_provider")
	}

	r.logger.Info("plugin registered",
		logging.Plugin(name),
		logging.Any("capabilities", capabilities),
	)
	return nil
}

// Get returns a plugin by name
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pluginsByName[name]
	return p, ok
}

// Names returns all registered plugin names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		names[i] = p.Name()
	}
	return names
}

// HealthSources returns the registered health sources in registration order
func (r *Registry) HealthSources() []HealthSource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HealthSource, len(r.healthSources))
	copy(out, r.healthSources)
	return out
}

// Conditionals returns the registered conditionals in registration order
func (r *Registry) Conditionals() []Conditional {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conditional, len(r.conditionals))
	copy(out, r.conditionals)
	return out
}

// LifecycleCallbacks returns the registered lifecycle callbacks in registration order
func (r *Registry) LifecycleCallbacks() []LifecycleCallback {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]LifecycleCallback, len(r.lifecycleCallbacks))
	copy(out, r.lifecycleCallbacks)
	return out
}

// BackupProviders returns the registered backup providers in registration order
func (r *Registry) BackupProviders() []BackupProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BackupProvider, len(r.backupProviders))
	copy(out, r.backupProviders)
	return out
}

// BackupProvider returns the first registered backup provider
func (r *Registry) BackupProvider() (BackupProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.backupProviders) == 0 {
		return nil, ErrNoBackupProvider
	}
	return r.backupProviders[0], nil
}

// TagProviders returns the registered tag providers in registration order
func (r *Registry) TagProviders() []TagProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TagProvider, len(r.tagProviders))
	copy(out, r.tagProviders)
	return out
}
