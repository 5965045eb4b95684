// Package lifecycle manages module startup and shutdown: registration,
// dependency ordering, initialization, and stop in reverse order.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/presage-io/presage/pkg/plugin"
	"go.uber.org/zap"
)

// Manager owns the lifecycle of all registered modules.
type Manager struct {
	mu       sync.RWMutex
	modules  map[string]plugin.Module
	infos    map[string]plugin.ModuleInfo
	order    []string // topological order after Validate
	disabled map[string]bool
	logger   *zap.Logger
}

// New creates a new module lifecycle manager.
func New(logger *zap.Logger) *Manager {
	return &Manager{
		modules:  make(map[string]plugin.Module),
		infos:    make(map[string]plugin.ModuleInfo),
		disabled: make(map[string]bool),
		logger:   logger,
	}
}

// Register adds a module to the manager. Must be called before Validate.
func (m *Manager) Register(mod plugin.Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := mod.Info()
	name := info.Name

	if name == "" {
		return fmt.Errorf("module has empty name")
	}
	if _, exists := m.modules[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}

	m.modules[name] = mod
	m.infos[name] = info
	m.logger.Info("module registered",
		zap.String("name", name),
		zap.String("version", info.Version),
	)
	return nil
}

// Validate resolves dependencies via topological sort and verifies there
// are no cycles or missing dependencies. Optional modules with missing
// dependencies are disabled; required ones fail validation.
func (m *Manager) Validate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, info := range m.infos {
		for _, dep := range info.Dependencies {
			if _, ok := m.modules[dep]; !ok {
				if info.Required {
					return fmt.Errorf("module %q depends on %q which is not registered", name, dep)
				}
				m.logger.Warn("disabling module due to missing dependency",
					zap.String("name", name),
					zap.String("missing_dep", dep),
				)
				m.disabled[name] = true
				break
			}
		}
	}

	// Cascade disable: if a module is disabled, disable all its dependents.
	changed := true
	for changed {
		changed = false
		for name, info := range m.infos {
			if m.disabled[name] {
				continue
			}
			for _, dep := range info.Dependencies {
				if !m.disabled[dep] {
					continue
				}
				if info.Required {
					return fmt.Errorf("required module %q cannot start: dependency %q is disabled", name, dep)
				}
				m.logger.Warn("cascade disabling module",
					zap.String("name", name),
					zap.String("disabled_dep", dep),
				)
				m.disabled[name] = true
				changed = true
				break
			}
		}
	}

	order, err := m.topologicalSort()
	if err != nil {
		return err
	}
	m.order = order

	m.logger.Info("module dependency resolution complete",
		zap.Strings("start_order", m.order),
		zap.Int("active", len(m.order)),
		zap.Int("disabled", len(m.disabled)),
	)
	return nil
}

// InitAll initializes all active modules in dependency order. depsFn
// supplies each module's scoped dependencies by name.
func (m *Manager) InitAll(ctx context.Context, depsFn func(name string) plugin.Dependencies) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, name := range m.order {
		if m.disabled[name] {
			continue
		}
		mod := m.modules[name]

		m.logger.Info("initializing module", zap.String("name", name))
		if err := mod.Init(ctx, depsFn(name)); err != nil {
			info := m.infos[name]
			if info.Required {
				return fmt.Errorf("required module %q failed to initialize: %w", name, err)
			}
			m.logger.Error("optional module failed to initialize, disabling",
				zap.String("name", name),
				zap.Error(err),
			)
			m.disabled[name] = true
		}
	}
	return nil
}

// StartAll starts all initialized modules in dependency order.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, name := range m.order {
		if m.disabled[name] {
			continue
		}
		mod := m.modules[name]
		m.logger.Info("starting module", zap.String("name", name))
		if err := mod.Start(ctx); err != nil {
			info := m.infos[name]
			if info.Required {
				return fmt.Errorf("required module %q failed to start: %w", name, err)
			}
			m.logger.Error("optional module failed to start, disabling",
				zap.String("name", name),
				zap.Error(err),
			)
			m.disabled[name] = true
		}
	}
	return nil
}

// StopAll stops all active modules in reverse dependency order.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.order) - 1; i >= 0; i-- {
		name := m.order[i]
		if m.disabled[name] {
			continue
		}
		mod := m.modules[name]
		m.logger.Info("stopping module", zap.String("name", name))
		if err := mod.Stop(ctx); err != nil {
			m.logger.Error("failed to stop module", zap.String("name", name), zap.Error(err))
		}
	}
}

// Get returns an active module by name.
func (m *Manager) Get(name string) (plugin.Module, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mod, ok := m.modules[name]
	if ok && m.disabled[name] {
		return nil, false
	}
	return mod, ok
}

// All returns all active modules in dependency order.
func (m *Manager) All() []plugin.Module {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]plugin.Module, 0, len(m.order))
	for _, name := range m.order {
		if !m.disabled[name] {
			result = append(result, m.modules[name])
		}
	}
	return result
}

// AllRoutes returns HTTP routes from all active modules implementing HTTPProvider.
func (m *Manager) AllRoutes() map[string][]plugin.Route {
	m.mu.RLock()
	defer m.mu.RUnlock()

	routes := make(map[string][]plugin.Route)
	for _, name := range m.order {
		if m.disabled[name] {
			continue
		}
		if hp, ok := m.modules[name].(plugin.HTTPProvider); ok {
			if mr := hp.Routes(); len(mr) > 0 {
				routes[name] = mr
			}
		}
	}
	return routes
}

// IsDisabled returns whether a module has been disabled.
func (m *Manager) IsDisabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.disabled[name]
}

// topologicalSort returns module names in dependency order using Kahn's algorithm.
func (m *Manager) topologicalSort() ([]string, error) {
	active := make(map[string]bool)
	for name := range m.modules {
		if !m.disabled[name] {
			active[name] = true
		}
	}

	inDegree := make(map[string]int)
	dependents := make(map[string][]string) // dep -> modules that depend on it

	for name := range active {
		inDegree[name] = 0
	}

	for name := range active {
		info := m.infos[name]
		for _, dep := range info.Dependencies {
			if active[dep] {
				inDegree[name]++
				dependents[dep] = append(dependents[dep], name)
			}
		}
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)

		for _, dependent := range dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(active) {
		var cycled []string
		for name := range active {
			if inDegree[name] > 0 {
				cycled = append(cycled, name)
			}
		}
		return nil, fmt.Errorf("dependency cycle detected among modules: %v", cycled)
	}

	return order, nil
}
