package notifier

import (
	"fmt"
	"slices"
	"sync"
)

// Factory builds a Notifier from string settings (e.g. "webhook_url").
type Factory func(config map[string]string) (Notifier, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a notifier factory available by name. Adapters call it
// from init; a duplicate name panics.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("notifier: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New creates a Notifier by name using the registered factory.
func New(name string, config map[string]string) (Notifier, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("notifier: unknown provider %q", name)
	}
	return factory(config)
}

// Spec names a registered notifier and its settings.
type Spec struct {
	Name   string
	Config map[string]string
}

// Build creates every notifier in specs. It returns nil for no specs, the
// notifier itself for one, and a Fanout otherwise.
func Build(specs ...Spec) (Notifier, error) {
	all := make(Fanout, 0, len(specs))
	for _, s := range specs {
		n, err := New(s.Name, s.Config)
		if err != nil {
			return nil, fmt.Errorf("notifier %s: %w", s.Name, err)
		}
		all = append(all, n)
	}
	switch len(all) {
	case 0:
		return nil, nil
	case 1:
		return all[0], nil
	default:
		return all, nil
	}
}

// Available returns the names of all registered notifiers, sorted.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
