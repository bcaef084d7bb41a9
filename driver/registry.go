package driver

import "sync"

var (
	registryMu sync.RWMutex
	registry   []Driver
)

// Register adds a backend driver to the process-wide registry. Drivers
// typically call this from an init function so a blank import is enough to
// opt in to a backend.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()

	for _, existing := range registry {
		if existing.Name() == d.Name() {
			return
		}
	}
	registry = append(registry, d)
}

// Drivers returns the registered backend drivers in registration order.
func Drivers() []Driver {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]Driver, len(registry))
	copy(out, registry)
	return out
}
