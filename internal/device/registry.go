package device

import (
	"fmt"
	"sort"
	"sync"
)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]func() (Driver, error))
)

// Register makes a driver available under name. Registering the same name
// twice replaces the earlier factory.
func Register(name string, factory func() (Driver, error)) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// Open instantiates the driver registered under name.
func Open(name string) (Driver, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDriver, name)
	}
	return factory()
}

// Drivers returns the registered driver names in sorted order.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
