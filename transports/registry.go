// Package transports holds the registry of broker backends. Each backend
// package registers a Factory from init(); import it for its side effect
// and create transports by name:
//
//	import _ "github.com/glimte/mmate-oms/transports/rabbitmq"
//
//	tr, err := transports.Create("rabbitmq", transports.Config{URL: "amqp://localhost"})
package transports

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-oms/messaging"
)

// Config is the backend-agnostic transport configuration
type Config struct {
	// URL is the broker address, in the backend's own syntax
	URL string

	// Options carries backend-specific settings
	Options map[string]string
}

// Option returns the option stored under key, or def
func (c Config) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// IntOption returns the integer option stored under key, or def
func (c Config) IntOption(key string, def int) (int, error) {
	v, ok := c.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return n, nil
}

// DurationOption returns the duration option stored under key, or def
func (c Config) DurationOption(key string, def time.Duration) (time.Duration, error) {
	v, ok := c.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}

// BoolOption returns the boolean option stored under key, or def
func (c Config) BoolOption(key string, def bool) (bool, error) {
	v, ok := c.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("option %s: %w", key, err)
	}
	return b, nil
}

// Factory creates a transport from the given Config
type Factory func(cfg Config) (messaging.Transport, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds a named transport factory. Backends call this from init().
func Register(name string, factory Factory) {
	if factory == nil {
		panic("transports: Register factory is nil for " + name)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[name]; dup {
		panic("transports: Register called twice for " + name)
	}
	factories[name] = factory
}

// Create instantiates a transport by name using the registered factory
func Create(name string, cfg Config) (messaging.Transport, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transports: unknown backend %q", name)
	}
	return f(cfg)
}

// Names returns the registered backend names, sorted
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
