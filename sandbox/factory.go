package sandbox

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/mcpsandbox/config"
)

// Constructor validates cfg and builds an uninitialized Backend. It must not
// allocate any resource; allocation happens in Initialize.
type Constructor func(logger *zap.Logger, cfg BackendConfig) (Backend, error)

// Factory resolves backend type names to constructors
type Factory struct {
	logger *zap.Logger

	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory creates an empty factory. Use Register to add backends before
// the factory is shared.
func NewFactory(logger *zap.Logger) *Factory {
	return &Factory{
		logger:       logger,
		constructors: make(map[string]Constructor),
	}
}

// NewDefaultFactory creates a factory with the built-in backends. The local
// backend is registered only when the configuration enables it.
func NewDefaultFactory(logger *zap.Logger, cfg *config.Config) *Factory {
	f := NewFactory(logger)
	f.Register(BackendDocker, newDockerBackend)
	f.Register(BackendPodman, newPodmanBackend)
	f.Register(BackendE2B, newE2BBackend)
	f.Register(BackendFirecracker, newFirecrackerBackend)
	if cfg != nil && cfg.Sandbox.EnableLocalBackend {
		f.Register(BackendLocal, newLocalBackend)
	}
	return f
}

// Built-in backend names
const (
	BackendDocker      = "docker"
	BackendPodman      = "podman"
	BackendE2B         = "e2b"
	BackendFirecracker = "firecracker"
	BackendLocal       = "local"
)

// Register adds a constructor. Registering the same name twice panics.
func (f *Factory) Register(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.constructors[name]; exists {
		panic(fmt.Sprintf("sandbox: backend %q registered twice", name))
	}
	f.constructors[name] = ctor
}

// Types returns the registered backend names in sorted order
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds an uninitialized backend of the given type
func (f *Factory) Create(backendType string, cfg BackendConfig) (Backend, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[backendType]
	f.mu.RUnlock()
	if !ok {
		return nil, newError(KindUnknownBackend, "create", "backend %q is not registered", backendType)
	}

	b, err := ctor(f.logger.With(zap.String("backend", backendType)), cfg)
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, wrapError(KindInvalidConfig, "create", err)
	}
	return b, nil
}

func requireField(backend, field, value string) error {
	if value == "" {
		return newError(KindInvalidConfig, "create", "%s backend requires %s", backend, field)
	}
	return nil
}
