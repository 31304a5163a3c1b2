package provider

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Constructor builds an unauthenticated provider instance from backend
// config. The caller must Authenticate before use.
type Constructor func(cfg Config, logger *zap.Logger) (Provider, error)

// Registry maps backend type tags to constructors. This is the only
// place backend types are wired in; the engines never reference a
// concrete backend.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	logger       *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		constructors: make(map[string]Constructor),
		logger:       logger.With(zap.String("component", "registry")),
	}
}

// Register binds a backend type tag to its constructor. Re-registering a
// tag replaces the previous constructor.
func (r *Registry) Register(backendType string, ctor Constructor) error {
	if backendType == "" {
		return fmt.Errorf("backend type cannot be empty")
	}
	if ctor == nil {
		return fmt.Errorf("constructor cannot be nil for %s", backendType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[backendType] = ctor

	r.logger.Debug("backend registered", zap.String("type", backendType))
	return nil
}

// Create instantiates an unauthenticated provider for the given type.
// Unknown types fail with an error enumerating the registered types.
func (r *Registry) Create(backendType string, cfg Config) (Provider, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[backendType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported backend type %q, supported types: %v",
			backendType, r.Supported())
	}

	p, err := ctor(cfg, r.logger.Named(backendType))
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", backendType, err)
	}
	return p, nil
}

// IsSupported reports whether the type tag has a registered constructor.
func (r *Registry) IsSupported(backendType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[backendType]
	return ok
}

// Supported returns the registered type tags in sorted order.
func (r *Registry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Capabilities reports the capability set for a backend type by
// instantiating it transiently, without live credentials.
func (r *Registry) Capabilities(backendType string) (Capabilities, error) {
	p, err := r.Create(backendType, Config{})
	if err != nil {
		return Capabilities{}, err
	}
	caps := p.Capabilities()
	_ = p.Disconnect()
	return caps, nil
}

// Builtin is one entry of the ordered startup registration list.
type Builtin struct {
	Type        string
	Constructor Constructor
}

// RegisterAll performs ordered registration of the given backends at
// process start. A failed registration logs and continues; the call
// fails only when zero backends registered.
func (r *Registry) RegisterAll(builtins []Builtin) error {
	registered := 0
	for _, b := range builtins {
		if err := r.Register(b.Type, b.Constructor); err != nil {
			r.logger.Warn("backend registration failed",
				zap.String("type", b.Type),
				zap.Error(err),
			)
			continue
		}
		registered++
	}

	if registered == 0 {
		return fmt.Errorf("no storage backends registered")
	}

	r.logger.Info("backends registered", zap.Strings("types", r.Supported()))
	return nil
}
