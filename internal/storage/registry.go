package storage

import (
	"fmt"
	"sort"
	"sync"

	"taxfiler/internal/common/errors"
	"taxfiler/internal/config"
)

// Factory opens one storage backend
type Factory interface {
	Create(cfg *config.Config, sealer Sealer) (Storage, error)
	GetType() string
}

type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(storageType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[storageType] = factory
}

func (r *Registry) Create(storageType string, cfg *config.Config, sealer Sealer) (Storage, error) {
	r.mu.RLock()
	factory, exists := r.factories[storageType]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.ConfigError(fmt.Sprintf("storage type %s not registered", storageType))
	}

	return factory.Create(cfg, sealer)
}

func (r *Registry) GetAvailableTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for storageType := range r.factories {
		types = append(types, storageType)
	}
	sort.Strings(types)
	return types
}

var DefaultRegistry = NewRegistry()

func Register(storageType string, factory Factory) {
	DefaultRegistry.Register(storageType, factory)
}

// New opens the backend selected by DATABASE_TYPE. The backend package must
// be imported for its side effect of registering itself.
func New(cfg *config.Config, sealer Sealer) (Storage, error) {
	if sealer == nil {
		return nil, errors.ConfigError("storage requires a sealer")
	}

	storageType := cfg.DatabaseType
	if cfg.UsesPostgres() {
		storageType = "postgres"
	}
	return DefaultRegistry.Create(storageType, cfg, sealer)
}

func GetAvailableTypes() []string {
	return DefaultRegistry.GetAvailableTypes()
}
