package services

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openpacs/qrindex/internal/config"
	"github.com/openpacs/qrindex/internal/dicomfile"
	"github.com/openpacs/qrindex/internal/engine"
	"github.com/openpacs/qrindex/internal/store"
)

// Registry holds one index engine per configured storage area.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*engine.Engine
}

// NewRegistry opens the index of every configured storage area. Each area's
// index file lives inside the area directory.
func NewRegistry(cfg config.StorageConfig) (*Registry, error) {
	r := &Registry{engines: make(map[string]*engine.Engine, len(cfg.Areas))}
	reader := dicomfile.NewReader()

	for _, area := range cfg.Areas {
		if err := os.MkdirAll(area.Path, 0o755); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to create storage area %s: %w", area.Name, err)
		}
		st, err := store.Open(filepath.Join(area.Path, "index.dat"), cfg.MaxStudies, cfg.MaxStudyBytes)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to open storage area %s: %w", area.Name, err)
		}
		r.engines[area.Name] = engine.New(st, reader, engine.Options{
			QuotaDeletesFiles: cfg.QuotaDeletesFiles,
		})
		log.Info().Str("area", area.Name).Str("path", area.Path).Msg("Opened storage area")
	}
	return r, nil
}

// Get returns the engine for a storage area.
func (r *Registry) Get(area string) (*engine.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[area]
	if !ok {
		return nil, fmt.Errorf("unknown storage area %q", area)
	}
	return e, nil
}

// Areas lists the configured storage area names.
func (r *Registry) Areas() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	return names
}

// Close closes every area's index file.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, e := range r.engines {
		if err := e.Store().Close(); err != nil {
			log.Error().Err(err).Str("area", name).Msg("Failed to close index")
		}
		delete(r.engines, name)
	}
}
