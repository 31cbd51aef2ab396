package plugins

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Loader собирает поколение реестра из каталога манифестов.
// Перезагрузка всё-или-ничего: любая ошибка оставляет текущее поколение на месте.
type Loader struct {
	dir      string
	catalog  *Catalog
	registry *Registry
	logger   *zap.Logger

	mu sync.Mutex // одна перезагрузка за раз
}

var _ Reloader = (*Loader)(nil)

func NewLoader(dir string, catalog *Catalog, registry *Registry, logger *zap.Logger) *Loader {
	return &Loader{
		dir:      dir,
		catalog:  catalog,
		registry: registry,
		logger:   logger.With(zap.String("mod", "plugins"), zap.String("dir", dir)),
	}
}

// Manifests возвращает манифесты каталога или набор по умолчанию, если каталог пуст.
func (l *Loader) Manifests() ([]Manifest, error) {
	manifests, err := DiscoverManifests(l.dir)
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		l.logger.Info("no plugin manifests found, using built-in set")
		return DefaultManifests(), nil
	}
	return manifests, nil
}

// Reload перечитывает каталог и атомарно публикует новое поколение.
func (l *Loader) Reload(ctx context.Context) (*Generation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	manifests, err := l.Manifests()
	if err != nil {
		l.logger.Error("plugin reload failed", zap.Error(err))
		return nil, fmt.Errorf("reload plugins: %w", err)
	}
	specs, err := l.catalog.BuildAll(manifests)
	if err != nil {
		l.logger.Error("plugin reload failed", zap.Error(err))
		return nil, fmt.Errorf("reload plugins: %w", err)
	}
	g, err := l.registry.Swap(specs)
	if err != nil {
		l.logger.Error("plugin reload failed", zap.Error(err))
		return nil, fmt.Errorf("reload plugins: %w", err)
	}
	return g, nil
}

// Validate проверяет каталог, не трогая реестр.
func (l *Loader) Validate() ([]CommandSpec, error) {
	manifests, err := l.Manifests()
	if err != nil {
		return nil, err
	}
	specs, err := l.catalog.BuildAll(manifests)
	if err != nil {
		return nil, err
	}
	g, err := NewGeneration(0, specs)
	if err != nil {
		return nil, err
	}
	return g.Commands(), nil
}
