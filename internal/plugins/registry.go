// Package plugins хранит реестр команд шлюза. Реестр живет поколениями: поколение
// неизменяемо после сборки, перезагрузка собирает новое и атомарно подменяет указатель.
package plugins

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/metrics"
)

// Invocation — контекст вызова команды.
type Invocation struct {
	Sender   domain.Identity
	Group    *domain.Identity // nil для личного чата
	Args     []string
	Command  string
	Elevated bool

	// Reply отвечает в чат, откуда пришла команда
	Reply func(ctx context.Context, text string) error
}

// Handler исполняет команду. Ошибка означает HandlerError: отправитель получит
// общее сообщение об ошибке, подробности уйдут только в лог.
type Handler interface {
	Handle(ctx context.Context, inv Invocation) error
}

type HandlerFunc func(ctx context.Context, inv Invocation) error

func (f HandlerFunc) Handle(ctx context.Context, inv Invocation) error { return f(ctx, inv) }

// CommandSpec — описание команды в конкретном поколении реестра.
type CommandSpec struct {
	Name             string
	Aliases          []string
	RequiresElevated bool
	Kind             string
	Description      string
	Handler          Handler
}

// Generation — неизменяемый снимок реестра: имя -> команда и алиас -> имя.
type Generation struct {
	ID       uint64
	LoadedAt time.Time

	commands map[string]*CommandSpec
	aliases  map[string]string
}

// NewGeneration собирает поколение. Имена и алиасы сравниваются без учета регистра
// и не должны пересекаться ни между собой, ни друг с другом.
func NewGeneration(id uint64, specs []CommandSpec) (*Generation, error) {
	g := &Generation{
		ID:       id,
		LoadedAt: time.Now(),
		commands: make(map[string]*CommandSpec, len(specs)),
		aliases:  make(map[string]string),
	}

	for i := range specs {
		spec := specs[i]
		name := normalize(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("command #%d: empty name", i)
		}
		if spec.Handler == nil {
			return nil, fmt.Errorf("command %q: no handler", name)
		}
		if _, taken := g.lookupRaw(name); taken {
			return nil, fmt.Errorf("%w: %q", domain.ErrDuplicateCommand, name)
		}
		spec.Name = name
		spec.Aliases = append([]string(nil), spec.Aliases...)
		g.commands[name] = &spec
	}

	for name, spec := range g.commands {
		for _, alias := range spec.Aliases {
			alias = normalize(alias)
			if alias == "" || alias == name {
				continue
			}
			if owner, taken := g.lookupRaw(alias); taken {
				if owner == name {
					continue
				}
				return nil, fmt.Errorf("%w: alias %q of %q", domain.ErrDuplicateCommand, alias, name)
			}
			g.aliases[alias] = name
		}
	}
	return g, nil
}

func (g *Generation) lookupRaw(word string) (string, bool) {
	if _, ok := g.commands[word]; ok {
		return word, true
	}
	name, ok := g.aliases[word]
	return name, ok
}

// Lookup разрешает слово команды (через алиасы) в CommandSpec.
func (g *Generation) Lookup(word string) (*CommandSpec, bool) {
	name, ok := g.lookupRaw(normalize(word))
	if !ok {
		return nil, false
	}
	return g.commands[name], true
}

// Commands — команды поколения, отсортированные по имени.
func (g *Generation) Commands() []CommandSpec {
	out := make([]CommandSpec, 0, len(g.commands))
	for _, spec := range g.commands {
		out = append(out, *spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (g *Generation) Len() int { return len(g.commands) }

func normalize(word string) string {
	return strings.ToLower(strings.TrimSpace(word))
}

// Registry держит указатель на текущее поколение.
type Registry struct {
	current atomic.Pointer[Generation]
	seq     atomic.Uint64
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewRegistry(m *metrics.Metrics, logger *zap.Logger) *Registry {
	r := &Registry{
		metrics: m,
		logger:  logger.With(zap.String("mod", "plugins")),
	}
	empty, _ := NewGeneration(0, nil)
	r.current.Store(empty)
	return r
}

// Current возвращает текущее поколение. Вызывающий держит его до конца диспетчеризации:
// перезагрузка посреди вызова на него не влияет.
func (r *Registry) Current() *Generation {
	return r.current.Load()
}

// Swap собирает новое поколение из specs и публикует его. При ошибке текущее поколение остается.
func (r *Registry) Swap(specs []CommandSpec) (*Generation, error) {
	g, err := NewGeneration(r.seq.Add(1), specs)
	if err != nil {
		return nil, err
	}
	prev := r.current.Swap(g)
	r.metrics.RegistryGeneration.Set(float64(g.ID))
	r.logger.Info("registry generation swapped",
		zap.Uint64("generation", g.ID), zap.Uint64("previous", prev.ID), zap.Int("commands", g.Len()))
	return g, nil
}
