package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xela07ax/chatgate/internal/domain"
)

// Встроенные виды обработчиков, на которые ссылаются манифесты.
const (
	KindPing       = "ping"
	KindAlive      = "alive"
	KindEcho       = "echo"
	KindText       = "text"
	KindGroupInfo  = "groupinfo"
	KindAdmins     = "admins"
	KindReload     = "reload"
	KindInvalidate = "invalidate"
	KindAntiLink   = "antilink"
)

const groupOnlyReply = "_This command works in groups only._"

// Factory строит обработчик по манифесту.
type Factory func(m Manifest) (Handler, error)

// GroupReader — то, что встроенным командам нужно от кэша метаданных групп.
type GroupReader interface {
	Snapshot(ctx context.Context, groupID domain.Identity) (*domain.GroupSnapshot, error)
	Invalidate(groupID domain.Identity)
}

// GroupToggle — включение фильтра ссылок по группам.
type GroupToggle interface {
	Enabled(groupID domain.Identity) bool
	Set(groupID domain.Identity, on bool)
}

// Reloader перезагружает реестр.
type Reloader interface {
	Reload(ctx context.Context) (*Generation, error)
}

// Catalog сопоставляет kind из манифеста с фабрикой обработчика.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog возвращает каталог с видами, которым не нужны зависимости: ping, echo, text.
func NewCatalog() *Catalog {
	c := &Catalog{factories: make(map[string]Factory)}
	c.Register(KindPing, static(pingHandler))
	c.Register(KindEcho, static(echoHandler))
	c.Register(KindText, textFactory)
	return c
}

func (c *Catalog) Register(kind string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[strings.ToLower(kind)] = f
}

func (c *Catalog) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.factories))
	for k := range c.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build превращает манифест в CommandSpec.
func (c *Catalog) Build(m Manifest) (CommandSpec, error) {
	kind := strings.ToLower(strings.TrimSpace(m.Kind))
	if kind == "" {
		kind = strings.ToLower(strings.TrimSpace(m.Name))
	}

	c.mu.RLock()
	f, ok := c.factories[kind]
	c.mu.RUnlock()
	if !ok {
		return CommandSpec{}, fmt.Errorf("%w: %q (command %q)", domain.ErrUnknownHandlerKind, m.Kind, m.Name)
	}

	h, err := f(m)
	if err != nil {
		return CommandSpec{}, fmt.Errorf("command %q: %w", m.Name, err)
	}
	return CommandSpec{
		Name:             m.Name,
		Aliases:          m.Aliases,
		RequiresElevated: m.RequiresElevated,
		Kind:             kind,
		Description:      m.Description,
		Handler:          h,
	}, nil
}

// BuildAll собирает все манифесты; первая ошибка прерывает сборку.
func (c *Catalog) BuildAll(manifests []Manifest) ([]CommandSpec, error) {
	specs := make([]CommandSpec, 0, len(manifests))
	for _, m := range manifests {
		spec, err := c.Build(m)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func static(h HandlerFunc) Factory {
	return func(Manifest) (Handler, error) { return h, nil }
}

func pingHandler(ctx context.Context, inv Invocation) error {
	return inv.Reply(ctx, "pong")
}

func echoHandler(ctx context.Context, inv Invocation) error {
	if len(inv.Args) == 0 {
		return inv.Reply(ctx, "_Nothing to echo._")
	}
	return inv.Reply(ctx, strings.Join(inv.Args, " "))
}

func textFactory(m Manifest) (Handler, error) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return nil, errors.New("kind text requires non-empty text")
	}
	return HandlerFunc(func(ctx context.Context, inv Invocation) error {
		return inv.Reply(ctx, text)
	}), nil
}

// AliveKind отвечает статусом шлюза.
func AliveKind(status func() string) Factory {
	return static(func(ctx context.Context, inv Invocation) error {
		return inv.Reply(ctx, status())
	})
}

// GroupInfoKind отвечает сводкой по группе из кэша метаданных.
func GroupInfoKind(groups GroupReader) Factory {
	return static(func(ctx context.Context, inv Invocation) error {
		if inv.Group == nil {
			return inv.Reply(ctx, groupOnlyReply)
		}
		snap, err := groups.Snapshot(ctx, *inv.Group)
		if err != nil {
			return err
		}
		var b strings.Builder
		fmt.Fprintf(&b, "*%s*\n", snap.Subject)
		if snap.OwnerID != "" {
			fmt.Fprintf(&b, "Owner: @%s\n", snap.OwnerID.User())
		}
		fmt.Fprintf(&b, "Members: %d\n", len(snap.Participants()))
		fmt.Fprintf(&b, "Admins: %d", len(snap.Admins()))
		return inv.Reply(ctx, b.String())
	})
}

// AdminsKind перечисляет администраторов группы.
func AdminsKind(groups GroupReader) Factory {
	return static(func(ctx context.Context, inv Invocation) error {
		if inv.Group == nil {
			return inv.Reply(ctx, groupOnlyReply)
		}
		snap, err := groups.Snapshot(ctx, *inv.Group)
		if err != nil {
			return err
		}
		admins := snap.Admins()
		if len(admins) == 0 {
			return inv.Reply(ctx, "_No admins._")
		}
		lines := make([]string, 0, len(admins))
		for _, id := range admins {
			lines = append(lines, "@"+id.User())
		}
		sort.Strings(lines)
		return inv.Reply(ctx, "*Admins*\n"+strings.Join(lines, "\n"))
	})
}

// InvalidateKind сбрасывает снимок текущей группы.
func InvalidateKind(groups GroupReader) Factory {
	return static(func(ctx context.Context, inv Invocation) error {
		if inv.Group == nil {
			return inv.Reply(ctx, groupOnlyReply)
		}
		groups.Invalidate(*inv.Group)
		return inv.Reply(ctx, "_Group metadata dropped._")
	})
}

// ReloadKind перезагружает реестр команд.
func ReloadKind(r Reloader) Factory {
	return static(func(ctx context.Context, inv Invocation) error {
		g, err := r.Reload(ctx)
		if err != nil {
			return err
		}
		return inv.Reply(ctx, fmt.Sprintf("_Reloaded %d commands (generation %d)._", g.Len(), g.ID))
	})
}

// AntiLinkKind включает (on), выключает (off) или показывает фильтр ссылок в текущей группе.
func AntiLinkKind(t GroupToggle) Factory {
	return static(func(ctx context.Context, inv Invocation) error {
		if inv.Group == nil {
			return inv.Reply(ctx, groupOnlyReply)
		}
		gid := *inv.Group
		if len(inv.Args) > 0 {
			switch strings.ToLower(inv.Args[0]) {
			case "on":
				t.Set(gid, true)
			case "off":
				t.Set(gid, false)
			default:
				return inv.Reply(ctx, "_Usage: antilink on|off_")
			}
		}
		state := "off"
		if t.Enabled(gid) {
			state = "on"
		}
		return inv.Reply(ctx, "_Anti-link is "+state+"._")
	})
}
