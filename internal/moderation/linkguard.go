// Package moderation — фильтры входящих сообщений до маршрутизации команд.
package moderation

import (
	"context"
	"net"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/metrics"
	"github.com/xela07ax/chatgate/internal/session"
)

// AllGroups в списке групп включает проверку везде.
const AllGroups = "*"

const DefaultWarning = "⚠️ Anti-Link Detected! Warning issued."

var (
	linkPattern = regexp.MustCompile(`(?i)(?:(?:https?|ftp)://\S+|www\.\S+|[a-z0-9-]+(?:\.[a-z0-9-]+)*\.[a-z]{2,}(?:/\S*)?)`)
	shorteners  = []string{"bit.ly", "tinyurl.com", "goo.gl", "is.gd", "ow.ly", "bitly.com"}
)

type Config struct {
	Groups  []string // группы с включенной проверкой с запуска; "*" — все
	Allowed []string // домены, ссылки на которые не проверяются
	Warning string   // пустая строка — без предупреждения в чат
}

// Elevation — привилегированных отправителей фильтр не трогает.
type Elevation interface {
	IsElevated(id domain.Identity) bool
}

// LinkGuard перехватывает сообщения с подозрительными ссылками (сокращатели,
// IP-адреса, слишком короткие домены) и предупреждает группу.
type LinkGuard struct {
	allowed     []string
	warning     string
	sender      session.Sender
	elevated    Elevation
	sendTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu        sync.RWMutex
	all       bool
	overrides map[domain.Identity]bool
}

func NewLinkGuard(cfg Config, sender session.Sender, elevated Elevation, m *metrics.Metrics, logger *zap.Logger) *LinkGuard {
	g := &LinkGuard{
		warning:     cfg.Warning,
		sender:      sender,
		elevated:    elevated,
		sendTimeout: 10 * time.Second,
		metrics:     m,
		logger:      logger.With(zap.String("mod", "moderation")),
		overrides:   make(map[domain.Identity]bool),
	}
	for _, a := range cfg.Allowed {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			g.allowed = append(g.allowed, strings.TrimPrefix(a, "www."))
		}
	}
	for _, raw := range cfg.Groups {
		switch raw = strings.TrimSpace(raw); {
		case raw == AllGroups:
			g.all = true
		case raw != "":
			g.overrides[domain.Identity(raw)] = true
		}
	}
	return g
}

// Enabled сообщает, включена ли проверка в группе.
func (g *LinkGuard) Enabled(groupID domain.Identity) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if on, ok := g.overrides[groupID]; ok {
		return on
	}
	return g.all
}

// Set включает или выключает проверку в группе поверх конфигурации.
func (g *LinkGuard) Set(groupID domain.Identity, on bool) {
	g.mu.Lock()
	g.overrides[groupID] = on
	g.mu.Unlock()
	g.logger.Info("antilink toggled", zap.String("group", string(groupID)), zap.Bool("on", on))
}

// Intercept возвращает true, если сообщение задержано и до маршрутизатора не доходит.
func (g *LinkGuard) Intercept(ctx context.Context, msg domain.InboundMessage) bool {
	if msg.Group == nil || !g.Enabled(*msg.Group) {
		return false
	}
	if g.elevated != nil && g.elevated.IsElevated(msg.Sender) {
		return false
	}
	if !Suspicious(msg.Text, g.allowed) {
		return false
	}

	g.metrics.LinksFlagged.Inc()
	g.logger.Warn("suspicious link intercepted",
		zap.String("group", string(*msg.Group)), zap.String("sender", string(msg.Sender)))

	if g.warning != "" {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.sendTimeout)
		defer cancel()
		if err := g.sender.Send(sctx, *msg.Group, g.warning); err != nil {
			g.logger.Warn("antilink warning not delivered", zap.Error(err))
		}
	}
	return true
}

// Suspicious ищет в тексте ссылки и проверяет их домены. Домен из allowed
// (или содержащий его) пропускается; неразборчивая ссылка считается подозрительной.
func Suspicious(text string, allowed []string) bool {
	for _, link := range linkPattern.FindAllString(text, -1) {
		raw := link
		if !strings.Contains(raw, "://") {
			raw = "https://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return true
		}
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		if isAllowed(host, allowed) {
			continue
		}
		if isShortener(host) || net.ParseIP(host) != nil || len(host) < 5 {
			return true
		}
	}
	return false
}

func isAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		if strings.Contains(host, a) || strings.Contains(a, host) {
			return true
		}
	}
	return false
}

func isShortener(host string) bool {
	for _, s := range shorteners {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}
