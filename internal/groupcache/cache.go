// Package groupcache кэширует метаданные групп: TTL на чтении, инвалидация по событиям
// членства, устаревший снимок при ошибке обновления. Снимки неизменяемы и заменяются целиком.
package groupcache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/metrics"
	"github.com/xela07ax/chatgate/internal/session"
)

// DefaultMaxAge — возраст снимка по умолчанию для Snapshot/IsAdmin/IsOwner.
const DefaultMaxAge = 5 * time.Minute

type Config struct {
	TTL            time.Duration
	RefreshTimeout time.Duration
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

type Cache struct {
	fetcher session.MetadataFetcher
	cfg     Config
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[domain.Identity]*domain.GroupSnapshot
	// epochs растет при каждой инвалидации: обновление, начатое до нее, не сохраняется
	// и не объединяется с запросами, пришедшими после
	epochs map[domain.Identity]uint64

	flights singleflight.Group
	warming sync.WaitGroup
}

func New(fetcher session.MetadataFetcher, cfg Config, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultMaxAge
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 10 * time.Second
	}
	c := &Cache{
		fetcher: fetcher,
		cfg:     cfg,
		now:     time.Now,
		metrics: m,
		logger:  logger.With(zap.String("mod", "groupcache")),
		entries: make(map[domain.Identity]*domain.GroupSnapshot),
		epochs:  make(map[domain.Identity]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get возвращает снимок не старше maxAge, при необходимости блокирующе обновляя его.
// При ошибке обновления отдается прежний снимок, если он есть, иначе ErrMetadataUnavailable.
func (c *Cache) Get(ctx context.Context, groupID domain.Identity, maxAge time.Duration) (*domain.GroupSnapshot, error) {
	if !groupID.IsGroup() {
		return nil, fmt.Errorf("%w: %s is not a group", domain.ErrMetadataUnavailable, groupID)
	}

	c.mu.RLock()
	snap := c.entries[groupID]
	epoch := c.epochs[groupID]
	c.mu.RUnlock()

	if snap != nil && c.now().Sub(snap.FetchedAt) < maxAge {
		c.metrics.CacheEvents.WithLabelValues("hit").Inc()
		return snap, nil
	}
	c.metrics.CacheEvents.WithLabelValues("miss").Inc()

	key := fmt.Sprintf("%s#%d", groupID, epoch)
	v, err, _ := c.flights.Do(key, func() (interface{}, error) {
		return c.refresh(ctx, groupID, epoch)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.GroupSnapshot), nil
}

// Snapshot — Get с TTL кэша.
func (c *Cache) Snapshot(ctx context.Context, groupID domain.Identity) (*domain.GroupSnapshot, error) {
	return c.Get(ctx, groupID, c.cfg.TTL)
}

func (c *Cache) refresh(ctx context.Context, groupID domain.Identity, epoch uint64) (*domain.GroupSnapshot, error) {
	// Запрос общий для всех ждущих: отмена одного вызывающего не должна сорвать его остальным
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RefreshTimeout)
	defer cancel()

	info, err := c.fetcher.GroupMetadata(rctx, groupID)
	if err != nil {
		c.metrics.CacheEvents.WithLabelValues("refresh_error").Inc()

		c.mu.RLock()
		stale := c.entries[groupID]
		c.mu.RUnlock()
		if stale != nil {
			c.metrics.CacheEvents.WithLabelValues("stale").Inc()
			c.logger.Warn("metadata refresh failed, serving stale snapshot",
				zap.String("group", string(groupID)),
				zap.Duration("age", stale.Age(c.now())),
				zap.Error(err))
			return stale, nil
		}
		c.logger.Error("metadata refresh failed", zap.String("group", string(groupID)), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrMetadataUnavailable, groupID, err)
	}

	if info.ID == "" {
		info.ID = groupID
	}
	snap := domain.NewGroupSnapshot(info, c.now())
	c.metrics.CacheEvents.WithLabelValues("refresh").Inc()

	c.mu.Lock()
	if c.epochs[groupID] == epoch {
		c.entries[groupID] = snap
	}
	c.mu.Unlock()

	c.logger.Debug("metadata refreshed",
		zap.String("group", string(groupID)), zap.Int("participants", len(snap.Participants())))
	return snap, nil
}

// Invalidate безусловно удаляет снимок группы.
func (c *Cache) Invalidate(groupID domain.Identity) {
	c.mu.Lock()
	delete(c.entries, groupID)
	c.epochs[groupID]++
	c.mu.Unlock()

	c.metrics.CacheEvents.WithLabelValues("invalidate").Inc()
	c.logger.Debug("group invalidated", zap.String("group", string(groupID)))
}

func (c *Cache) IsAdmin(ctx context.Context, groupID, id domain.Identity) (bool, error) {
	snap, err := c.Snapshot(ctx, groupID)
	if err != nil {
		return false, err
	}
	return snap.IsAdmin(id), nil
}

func (c *Cache) IsOwner(ctx context.Context, groupID, id domain.Identity) (bool, error) {
	snap, err := c.Snapshot(ctx, groupID)
	if err != nil {
		return false, err
	}
	return snap.IsOwner(id), nil
}

// Peek возвращает снимок без обновления.
func (c *Cache) Peek(groupID domain.Identity) (*domain.GroupSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.entries[groupID]
	return snap, ok
}

// Groups — идентификаторы групп с кэшированным снимком.
func (c *Cache) Groups() []domain.Identity {
	c.mu.RLock()
	out := make([]domain.Identity, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HandleMembership синхронно инвалидирует группу по событию членства и прогревает
// снимок заново в фоне, если только из группы не удалили самого бота.
func (c *Cache) HandleMembership(ctx context.Context, ev domain.MembershipChange, self domain.Identity) {
	if !ev.GroupID.IsGroup() {
		return
	}
	c.Invalidate(ev.GroupID)

	if ev.Action == domain.ActionRemove && containsUser(ev.Identities, self) {
		c.logger.Info("bot removed from group, snapshot dropped", zap.String("group", string(ev.GroupID)))
		return
	}

	warmCtx := context.WithoutCancel(ctx)
	c.warming.Add(1)
	go func() {
		defer c.warming.Done()
		if _, err := c.Snapshot(warmCtx, ev.GroupID); err != nil {
			c.logger.Debug("warm refresh after membership change failed",
				zap.String("group", string(ev.GroupID)), zap.Error(err))
		}
	}()
}

// Wait дожидается фоновых прогревов. Каждый ограничен RefreshTimeout.
func (c *Cache) Wait() {
	c.warming.Wait()
}

func containsUser(ids []domain.Identity, self domain.Identity) bool {
	user := self.User()
	if user == "" {
		return false
	}
	for _, id := range ids {
		if id.User() == user {
			return true
		}
	}
	return false
}
