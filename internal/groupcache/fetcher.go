package groupcache

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/metrics"
	"github.com/xela07ax/chatgate/internal/session"
)

// FetcherConfig — параметры надежного запроса метаданных.
type FetcherConfig struct {
	Attempts     uint
	Backoff      time.Duration // база экспоненциальной задержки между попытками
	TripAfter    uint32        // подряд идущих ошибок до размыкания
	OpenTimeout  time.Duration // сколько предохранитель остается разомкнутым
	HalfOpenReqs uint32
}

func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Attempts:     3,
		Backoff:      200 * time.Millisecond,
		TripAfter:    5,
		OpenTimeout:  30 * time.Second,
		HalfOpenReqs: 1,
	}
}

// ReliableFetcher оборачивает Session Handle: повтор с бэкоффом внутри Circuit Breaker.
// Пока предохранитель разомкнут, кэш сразу получает ошибку и отдает устаревший снимок.
type ReliableFetcher struct {
	next session.MetadataFetcher
	cb   *gobreaker.CircuitBreaker
	cfg  FetcherConfig
}

var _ session.MetadataFetcher = (*ReliableFetcher)(nil)

func NewReliableFetcher(next session.MetadataFetcher, cfg FetcherConfig, m *metrics.Metrics, logger *zap.Logger) *ReliableFetcher {
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	log := logger.With(zap.String("mod", "groupcache"))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "group-metadata",
		MaxRequests: cfg.HalfOpenReqs,
		Interval:    cfg.OpenTimeout,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.TripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(breakerGauge(to))
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})

	return &ReliableFetcher{next: next, cb: cb, cfg: cfg}
}

func (f *ReliableFetcher) GroupMetadata(ctx context.Context, groupID domain.Identity) (domain.GroupInfo, error) {
	res, err := f.cb.Execute(func() (interface{}, error) {
		var info domain.GroupInfo
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(f.cfg.Attempts),
			retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
				return f.cfg.Backoff * time.Duration(1<<n)
			}),
		)
		err := r.Do(func() error {
			var err error
			info, err = f.next.GroupMetadata(ctx, groupID)
			return err
		})
		return info, err
	})
	if err != nil {
		return domain.GroupInfo{}, fmt.Errorf("group metadata %s: %w", groupID, err)
	}
	return res.(domain.GroupInfo), nil
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	}
	return 0
}
