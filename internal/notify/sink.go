// Package notify — исходящие сообщения шлюза с ограничением темпа,
// чтобы сеть не начала троттлить сессию.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/session"
)

type Sink struct {
	next    session.Sender
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ session.Sender = (*Sink)(nil)

// NewSink: perSecond <= 0 снимает ограничение.
func NewSink(next session.Sender, perSecond float64, burst int, logger *zap.Logger) *Sink {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Sink{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(zap.String("mod", "notify")),
	}
}

func (s *Sink) Send(ctx context.Context, to domain.Identity, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify rate limit: %w", err)
	}
	if err := s.next.Send(ctx, to, text); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// Broadcast отправляет text каждому получателю; ошибка одного не останавливает остальных.
func (s *Sink) Broadcast(ctx context.Context, recipients []domain.Identity, text string) error {
	var errs []error
	for _, to := range recipients {
		if err := s.Send(ctx, to, text); err != nil {
			s.logger.Warn("broadcast delivery failed", zap.String("to", string(to)), zap.Error(err))
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}
