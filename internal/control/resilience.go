// Package control — общее состояние нескольких инстансов шлюза через Redis:
// множество привилегированных идентичностей, сигналы перезагрузки реестра
// и инвалидации групп, зеркало учетных данных.
package control

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	resubscribeDelay = 5 * time.Second
	reconnectPause   = time.Second
)

// ListenResilient — "живучая" подписка на канал Redis: переподписывается после обрыва
// и на каждой успешной подписке вызывает onReconnect для синхронизации состояния.
// Блокируется до отмены ctx.
func ListenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func(ctx context.Context) error,
	onMessage func(payload string),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleep(ctx, resubscribeDelay) {
				return
			}
			continue
		}

		if onReconnect != nil {
			if err := onReconnect(ctx); err != nil {
				logger.Error("sync failed on reconnect", zap.String("chan", channel), zap.Error(err))
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // канал закрыт, переподписываемся
				}
				onMessage(msg.Payload)
			}
		}

		pubsub.Close()
		logger.Warn("subscription lost, resubscribing", zap.String("chan", channel))
		if !sleep(ctx, reconnectPause) {
			return
		}
	}
}

// ParseToggle разбирает сигнал вида "id:on" / "id:off" (также true/false).
func ParseToggle(payload string) (id string, on bool, ok bool) {
	i := strings.LastIndexByte(payload, ':')
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	id, state := payload[:i], strings.ToLower(payload[i+1:])
	switch state {
	case "on", "true":
		return id, true, true
	case "off", "false":
		return id, false, true
	}
	return "", false, false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
