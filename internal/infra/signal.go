package infra

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ListenSignalsResilient — универсальный цикл для "живучей" подписки на управляющие сигналы Redis.
// Обрабатывает переподключения, логирование и разбор сигналов.
func ListenSignalsResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error, // Callback для синхронизации состояния при переподключении
	onSignal func(name string, enabled bool), // Callback для обработки сигнала
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Синхронизируемся при каждом успешном коннекте
		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
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
					break loop // Канал закрыт, идем на переподключение
				}

				// Разбор формата "name:on" / "name:off"
				parts := strings.Split(msg.Payload, ":")
				if len(parts) != 2 {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}

				enabled := parts[1] == "true" || parts[1] == "on" // Гибкий парсинг
				onSignal(parts[0], enabled)
			}
		}

		pubsub.Close()
		time.Sleep(1 * time.Second)
	}
}
