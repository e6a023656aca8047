package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xela07ax/spaceai-sentinel/internal/breaker"
	"github.com/xela07ax/spaceai-sentinel/internal/console/handler"
	"github.com/xela07ax/spaceai-sentinel/internal/console/server"
	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/infra"
	"github.com/xela07ax/spaceai-sentinel/internal/offline"
	"github.com/xela07ax/spaceai-sentinel/internal/remote"
	"github.com/xela07ax/spaceai-sentinel/internal/telemetry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// guardedRemote оборачивает вызовы центрального API в предохранитель:
// открытый контур читается координатором как временный сетевой сбой,
// операция остается в очереди.
type guardedRemote struct {
	inner    offline.RemoteClient
	breakers *breaker.Manager
}

func (g *guardedRemote) Submit(ctx context.Context, op domain.QueuedOperation, force bool) error {
	err := g.breakers.Execute("central-api", func() error {
		return g.inner.Submit(ctx, op, force)
	})
	var open *breaker.CircuitOpenError
	if errors.As(err, &open) {
		return &offline.TransientNetworkError{Cause: err}
	}
	return err
}

func main() {
	// 1. Конфигурация и инфраструктура
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Queue.RemoteURL == "" {
		log.Fatal("queue.remote_url is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Метрики
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		logger.Info("metrics listener started", zap.String("addr", addr))
		log.Fatal(http.ListenAndServe(addr, mux))
	}()

	// 3. Очередь и синхронизация
	queue, err := offline.NewQueue(cfg.Queue, offline.NewRedisStorage(rdb, logger), metrics, logger)
	if err != nil {
		log.Fatalf("Failed to restore offline queue: %v", err)
	}

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	}, logger)
	breakers.OnStateChange(func(name string, s breaker.State) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(s))
		// Снапшот состояния в Redis: центр видит предохранители edge
		if err := rdb.Set(appCtx, infra.GetBreakerStateKey(name), s.String(), 0).Err(); err != nil {
			logger.Debug("breaker state publish failed", zap.String("dependency", name), zap.Error(err))
		}
	})

	client := &guardedRemote{
		inner:    remote.NewClient(cfg.Queue.RemoteURL, cfg.Actions.HTTPTimeout, logger),
		breakers: breakers,
	}
	coordinator := offline.NewCoordinator(queue, client, rdb, nil, metrics, logger)
	// Стартуем в онлайне: офлайн объявляется сигналом или оператором
	coordinator.SetOnline(appCtx, true)

	// Управляющие сигналы из центра: "network:off", "queue:on" и т.п.
	go infra.ListenSignalsResilient(appCtx, rdb, logger, infra.RedisChanOfflineSignal,
		func() error {
			// После переподключения к Redis добираем пропущенное состояние синком
			if _, err := coordinator.Sync(appCtx); err != nil && !errors.Is(err, offline.ErrOffline) {
				return err
			}
			return nil
		},
		func(name string, enabled bool) {
			coordinator.HandleSignal(appCtx, name, enabled)
		},
	)

	// 4. Локальный API очереди
	console := server.NewConsoleServer(
		cfg,
		logger,
		nil, nil, nil, nil,
		handler.NewBreakerHandler(breakers),
		handler.NewQueueHandler(queue, coordinator),
		nil,
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 5. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Edge agent started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("Edge agent stopping...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server Shutdown Failed: %+v", err)
	}
	logger.Info("Edge agent exited properly")
}
