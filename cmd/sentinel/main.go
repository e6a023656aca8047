package main

import (
	"context"
	"encoding/json"
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

	"github.com/xela07ax/spaceai-sentinel/internal/actions"
	"github.com/xela07ax/spaceai-sentinel/internal/alert"
	"github.com/xela07ax/spaceai-sentinel/internal/breaker"
	"github.com/xela07ax/spaceai-sentinel/internal/console/handler"
	"github.com/xela07ax/spaceai-sentinel/internal/console/server"
	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/history"
	"github.com/xela07ax/spaceai-sentinel/internal/infra"
	"github.com/xela07ax/spaceai-sentinel/internal/repository/postgres"
	"github.com/xela07ax/spaceai-sentinel/internal/rollback"
	"github.com/xela07ax/spaceai-sentinel/internal/snapshot"
	"github.com/xela07ax/spaceai-sentinel/internal/telemetry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Журнал контура уходит в Postgres пачками
	dbURL := cfg.Database.URL
	if dbURL == "" {
		dbURL = os.Getenv("DB_URL")
	}
	if dbURL == "" {
		log.Fatal("database.url (or DB_URL) is required")
	}
	historyRepo := postgres.NewHistoryRepo(dbURL)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := historyRepo.Ping(pingCtx); err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}
	pingCancel()

	recorder := history.NewRecorder(historyRepo, logger)
	recorder.Start()

	// Контекст жизненного цикла фоновых горутин
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

	// 3. Ядро мониторинга
	buf := snapshot.NewBuffer(cfg.Alerting.Retention)

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	}, logger)
	breakers.OnStateChange(func(name string, s breaker.State) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(s))
		// Снапшот состояния в Redis, чтобы соседние процессы видели предохранители
		if err := rdb.Set(appCtx, infra.GetBreakerStateKey(name), s.String(), 0).Err(); err != nil {
			logger.Debug("breaker state publish failed", zap.String("dependency", name), zap.Error(err))
		}
	})

	// Реестр обработчиков действий. Все исходящие типы — HTTP-вызовы
	// внешних исполнителей; rollback замыкается на движок триггеров ниже.
	webhook := actions.NewWebhookHandler(cfg.Actions.HTTPTimeout, breakers, logger)
	var triggerEngine *rollback.TriggerEngine
	handlers := map[domain.ActionType]actions.Handler{
		domain.ActionEmail:         webhook,
		domain.ActionSlack:         webhook,
		domain.ActionWebhook:       webhook,
		domain.ActionPagerDuty:     webhook,
		domain.ActionTrafficSwitch: webhook,
		domain.ActionFeatureFlag:   webhook,
		domain.ActionCacheClear:    webhook,
		domain.ActionHealthCheck:   webhook,
		domain.ActionRollback: actions.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
			if triggerEngine == nil {
				return errors.New("rollback engine is not initialized yet")
			}
			return triggerEngine.RequestRollback(ctx, "alert action")
		}),
	}
	dispatcher, err := actions.NewDispatcher(handlers, actions.Config{
		RetryAttempts: cfg.Actions.RetryAttempts,
		RateLimit:     cfg.Actions.RateLimit,
		RateBurst:     cfg.Actions.RateBurst,
		CBTimeout:     cfg.Actions.CBTimeout,
		CBMaxRequests: cfg.Actions.CBMaxRequests,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to build action dispatcher: %v", err)
	}

	alertEngine := alert.NewEngine(cfg.Alerting, buf, dispatcher, rdb, recorder, metrics, logger)
	for _, rule := range alert.DefaultRules() {
		if err := alertEngine.RegisterRule(rule); err != nil {
			log.Fatalf("Failed to register default rule %s: %v", rule.ID, err)
		}
	}

	executor := rollback.NewExecutor(cfg.Rollback,
		rollback.NewActionRunner(dispatcher),
		alertEngine, // проваленный откат поднимает критичный алерт на человека
		rdb, recorder, metrics, logger,
	)
	triggerEngine = rollback.NewTriggerEngine(cfg.Rollback, buf, executor, rdb, metrics, logger)

	go alertEngine.Start(appCtx)
	go triggerEngine.Start(appCtx)

	// 4. Management API
	console := server.NewConsoleServer(
		cfg,
		logger,
		handler.NewSnapshotHandler(buf),
		handler.NewRuleHandler(alertEngine),
		handler.NewAlertHandler(alertEngine),
		handler.NewRollbackHandler(executor, triggerEngine),
		handler.NewBreakerHandler(breakers),
		nil, // очередь живет в edge-бинаре
		handler.NewHistoryHandler(historyRepo),
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
		logger.Info("Sentinel started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("Sentinel stopping...")
	cancel()

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server Shutdown Failed: %+v", err)
	}
	// Дожимаем хвост журнала в базу
	recorder.Stop()
	historyRepo.Close()
	logger.Info("Sentinel exited properly")
}
