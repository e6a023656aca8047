package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-sentinel/internal/console/handler"
	"github.com/xela07ax/spaceai-sentinel/internal/infra"
	"go.uber.org/zap"
)

// ConsoleServer — management API контура. Группы роутов монтируются
// только при переданном обработчике: sentinel поднимает мониторинг и
// откаты, edge — офлайн-очередь.
type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	// Обработчики бизнес-доменов
	snapshotHandler *handler.SnapshotHandler // /v1/snapshots
	ruleHandler     *handler.RuleHandler     // /v1/rules
	alertHandler    *handler.AlertHandler    // /v1/alerts
	rollbackHandler *handler.RollbackHandler // /v1/rollback
	breakerHandler  *handler.BreakerHandler  // /v1/breakers
	queueHandler    *handler.QueueHandler    // /v1/queue (edge)
	historyHandler  *handler.HistoryHandler  // /v1/history
}

// NewConsoleServer инициализирует management API со всеми зависимостями
func NewConsoleServer(
	cfg *infra.Config,
	logger *zap.Logger,
	snapshotH *handler.SnapshotHandler,
	ruleH *handler.RuleHandler,
	alertH *handler.AlertHandler,
	rollbackH *handler.RollbackHandler,
	breakerH *handler.BreakerHandler,
	queueH *handler.QueueHandler,
	historyH *handler.HistoryHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		cfg:             cfg,
		snapshotHandler: snapshotH,
		ruleHandler:     ruleH,
		alertHandler:    alertH,
		rollbackHandler: rollbackH,
		breakerHandler:  breakerH,
		queueHandler:    queueH,
		historyHandler:  historyH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Healthcheck для мониторинга
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 2. Прием метрик (push-only) ---
	if s.snapshotHandler != nil {
		r.Post("/v1/snapshots", s.snapshotHandler.Ingest)
	}

	// --- 3. Правила алертинга ---
	if s.ruleHandler != nil {
		r.Route("/v1/rules", func(r chi.Router) {
			r.Get("/", s.ruleHandler.List)
			r.Post("/", s.ruleHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.ruleHandler.Get)
				r.Put("/", s.ruleHandler.Update)
				r.Delete("/", s.ruleHandler.Delete)
			})
		})
	}

	// --- 4. Алерты: активные, история, ручные операции ---
	if s.alertHandler != nil {
		r.Route("/v1/alerts", func(r chi.Router) {
			r.Get("/", s.alertHandler.Active)
			r.Get("/history", s.alertHandler.History)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/resolve", s.alertHandler.Resolve)
				r.Post("/suppress", s.alertHandler.Suppress)
			})
		})
	}

	// --- 5. Откаты: планы, исполнения, триггеры ---
	if s.rollbackHandler != nil {
		r.Route("/v1/rollback", func(r chi.Router) {
			r.Route("/plans", func(r chi.Router) {
				r.Get("/", s.rollbackHandler.ListPlans)
				r.Post("/", s.rollbackHandler.CreatePlan)
				r.Post("/{id}/execute", s.rollbackHandler.Execute)
			})
			r.Get("/executions", s.rollbackHandler.ListExecutions)
			r.Route("/triggers", func(r chi.Router) {
				r.Get("/", s.rollbackHandler.ListTriggers)
				r.Post("/", s.rollbackHandler.CreateTrigger)
				r.Delete("/{id}", s.rollbackHandler.DeleteTrigger)
			})
		})
	}

	// --- 6. Предохранители: read-only снапшот для дашбордов ---
	if s.breakerHandler != nil {
		r.Get("/v1/breakers", s.breakerHandler.Metrics)
	}

	// --- 7. Офлайн-очередь (edge) ---
	if s.queueHandler != nil {
		r.Route("/v1/queue", func(r chi.Router) {
			r.Get("/", s.queueHandler.List)
			r.Post("/", s.queueHandler.Enqueue)
			r.Delete("/{id}", s.queueHandler.Remove)
			r.Post("/clear", s.queueHandler.Clear)
			r.Patch("/config", s.queueHandler.UpdateConfig)
			r.Post("/sync", s.queueHandler.Sync)
		})
	}

	// --- 8. Журнал контура (Observability) ---
	if s.historyHandler != nil {
		r.Get("/v1/history", s.historyHandler.Recent)
	}
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
