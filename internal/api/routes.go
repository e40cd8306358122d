package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crossarb/internal/api/handlers"
	"crossarb/internal/api/middleware"
	"crossarb/internal/service"
	"crossarb/internal/websocket"
	"crossarb/pkg/utils"
)

// Dependencies содержит все зависимости для API handlers; любая может быть nil
type Dependencies struct {
	Engine              handlers.EngineController
	JournalService      service.JournalServiceInterface
	StatsService        service.StatsServiceInterface
	NotificationService service.NotificationServiceInterface
	Hub                 *websocket.Hub

	OperatorTokenHash string
	AllowedOrigins    []string
	Logger            *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── GET /status - состояние движка
//	├── GET /trades - последние сделки (?outcome=, ?limit=)
//	├── GET /trades/{id} - сделка и её события
//	├── GET /events - события журнала (?type=, ?limit=)
//	├── GET /stats - статистика
//	├── GET /notifications - уведомления (?types=, ?limit=)
//	└── операторские команды (Bearer токен):
//	    ├── POST /halt
//	    ├── POST /clear-halt
//	    ├── POST /reconcile
//	    └── DELETE /notifications
//
// /ws - WebSocket поток status / trade / notification / stats
// /metrics - Prometheus
// /health - проверка живости
//
// Middleware применяется в следующем порядке:
// 1. CORS (до маршрутизации, чтобы отвечать на preflight)
// 2. Recovery (для всех маршрутов)
// 3. Logging (для всех маршрутов)
// 4. OperatorAuth (только для команд)
func SetupRoutes(deps *Dependencies) http.Handler {
	if deps == nil {
		deps = &Dependencies{}
	}

	router := mux.NewRouter()

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))

	engineHandler := handlers.NewEngineHandler(deps.Engine)
	tradeHandler := handlers.NewTradeHandler(deps.JournalService)
	statsHandler := handlers.NewStatsHandler(deps.StatsService)
	notificationHandler := handlers.NewNotificationHandler(deps.NotificationService)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", engineHandler.GetStatus).Methods("GET")
	api.HandleFunc("/trades", tradeHandler.GetTrades).Methods("GET")
	api.HandleFunc("/trades/{id}", tradeHandler.GetTrade).Methods("GET")
	api.HandleFunc("/events", tradeHandler.GetEvents).Methods("GET")
	api.HandleFunc("/stats", statsHandler.GetStats).Methods("GET")
	api.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods("GET")

	// Операторские команды
	ops := api.NewRoute().Subrouter()
	ops.Use(middleware.OperatorAuth(deps.OperatorTokenHash))
	ops.HandleFunc("/halt", engineHandler.Halt).Methods("POST")
	ops.HandleFunc("/clear-halt", engineHandler.ClearHalt).Methods("POST")
	ops.HandleFunc("/reconcile", engineHandler.Reconcile).Methods("POST")
	ops.HandleFunc("/notifications", notificationHandler.ClearNotifications).Methods("DELETE")

	// WebSocket route
	if deps.Hub != nil {
		router.HandleFunc("/ws", deps.Hub.ServeWS).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")

	return middleware.CORS(deps.AllowedOrigins)(router)
}
