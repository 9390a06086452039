package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"riskengine/internal/api/handlers"
	"riskengine/internal/api/middleware"
	"riskengine/pkg/utils"
)

// Dependencies содержит все зависимости для ops API
type Dependencies struct {
	Portfolio handlers.PortfolioReader
	Risk      handlers.RiskReader
	Balances  handlers.BalanceReader

	// Liquidity - кэш оценок ликвидности; nil отключает маршрут
	Liquidity handlers.LiquidityReader

	// Notifications - журнал уведомлений; nil, если журнал выключен
	Notifications handlers.NotificationStore

	// Stream - обработчик /ws (websocket.Hub.ServeWS); nil отключает маршрут
	Stream http.HandlerFunc

	// Verifier проверяет bearer-токен; без него /api/v1 и /ws не монтируются
	Verifier middleware.TokenVerifier

	AllowedOrigins []string
	Logger         *zap.Logger
}

// SetupRoutes настраивает все HTTP маршруты ops API
//
// Структура маршрутов:
//
//	/health - liveness, без auth
//	/metrics - Prometheus, без auth
//	/api/v1/
//	├── GET /positions - открытые позиции
//	├── GET /positions/closed - история закрытых
//	├── GET /risk - состояние риск-монитора
//	├── GET /alerts - алерты
//	├── GET /balances - балансы бирж
//	├── GET /liquidity?symbol= - последняя оценка ликвидности
//	├── GET /notifications - журнал (если включён)
//	└── DELETE /notifications - очистка старых записей
//	/ws - поток событий (auth через access_token)
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. Auth (только /api/v1 и /ws)
//
// Без Verifier (OPS_TOKEN_HASH не задан) остаются только /health и /metrics.
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if deps.Verifier == nil {
		utils.NopIfNil(deps.Logger).Warn("ops token is not configured, only /health and /metrics are served")
		return router
	}
	auth := middleware.BearerAuth(deps.Verifier, deps.Logger)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth)

	engine := handlers.NewEngineHandler(deps.Portfolio, deps.Risk, deps.Balances)
	api.HandleFunc("/positions", engine.GetPositions).Methods(http.MethodGet)
	api.HandleFunc("/positions/closed", engine.GetClosedPositions).Methods(http.MethodGet)
	api.HandleFunc("/risk", engine.GetRiskState).Methods(http.MethodGet)
	api.HandleFunc("/alerts", engine.GetAlerts).Methods(http.MethodGet)
	api.HandleFunc("/balances", engine.GetBalances).Methods(http.MethodGet)

	if deps.Liquidity != nil {
		api.HandleFunc("/liquidity", handlers.NewLiquidityHandler(deps.Liquidity).GetLiquidity).Methods(http.MethodGet)
	}

	if deps.Notifications != nil {
		notifications := handlers.NewNotificationHandler(deps.Notifications)
		api.HandleFunc("/notifications", notifications.GetNotifications).Methods(http.MethodGet)
		api.HandleFunc("/notifications", notifications.ClearNotifications).Methods(http.MethodDelete)
	}

	if deps.Stream != nil {
		router.Handle("/ws", auth(deps.Stream)).Methods(http.MethodGet)
	}

	return router
}
