package bot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"riskengine/internal/models"
)

// ============================================================
// Prometheus метрики движка
// ============================================================

// ============ Латентность ============

// RefreshLatency - время обновления стакана и сделок одной пары
var RefreshLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "riskengine",
		Subsystem: "market",
		Name:      "refresh_latency_ms",
		Help:      "Time to refresh orderbook and trades for one exchange/pair in milliseconds",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	},
	[]string{"exchange"},
)

// ExchangeCallLatency - время одного обращения к бирже
var ExchangeCallLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "riskengine",
		Subsystem: "exchange",
		Name:      "call_latency_ms",
		Help:      "Latency of a single exchange call in milliseconds",
		Buckets:   []float64{10, 25, 50, 100, 200, 500, 1000, 2000, 5000},
	},
	[]string{"exchange", "op"},
)

// ExchangeCallErrors - ошибки обращений к бирже
var ExchangeCallErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "exchange",
		Name:      "call_errors_total",
		Help:      "Number of failed exchange calls",
	},
	[]string{"exchange", "op"},
)

// OrderLatency - время исполнения ноги
var OrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "riskengine",
		Subsystem: "trading",
		Name:      "order_latency_ms",
		Help:      "Time to execute one order leg in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"exchange", "side"},
)

// ============ Возможности ============

// OpportunitiesDetected - найденные возможности по типу
var OpportunitiesDetected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "trading",
		Name:      "opportunities_detected_total",
		Help:      "Number of arbitrage opportunities detected",
	},
	[]string{"type"},
)

// OpportunitiesDiscarded - отброшенные перед исполнением
var OpportunitiesDiscarded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "trading",
		Name:      "opportunities_discarded_total",
		Help:      "Number of opportunities discarded before execution",
	},
	[]string{"type", "reason"}, // stale, position_limit, liquidity, size
)

// OpportunitiesExecuted - исполненные возможности
var OpportunitiesExecuted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "trading",
		Name:      "opportunities_executed_total",
		Help:      "Number of executed opportunities by result",
	},
	[]string{"type", "result"}, // success, failed, unwound, unwind_failed
)

// ProfitObserved - прибыльность найденных возможностей
var ProfitObserved = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "riskengine",
		Subsystem: "trading",
		Name:      "opportunity_score",
		Help:      "Score of detected opportunities (profit ratio or |z|)",
		Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 1, 2, 3, 5},
	},
	[]string{"type"},
)

// ============ Ноги ============

// LegsFailed - неисполненные ноги
var LegsFailed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "trading",
		Name:      "legs_failed_total",
		Help:      "Number of failed order legs",
	},
	[]string{"exchange"},
)

// LegsUnwound - откаченные ноги
var LegsUnwound = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "trading",
		Name:      "legs_unwound_total",
		Help:      "Number of filled legs unwound after a partial failure",
	},
	[]string{"exchange", "result"}, // ok, failed
)

// ============ Риск ============

// StopLossTriggered - срабатывания стоп-лосса
var StopLossTriggered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "risk",
		Name:      "stop_loss_triggered_total",
		Help:      "Number of stop loss triggers",
	},
	[]string{"symbol"},
)

// AlertsRaised - алерты риск-монитора
var AlertsRaised = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "risk",
		Name:      "alerts_total",
		Help:      "Number of risk alerts raised",
	},
	[]string{"level", "metric"},
)

// ============ Состояние ============

// OpenPositions - открытые позиции
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskengine",
		Subsystem: "portfolio",
		Name:      "open_positions",
		Help:      "Current number of open positions",
	},
)

// Equity - текущий капитал в валюте котировки
var Equity = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskengine",
		Subsystem: "portfolio",
		Name:      "equity",
		Help:      "Current account equity",
	},
)

// RealizedPnl - накопленный реализованный PnL
var RealizedPnl = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskengine",
		Subsystem: "portfolio",
		Name:      "realized_pnl",
		Help:      "Realized PnL accumulated since start",
	},
)

// ExchangeBalance - баланс по биржам
var ExchangeBalance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "riskengine",
		Subsystem: "exchange",
		Name:      "balance",
		Help:      "Exchange balance in the quote currency",
	},
	[]string{"exchange"},
)

// BufferOverflows - переполнения буферов каналов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskengine",
		Subsystem: "runtime",
		Name:      "buffer_overflows_total",
		Help:      "Number of channel buffer overflows (events dropped)",
	},
	[]string{"buffer"}, // stop_queue
)

// ============ Вспомогательные функции ============

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// RecordExchangeCall - наблюдатель для exchange.Guarded
func RecordExchangeCall(exchangeName, op string, elapsed time.Duration, err error) {
	ExchangeCallLatency.WithLabelValues(exchangeName, op).Observe(ms(elapsed))
	if err != nil {
		ExchangeCallErrors.WithLabelValues(exchangeName, op).Inc()
	}
}

// RecordBufferOverflow записывает переполнение буфера
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// RecordOpportunity записывает найденную возможность
func RecordOpportunity(opp models.ArbitrageOpportunity) {
	OpportunitiesDetected.WithLabelValues(string(opp.Type)).Inc()
	ProfitObserved.WithLabelValues(string(opp.Type)).Observe(opp.Score().InexactFloat64())
}

// RecordDiscard записывает отброшенную возможность
func RecordDiscard(t models.OpportunityType, reason string) {
	OpportunitiesDiscarded.WithLabelValues(string(t), reason).Inc()
}

// RecordExecution записывает результат исполнения
func RecordExecution(t models.OpportunityType, result string) {
	OpportunitiesExecuted.WithLabelValues(string(t), result).Inc()
}

// RecordAlert записывает алерт
func RecordAlert(a models.Alert) {
	AlertsRaised.WithLabelValues(string(a.Level), a.Metric).Inc()
}

// UpdatePortfolio обновляет метрики портфеля
func UpdatePortfolio(open int, equity, realized decimal.Decimal) {
	OpenPositions.Set(float64(open))
	Equity.Set(equity.InexactFloat64())
	RealizedPnl.Set(realized.InexactFloat64())
}
