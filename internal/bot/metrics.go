package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики движка
// ============================================================
//
// Регистрируются в глобальном реестре при импорте пакета,
// отдаются через /metrics (internal/api).

// ============ Латентность ============

// DecisionToOrderLatency - от решения до подтверждения ордера площадкой
var DecisionToOrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "crossarb",
		Subsystem: "execution",
		Name:      "decision_to_order_latency_ms",
		Help:      "Latency from decision to order acknowledgement in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	},
	[]string{"venue", "role"},
)

// QuoteUpdateLatency - время применения котировки агрегатором
var QuoteUpdateLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "crossarb",
		Subsystem: "market",
		Name:      "quote_update_latency_ms",
		Help:      "Time to apply a quote update in milliseconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
	},
	[]string{"venue"},
)

// EvaluationLatency - время оценки спреда
var EvaluationLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "crossarb",
		Subsystem: "market",
		Name:      "evaluation_latency_ms",
		Help:      "Time to evaluate spreads in milliseconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1},
	},
)

// ============ Счётчики ============

// EventsProcessed - обработанные события по типам
var EventsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "engine",
		Name:      "events_processed_total",
		Help:      "Total number of processed events",
	},
	[]string{"type"}, // quote, fill, evaluation, status
)

// TradesTotal - закрытые парные сделки по исходу
var TradesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "execution",
		Name:      "trades_total",
		Help:      "Total number of closed paired trades",
	},
	[]string{"instrument", "outcome"},
)

// HedgeRetries - повторные попытки хеджа
var HedgeRetries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "execution",
		Name:      "hedge_retries_total",
		Help:      "Number of hedge retry attempts",
	},
	[]string{"venue"},
)

// EstimatedPnl - накопленная оценка PnL (spread * hedged size)
var EstimatedPnl = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "execution",
		Name:      "estimated_pnl_quote",
		Help:      "Cumulative estimated PnL in quote currency",
	},
)

// NoDecisions - тики без решения по причине
var NoDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "market",
		Name:      "no_decision_total",
		Help:      "Evaluation ticks without decision by reason",
	},
	[]string{"reason"}, // stale, below_threshold, position_limit, in_flight, cooldown, halted, paused
)

// ReconnectAttempts - попытки переподключения коннекторов
var ReconnectAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "venue",
		Name:      "reconnect_attempts_total",
		Help:      "Venue reconnect attempts",
	},
	[]string{"venue", "channel"},
)

// ============ Состояние ============

// VenueConnections - статус подключения площадок
var VenueConnections = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "venue",
		Name:      "connection_status",
		Help:      "Venue connection status (1=connected, 0=disconnected)",
	},
	[]string{"venue"},
)

// VenuePosition - подтверждённая позиция по площадкам
var VenuePosition = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "position",
		Name:      "net_quantity",
		Help:      "Committed net position per venue",
	},
	[]string{"venue"},
)

// VenueBalance - капитал счёта по площадкам
var VenueBalance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "venue",
		Name:      "balance",
		Help:      "Account equity per venue in quote currency",
	},
	[]string{"venue"},
)

// PositionDrift - расхождение площадки с трекером
var PositionDrift = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "position",
		Name:      "drift_quantity",
		Help:      "Venue reported position minus tracker committed position",
	},
	[]string{"venue"},
)

// InFlight - есть ли парная сделка в работе
var InFlight = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "execution",
		Name:      "in_flight",
		Help:      "1 while a paired trade is in flight",
	},
)

// Halted - остановлено ли принятие решений
var Halted = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "engine",
		Name:      "halted",
		Help:      "1 while decisioning is halted",
	},
)

// SpreadObserved - наблюдаемые спреды по направлению
var SpreadObserved = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "market",
		Name:      "spread_quote",
		Help:      "Last observed spread in quote currency per unit",
	},
	[]string{"direction"},
)

// ============ Буферы ============

// BufferOverflows - переполнения буферов каналов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "engine",
		Name:      "buffer_overflows_total",
		Help:      "Number of channel buffer overflows (items dropped)",
	},
	[]string{"buffer"}, // event, notification, ingest
)

// BufferBacklog - заполненность буфера в момент переполнения
var BufferBacklog = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "engine",
		Name:      "buffer_backlog_ratio",
		Help:      "Buffer fill ratio observed on overflow",
	},
	[]string{"buffer"},
)

// ============ Вспомогательные функции ============

// RecordQuoteUpdate записывает латентность применения котировки
func RecordQuoteUpdate(venue string, latencyMs float64) {
	QuoteUpdateLatency.WithLabelValues(venue).Observe(latencyMs)
	EventsProcessed.WithLabelValues("quote").Inc()
}

// RecordOrderAck записывает латентность от решения до подтверждения ордера
func RecordOrderAck(venue, role string, latencyMs float64) {
	DecisionToOrderLatency.WithLabelValues(venue, role).Observe(latencyMs)
}

// RecordTrade записывает закрытую сделку
func RecordTrade(instrument, outcome string, totalPnl float64) {
	TradesTotal.WithLabelValues(instrument, outcome).Inc()
	EstimatedPnl.Set(totalPnl)
}

// RecordNoDecision записывает причину отсутствия решения
func RecordNoDecision(reason string) {
	NoDecisions.WithLabelValues(reason).Inc()
}

// RecordBufferOverflow записывает переполнение буфера
func RecordBufferOverflow(buffer string) {
	BufferOverflows.WithLabelValues(buffer).Inc()
}

// RecordBufferBacklog записывает заполненность буфера
func RecordBufferBacklog(buffer string, capacity, length int) {
	if capacity <= 0 {
		return
	}
	BufferBacklog.WithLabelValues(buffer).Set(float64(length) / float64(capacity))
}

// UpdateVenueStatus обновляет статус площадки
func UpdateVenueStatus(venue string, connected bool) {
	if connected {
		VenueConnections.WithLabelValues(venue).Set(1)
	} else {
		VenueConnections.WithLabelValues(venue).Set(0)
	}
}

// SetInFlight обновляет признак сделки в работе
func SetInFlight(active bool) {
	if active {
		InFlight.Set(1)
	} else {
		InFlight.Set(0)
	}
}

// SetHalted обновляет признак остановки
func SetHalted(halted bool) {
	if halted {
		Halted.Set(1)
	} else {
		Halted.Set(0)
	}
}

// RecordSpreads записывает оба спреда
func RecordSpreads(long, short float64) {
	SpreadObserved.WithLabelValues("long").Set(long)
	SpreadObserved.WithLabelValues("short").Set(short)
}
